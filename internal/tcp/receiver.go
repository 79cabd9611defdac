package tcp

import (
	"github.com/quietriver/rawtcp/internal/reassembly"
	"github.com/quietriver/rawtcp/internal/stream"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

// Receiver turns inbound TCP segments into a committed byte stream
// (spec.md §4.7). It owns the Reassembler and, transitively, the
// ByteStream the application reads from.
type Receiver struct {
	reassembler *reassembly.Reassembler

	peerISN     wrap32.Wrap32
	synLatched  bool
	finReceived bool
}

// NewReceiver constructs a Receiver whose committed bytes land in a fresh
// ByteStream of the given capacity.
func NewReceiver(capacity uint64) *Receiver {
	return &Receiver{
		reassembler: reassembly.New(stream.New(capacity)),
	}
}

// SegmentReceived processes one inbound segment: on the first SYN, it
// latches the peer's ISN; for every segment it translates the wire
// sequence number into an absolute byte-stream index and hands the
// payload to the Reassembler. Reports false if the segment was dropped
// outright (data arriving before the connection's SYN is latched).
func (r *Receiver) SegmentReceived(seqNo wrap32.Wrap32, syn, fin bool, payload []byte) bool {
	if syn && !r.synLatched {
		r.peerISN = seqNo
		r.synLatched = true
	}
	if !r.synLatched {
		return false // data before SYN is unroutable; drop.
	}

	if fin {
		r.finReceived = true
	}

	if len(payload) == 0 && !fin {
		return true
	}

	seqAbs := seqNo.Unwrap(r.peerISN, r.reassembler.NextByteIdx())
	abs := seqAbs
	if abs > 0 {
		abs--
	}

	r.reassembler.Insert(abs, payload, fin)
	return true
}

// BytesPending returns the number of bytes currently buffered in the
// out-of-order reassembly queue, not yet committed to the byte stream.
func (r *Receiver) BytesPending() uint64 {
	return r.reassembler.BytesPending()
}

// Window is the number of bytes the local side is currently willing to
// accept beyond NextByteIdx — the downstream ByteStream's remaining
// capacity at the moment of ACK generation.
func (r *Receiver) Window() uint64 {
	return r.reassembler.Output().RemainingCapacity()
}

// AckNo computes the ACK number to transmit: the next expected absolute
// byte index, plus one for the consumed SYN slot once latched, plus one
// for the consumed FIN slot once its byte has actually been committed to
// the stream (never before — spec.md §9's "ACK-after-commit" resolution).
func (r *Receiver) AckNo() wrap32.Wrap32 {
	n := r.reassembler.NextByteIdx()
	if r.synLatched {
		n++
	}
	if r.finCommitted() {
		n++
	}
	return wrap32.Wrap(n, r.peerISN)
}

// finCommitted reports whether the FIN byte has been durably accepted:
// the output stream closes only once last_byte_idx is reached (spec.md
// §9's commit-then-close resolution), so IsClosed is exactly this signal.
func (r *Receiver) finCommitted() bool {
	return r.finReceived && r.reassembler.Output().IsClosed()
}

// NextByteIdx returns the first absolute byte index not yet committed.
func (r *Receiver) NextByteIdx() uint64 {
	return r.reassembler.NextByteIdx()
}

// Read delegates to the underlying Reassembler/ByteStream.
func (r *Receiver) Read(buf []byte) (int, error) {
	return r.reassembler.Read(buf)
}

// EOF reports whether the application has consumed every byte up to and
// including a committed FIN.
func (r *Receiver) EOF() bool {
	return r.reassembler.Output().EOF()
}

// SynLatched reports whether the peer's ISN has been observed.
func (r *Receiver) SynLatched() bool {
	return r.synLatched
}

// PeerISN returns the latched peer ISN. Only meaningful once SynLatched
// is true.
func (r *Receiver) PeerISN() wrap32.Wrap32 {
	return r.peerISN
}
