package tcp

import (
	"fmt"
	"time"

	"github.com/quietriver/rawtcp/internal/tcpip"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

// SegmentSender is the "can-send" collaborator (spec.md §9): the raw
// send-socket boundary, stubbable in tests.
type SegmentSender interface {
	Send(wire []byte) error
}

// pendingSegment is one outstanding, unacknowledged transmission.
type pendingSegment struct {
	wire   []byte
	length uint64
	sentAt time.Time
}

// Sender owns the outbound sequence-number space and retransmission map
// for one direction of a connection (spec.md §4.8).
type Sender struct {
	out SegmentSender

	localISN wrap32.Wrap32
	srcIP    [4]byte
	dstIP    [4]byte
	srcPort  uint16
	dstPort  uint16

	nextSeqNo    uint64
	unackedSeqNo uint64
	peerWindow   uint16

	inFlight map[uint64]pendingSegment
}

// NewSender constructs a Sender for one 4-tuple, transmitting through out.
func NewSender(out SegmentSender, localISN wrap32.Wrap32, srcIP, dstIP [4]byte, srcPort, dstPort uint16) *Sender {
	return &Sender{
		out:      out,
		localISN: localISN,
		srcIP:    srcIP,
		dstIP:    dstIP,
		srcPort:  srcPort,
		dstPort:  dstPort,
		inFlight: make(map[uint64]pendingSegment),
	}
}

func (s *Sender) SendSyn(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagSYN, ackNo, window, nil)
}

func (s *Sender) SendSynAck(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagSYN|tcpip.TCPFlagACK, ackNo, window, nil)
}

func (s *Sender) SendAck(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagACK, ackNo, window, nil)
}

func (s *Sender) SendFin(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagFIN, ackNo, window, nil)
}

func (s *Sender) SendFinAck(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagFIN|tcpip.TCPFlagACK, ackNo, window, nil)
}

func (s *Sender) SendRst(ackNo wrap32.Wrap32, window uint16) error {
	return s.sendSegment(tcpip.TCPFlagRST, ackNo, window, nil)
}

func (s *Sender) SendData(ackNo wrap32.Wrap32, window uint16, payload []byte) error {
	return s.sendSegment(tcpip.TCPFlagACK|tcpip.TCPFlagPSH, ackNo, window, payload)
}

// sendSegment builds the segment via the SegmentBuilder, submits it to the
// raw-socket boundary, records it in the retransmission map, and advances
// nextSeqNo by the sequence space it consumes.
func (s *Sender) sendSegment(flags tcpip.TCPFlags, ackNo wrap32.Wrap32, window uint16, payload []byte) error {
	seqAbs := s.nextSeqNo
	wireSeq := wrap32.Wrap(seqAbs, s.localISN)

	wire, err := NewSegmentBuilder(s.srcIP, s.dstIP, s.srcPort, s.dstPort).
		WithSeqNo(wireSeq).
		WithAckNo(ackNo).
		WithFlags(flags).
		WithWindow(window).
		WithPayload(payload).
		Build()
	if err != nil {
		return fmt.Errorf("send segment: %w", err)
	}

	if err := s.out.Send(wire); err != nil {
		return fmt.Errorf("send segment: %w", err)
	}

	consumed := uint64(len(payload))
	if flags.Has(tcpip.TCPFlagSYN) {
		consumed++
	}
	if flags.Has(tcpip.TCPFlagFIN) {
		consumed++
	}

	s.inFlight[seqAbs] = pendingSegment{wire: wire, length: consumed, sentAt: time.Now()}
	s.nextSeqNo += consumed
	return nil
}

// Acknowledge processes an incoming ACK. If ackNo is strictly newer than
// the current unacked checkpoint, it advances unackedSeqNo, prunes every
// fully-acknowledged segment from the retransmission map, and records the
// peer's advertised window. Returns whether the ACK advanced anything.
func (s *Sender) Acknowledge(ackNo wrap32.Wrap32, window uint16) bool {
	ackAbs := ackNo.Unwrap(s.localISN, s.unackedSeqNo)
	if ackAbs <= s.unackedSeqNo {
		return false
	}

	s.unackedSeqNo = ackAbs
	s.peerWindow = window

	for seq, p := range s.inFlight {
		if seq+p.length <= s.unackedSeqNo {
			delete(s.inFlight, seq)
		}
	}
	return true
}

// RetransmitOldest re-sends the lowest-sequence segment still in the
// retransmission map. A no-op (returns nil) if nothing is outstanding.
func (s *Sender) RetransmitOldest() error {
	if len(s.inFlight) == 0 {
		return nil
	}

	var oldestSeq uint64
	found := false
	for seq := range s.inFlight {
		if !found || seq < oldestSeq {
			oldestSeq = seq
			found = true
		}
	}

	p := s.inFlight[oldestSeq]
	if err := s.out.Send(p.wire); err != nil {
		return fmt.Errorf("retransmit oldest: %w", err)
	}
	p.sentAt = time.Now()
	s.inFlight[oldestSeq] = p
	return nil
}

// NextSeqNo returns the absolute sequence number (byte offset from the
// local ISN) the next segment will be sent with.
func (s *Sender) NextSeqNo() uint64 {
	return s.nextSeqNo
}

// UnackedSeqNo returns the absolute sequence number of the oldest byte
// not yet acknowledged.
func (s *Sender) UnackedSeqNo() uint64 {
	return s.unackedSeqNo
}

// PeerWindow returns the most recently observed advertised window.
func (s *Sender) PeerWindow() uint16 {
	return s.peerWindow
}

// InFlightCount returns the number of segments awaiting acknowledgment.
func (s *Sender) InFlightCount() int {
	return len(s.inFlight)
}
