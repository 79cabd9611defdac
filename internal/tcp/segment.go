package tcp

import (
	"github.com/quietriver/rawtcp/internal/tcpip"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

// SegmentBuilder is a fluent, one-shot builder for a single IPv4+TCP
// segment (spec.md §4.10). Source/destination IP and port are fixed at
// construction; every other field is set via its With* method, and Build
// derives DataOffset and TotalLen before handing off to the packet codec.
type SegmentBuilder struct {
	srcIP, dstIP     [4]byte
	srcPort, dstPort uint16

	ttl      uint8
	ipFlags  tcpip.IPFlags
	seqNo    wrap32.Wrap32
	ackNo    wrap32.Wrap32
	tcpFlags tcpip.TCPFlags
	window   uint16
	options  []byte
	payload  []byte
}

// NewSegmentBuilder constructs a builder with the 4-tuple and a default
// TTL of 64 and the IPv4 Don't-Fragment flag set, matching the defaults
// every connection in this stack uses.
func NewSegmentBuilder(srcIP, dstIP [4]byte, srcPort, dstPort uint16) *SegmentBuilder {
	return &SegmentBuilder{
		srcIP:   srcIP,
		dstIP:   dstIP,
		srcPort: srcPort,
		dstPort: dstPort,
		ttl:     64,
		ipFlags: tcpip.IPFlagDontFragment,
	}
}

func (b *SegmentBuilder) WithTTL(ttl uint8) *SegmentBuilder {
	b.ttl = ttl
	return b
}

func (b *SegmentBuilder) WithIPFlags(flags tcpip.IPFlags) *SegmentBuilder {
	b.ipFlags = flags
	return b
}

func (b *SegmentBuilder) WithSeqNo(seq wrap32.Wrap32) *SegmentBuilder {
	b.seqNo = seq
	return b
}

func (b *SegmentBuilder) WithAckNo(ack wrap32.Wrap32) *SegmentBuilder {
	b.ackNo = ack
	return b
}

func (b *SegmentBuilder) WithFlags(flags tcpip.TCPFlags) *SegmentBuilder {
	b.tcpFlags = flags
	return b
}

func (b *SegmentBuilder) WithWindow(window uint16) *SegmentBuilder {
	b.window = window
	return b
}

func (b *SegmentBuilder) WithOptions(options []byte) *SegmentBuilder {
	b.options = options
	return b
}

func (b *SegmentBuilder) WithPayload(payload []byte) *SegmentBuilder {
	b.payload = payload
	return b
}

// Build derives DataOffset and TotalLen and serializes the segment
// through the packet codec, returning the wire bytes ready for the raw
// send socket.
func (b *SegmentBuilder) Build() ([]byte, error) {
	iph := tcpip.IPHeader{
		Version:  4,
		IHL:      5,
		TTL:      b.ttl,
		Protocol: tcpip.ProtocolTCP,
		Flags:    b.ipFlags,
		SrcIP:    b.srcIP,
		DstIP:    b.dstIP,
	}
	tcph := tcpip.TCPHeader{
		SrcPort: b.srcPort,
		DstPort: b.dstPort,
		SeqNo:   b.seqNo,
		AckNo:   b.ackNo,
		Flags:   b.tcpFlags,
		Window:  b.window,
		Options: b.options,
		Payload: b.payload,
	}
	return tcpip.Wrap(iph, tcph)
}
