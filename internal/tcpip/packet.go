package tcpip

import "fmt"

// MaxPacketSize is the largest IPv4 datagram this codec will build or
// accept: the 64 KiB theoretical maximum for a TotalLen field placed on a
// safety margin appropriate for a single-MSS-per-segment TCP stack.
const MaxPacketSize = 65535

// Wrap serializes iph and tcph into a freshly allocated byte slice,
// deriving DataOffset, TotalLen, and both checksums. This is the
// allocating variant called out in spec.md §4.4; WrapInto is the
// zero-allocation counterpart for callers that own a reusable buffer.
func Wrap(iph IPHeader, tcph TCPHeader) ([]byte, error) {
	total := prepareLengths(&iph, &tcph)
	buf := make([]byte, total)
	if _, err := WrapInto(buf, iph, tcph); err != nil {
		return nil, err
	}
	return buf, nil
}

// WrapInto serializes iph and tcph into the caller-supplied buf, which must
// be at least IPHeaderSize + the TCP segment length. Returns the number of
// bytes written.
func WrapInto(buf []byte, iph IPHeader, tcph TCPHeader) (int, error) {
	total := prepareLengths(&iph, &tcph)
	if len(buf) < total {
		return 0, fmt.Errorf("wrap packet: need %d bytes, got %d: %w",
			total, len(buf), ErrBufferTooSmall)
	}

	if _, err := iph.Serialize(buf[:IPHeaderSize]); err != nil {
		return 0, fmt.Errorf("wrap packet: %w", err)
	}
	if _, err := tcph.Serialize(buf[IPHeaderSize:total], &iph); err != nil {
		return 0, fmt.Errorf("wrap packet: %w", err)
	}

	return total, nil
}

// prepareLengths derives DataOffset, TotalLen, and Protocol from the given
// headers, mutating them in place, and returns the total wire length.
func prepareLengths(iph *IPHeader, tcph *TCPHeader) int {
	optionsWords := len(tcph.Options) / 4
	tcph.DataOffset = 5 + uint8(optionsWords)

	segmentLen := int(tcph.DataOffset)*4 + len(tcph.Payload)
	iph.TotalLen = uint16(IPHeaderSize + segmentLen)
	if iph.Protocol == 0 {
		iph.Protocol = ProtocolTCP
	}
	if iph.Version == 0 {
		iph.Version = 4
	}
	if iph.IHL == 0 {
		iph.IHL = 5
	}

	return IPHeaderSize + segmentLen
}

// Unwrap parses bytes as an IPv4 datagram carrying a single TCP segment:
// 20 bytes of IP header, followed by bytes[20:iph.TotalLen] as the TCP
// segment. Both the IP and TCP checksums are verified; a failure in
// either returns that layer's error so the caller can drop the datagram
// silently per spec.md §7.
func Unwrap(buf []byte) (IPHeader, TCPHeader, error) {
	iph, err := ParseIPHeader(buf)
	if err != nil {
		return IPHeader{}, TCPHeader{}, fmt.Errorf("unwrap packet: %w", err)
	}

	if int(iph.TotalLen) > len(buf) {
		return IPHeader{}, TCPHeader{}, fmt.Errorf("unwrap packet: total_len %d exceeds buffer %d: %w",
			iph.TotalLen, len(buf), ErrBufferTooSmall)
	}

	tcph, err := ParseTCPHeader(buf[IPHeaderSize:iph.TotalLen], &iph)
	if err != nil {
		return IPHeader{}, TCPHeader{}, fmt.Errorf("unwrap packet: %w", err)
	}

	return iph, tcph, nil
}
