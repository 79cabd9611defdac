package tcpip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quietriver/rawtcp/internal/wrap32"
)

// TCPHeaderMinSize is the fixed portion of the TCP header, before options
// (spec.md §3: data_offset >= 5, i.e. at least 20 bytes).
const TCPHeaderMinSize = 20

// ErrBadTCPChecksum indicates the TCP checksum (computed over the
// pseudo-header, header, and payload) does not verify.
var ErrBadTCPChecksum = errors.New("bad TCP checksum")

// ErrInvalidDataOffset indicates a data_offset field smaller than the
// minimum 5 32-bit words.
var ErrInvalidDataOffset = errors.New("TCP data offset must be >= 5")

// TCPHeader is a TCP segment header plus its payload (spec.md §3, §6).
// Options are carried opaquely: this implementation does not interpret
// TCP option semantics beyond passing the bytes through length-correctly
// (spec.md Non-goals).
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNo      wrap32.Wrap32
	AckNo      wrap32.Wrap32
	DataOffset uint8 // in 32-bit words, >= 5
	Reserved   uint8 // 4 bits
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte
	Payload    []byte
}

// SegmentLen returns the total wire length of this header's segment: fixed
// header + options + payload.
func (h *TCPHeader) SegmentLen() int {
	return int(h.DataOffset)*4 + len(h.Payload)
}

// Serialize writes the TCP header, options, and payload into buf, computing
// the checksum over the IPv4 pseudo-header derived from iph. Returns the
// number of bytes written.
func (h *TCPHeader) Serialize(buf []byte, iph *IPHeader) (int, error) {
	if h.DataOffset < 5 {
		return 0, fmt.Errorf("serialize TCP header: %w", ErrInvalidDataOffset)
	}

	total := h.SegmentLen()
	if len(buf) < total {
		return 0, fmt.Errorf("serialize TCP header: need %d bytes, got %d: %w",
			total, len(buf), ErrBufferTooSmall)
	}

	optionsLen := int(h.DataOffset)*4 - TCPHeaderMinSize

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNo.Raw())
	binary.BigEndian.PutUint32(buf[8:12], h.AckNo.Raw())
	buf[12] = (h.DataOffset << 4) | (h.Reserved & 0x0F)
	buf[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	buf[16], buf[17] = 0, 0 // checksum field zeroed before computing.
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[TCPHeaderMinSize:TCPHeaderMinSize+optionsLen], h.Options)
	copy(buf[TCPHeaderMinSize+optionsLen:total], h.Payload)

	sum := tcpChecksum(iph.SrcIP, iph.DstIP, ProtocolTCP, buf[:total])
	binary.BigEndian.PutUint16(buf[16:18], sum)

	return total, nil
}

// ParseTCPHeader parses a TCP header, options, and payload from buf, using
// iph for pseudo-header checksum validation. buf must contain exactly one
// segment (spec.md §4.4: the caller slices bytes[20:iph.TotalLen] before
// calling this).
func ParseTCPHeader(buf []byte, iph *IPHeader) (TCPHeader, error) {
	var h TCPHeader

	if len(buf) < TCPHeaderMinSize {
		return h, fmt.Errorf("parse TCP header: need %d bytes, got %d: %w",
			TCPHeaderMinSize, len(buf), ErrBufferTooSmall)
	}

	dataOffset := buf[12] >> 4
	if dataOffset < 5 {
		return h, fmt.Errorf("parse TCP header: %w", ErrInvalidDataOffset)
	}

	headerLen := int(dataOffset) * 4
	if len(buf) < headerLen {
		return h, fmt.Errorf("parse TCP header: need %d bytes for options, got %d: %w",
			headerLen, len(buf), ErrBufferTooSmall)
	}

	if sum := tcpChecksum(iph.SrcIP, iph.DstIP, ProtocolTCP, buf); sum != 0 {
		return h, fmt.Errorf("parse TCP header: sum=%#04x: %w", sum, ErrBadTCPChecksum)
	}

	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.SeqNo = wrap32.New(binary.BigEndian.Uint32(buf[4:8]))
	h.AckNo = wrap32.New(binary.BigEndian.Uint32(buf[8:12]))
	h.DataOffset = dataOffset
	h.Reserved = buf[12] & 0x0F
	h.Flags = TCPFlags(buf[13])
	h.Window = binary.BigEndian.Uint16(buf[14:16])
	h.Checksum = binary.BigEndian.Uint16(buf[16:18])
	h.Urgent = binary.BigEndian.Uint16(buf[18:20])

	if headerLen > TCPHeaderMinSize {
		h.Options = append([]byte(nil), buf[TCPHeaderMinSize:headerLen]...)
	}
	if len(buf) > headerLen {
		h.Payload = append([]byte(nil), buf[headerLen:]...)
	}

	return h, nil
}
