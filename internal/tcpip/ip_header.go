package tcpip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IPHeaderSize is the fixed IPv4 header length in bytes; options are not
// supported (spec.md §3: IHL is always 5).
const IPHeaderSize = 20

// ProtocolTCP is the IPv4 protocol number for TCP (RFC 790).
const ProtocolTCP uint8 = 6

// Sentinel errors for the IPv4 header codec.
var (
	// ErrBufferTooSmall indicates the caller-supplied buffer cannot hold
	// the structure being serialized or parsed.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrBadIPChecksum indicates the one's-complement sum of the 20-byte
	// IPv4 header does not equal 0xFFFF.
	ErrBadIPChecksum = errors.New("bad IP checksum")
)

// IPHeader is the fixed 20-byte IPv4 header (spec.md §3, §6). Options are
// not supported: IHL is always 5.
type IPHeader struct {
	Version  uint8 // always 4
	IHL      uint8 // always 5 (20-byte header, no options)
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    IPFlags
	FragOff  uint16 // 13 bits
	TTL      uint8
	Protocol uint8
	Checksum uint16
	SrcIP    [4]byte
	DstIP    [4]byte
}

// Serialize writes the 20-byte header into buf, computing and filling in
// the checksum field. Returns ErrBufferTooSmall if len(buf) < IPHeaderSize.
func (h *IPHeader) Serialize(buf []byte) (int, error) {
	if len(buf) < IPHeaderSize {
		return 0, fmt.Errorf("serialize IP header: need %d bytes, got %d: %w",
			IPHeaderSize, len(buf), ErrBufferTooSmall)
	}

	buf[0] = (h.Version << 4) | (h.IHL & 0x0F)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags.pack(h.FragOff))
	buf[8] = h.TTL
	buf[9] = h.Protocol
	buf[10], buf[11] = 0, 0 // checksum field zeroed before computing.
	copy(buf[12:16], h.SrcIP[:])
	copy(buf[16:20], h.DstIP[:])

	sum := checksum16(buf[:IPHeaderSize])
	binary.BigEndian.PutUint16(buf[10:12], sum)

	return IPHeaderSize, nil
}

// ParseIPHeader parses the 20-byte IPv4 header from buf. Returns
// ErrBufferTooSmall if len(buf) < IPHeaderSize, or ErrBadIPChecksum if the
// one's-complement sum of the 20 header bytes (including the transmitted
// checksum field) is not 0xFFFF.
func ParseIPHeader(buf []byte) (IPHeader, error) {
	var h IPHeader

	if len(buf) < IPHeaderSize {
		return h, fmt.Errorf("parse IP header: need %d bytes, got %d: %w",
			IPHeaderSize, len(buf), ErrBufferTooSmall)
	}

	// checksum16 folds the sum and complements it; a correctly checksummed
	// header (checksum field included in the sum this time) folds to
	// 0xFFFF before the complement, i.e. to 0 after it.
	if sum := checksum16(buf[:IPHeaderSize]); sum != 0 {
		return h, fmt.Errorf("parse IP header: sum=%#04x: %w", sum, ErrBadIPChecksum)
	}

	h.Version = buf[0] >> 4
	h.IHL = buf[0] & 0x0F
	h.TOS = buf[1]
	h.TotalLen = binary.BigEndian.Uint16(buf[2:4])
	h.ID = binary.BigEndian.Uint16(buf[4:6])
	h.Flags, h.FragOff = unpackIPFlags(binary.BigEndian.Uint16(buf[6:8]))
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.Checksum = binary.BigEndian.Uint16(buf[10:12])
	copy(h.SrcIP[:], buf[12:16])
	copy(h.DstIP[:], buf[16:20])

	return h, nil
}
