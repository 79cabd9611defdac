package netio

import (
	"errors"
	"net/netip"
	"sync"
)

// MaxDatagramSize is the largest IPv4 datagram this shim will read into a
// single buffer (spec.md §6's MSS/MTU ceiling plus the IP header).
const MaxDatagramSize = 65535

// recvBufferSize is the SO_RCVBUF applied to the raw receive socket, sized
// to absorb a burst of inbound segments ahead of the Manager's demux loop
// (SPEC_FULL.md §4.15).
const recvBufferSize = 2 * 1024 * 1024

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on an already-closed PacketConn.
	ErrSocketClosed = errors.New("raw socket closed")

	// ErrUnexpectedConnType indicates the runtime handed back a connection
	// type this package doesn't know how to configure.
	ErrUnexpectedConnType = errors.New("unexpected connection type")

	// ErrPoolType indicates the buffer pool returned a value of the wrong
	// underlying type.
	ErrPoolType = errors.New("packet pool returned unexpected type")
)

// -------------------------------------------------------------------------
// Transport Metadata
// -------------------------------------------------------------------------

// PacketMeta carries the IP-layer metadata read alongside a TCP segment:
// the endpoints and TTL a bare TCP header doesn't repeat (SPEC_FULL.md
// §4.15). Unlike the BFD listener this package is descended from, there is
// no GTSM convention to enforce here — TTL is carried for observability
// only, parsed straight out of the IP header the raw socket hands back.
type PacketMeta struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	TTL     uint8
}

// -------------------------------------------------------------------------
// PacketConn Interface
// -------------------------------------------------------------------------

// PacketConn is the raw-socket boundary: everything above it deals in
// whole IPv4 datagrams (a 20-byte IP header followed by one TCP segment)
// and never touches a socket directly. Implemented by the Linux raw
// socket pair in rawsock_linux.go and by MockPacketConn in tests.
type PacketConn interface {
	// ReadPacket reads one datagram into buf, returning the number of
	// bytes written and the IP-layer metadata parsed from its header.
	ReadPacket(buf []byte) (n int, meta PacketMeta, err error)

	// WritePacket sends a fully-built datagram, as produced by
	// tcpip.Wrap/WrapInto, to dst.
	WritePacket(buf []byte, dst netip.Addr) error

	// Close releases the underlying socket.
	Close() error

	// LocalAddr returns the address this connection is bound to, or the
	// unspecified address for a wildcard-bound raw socket.
	LocalAddr() netip.Addr
}

// -------------------------------------------------------------------------
// DatagramPool — sync.Pool for zero-allocation I/O
// -------------------------------------------------------------------------

// DatagramPool provides reusable buffers for raw-socket I/O, the same
// Get-before-read/Put-after-processing pattern as the BFD listener this
// package is descended from.
//
// Usage:
//
//	bufp := DatagramPool.Get().(*[]byte)
//	defer DatagramPool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
var DatagramPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}
