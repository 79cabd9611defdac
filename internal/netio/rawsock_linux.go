//go:build linux

package netio

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// rawConn is a raw IPv4 socket, either send-only (IPPROTO_RAW, with
// IP_HDRINCL so the caller's own IP header is transmitted verbatim) or
// receive-only (IPPROTO_TCP, which on Linux always hands the IP header
// back together with the TCP segment — no ancillary-data parsing needed,
// unlike the UDP/IP_PKTINFO path this package is descended from).
type rawConn struct {
	fd int

	mu     sync.Mutex
	closed bool
}

// NewRawSendConn opens a raw IPv4 socket for transmitting fully-built
// datagrams (SPEC_FULL.md §4.15): AF_INET/SOCK_RAW/IPPROTO_RAW, with
// IP_HDRINCL set so the kernel transmits the caller's own IP header
// (built by tcpip.Wrap) instead of synthesizing one, and SO_REUSEADDR so
// multiple daemon instances can coexist during a restart.
func NewRawSendConn() (PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("create raw send socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	return &rawConn{fd: fd}, nil
}

// NewRawRecvConn opens a raw IPv4 socket for receiving inbound TCP
// segments (SPEC_FULL.md §4.15): AF_INET/SOCK_RAW/IPPROTO_TCP, with
// SO_RCVBUF raised to absorb bursts ahead of the demux loop and
// SO_RCVTIMEO set to recvTimeout so ReadPacket never blocks forever
// (a zero recvTimeout disables the timeout, i.e. blocks indefinitely).
//
// A raw socket sees every inbound TCP segment on the host, regardless of
// port: the kernel does not demultiplex raw sockets by port the way it
// does stream sockets. Sorting segments to the right connection is
// tcp.Manager's job, not this socket's.
func NewRawRecvConn(recvTimeout time.Duration) (PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("create raw recv socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferSize); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_RCVBUF: %w", err)
	}
	if recvTimeout > 0 {
		tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set SO_RCVTIMEO: %w", err)
		}
	}

	return &rawConn{fd: fd}, nil
}

// ReadPacket reads one datagram — IP header followed by TCP segment — and
// parses SrcAddr/DstAddr/TTL straight out of the IP header bytes.
func (c *rawConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, PacketMeta{}, ErrSocketClosed
	}
	c.mu.Unlock()

	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		return 0, PacketMeta{}, fmt.Errorf("recvfrom: %w", err)
	}
	if n < ipHeaderMinSize {
		return 0, PacketMeta{}, fmt.Errorf("recvfrom: short datagram (%d bytes)", n)
	}

	meta := parseIPMeta(buf[:n])
	return n, meta, nil
}

// ipHeaderMinSize is the minimum IPv4 header length this shim accepts; it
// mirrors tcpip.IPHeaderSize without importing the tcpip package purely
// for one constant.
const ipHeaderMinSize = 20

// parseIPMeta extracts SrcAddr, DstAddr, and TTL from the leading IPv4
// header of buf without validating the header checksum — that validation
// belongs to tcpip.Unwrap, which the Manager's demux loop calls next.
func parseIPMeta(buf []byte) PacketMeta {
	var src, dst [4]byte
	copy(src[:], buf[12:16])
	copy(dst[:], buf[16:20])
	return PacketMeta{
		SrcAddr: netip.AddrFrom4(src),
		DstAddr: netip.AddrFrom4(dst),
		TTL:     buf[8],
	}
}

// WritePacket sends buf, a fully-built IPv4 datagram, to dst.
func (c *rawConn) WritePacket(buf []byte, dst netip.Addr) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSocketClosed
	}
	c.mu.Unlock()

	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	if err := unix.Sendto(c.fd, buf, 0, sa); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

// Close closes the underlying file descriptor. Safe to call more than
// once.
func (c *rawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("close raw socket: %w", err)
	}
	return nil
}

// LocalAddr always returns the unspecified address: a raw socket isn't
// bound to one local address the way a stream socket is.
func (c *rawConn) LocalAddr() netip.Addr {
	return netip.IPv4Unspecified()
}
