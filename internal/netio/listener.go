package netio

import (
	"context"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Listener — High-level raw-socket receive loop
// -------------------------------------------------------------------------

// Listener wraps a PacketConn and provides a high-level, context-aware
// receive loop for inbound IPv4 datagrams. It handles buffer management
// via DatagramPool.
type Listener struct {
	conn PacketConn
}

// NewListener creates a Listener backed by a fresh raw receive socket
// (SPEC_FULL.md §4.15), with SO_RCVTIMEO set to recvTimeout.
func NewListener(recvTimeout time.Duration) (*Listener, error) {
	conn, err := NewRawRecvConn(recvTimeout)
	if err != nil {
		return nil, fmt.Errorf("create listener: %w", err)
	}
	return &Listener{conn: conn}, nil
}

// NewListenerFromConn creates a Listener from an existing PacketConn. This
// is useful for testing with MockPacketConn or other custom transports.
func NewListenerFromConn(conn PacketConn) *Listener {
	return &Listener{conn: conn}
}

// Recv blocks until an IPv4 datagram is received or ctx is cancelled.
// Returns the raw datagram bytes (from DatagramPool), its IP-layer
// metadata, and any error. The caller is responsible for returning the
// buffer to DatagramPool after processing.
func (l *Listener) Recv(ctx context.Context) ([]byte, PacketMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", err)
	}
	return l.recvOne()
}

// recvOne performs a single read from the underlying connection using a
// pooled buffer. Returns the buffer slice, metadata, and any error.
func (l *Listener) recvOne() ([]byte, PacketMeta, error) {
	bufp, ok := DatagramPool.Get().(*[]byte)
	if !ok {
		return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, meta, err := l.conn.ReadPacket(*bufp)
	if err != nil {
		DatagramPool.Put(bufp)
		return nil, PacketMeta{}, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], meta, nil
}

// Close closes the underlying PacketConn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
