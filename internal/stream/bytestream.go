// Package stream implements a bounded, single-writer single-reader byte
// queue used as the output buffer for each direction of a TCP connection.
package stream

import "errors"

// ErrClosed is returned by Write when the stream has already been closed.
var ErrClosed = errors.New("stream closed for writes")

// ByteStream is a bounded FIFO byte buffer. It is not safe for concurrent
// use; callers (the Reassembler and TCPReceiver/TCPSender) serialize access
// themselves.
type ByteStream struct {
	capacity uint64
	buf      []byte
	closed   bool

	bytesWritten uint64
	bytesRead    uint64
}

// New constructs a ByteStream with an immutable capacity.
func New(capacity uint64) *ByteStream {
	return &ByteStream{
		capacity: capacity,
		buf:      make([]byte, 0, capacity),
	}
}

// Write appends min(len(p), remaining capacity) bytes from p. Returns
// ErrClosed if the stream has been closed, even if capacity remains.
func (s *ByteStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	n := s.RemainingCapacity()
	if uint64(len(p)) < n {
		n = uint64(len(p))
	}
	if n == 0 {
		return 0, nil
	}

	s.buf = append(s.buf, p[:n]...)
	s.bytesWritten += n
	return int(n), nil
}

// Read drains min(len(p), buffer_size) bytes into p. Returns 0, nil when
// the stream is empty, regardless of closed state.
func (s *ByteStream) Read(p []byte) (int, error) {
	n := uint64(len(s.buf))
	if uint64(len(p)) < n {
		n = uint64(len(p))
	}
	if n == 0 {
		return 0, nil
	}

	copy(p, s.buf[:n])
	s.popLocked(n)
	s.bytesRead += n
	return int(n), nil
}

// PopOutput drops min(n, buffer_size) bytes from the front of the buffer
// without returning them, as if consumed by a reader that discards them.
func (s *ByteStream) PopOutput(n uint64) uint64 {
	popped := s.popLocked(n)
	s.bytesRead += popped
	return popped
}

// PeekOutput copies out the first min(n, buffer_size) bytes without
// consuming them.
func (s *ByteStream) PeekOutput(n uint64) []byte {
	if n > uint64(len(s.buf)) {
		n = uint64(len(s.buf))
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out
}

// popLocked removes up to n bytes from the front of buf and returns the
// number actually removed.
func (s *ByteStream) popLocked(n uint64) uint64 {
	if n > uint64(len(s.buf)) {
		n = uint64(len(s.buf))
	}
	if n == 0 {
		return 0
	}
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return n
}

// Close marks the stream closed. Idempotent, one-way: once closed a stream
// never reopens.
func (s *ByteStream) Close() {
	s.closed = true
}

// RemainingCapacity reports how many more bytes can be written before the
// stream is full.
func (s *ByteStream) RemainingCapacity() uint64 {
	used := uint64(len(s.buf))
	if used >= s.capacity {
		return 0
	}
	return s.capacity - used
}

// BufferSize reports the number of bytes currently buffered and unread.
func (s *ByteStream) BufferSize() uint64 {
	return uint64(len(s.buf))
}

// IsBufferEmpty reports whether the buffer currently holds no bytes.
func (s *ByteStream) IsBufferEmpty() bool {
	return len(s.buf) == 0
}

// IsClosed reports whether Close has been called.
func (s *ByteStream) IsClosed() bool {
	return s.closed
}

// EOF reports whether the stream is closed and drained: no more bytes will
// ever be produced.
func (s *ByteStream) EOF() bool {
	return s.closed && s.IsBufferEmpty()
}

// BytesWritten is the cumulative count of bytes ever written.
func (s *ByteStream) BytesWritten() uint64 {
	return s.bytesWritten
}

// BytesRead is the cumulative count of bytes ever read or popped.
func (s *ByteStream) BytesRead() uint64 {
	return s.bytesRead
}

// Capacity returns the stream's immutable capacity.
func (s *ByteStream) Capacity() uint64 {
	return s.capacity
}
