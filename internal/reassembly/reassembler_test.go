package reassembly_test

import (
	"testing"

	"github.com/quietriver/rawtcp/internal/reassembly"
	"github.com/quietriver/rawtcp/internal/stream"
)

func TestReassemblerInOrderInsert(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(0, []byte("hello "), false)
	r.Insert(6, []byte("world"), true)

	buf := make([]byte, 32)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello world")
	}
	if !out.EOF() {
		t.Fatal("EOF() = false after final segment committed, want true")
	}
}

func TestReassemblerOutOfOrderInsert(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(6, []byte("world"), true)
	if r.BytesPending() != 5 {
		t.Fatalf("BytesPending() = %d, want 5 before gap fills", r.BytesPending())
	}
	if r.NextByteIdx() != 0 {
		t.Fatalf("NextByteIdx() = %d, want 0", r.NextByteIdx())
	}

	r.Insert(0, []byte("hello "), false)

	if r.BytesPending() != 0 {
		t.Fatalf("BytesPending() = %d, want 0 after gap fills", r.BytesPending())
	}
	if r.NextByteIdx() != 11 {
		t.Fatalf("NextByteIdx() = %d, want 11", r.NextByteIdx())
	}

	buf := make([]byte, 32)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello world")
	}
	if !out.EOF() {
		t.Fatal("EOF() = false, want true")
	}
}

func TestReassemblerDuplicateInsertIsIdempotent(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(0, []byte("abc"), false)
	r.Insert(0, []byte("abc"), false) // duplicate, entirely in the past once committed
	r.Insert(0, []byte("abc"), false)

	if r.NextByteIdx() != 3 {
		t.Fatalf("NextByteIdx() = %d, want 3", r.NextByteIdx())
	}
	if out.BufferSize() != 3 {
		t.Fatalf("BufferSize() = %d, want 3 (no duplication)", out.BufferSize())
	}
}

func TestReassemblerOverlappingSegmentsMerge(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	// Two out-of-order, overlapping segments should merge into a single
	// committable run once the head arrives.
	full := "0123456789"
	r.Insert(3, []byte(full[3:8]), false)
	r.Insert(5, []byte(full[5:10]), false)
	r.Insert(0, []byte(full[0:3]), false)

	buf := make([]byte, 32)
	n, _ := r.Read(buf)
	if string(buf[:n]) != full {
		t.Fatalf("Read() = %q, want %q", buf[:n], full)
	}
}

func TestReassemblerLatestWriteWinsOnOverlap(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	// "aaaaa" pending at [2,7). "YYY" arrives overlapping [3,6): it wins
	// there, leaving "a" at 2 and 6 untouched. "xx" then fills the head
	// gap at [0,2) and the whole run commits in order.
	r.Insert(2, []byte("aaaaa"), false)
	r.Insert(3, []byte("YYY"), false)
	r.Insert(0, []byte("xx"), false)

	buf := make([]byte, 32)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "xxaYYYa" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "xxaYYYa")
	}
}

func TestReassemblerCapacitySafety(t *testing.T) {
	t.Parallel()

	out := stream.New(4)
	r := reassembly.New(out)

	// Extends past the admission window: only the first 4 bytes fit, and
	// the rest must be dropped without growing bytes pending unbounded.
	r.Insert(0, []byte("abcdefgh"), false)

	if r.BytesPending() > 4 {
		t.Fatalf("BytesPending() = %d, want <= capacity 4", r.BytesPending())
	}
	if out.BufferSize()+r.BytesPending() > 4 {
		t.Fatalf("committed+pending = %d, exceeds capacity 4",
			out.BufferSize()+r.BytesPending())
	}
}

func TestReassemblerNoRoomDropsSilently(t *testing.T) {
	t.Parallel()

	out := stream.New(4)
	r := reassembly.New(out)

	r.Insert(0, []byte("abcd"), false) // fills the stream exactly
	if out.BufferSize() != 4 {
		t.Fatalf("BufferSize() = %d, want 4", out.BufferSize())
	}

	// No room left; should be dropped, not panic or corrupt state.
	r.Insert(4, []byte("e"), false)
	if r.BytesPending() != 0 {
		t.Fatalf("BytesPending() = %d, want 0 (dropped for lack of room)", r.BytesPending())
	}
}

func TestReassemblerFinAfterAllDataClosesStream(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(0, []byte("data"), false)
	if out.IsClosed() {
		t.Fatal("IsClosed() = true before FIN, want false")
	}

	r.Insert(4, nil, true)
	if !out.IsClosed() {
		t.Fatal("IsClosed() = false after FIN with no gaps, want true")
	}
}

func TestReassemblerFinBeforeDataWaitsForGap(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(4, nil, true) // FIN arrives first, marking end of stream at 4
	if out.IsClosed() {
		t.Fatal("IsClosed() = true before gap filled, want false")
	}

	r.Insert(0, []byte("data"), false)
	if !out.IsClosed() {
		t.Fatal("IsClosed() = false once gap fills and reaches FIN, want true")
	}
}

func TestReassemblerEmptyNonFinalInsertIsNoop(t *testing.T) {
	t.Parallel()

	out := stream.New(65536)
	r := reassembly.New(out)

	r.Insert(0, nil, false)
	if r.NextByteIdx() != 0 || r.BytesPending() != 0 {
		t.Fatalf("empty non-final insert mutated state: nextByteIdx=%d, bytesPending=%d",
			r.NextByteIdx(), r.BytesPending())
	}
}
