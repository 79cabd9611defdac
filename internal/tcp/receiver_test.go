package tcp_test

import (
	"testing"

	"github.com/quietriver/rawtcp/internal/tcp"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

func TestReceiverSynDataFinFlow(t *testing.T) {
	t.Parallel()

	r := tcp.NewReceiver(1024)
	isn := wrap32.New(1000)

	r.SegmentReceived(isn, true, false, nil)
	if !r.SynLatched() {
		t.Fatal("SynLatched() = false after SYN segment, want true")
	}
	if got := r.AckNo(); got.Raw() != isn.Add(1).Raw() {
		t.Fatalf("AckNo() after SYN = %v, want %v", got, isn.Add(1))
	}

	r.SegmentReceived(isn.Add(1), false, false, []byte("hello"))
	if r.NextByteIdx() != 5 {
		t.Fatalf("NextByteIdx() = %d, want 5", r.NextByteIdx())
	}
	if got := r.AckNo(); got.Raw() != isn.Add(6).Raw() {
		t.Fatalf("AckNo() after data = %v, want %v", got, isn.Add(6))
	}

	r.SegmentReceived(isn.Add(6), false, true, nil)
	if got := r.AckNo(); got.Raw() != isn.Add(7).Raw() {
		t.Fatalf("AckNo() after FIN = %v, want %v", got, isn.Add(7))
	}

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello")
	}
	if !r.EOF() {
		t.Fatal("EOF() = false after draining committed FIN, want true")
	}
}

func TestReceiverOutOfOrderSegments(t *testing.T) {
	t.Parallel()

	r := tcp.NewReceiver(1024)
	isn := wrap32.New(5000)

	r.SegmentReceived(isn, true, false, nil)
	// "World" arrives before "Hello ".
	r.SegmentReceived(isn.Add(7), false, false, []byte("World"))
	r.SegmentReceived(isn.Add(1), false, false, []byte("Hello "))

	buf := make([]byte, 32)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "Hello World" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "Hello World")
	}
}

func TestReceiverWindowReflectsRemainingCapacity(t *testing.T) {
	t.Parallel()

	r := tcp.NewReceiver(10)
	isn := wrap32.New(1)

	r.SegmentReceived(isn, true, false, nil)
	if r.Window() != 10 {
		t.Fatalf("Window() = %d, want 10", r.Window())
	}

	r.SegmentReceived(isn.Add(1), false, false, []byte("abcd"))
	if r.Window() != 6 {
		t.Fatalf("Window() = %d, want 6 after 4 bytes committed", r.Window())
	}
}

func TestReceiverDataBeforeSynIsDropped(t *testing.T) {
	t.Parallel()

	r := tcp.NewReceiver(1024)
	if accepted := r.SegmentReceived(wrap32.New(42), false, false, []byte("ghost")); accepted {
		t.Fatal("SegmentReceived() before SYN = true, want false")
	}

	if r.NextByteIdx() != 0 {
		t.Fatalf("NextByteIdx() = %d, want 0 (pre-SYN data dropped)", r.NextByteIdx())
	}
}
