package tcp_test

import (
	"errors"
	"testing"

	"github.com/quietriver/rawtcp/internal/tcp"
	"github.com/quietriver/rawtcp/internal/tcpip"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

type recordingSender struct {
	wires [][]byte
	err   error
}

func (r *recordingSender) Send(wire []byte) error {
	if r.err != nil {
		return r.err
	}
	r.wires = append(r.wires, append([]byte(nil), wire...))
	return nil
}

func newTestSender(rs *recordingSender) *tcp.Sender {
	return tcp.NewSender(rs, wrap32.New(1000), [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 4000, 80)
}

func TestSenderSendSynAdvancesSeqNoByOne(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.SendSyn(wrap32.New(0), 4096); err != nil {
		t.Fatalf("SendSyn() error = %v", err)
	}
	if s.NextSeqNo() != 1 {
		t.Fatalf("NextSeqNo() = %d, want 1", s.NextSeqNo())
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount() = %d, want 1", s.InFlightCount())
	}
	if len(rs.wires) != 1 {
		t.Fatalf("len(wires) = %d, want 1", len(rs.wires))
	}

	_, tcph, err := tcpip.Unwrap(rs.wires[0])
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !tcph.Flags.Has(tcpip.TCPFlagSYN) {
		t.Fatalf("Flags = %v, want SYN", tcph.Flags)
	}
}

func TestSenderSendDataAdvancesSeqNoByPayloadLength(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.SendData(wrap32.New(0), 4096, []byte("hello")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if s.NextSeqNo() != 5 {
		t.Fatalf("NextSeqNo() = %d, want 5", s.NextSeqNo())
	}
}

func TestSenderAcknowledgeAdvancesAndPrunes(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.SendData(wrap32.New(0), 4096, []byte("hello")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if err := s.SendData(wrap32.New(0), 4096, []byte("world")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if s.InFlightCount() != 2 {
		t.Fatalf("InFlightCount() = %d, want 2", s.InFlightCount())
	}

	advanced := s.Acknowledge(wrap32.New(1005), 2048)
	if !advanced {
		t.Fatal("Acknowledge() = false, want true")
	}
	if s.UnackedSeqNo() != 5 {
		t.Fatalf("UnackedSeqNo() = %d, want 5", s.UnackedSeqNo())
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount() = %d, want 1 after first segment acked", s.InFlightCount())
	}
	if s.PeerWindow() != 2048 {
		t.Fatalf("PeerWindow() = %d, want 2048", s.PeerWindow())
	}
}

func TestSenderAcknowledgeOldAckIsIgnored(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.SendData(wrap32.New(0), 4096, []byte("hello")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	s.Acknowledge(wrap32.New(1005), 4096)

	advanced := s.Acknowledge(wrap32.New(1005), 1)
	if advanced {
		t.Fatal("Acknowledge() with non-newer ack = true, want false")
	}
	if s.PeerWindow() != 4096 {
		t.Fatalf("PeerWindow() = %d, want unchanged at 4096", s.PeerWindow())
	}
}

func TestSenderRetransmitOldestResendsLowestSeq(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.SendData(wrap32.New(0), 4096, []byte("aaa")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if err := s.SendData(wrap32.New(0), 4096, []byte("bbb")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}

	if err := s.RetransmitOldest(); err != nil {
		t.Fatalf("RetransmitOldest() error = %v", err)
	}
	if len(rs.wires) != 3 {
		t.Fatalf("len(wires) = %d, want 3 (2 sends + 1 retransmit)", len(rs.wires))
	}
	if string(rs.wires[2]) != string(rs.wires[0]) {
		t.Fatal("RetransmitOldest() resent a different segment than the oldest")
	}
}

func TestSenderRetransmitOldestNoopWhenEmpty(t *testing.T) {
	t.Parallel()

	rs := &recordingSender{}
	s := newTestSender(rs)

	if err := s.RetransmitOldest(); err != nil {
		t.Fatalf("RetransmitOldest() on empty map error = %v, want nil", err)
	}
}

func TestSenderSendPropagatesSocketError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("socket down")
	rs := &recordingSender{err: wantErr}
	s := newTestSender(rs)

	err := s.SendAck(wrap32.New(0), 4096)
	if !errors.Is(err, wantErr) {
		t.Fatalf("SendAck() error = %v, want wrapping %v", err, wantErr)
	}
}
