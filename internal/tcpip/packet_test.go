package tcpip_test

import (
	"testing"

	"github.com/quietriver/rawtcp/internal/tcpip"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
		options []byte
	}{
		{"empty segment", nil, nil},
		{"even payload", []byte("0123456789ABCDEF"), nil},
		{"odd payload", []byte("0123456789ABCDE"), nil},
		{"with options", []byte("data"), []byte{0x02, 0x04, 0x05, 0xB4}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			iph := tcpip.IPHeader{
				Version:  4,
				IHL:      5,
				TTL:      64,
				Protocol: tcpip.ProtocolTCP,
				Flags:    tcpip.IPFlagDontFragment,
				SrcIP:    [4]byte{192, 168, 1, 2},
				DstIP:    [4]byte{192, 168, 1, 3},
			}
			tcph := tcpip.TCPHeader{
				SrcPort: 4242,
				DstPort: 80,
				SeqNo:   wrap32.New(123456),
				AckNo:   wrap32.New(654321),
				Flags:   tcpip.TCPFlagSYN | tcpip.TCPFlagACK,
				Window:  4096,
				Options: tt.options,
				Payload: tt.payload,
			}

			buf, err := tcpip.Wrap(iph, tcph)
			if err != nil {
				t.Fatalf("Wrap() error = %v", err)
			}

			gotIPH, gotTCPH, err := tcpip.Unwrap(buf)
			if err != nil {
				t.Fatalf("Unwrap() error = %v", err)
			}

			if gotIPH.SrcIP != iph.SrcIP || gotIPH.DstIP != iph.DstIP || gotIPH.Protocol != iph.Protocol {
				t.Fatalf("IP header mismatch: got %+v", gotIPH)
			}
			if gotTCPH.SrcPort != tcph.SrcPort || gotTCPH.DstPort != tcph.DstPort ||
				!gotTCPH.SeqNo.Equal(tcph.SeqNo) || !gotTCPH.AckNo.Equal(tcph.AckNo) ||
				gotTCPH.Flags != tcph.Flags || gotTCPH.Window != tcph.Window {
				t.Fatalf("TCP header mismatch: got %+v", gotTCPH)
			}
			if string(gotTCPH.Payload) != string(tt.payload) {
				t.Fatalf("payload = %q, want %q", gotTCPH.Payload, tt.payload)
			}
			if string(gotTCPH.Options) != string(tt.options) {
				t.Fatalf("options = %v, want %v", gotTCPH.Options, tt.options)
			}
		})
	}
}

// TestWrapIntoReusableBuffer exercises WrapInto with a caller-owned buffer
// sized up front (MaxPacketSize) and checks that the bytes it writes
// round-trip through Unwrap.
func TestWrapIntoReusableBuffer(t *testing.T) {
	t.Parallel()

	iph := tcpip.IPHeader{
		Protocol: tcpip.ProtocolTCP,
		SrcIP:    [4]byte{10, 0, 0, 1},
		DstIP:    [4]byte{10, 0, 0, 2},
	}
	tcph := tcpip.TCPHeader{
		SrcPort: 1,
		DstPort: 2,
		SeqNo:   wrap32.New(0),
		AckNo:   wrap32.New(0),
		Flags:   tcpip.TCPFlagACK,
		Payload: []byte("reusable"),
	}

	buf := make([]byte, tcpip.MaxPacketSize)
	n, err := tcpip.WrapInto(buf, iph, tcph)
	if err != nil {
		t.Fatalf("WrapInto() error = %v", err)
	}

	gotIPH, gotTCPH, err := tcpip.Unwrap(buf[:n])
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if gotIPH.SrcIP != iph.SrcIP {
		t.Fatalf("SrcIP = %v, want %v", gotIPH.SrcIP, iph.SrcIP)
	}
	if string(gotTCPH.Payload) != "reusable" {
		t.Fatalf("Payload = %q, want %q", gotTCPH.Payload, "reusable")
	}
}

func TestWrapIntoBufferTooSmall(t *testing.T) {
	t.Parallel()

	iph := tcpip.IPHeader{Protocol: tcpip.ProtocolTCP}
	tcph := tcpip.TCPHeader{Payload: []byte("too big for this buffer")}

	_, err := tcpip.WrapInto(make([]byte, 10), iph, tcph)
	if err == nil {
		t.Fatal("WrapInto() error = nil, want ErrBufferTooSmall")
	}
}

func TestUnwrapTotalLenExceedsBuffer(t *testing.T) {
	t.Parallel()

	iph := tcpip.IPHeader{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: tcpip.ProtocolTCP,
		TotalLen: 1000,
		SrcIP:    [4]byte{1, 2, 3, 4},
		DstIP:    [4]byte{5, 6, 7, 8},
	}
	buf := make([]byte, tcpip.IPHeaderSize)
	if _, err := iph.Serialize(buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	_, _, err := tcpip.Unwrap(buf)
	if err == nil {
		t.Fatal("Unwrap() error = nil, want ErrBufferTooSmall")
	}
}
