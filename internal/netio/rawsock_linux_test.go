//go:build linux

package netio

import (
	"net/netip"
	"testing"

	"github.com/quietriver/rawtcp/internal/tcpip"
)

func TestParseIPMetaExtractsHeaderFields(t *testing.T) {
	t.Parallel()

	iph := tcpip.IPHeader{
		TTL:      42,
		Protocol: tcpip.ProtocolTCP,
		SrcIP:    [4]byte{10, 0, 0, 1},
		DstIP:    [4]byte{10, 0, 0, 2},
	}
	tcph := tcpip.TCPHeader{SrcPort: 1000, DstPort: 2000}

	wire, err := tcpip.Wrap(iph, tcph)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	meta := parseIPMeta(wire)

	if meta.SrcAddr != netip.AddrFrom4(iph.SrcIP) {
		t.Errorf("SrcAddr = %s, want %s", meta.SrcAddr, netip.AddrFrom4(iph.SrcIP))
	}
	if meta.DstAddr != netip.AddrFrom4(iph.DstIP) {
		t.Errorf("DstAddr = %s, want %s", meta.DstAddr, netip.AddrFrom4(iph.DstIP))
	}
	if meta.TTL != 42 {
		t.Errorf("TTL = %d, want 42", meta.TTL)
	}
}

func TestRawConnOperationsFailAfterClose(t *testing.T) {
	t.Parallel()

	conn, err := NewRawSendConn()
	if err != nil {
		t.Skipf("raw send socket unavailable in this environment: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing twice must be a no-op, not an error.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	dst := netip.MustParseAddr("10.0.0.1")
	if err := conn.WritePacket([]byte{0x00}, dst); err != ErrSocketClosed {
		t.Errorf("WritePacket() after close error = %v, want ErrSocketClosed", err)
	}
}
