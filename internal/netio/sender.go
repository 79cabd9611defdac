package netio

import "net/netip"

// RawSenderAdapter adapts a PacketConn's WritePacket to satisfy
// tcp.RawSender (Send(wire []byte, dst netip.Addr) error), so a
// *rawConn (or MockPacketConn, in tests) can be handed straight to
// tcp.NewManager without the Manager importing netio.
type RawSenderAdapter struct {
	Conn PacketConn
}

// Send implements tcp.RawSender.
func (a RawSenderAdapter) Send(wire []byte, dst netip.Addr) error {
	return a.Conn.WritePacket(wire, dst)
}
