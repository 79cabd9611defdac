package tcp_test

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/goleak"

	rtcpmetrics "github.com/quietriver/rawtcp/internal/metrics"
	"github.com/quietriver/rawtcp/internal/tcp"
	"github.com/quietriver/rawtcp/internal/tcpip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopbackRaw implements tcp.RawSender by parsing the wire segment and
// feeding it straight into a peer Manager's Demux, modelling a lossless
// link between two in-process daemons.
type loopbackRaw struct {
	peer *tcp.Manager
}

func (l *loopbackRaw) Send(wire []byte, _ netip.Addr) error {
	iph, tcph, err := tcpip.Unwrap(wire)
	if err != nil {
		return err
	}
	meta := tcp.PacketMeta{
		SrcAddr: netip.AddrFrom4(iph.SrcIP),
		DstAddr: netip.AddrFrom4(iph.DstIP),
		TTL:     iph.TTL,
	}
	return l.peer.Demux(tcph, meta)
}

func newManagerPair(t *testing.T) (clientMgr, serverMgr *tcp.Manager) {
	t.Helper()

	clientRaw := &loopbackRaw{}
	serverRaw := &loopbackRaw{}

	clientMgr = tcp.NewManager(discardLogger(), clientRaw)
	serverMgr = tcp.NewManager(discardLogger(), serverRaw)

	clientRaw.peer = serverMgr
	serverRaw.peer = clientMgr

	return clientMgr, serverMgr
}

func TestManagerConnectAcceptHandshake(t *testing.T) {
	t.Parallel()

	clientMgr, serverMgr := newManagerPair(t)

	serverAddr := netip.MustParseAddr("10.0.0.2")
	clientAddr := netip.MustParseAddr("10.0.0.1")

	if err := serverMgr.Listen(serverAddr, 9000); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	conn, err := clientMgr.Connect(clientAddr, 40000, serverAddr, 9000)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if conn.State() != tcp.StateEstablished {
		t.Fatalf("client conn.State() = %v, want ESTABLISHED", conn.State())
	}

	serverConn, ok := serverMgr.Lookup(tcp.FourTuple{
		LocalAddr: serverAddr, LocalPort: 9000,
		PeerAddr: clientAddr, PeerPort: 40000,
	})
	if !ok {
		t.Fatal("server did not spawn a passive connection")
	}
	if serverConn.State() != tcp.StateEstablished {
		t.Fatalf("server conn.State() = %v, want ESTABLISHED", serverConn.State())
	}
}

func TestManagerConnectDuplicateFails(t *testing.T) {
	t.Parallel()

	clientMgr, serverMgr := newManagerPair(t)
	serverAddr := netip.MustParseAddr("10.0.0.2")
	clientAddr := netip.MustParseAddr("10.0.0.1")

	if err := serverMgr.Listen(serverAddr, 9000); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if _, err := clientMgr.Connect(clientAddr, 40000, serverAddr, 9000); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := clientMgr.Connect(clientAddr, 40000, serverAddr, 9000); err == nil {
		t.Fatal("second Connect() with same tuple = nil error, want ErrDuplicateConnection")
	}
}

func TestManagerDemuxUnmatchedSynWithoutListenerDrops(t *testing.T) {
	t.Parallel()

	_, serverMgr := newManagerPair(t)

	tcph := tcpip.TCPHeader{
		SrcPort: 40000,
		DstPort: 9000,
		Flags:   tcpip.TCPFlagSYN,
	}
	meta := tcp.PacketMeta{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		DstAddr: netip.MustParseAddr("10.0.0.2"),
	}

	if err := serverMgr.Demux(tcph, meta); err == nil {
		t.Fatal("Demux() with no listener = nil error, want ErrDemuxNoMatch")
	}
}

// TestManagerDemuxUnmatchedSynCountsDrop exercises SPEC_FULL.md §4.11's
// "dropped and counted" discipline: a demux miss with no Conn to attribute
// it to must still increment segments_dropped_total directly through the
// Manager's Collector.
func TestManagerDemuxUnmatchedSynCountsDrop(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collector := rtcpmetrics.NewCollector(reg)

	raw := &loopbackRaw{}
	mgr := tcp.NewManager(discardLogger(), raw, tcp.WithMetrics(collector))
	raw.peer = mgr

	tcph := tcpip.TCPHeader{
		SrcPort: 40000,
		DstPort: 9000,
		Flags:   tcpip.TCPFlagSYN,
	}
	meta := tcp.PacketMeta{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		DstAddr: netip.MustParseAddr("10.0.0.2"),
	}

	if err := mgr.Demux(tcph, meta); err == nil {
		t.Fatal("Demux() with no listener = nil error, want ErrDemuxNoMatch")
	}

	m := &dto.Metric{}
	counter, err := collector.SegmentsDropped.GetMetricWithLabelValues(meta.SrcAddr.String(), meta.DstAddr.String())
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("segments_dropped_total = %v, want 1", got)
	}
}

func TestManagerPruneClosedRemovesOnlyTerminalConnections(t *testing.T) {
	t.Parallel()

	clientMgr, serverMgr := newManagerPair(t)
	serverAddr := netip.MustParseAddr("10.0.0.2")
	clientAddr := netip.MustParseAddr("10.0.0.1")

	if err := serverMgr.Listen(serverAddr, 9000); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	clientTuple := tcp.FourTuple{LocalAddr: clientAddr, LocalPort: 40000, PeerAddr: serverAddr, PeerPort: 9000}
	serverTuple := tcp.FourTuple{LocalAddr: serverAddr, LocalPort: 9000, PeerAddr: clientAddr, PeerPort: 40000}
	if _, err := clientMgr.Connect(clientAddr, 40000, serverAddr, 9000); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if removed := serverMgr.PruneClosed(); removed != 0 {
		t.Fatalf("PruneClosed() on an ESTABLISHED connection removed %d, want 0", removed)
	}

	// The client drives the active close; the server, as the passive
	// closer, is the side that reaches CLOSED immediately (the active
	// closer lingers in TIME_WAIT).
	if err := clientMgr.Close(clientTuple); err != nil {
		t.Fatalf("client Close() error = %v", err)
	}
	if err := serverMgr.Close(serverTuple); err != nil {
		t.Fatalf("server Close() error = %v", err)
	}

	serverConn, ok := serverMgr.Lookup(serverTuple)
	if !ok {
		t.Fatal("server connection vanished before reaching CLOSED")
	}
	if serverConn.State() != tcp.StateClosed {
		t.Fatalf("server conn.State() after mutual close = %v, want CLOSED", serverConn.State())
	}

	clientConn, ok := clientMgr.Lookup(clientTuple)
	if !ok {
		t.Fatal("client connection vanished before reaching TIME_WAIT")
	}
	if clientConn.State() != tcp.StateTimeWait {
		t.Fatalf("client conn.State() after mutual close = %v, want TIME_WAIT", clientConn.State())
	}

	if removed := serverMgr.PruneClosed(); removed != 1 {
		t.Fatalf("PruneClosed() = %d, want 1", removed)
	}
	if _, ok := serverMgr.Lookup(serverTuple); ok {
		t.Fatal("server connection still present after PruneClosed()")
	}
}

func TestManagerListConnections(t *testing.T) {
	t.Parallel()

	clientMgr, serverMgr := newManagerPair(t)
	serverAddr := netip.MustParseAddr("10.0.0.2")
	clientAddr := netip.MustParseAddr("10.0.0.1")

	if err := serverMgr.Listen(serverAddr, 9000); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if _, err := clientMgr.Connect(clientAddr, 40000, serverAddr, 9000); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	snaps := clientMgr.ListConnections()
	if len(snaps) != 1 {
		t.Fatalf("ListConnections() returned %d entries, want 1", len(snaps))
	}
	if snaps[0].State != tcp.StateEstablished {
		t.Fatalf("snapshot State = %v, want ESTABLISHED", snaps[0].State)
	}
}
