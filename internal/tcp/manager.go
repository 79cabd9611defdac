package tcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	rtcpmetrics "github.com/quietriver/rawtcp/internal/metrics"
	"github.com/quietriver/rawtcp/internal/tcpip"
)

// Sentinel errors for Manager operations.
var (
	// ErrConnectionNotFound indicates no connection exists for the given tuple.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrDuplicateConnection indicates a connection already exists for the
	// given 4-tuple.
	ErrDuplicateConnection = errors.New("duplicate connection for tuple")

	// ErrDemuxNoMatch indicates no connection and no listener matched an
	// inbound segment during demultiplexing.
	ErrDemuxNoMatch = errors.New("no matching connection or listener for inbound segment")

	// ErrListenerExists indicates a listener is already registered on the
	// given (local address, local port).
	ErrListenerExists = errors.New("listener already registered")
)

// RawSender is the boundary to the raw IPv4 send socket: it hands a fully
// built wire segment to the network, addressed to dst. Implemented by
// netio.RawSenderAdapter in production and by an in-memory double in tests.
type RawSender interface {
	Send(wire []byte, dst netip.Addr) error
}

// PacketMeta carries the transport metadata the demux loop learned from
// the IP layer: the addresses the TCP header itself doesn't repeat.
type PacketMeta struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	TTL     uint8
}

// listenerKey identifies a passive listening socket.
type listenerKey struct {
	localAddr netip.Addr
	localPort uint16
}

// connSender binds a Manager's RawSender to one peer address, satisfying
// tcp.SegmentSender for a single Conn.
type connSender struct {
	raw RawSender
	dst netip.Addr
}

func (s connSender) Send(wire []byte) error {
	return s.raw.Send(wire, s.dst)
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithDefaultRTO sets the initial/max RTO given to every connection the
// Manager creates. Defaults to 1s/60s if unset.
func WithDefaultRTO(initial, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.rtoInitial = initial
		m.rtoMax = max
	}
}

// WithRecvCapacity sets the ByteStream capacity given to every connection's
// Receiver. Defaults to 64KiB if unset.
func WithRecvCapacity(capacity uint64) ManagerOption {
	return func(m *Manager) {
		m.recvCapacity = capacity
	}
}

// WithMetrics attaches a Collector the Manager reports demux drops to, and
// passes on to every Conn it creates for state-transition and byte-stream
// accounting. Omit for a Manager that shouldn't report metrics (e.g. in
// unit tests).
func WithMetrics(collector *rtcpmetrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// Manager owns every connection's control block, keyed by 4-tuple, and
// demultiplexes inbound segments to the right one (SPEC_FULL.md §4.11,
// grounded on the teacher's bfd.Manager).
//
// Demultiplexing strategy:
//
//  1. Exact 4-tuple match: deliver to the existing *Conn.
//  2. No exact match, but the segment is a bare SYN to an address/port
//     with a registered listener: spawn a new passive *Conn in SYN_RCVD.
//  3. Otherwise: drop. The demux loop logs and counts; a single
//     unroutable segment must never take the loop down.
type Manager struct {
	mu        sync.RWMutex
	conns     map[FourTuple]*Conn
	listeners map[listenerKey]struct{}

	raw    RawSender
	isns   *ISNAllocator
	logger *slog.Logger

	rtoInitial   time.Duration
	rtoMax       time.Duration
	recvCapacity uint64

	metrics *rtcpmetrics.Collector
}

// NewManager constructs a Manager that transmits through raw.
func NewManager(logger *slog.Logger, raw RawSender, opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:        make(map[FourTuple]*Conn),
		listeners:    make(map[listenerKey]struct{}),
		raw:          raw,
		isns:         NewISNAllocator(),
		logger:       logger,
		rtoInitial:   time.Second,
		rtoMax:       60 * time.Second,
		recvCapacity: 64 * 1024,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Listen registers a passive listening socket on (localAddr, localPort).
// Inbound SYNs addressed there spawn new passive connections.
func (m *Manager) Listen(localAddr netip.Addr, localPort uint16) error {
	key := listenerKey{localAddr: localAddr, localPort: localPort}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[key]; exists {
		return fmt.Errorf("listen on %s:%d: %w", localAddr, localPort, ErrListenerExists)
	}
	m.listeners[key] = struct{}{}

	m.logger.Info("listening",
		slog.String("local_addr", localAddr.String()),
		slog.Uint64("local_port", uint64(localPort)),
	)
	return nil
}

// Connect performs an active open to (peerAddr, peerPort) from
// (localAddr, localPort), registering the resulting *Conn and emitting its
// initial SYN.
func (m *Manager) Connect(localAddr netip.Addr, localPort uint16, peerAddr netip.Addr, peerPort uint16) (*Conn, error) {
	tuple := FourTuple{LocalAddr: localAddr, LocalPort: localPort, PeerAddr: peerAddr, PeerPort: peerPort}

	m.mu.Lock()
	if _, exists := m.conns[tuple]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", tuple, ErrDuplicateConnection)
	}
	m.mu.Unlock()

	conn, err := m.newConn(tuple)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", tuple, err)
	}

	m.mu.Lock()
	if _, exists := m.conns[tuple]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", tuple, ErrDuplicateConnection)
	}
	m.conns[tuple] = conn
	m.mu.Unlock()

	if err := conn.Connect(); err != nil {
		m.mu.Lock()
		delete(m.conns, tuple)
		m.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", tuple, err)
	}

	m.logger.Info("connection initiated", slog.String("tuple", tuple.String()))
	return conn, nil
}

func (m *Manager) newConn(tuple FourTuple) (*Conn, error) {
	isn, err := m.isns.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate isn: %w", err)
	}
	sender := connSender{raw: m.raw, dst: tuple.PeerAddr}
	rto := NewRTOPolicy(m.rtoInitial, m.rtoMax)
	return NewConn(tuple, sender, isn, m.recvCapacity, rto, m.logger, WithConnMetrics(m.metrics)), nil
}

// Demux routes one inbound, already checksum-validated TCP segment to its
// owning connection, spawning a new passive connection for an unmatched
// SYN to a registered listener.
func (m *Manager) Demux(tcph tcpip.TCPHeader, meta PacketMeta) error {
	tuple := FourTuple{
		LocalAddr: meta.DstAddr,
		LocalPort: tcph.DstPort,
		PeerAddr:  meta.SrcAddr,
		PeerPort:  tcph.SrcPort,
	}

	m.mu.RLock()
	conn, ok := m.conns[tuple]
	m.mu.RUnlock()
	if ok {
		return conn.HandleSegment(tcph)
	}

	if tcph.Flags.Has(tcpip.TCPFlagSYN) && !tcph.Flags.Has(tcpip.TCPFlagACK) {
		return m.acceptPassive(tuple, tcph)
	}

	if m.metrics != nil {
		m.metrics.IncSegmentsDropped(tuple.PeerAddr, tuple.LocalAddr)
	}
	return fmt.Errorf("demux %s: %w", tuple, ErrDemuxNoMatch)
}

// acceptPassive spawns a new passive *Conn for an inbound SYN matching a
// registered listener on (localAddr, localPort).
func (m *Manager) acceptPassive(tuple FourTuple, tcph tcpip.TCPHeader) error {
	key := listenerKey{localAddr: tuple.LocalAddr, localPort: tuple.LocalPort}

	m.mu.RLock()
	_, listening := m.listeners[key]
	m.mu.RUnlock()
	if !listening {
		if m.metrics != nil {
			m.metrics.IncSegmentsDropped(tuple.PeerAddr, tuple.LocalAddr)
		}
		return fmt.Errorf("demux %s: %w", tuple, ErrDemuxNoMatch)
	}

	conn, err := m.newConn(tuple)
	if err != nil {
		return fmt.Errorf("accept %s: %w", tuple, err)
	}
	if err := conn.Listen(); err != nil {
		return fmt.Errorf("accept %s: %w", tuple, err)
	}

	m.mu.Lock()
	m.conns[tuple] = conn
	m.mu.Unlock()

	m.logger.Info("accepting inbound connection", slog.String("tuple", tuple.String()))
	return conn.HandleSegment(tcph)
}

// Lookup returns the connection for the given tuple, if any.
func (m *Manager) Lookup(tuple FourTuple) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[tuple]
	return conn, ok
}

// Close initiates a graceful close on the connection for tuple.
func (m *Manager) Close(tuple FourTuple) error {
	conn, ok := m.Lookup(tuple)
	if !ok {
		return fmt.Errorf("close %s: %w", tuple, ErrConnectionNotFound)
	}
	return conn.Close()
}

// Remove drops the connection for tuple from the table without any
// graceful shutdown; used after a connection has reached CLOSED or RESET.
func (m *Manager) Remove(tuple FourTuple) {
	m.mu.Lock()
	delete(m.conns, tuple)
	m.mu.Unlock()
}

// PruneClosed removes every connection that has reached CLOSED or RESET,
// returning the number removed.
func (m *Manager) PruneClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for tuple, conn := range m.conns {
		switch conn.State() {
		case StateClosed, StateReset:
			delete(m.conns, tuple)
			removed++
		}
	}
	return removed
}

// ListConnections returns a snapshot of every connection currently tracked.
func (m *Manager) ListConnections() []ConnSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]ConnSnapshot, 0, len(m.conns))
	for _, conn := range m.conns {
		snapshots = append(snapshots, conn.Snapshot())
	}
	return snapshots
}
