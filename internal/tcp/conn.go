package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	rtcpmetrics "github.com/quietriver/rawtcp/internal/metrics"
	"github.com/quietriver/rawtcp/internal/tcpip"
	"github.com/quietriver/rawtcp/internal/wrap32"
)

// Sentinel errors for connection-level operations (spec.md §7's "State"
// error kind).
var (
	ErrIllegalTransition = errors.New("operation illegal in current state")
	ErrAlreadyConnected  = errors.New("connection already established")
	ErrNotConnected      = errors.New("connection not established")
	ErrConnectionReset   = errors.New("connection reset by peer")
)

// FourTuple identifies a connection: the Manager's demultiplexing key once
// a connection has left LISTEN (SPEC_FULL.md §3).
type FourTuple struct {
	LocalAddr netip.Addr
	LocalPort uint16
	PeerAddr  netip.Addr
	PeerPort  uint16
}

// String renders the tuple as "local:port-peer:port".
func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d-%s:%d", t.LocalAddr, t.LocalPort, t.PeerAddr, t.PeerPort)
}

// ConnCounters are per-connection atomic counters, mirroring the teacher's
// SessionCounters (SPEC_FULL.md §3).
type ConnCounters struct {
	SegmentsSent     atomic.Uint64
	SegmentsReceived atomic.Uint64
	SegmentsDropped  atomic.Uint64
	Retransmits      atomic.Uint64
	BytesAcked       atomic.Uint64
}

// ConnSnapshot is a read-only view of a Conn's state, safe to hand to
// callers outside the connection's owning goroutine (the admin API).
type ConnSnapshot struct {
	Tuple      FourTuple
	State      State
	NextSeqNo  uint64
	NextAck    uint64
	BytesAcked uint64
	Counters   CounterSnapshot
}

// Conn is the per-connection control block (spec.md's TCB): the FSM
// state, the Receiver, and the Sender for one 4-tuple. A Conn has no
// lock: the Manager calls HandleSegment directly on the goroutine that
// runs Demux, with no per-connection channel or goroutine in between. The
// atomic state field exists solely so ConnSnapshot can be read from other
// goroutines without a full lock.
type Conn struct {
	tuple FourTuple

	state atomic.Uint32

	recv *Receiver
	send *Sender
	rto  *RTOPolicy

	logger *slog.Logger

	counters ConnCounters

	localISN wrap32.Wrap32

	timeWaitTimer *time.Timer

	metrics *rtcpmetrics.Collector
}

// ConnOption configures optional Conn parameters.
type ConnOption func(*Conn)

// WithConnMetrics attaches a Collector a Conn reports its state
// transitions, byte-stream accounting, and reassembler depth to. Omit for
// a Conn that shouldn't report metrics (e.g. in unit tests).
func WithConnMetrics(collector *rtcpmetrics.Collector) ConnOption {
	return func(c *Conn) {
		c.metrics = collector
	}
}

// NewConn constructs a Conn in CLOSED state for the given 4-tuple.
func NewConn(tuple FourTuple, out SegmentSender, localISN wrap32.Wrap32, recvCapacity uint64, rto *RTOPolicy, logger *slog.Logger, opts ...ConnOption) *Conn {
	srcIP := tuple.LocalAddr.As4()
	dstIP := tuple.PeerAddr.As4()

	c := &Conn{
		tuple:    tuple,
		recv:     NewReceiver(recvCapacity),
		send:     NewSender(out, localISN, srcIP, dstIP, tuple.LocalPort, tuple.PeerPort),
		rto:      rto,
		logger:   logger,
		localISN: localISN,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the connection's current FSM state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Tuple returns the connection's 4-tuple.
func (c *Conn) Tuple() FourTuple {
	return c.tuple
}

// Connect performs an active open: CLOSED -> SYN_SENT, emitting a SYN.
func (c *Conn) Connect() error {
	if c.State() != StateClosed {
		return fmt.Errorf("connect: %w", ErrAlreadyConnected)
	}
	return c.apply(EventConnect)
}

// Listen performs a passive open: CLOSED -> LISTEN.
func (c *Conn) Listen() error {
	if c.State() != StateClosed {
		return fmt.Errorf("listen: %w", ErrIllegalTransition)
	}
	return c.apply(EventListen)
}

// Close initiates a graceful close from ESTABLISHED or CLOSE_WAIT.
func (c *Conn) Close() error {
	switch c.State() {
	case StateEstablished, StateCloseWait:
		return c.apply(EventClose)
	case StateClosed:
		return nil
	default:
		return fmt.Errorf("close: %w", ErrIllegalTransition)
	}
}

// HandleSegment processes one inbound, already-checksum-validated
// segment: it feeds payload bytes to the Receiver, acknowledges any ACK
// number against the Sender, and drives the FSM.
func (c *Conn) HandleSegment(tcph tcpip.TCPHeader) error {
	c.counters.SegmentsReceived.Add(1)

	flags := tcph.Flags

	if flags.Has(tcpip.TCPFlagACK) {
		if c.send.Acknowledge(tcph.AckNo, tcph.Window) {
			c.counters.BytesAcked.Store(c.send.UnackedSeqNo())
			c.rto.Reset()
		}
	}

	if flags.Has(tcpip.TCPFlagSYN) || flags.Has(tcpip.TCPFlagFIN) || len(tcph.Payload) > 0 {
		before := c.recv.NextByteIdx()
		accepted := c.recv.SegmentReceived(tcph.SeqNo, flags.Has(tcpip.TCPFlagSYN), flags.Has(tcpip.TCPFlagFIN), tcph.Payload)
		if !accepted {
			// Counted via ConnCounters only: the metrics poller turns this
			// cumulative counter into a Prometheus delta, the same path
			// SegmentsSent/Received/Retransmits already use.
			c.counters.SegmentsDropped.Add(1)
		} else if c.metrics != nil {
			if written := c.recv.NextByteIdx() - before; written > 0 {
				c.metrics.AddByteStreamBytesWritten(c.tuple.PeerAddr, c.tuple.LocalAddr, float64(written))
			}
			c.metrics.SetReassemblerBytesPending(c.tuple.PeerAddr, c.tuple.LocalAddr, float64(c.recv.BytesPending()))
		}
	}

	event, ok := c.classifyEvent(flags)
	if !ok {
		return nil
	}
	return c.apply(event)
}

// classifyEvent maps an inbound segment's flags to an FSM event, in
// priority order: RST first, then the SYN/FIN combinations the state
// machine names explicitly.
func (c *Conn) classifyEvent(flags tcpip.TCPFlags) (Event, bool) {
	switch {
	case flags.Has(tcpip.TCPFlagRST):
		return EventRecvRst, true
	case flags.Has(tcpip.TCPFlagSYN) && flags.Has(tcpip.TCPFlagACK):
		return EventRecvSynAck, true
	case flags.Has(tcpip.TCPFlagSYN):
		return EventRecvSyn, true
	case flags.Has(tcpip.TCPFlagFIN):
		return EventRecvFin, true
	case flags.Has(tcpip.TCPFlagACK):
		return EventRecvAck, true
	default:
		return 0, false
	}
}

// apply runs the FSM and executes the resulting actions.
func (c *Conn) apply(event Event) error {
	result := ApplyEvent(c.State(), event)
	if result.Changed {
		c.state.Store(uint32(result.NewState))
		if c.logger != nil {
			c.logger.Info("connection state changed",
				slog.String("tuple", c.tuple.String()),
				slog.String("from", result.OldState.String()),
				slog.String("to", result.NewState.String()),
			)
		}
		if c.metrics != nil {
			c.metrics.RecordStateTransition(result.OldState.String(), result.NewState.String())
		}
	}
	for _, action := range result.Actions {
		if err := c.executeAction(action); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) executeAction(action Action) error {
	ack := c.recv.AckNo()
	window := uint16(min(c.recv.Window(), uint64(0xFFFF)))

	var err error
	switch action {
	case ActionEmitSyn:
		err = c.send.SendSyn(ack, window)
	case ActionEmitSynAck:
		err = c.send.SendSynAck(ack, window)
	case ActionEmitAck:
		err = c.send.SendAck(ack, window)
	case ActionEmitFin:
		err = c.send.SendFin(ack, window)
	case ActionLatchPeerISN:
		// Already latched by Receiver.SegmentReceived when the SYN
		// arrived; nothing further to do here.
		return nil
	case ActionStartTimeWaitTimer:
		c.armTimeWaitTimer()
		return nil
	case ActionTeardown:
		c.teardown()
		return nil
	}
	if err != nil {
		return fmt.Errorf("execute action %s: %w", action, err)
	}
	c.counters.SegmentsSent.Add(1)
	return nil
}

// timeWaitDuration is 2*MSL using the conventional 60s MSL (RFC 793
// suggests 2 minutes; many stacks use 30s-60s in practice).
const timeWaitDuration = 2 * 60 * time.Second

func (c *Conn) armTimeWaitTimer() {
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
	}
	c.timeWaitTimer = time.AfterFunc(timeWaitDuration, func() {
		_ = c.apply(EventTimeWaitExpired)
	})
}

func (c *Conn) teardown() {
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
	}
}

// Read reads application bytes from the receive side.
func (c *Conn) Read(buf []byte) (int, error) {
	n, err := c.recv.Read(buf)
	if n > 0 && c.metrics != nil {
		c.metrics.AddByteStreamBytesRead(c.tuple.PeerAddr, c.tuple.LocalAddr, float64(n))
	}
	return n, err
}

// Write sends application bytes via SendData, using the connection's
// current ack/window.
func (c *Conn) Write(payload []byte) error {
	if !c.State().IsOpen() {
		return fmt.Errorf("write: %w", ErrNotConnected)
	}
	err := c.send.SendData(c.recv.AckNo(), uint16(min(c.recv.Window(), uint64(0xFFFF))), payload)
	if err != nil {
		return err
	}
	c.counters.SegmentsSent.Add(1)
	return nil
}

// RetransmitTick retransmits the oldest unacknowledged segment and backs
// off the RTO. Nothing in this package schedules it; it runs only when a
// caller invokes it.
func (c *Conn) RetransmitTick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.send.RetransmitOldest(); err != nil {
		return err
	}
	c.rto.Backoff()
	c.counters.Retransmits.Add(1)
	return nil
}

// Snapshot returns a read-only view of the connection's state.
func (c *Conn) Snapshot() ConnSnapshot {
	return ConnSnapshot{
		Tuple:      c.tuple,
		State:      c.State(),
		NextSeqNo:  c.send.NextSeqNo(),
		NextAck:    c.recv.NextByteIdx(),
		BytesAcked: c.counters.BytesAcked.Load(),
		Counters:   c.Counters(),
	}
}

// CounterSnapshot is a point-in-time read of a Conn's atomic counters,
// safe to hand to callers outside the connection's owning goroutine (the
// metrics poller).
type CounterSnapshot struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	SegmentsDropped  uint64
	Retransmits      uint64
}

// Counters returns a snapshot of the connection's counters.
func (c *Conn) Counters() CounterSnapshot {
	return CounterSnapshot{
		SegmentsSent:     c.counters.SegmentsSent.Load(),
		SegmentsReceived: c.counters.SegmentsReceived.Load(),
		SegmentsDropped:  c.counters.SegmentsDropped.Load(),
		Retransmits:      c.counters.Retransmits.Load(),
	}
}
