package rtcpmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "rawtcp"

// Label names for rawtcp metrics.
const (
	labelPeerAddr  = "peer"
	labelLocalAddr = "local"
	labelRole      = "role"
	labelLayer     = "layer"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus rawtcp Metrics
// -------------------------------------------------------------------------

// Collector holds all rawtcp Prometheus metrics.
//
//   - Connections gauge tracks currently active connections.
//   - Segment counters track TX/RX/drop volumes per peer.
//   - State transition counters record FSM changes for alerting.
//   - Checksum failure counters flag corrupt or malicious input.
type Collector struct {
	// Connections tracks the number of currently active TCP connections.
	// Incremented on connection creation, decremented on teardown.
	Connections *prometheus.GaugeVec

	// SegmentsSent counts the total TCP segments transmitted per peer.
	SegmentsSent *prometheus.CounterVec

	// SegmentsReceived counts the total TCP segments received per peer.
	SegmentsReceived *prometheus.CounterVec

	// SegmentsDropped counts TCP segments dropped (validation failures,
	// demux misses, segments a connection refused) per peer.
	SegmentsDropped *prometheus.CounterVec

	// Retransmits counts segments retransmitted due to RTO expiry.
	Retransmits *prometheus.CounterVec

	// ChecksumFailures counts checksum verification failures, labeled by
	// the layer (ip or tcp) that failed.
	ChecksumFailures *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is labeled
	// with the old state and new state for precise alerting.
	StateTransitions *prometheus.CounterVec

	// ReassemblerBytesPending tracks bytes currently buffered in
	// out-of-order reassembly queues per connection.
	ReassemblerBytesPending *prometheus.GaugeVec

	// ByteStreamBytesWritten counts total bytes written into a ByteStream
	// by the reassembler.
	ByteStreamBytesWritten *prometheus.CounterVec

	// ByteStreamBytesRead counts total bytes consumed from a ByteStream by
	// application reads.
	ByteStreamBytesRead *prometheus.CounterVec
}

// NewCollector creates a Collector with all rawtcp metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.SegmentsSent,
		c.SegmentsReceived,
		c.SegmentsDropped,
		c.Retransmits,
		c.ChecksumFailures,
		c.StateTransitions,
		c.ReassemblerBytesPending,
		c.ByteStreamBytesWritten,
		c.ByteStreamBytesRead,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	connLabels := []string{labelPeerAddr, labelLocalAddr, labelRole}
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	checksumLabels := []string{labelLayer}
	transitionLabels := []string{labelFromState, labelToState}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of currently active TCP connections.",
		}, connLabels),

		SegmentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Total TCP segments transmitted.",
		}, peerLabels),

		SegmentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Total TCP segments received.",
		}, peerLabels),

		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total TCP segments dropped due to validation failure or demux miss.",
		}, peerLabels),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total segments retransmitted due to RTO expiry.",
		}, peerLabels),

		ChecksumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_failures_total",
			Help:      "Total checksum verification failures by layer.",
		}, checksumLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total TCP connection FSM state transitions.",
		}, transitionLabels),

		ReassemblerBytesPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reassembler_bytes_pending",
			Help:      "Bytes currently buffered in out-of-order reassembly queues.",
		}, peerLabels),

		ByteStreamBytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytestream_bytes_written_total",
			Help:      "Total bytes written into a ByteStream by the reassembler.",
		}, peerLabels),

		ByteStreamBytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytestream_bytes_read_total",
			Help:      "Total bytes consumed from a ByteStream by application reads.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the active connections gauge for the given
// peer. role is "active" or "passive" depending on how the connection was
// established.
func (c *Collector) RegisterConnection(peer, local netip.Addr, role string) {
	c.Connections.WithLabelValues(peer.String(), local.String(), role).Inc()
}

// UnregisterConnection decrements the active connections gauge for the
// given peer.
func (c *Collector) UnregisterConnection(peer, local netip.Addr, role string) {
	c.Connections.WithLabelValues(peer.String(), local.String(), role).Dec()
}

// -------------------------------------------------------------------------
// Segment Counters
// -------------------------------------------------------------------------

// IncSegmentsSent increments the transmitted segments counter for the peer.
func (c *Collector) IncSegmentsSent(peer, local netip.Addr) {
	c.SegmentsSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncSegmentsReceived increments the received segments counter for the peer.
func (c *Collector) IncSegmentsReceived(peer, local netip.Addr) {
	c.SegmentsReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncSegmentsDropped increments the dropped segments counter for the peer.
func (c *Collector) IncSegmentsDropped(peer, local netip.Addr) {
	c.SegmentsDropped.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncRetransmits increments the retransmit counter for the peer.
func (c *Collector) IncRetransmits(peer, local netip.Addr) {
	c.Retransmits.WithLabelValues(peer.String(), local.String()).Inc()
}

// AddSegmentsSent adds n to the transmitted segments counter for the peer,
// for callers that poll a connection's cumulative counters rather than
// observing each segment as it is sent.
func (c *Collector) AddSegmentsSent(peer, local netip.Addr, n float64) {
	c.SegmentsSent.WithLabelValues(peer.String(), local.String()).Add(n)
}

// AddSegmentsReceived adds n to the received segments counter for the peer.
func (c *Collector) AddSegmentsReceived(peer, local netip.Addr, n float64) {
	c.SegmentsReceived.WithLabelValues(peer.String(), local.String()).Add(n)
}

// AddSegmentsDropped adds n to the dropped segments counter for the peer.
func (c *Collector) AddSegmentsDropped(peer, local netip.Addr, n float64) {
	c.SegmentsDropped.WithLabelValues(peer.String(), local.String()).Add(n)
}

// AddRetransmits adds n to the retransmit counter for the peer.
func (c *Collector) AddRetransmits(peer, local netip.Addr, n float64) {
	c.Retransmits.WithLabelValues(peer.String(), local.String()).Add(n)
}

// -------------------------------------------------------------------------
// Checksums
// -------------------------------------------------------------------------

// IncChecksumFailures increments the checksum failure counter for the given
// layer ("ip" or "tcp").
func (c *Collector) IncChecksumFailures(layer string) {
	c.ChecksumFailures.WithLabelValues(layer).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Reassembler / ByteStream
// -------------------------------------------------------------------------

// SetReassemblerBytesPending sets the current out-of-order byte count
// buffered for the peer's reassembler.
func (c *Collector) SetReassemblerBytesPending(peer, local netip.Addr, n float64) {
	c.ReassemblerBytesPending.WithLabelValues(peer.String(), local.String()).Set(n)
}

// AddByteStreamBytesWritten adds n to the bytes-written counter for the peer.
func (c *Collector) AddByteStreamBytesWritten(peer, local netip.Addr, n float64) {
	c.ByteStreamBytesWritten.WithLabelValues(peer.String(), local.String()).Add(n)
}

// AddByteStreamBytesRead adds n to the bytes-read counter for the peer.
func (c *Collector) AddByteStreamBytesRead(peer, local netip.Addr, n float64) {
	c.ByteStreamBytesRead.WithLabelValues(peer.String(), local.String()).Add(n)
}
