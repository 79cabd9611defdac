package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	rtcpmetrics "github.com/quietriver/rawtcp/internal/metrics"
	"github.com/quietriver/rawtcp/internal/tcp"
	"github.com/quietriver/rawtcp/internal/tcpip"
)

// ErrNoListeners indicates that Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Demuxer routes a parsed inbound TCP segment to the owning connection.
// This interface decouples the receive loop from tcp.Manager to avoid a
// netio->tcp->netio import cycle risk as the daemon wiring grows; in
// production it is implemented directly by *tcp.Manager.
type Demuxer interface {
	Demux(tcph tcpip.TCPHeader, meta tcp.PacketMeta) error
}

// Receiver reads IPv4 datagrams from one or more Listeners, parses each as
// an IP+TCP packet, and routes the result to a Demuxer.
//
// The Receiver handles:
//   - Buffer management via DatagramPool
//   - Packet parsing and checksum verification via tcpip.Unwrap
//   - Context-aware graceful shutdown
type Receiver struct {
	demuxer Demuxer
	metrics *rtcpmetrics.Collector
	logger  *slog.Logger
}

// NewReceiver creates a Receiver that routes segments to the given Demuxer.
// metrics may be nil, in which case drop/checksum-failure counting is
// skipped (tests that don't care about metrics).
func NewReceiver(demuxer Demuxer, metrics *rtcpmetrics.Collector, logger *slog.Logger) *Receiver {
	return &Receiver{
		demuxer: demuxer,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled. Each
// listener gets its own goroutine. Run blocks until all listener
// goroutines complete.
//
// Errors from individual reads are logged but do not stop the receiver;
// only context cancellation terminates the loop (spec.md §7: a single
// unroutable or malformed datagram must never take the receive loop
// down).
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))

	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range len(listeners) {
		<-done
	}

	return nil
}

// recvLoop reads datagrams from a single Listener in a loop until ctx is
// cancelled. Each datagram is parsed and routed to the Demuxer.
func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-parse-demux cycle.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, meta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}

	iph, tcph, err := tcpip.Unwrap(raw)
	if err != nil {
		r.logger.Debug("dropping malformed datagram",
			slog.String("src", meta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
		r.countChecksumFailure(err)
		r.countDropped(meta.SrcAddr, meta.DstAddr)
		return nil
	}

	demuxMeta := tcp.PacketMeta{
		SrcAddr: meta.SrcAddr,
		DstAddr: meta.DstAddr,
		TTL:     iph.TTL,
	}

	// The Demuxer (tcp.Manager in production) owns its own Collector and
	// counts no-match drops at the point it decides to drop, since it
	// alone knows whether the failure was a drop or something else (e.g.
	// a send error while executing an FSM action); double-counting here
	// would skew segments_dropped_total.
	if err := r.demuxer.Demux(tcph, demuxMeta); err != nil {
		r.logger.Debug("demux failed",
			slog.String("src", demuxMeta.SrcAddr.String()),
			slog.Uint64("src_port", uint64(tcph.SrcPort)),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// countChecksumFailure increments the layer-labeled checksum failure
// counter if err wraps one of tcpip's checksum sentinels.
func (r *Receiver) countChecksumFailure(err error) {
	if r.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, tcpip.ErrBadIPChecksum):
		r.metrics.IncChecksumFailures("ip")
	case errors.Is(err, tcpip.ErrBadTCPChecksum):
		r.metrics.IncChecksumFailures("tcp")
	}
}

// countDropped increments the dropped-segments counter for (src, dst),
// attributed at the IP-address level since no Conn exists yet for
// malformed or unroutable datagrams.
func (r *Receiver) countDropped(src, dst netip.Addr) {
	if r.metrics == nil {
		return
	}
	r.metrics.IncSegmentsDropped(src, dst)
}
