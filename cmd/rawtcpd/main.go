// rawtcpd is the userspace TCP/IPv4 transport daemon: it owns the raw
// sockets, demultiplexes inbound segments to connection state machines, and
// exposes an HTTP admin API and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quietriver/rawtcp/internal/admin"
	"github.com/quietriver/rawtcp/internal/config"
	rtcpmetrics "github.com/quietriver/rawtcp/internal/metrics"
	"github.com/quietriver/rawtcp/internal/netio"
	"github.com/quietriver/rawtcp/internal/tcp"
	appversion "github.com/quietriver/rawtcp/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// recvTimeout bounds how long a single raw-socket read blocks, so the
// receive loop notices context cancellation promptly.
const recvTimeout = time.Second

// metricsPollInterval is how often the daemon polls Manager.ListConnections
// to refresh the connections gauge and turn each Conn's cumulative
// counters into counter deltas.
const metricsPollInterval = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("rawtcpd starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := rtcpmetrics.NewCollector(reg)

	sendConn, err := netio.NewRawSendConn()
	if err != nil {
		logger.Error("failed to open raw send socket", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := sendConn.Close(); err != nil {
			logger.Warn("failed to close raw send socket", slog.String("error", err.Error()))
		}
	}()

	mgr := tcp.NewManager(logger, netio.RawSenderAdapter{Conn: sendConn},
		tcp.WithDefaultRTO(cfg.TCP.DefaultRTOInitial, cfg.TCP.DefaultRTOMax),
		tcp.WithRecvCapacity(cfg.TCP.DefaultWindow),
		tcp.WithMetrics(collector),
	)

	if err := runServers(cfg, mgr, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("rawtcpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("rawtcpd stopped")
	return 0
}

// runServers sets up and runs the raw-socket receive loop, the admin and
// metrics HTTP servers, and the daemon lifecycle goroutines using an
// errgroup with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *tcp.Manager,
	collector *rtcpmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	adminSrv := newAdminServer(cfg.Admin, mgr, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	listener, err := netio.NewListener(recvTimeout)
	if err != nil {
		return fmt.Errorf("create raw listener: %w", err)
	}
	defer func() {
		if err := listener.Close(); err != nil {
			logger.Warn("failed to close raw listener", slog.String("error", err.Error()))
		}
	}()

	recv := netio.NewReceiver(mgr, collector, logger)
	g.Go(func() error {
		return recv.Run(gCtx, listener)
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, logger)

	poller := newMetricsPoller(mgr, collector, logger)
	g.Go(func() error {
		poller.Run(gCtx)
		return nil
	})

	reconcileConnections(cfg, mgr, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP reload
// goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *tcp.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, mgr, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. Exits immediately if no watchdog is
// configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + connection reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads configuration until ctx is
// cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *tcp.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, mgr, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates the
// dynamic log level, and reconciles declarative connections. Errors during
// reload are logged but do not stop the daemon.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	mgr *tcp.Manager,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	reconcileConnections(newCfg, mgr, logger)
}

// reconcileConnections diffs the declarative connections from the config
// against the connections the Manager currently tracks, connecting new
// peers and closing ones no longer declared. Mirrors the teacher's
// reconcileSessions/handleSIGHUP pattern, applied to the TCP 4-tuple
// instead of a BFD session key.
func reconcileConnections(cfg *config.Config, mgr *tcp.Manager, logger *slog.Logger) {
	if len(cfg.Connections) == 0 {
		logger.Debug("no declarative connections in config, skipping reconciliation")
		return
	}

	desired := make(map[tcp.FourTuple]config.ConnConfig, len(cfg.Connections))
	for _, cc := range cfg.Connections {
		tuple, err := connTuple(cc)
		if err != nil {
			logger.Error("invalid connection config, skipping",
				slog.String("peer", cc.Peer),
				slog.String("error", err.Error()),
			)
			continue
		}
		desired[tuple] = cc
	}

	existing := mgr.ListConnections()
	existingTuples := make(map[tcp.FourTuple]struct{}, len(existing))
	for _, snap := range existing {
		existingTuples[snap.Tuple] = struct{}{}
	}

	created, closed := 0, 0

	for tuple, cc := range desired {
		if _, ok := existingTuples[tuple]; ok {
			continue
		}
		if _, err := mgr.Connect(tuple.LocalAddr, cc.LocalPort, tuple.PeerAddr, cc.PeerPort); err != nil {
			logger.Error("failed to connect declarative peer, skipping",
				slog.String("peer", cc.Peer),
				slog.String("error", err.Error()),
			)
			continue
		}
		created++
	}

	for tuple := range existingTuples {
		if _, ok := desired[tuple]; ok {
			continue
		}
		if err := mgr.Close(tuple); err != nil {
			logger.Warn("failed to close removed connection",
				slog.String("tuple", tuple.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
	}

	logger.Info("connection reconciliation complete",
		slog.Int("created", created),
		slog.Int("closed", closed),
	)
}

// connTuple resolves a ConnConfig to the 4-tuple the Manager keys
// connections by.
func connTuple(cc config.ConnConfig) (tcp.FourTuple, error) {
	peerAddr, err := cc.PeerAddr()
	if err != nil {
		return tcp.FourTuple{}, fmt.Errorf("parse peer address: %w", err)
	}
	localAddr, err := cc.LocalAddr()
	if err != nil {
		return tcp.FourTuple{}, fmt.Errorf("parse local address: %w", err)
	}
	return tcp.FourTuple{
		LocalAddr: localAddr,
		LocalPort: cc.LocalPort,
		PeerAddr:  peerAddr,
		PeerPort:  cc.PeerPort,
	}, nil
}

// -------------------------------------------------------------------------
// Metrics Poller
// -------------------------------------------------------------------------

// metricsPoller periodically samples Manager.ListConnections to maintain
// the active-connections gauge and translate each Conn's cumulative
// counters into Prometheus counter deltas. State transitions, byte-stream
// and reassembler metrics are not sampled here: Conn reports those inline
// through the Collector passed to tcp.WithMetrics.
type metricsPoller struct {
	manager   *tcp.Manager
	collector *rtcpmetrics.Collector
	logger    *slog.Logger
	known     map[tcp.FourTuple]struct{}
	last      map[tcp.FourTuple]tcp.CounterSnapshot
}

func newMetricsPoller(mgr *tcp.Manager, collector *rtcpmetrics.Collector, logger *slog.Logger) *metricsPoller {
	return &metricsPoller{
		manager:   mgr,
		collector: collector,
		logger:    logger.With(slog.String("component", "metrics_poller")),
		known:     make(map[tcp.FourTuple]struct{}),
		last:      make(map[tcp.FourTuple]tcp.CounterSnapshot),
	}
}

// Run samples the Manager every metricsPollInterval until ctx is cancelled.
func (p *metricsPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *metricsPoller) poll() {
	snapshots := p.manager.ListConnections()
	seen := make(map[tcp.FourTuple]struct{}, len(snapshots))

	for _, snap := range snapshots {
		seen[snap.Tuple] = struct{}{}

		if _, ok := p.known[snap.Tuple]; !ok {
			p.known[snap.Tuple] = struct{}{}
			p.collector.RegisterConnection(snap.Tuple.PeerAddr, snap.Tuple.LocalAddr, "active")
		}

		p.addCounterDeltas(snap)
	}

	for tuple := range p.known {
		if _, ok := seen[tuple]; ok {
			continue
		}
		p.collector.UnregisterConnection(tuple.PeerAddr, tuple.LocalAddr, "active")
		delete(p.known, tuple)
		delete(p.last, tuple)
	}
}

func (p *metricsPoller) addCounterDeltas(snap tcp.ConnSnapshot) {
	prev := p.last[snap.Tuple]
	cur := snap.Counters
	peer, local := snap.Tuple.PeerAddr, snap.Tuple.LocalAddr

	if d := delta(cur.SegmentsSent, prev.SegmentsSent); d > 0 {
		p.collector.AddSegmentsSent(peer, local, float64(d))
	}
	if d := delta(cur.SegmentsReceived, prev.SegmentsReceived); d > 0 {
		p.collector.AddSegmentsReceived(peer, local, float64(d))
	}
	if d := delta(cur.SegmentsDropped, prev.SegmentsDropped); d > 0 {
		p.collector.AddSegmentsDropped(peer, local, float64(d))
	}
	if d := delta(cur.Retransmits, prev.Retransmits); d > 0 {
		p.collector.AddRetransmits(peer, local, float64(d))
	}

	p.last[snap.Tuple] = cur
}

// delta returns cur-prev, or 0 if cur < prev (a Conn was removed and
// replaced by a new one reusing the same tuple before the poller observed
// the teardown).
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: notifies systemd, closes
// every tracked connection, stops the flight recorder, then shuts down the
// HTTP servers.
func gracefulShutdown(
	ctx context.Context,
	mgr *tcp.Manager,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	for _, snap := range mgr.ListConnections() {
		if err := mgr.Close(snap.Tuple); err != nil {
			logger.Warn("failed to close connection during shutdown",
				slog.String("tuple", snap.Tuple.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder for
// post-mortem debugging of connection failures.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newAdminServer creates an HTTP server for the connection administration
// API (SPEC_FULL.md §4.12).
func newAdminServer(cfg config.AdminConfig, mgr *tcp.Manager, logger *slog.Logger) *http.Server {
	srv := admin.New(mgr, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
