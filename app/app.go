// Package app wires the engine bridge, watcher, state store, dashboard and
// control surface into one server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"

	"github.com/c360studio/semwatch/config"
	"github.com/c360studio/semwatch/control"
	"github.com/c360studio/semwatch/dashboard"
	"github.com/c360studio/semwatch/engine"
	"github.com/c360studio/semwatch/metrics"
	"github.com/c360studio/semwatch/state"
	"github.com/c360studio/semwatch/storage"
	"github.com/c360studio/semwatch/watcher"
	"github.com/c360studio/semwatch/workspace"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// archiveBuffer is how many finished runs may wait for the history writer.
const archiveBuffer = 16

// Options carries the non-config dependencies of an App.
type Options struct {
	Logger  *slog.Logger
	Version string

	// Transport overrides the engine transport built from config.
	Transport engine.Transport

	// History overrides the run history opened from config.
	History *storage.History

	// Now defaults to time.Now.
	Now func() time.Time
}

// App is the running server.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	now       func() time.Time
	startedAt time.Time

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	workspace *workspace.Workspace
	store     *state.Store
	bridge    *engine.Bridge
	watcher   *watcher.Watcher
	dashboard *dashboard.Dashboard
	control   *control.Control

	history     *storage.History
	historyConn *nats.Conn
	archive     chan storage.Record
	archiveDone chan struct{}

	mux          *http.ServeMux
	dispatchDone chan struct{}
}

// NewTransport builds the engine transport selected by cfg.
func NewTransport(cfg *config.Config, logger *slog.Logger) engine.Transport {
	if cfg.Engine.Transport == config.TransportNATS {
		return engine.NewNATSTransport(engine.NATSConfig{
			URL:            cfg.Engine.NATSURL,
			CommandSubject: cfg.Engine.CommandSubject,
			EventSubject:   cfg.Engine.EventSubject,
			Logger:         logger,
		})
	}
	return engine.NewProcessTransport(engine.ProcessConfig{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Dir:     cfg.Source.Root,
		Logger:  logger,
	})
}

// New builds every component. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	filter, err := workspace.NewFilter(cfg.Source.Include, cfg.Source.Exclude)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.New(cfg.Source.Root, filter,
		workspace.WithLogger(logger.With("component", "workspace")))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(cfg, logger.With("component", "engine"))
	}

	a := &App{
		cfg:          cfg,
		logger:       logger,
		version:      opts.Version,
		now:          now,
		startedAt:    now(),
		registry:     registry,
		metrics:      m,
		workspace:    ws,
		history:      opts.History,
		dispatchDone: make(chan struct{}),
	}

	a.store = state.NewStore(now())
	a.dashboard = dashboard.New(a.store,
		dashboard.WithLogger(logger.With("component", "dashboard")),
		dashboard.WithMetrics(m),
		dashboard.WithSendBuffer(cfg.Dashboard.SendBuffer),
		dashboard.WithHeartbeat(cfg.Dashboard.Heartbeat))
	a.store.SetListener(a.dashboard.Publish)

	a.bridge = engine.NewBridge(transport, engine.BridgeConfig{
		Registry: cfg.Engine.Registry,
		Debounce: cfg.Engine.Debounce,
		Logger:   logger.With("component", "bridge"),
		Metrics:  m,
		Now:      now,
	})
	a.control = control.New(a.bridge, ws.Root(), logger.With("component", "control"))

	if cfg.WatchEnabled() {
		w, err := watcher.New(watcher.Config{
			Root:    ws.Root(),
			Filter:  ws.Filter(),
			Logger:  logger.With("component", "watcher"),
			Metrics: m,
		}, a.bridge)
		if err != nil {
			return nil, err
		}
		a.watcher = w
	}

	a.mux = http.NewServeMux()
	a.registerHTTPHandlers(a.mux)
	return a, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (a *App) Handler() http.Handler {
	return a.mux
}

// Start starts the engine, the dispatcher and the watcher. An engine start
// failure wraps engine.ErrStart and is fatal; a watcher failure is recorded
// as a diagnostic and the server keeps going without it.
func (a *App) Start(ctx context.Context) error {
	if err := a.bridge.Start(ctx); err != nil {
		return err
	}

	var diagnostics <-chan state.Diagnostic
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Error("File watcher failed to start", "error", err)
			a.store.AddDiagnostic(state.Diagnostic{
				At:      a.now(),
				Source:  state.SourceWatcher,
				Message: err.Error(),
			})
			_ = a.watcher.Stop()
			a.watcher = nil
		} else {
			diagnostics = a.watcher.Diagnostics()
		}
	}

	if a.history == nil && a.cfg.HistoryEnabled() {
		if err := a.openHistory(ctx); err != nil {
			a.logger.Error("Run history unavailable", "error", err)
			a.store.AddDiagnostic(state.Diagnostic{
				At:      a.now(),
				Source:  state.SourceHistory,
				Message: err.Error(),
			})
		}
	}
	if a.history != nil {
		a.archive = make(chan storage.Record, archiveBuffer)
		a.archiveDone = make(chan struct{})
		go a.runArchiver()
	}

	go a.dispatch(a.bridge.Events(), diagnostics)

	a.logger.Info("semwatch started",
		"version", a.version,
		"root", a.workspace.Root(),
		"transport", a.cfg.Engine.Transport,
		"watch", a.watcher != nil)
	return nil
}

// Stop stops the watcher and the engine and waits for the dispatcher.
func (a *App) Stop() error {
	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if err := a.bridge.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}
	if a.bridge.Started() {
		<-a.dispatchDone
	}
	if a.archive != nil {
		close(a.archive)
		<-a.archiveDone
		a.archive = nil
	}
	if a.historyConn != nil {
		a.historyConn.Close()
		a.historyConn = nil
	}
	a.dashboard.Close()
	return errors.Join(errs...)
}

// Run starts everything, serves HTTP on the configured port until ctx ends,
// then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener, which it closes.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	if n := a.cfg.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	srv := &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	a.logger.Info("Listening", "url", "http://"+ln.Addr().String())

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	// Long-lived observer streams end when the dashboard closes.
	a.dashboard.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Warn("HTTP shutdown incomplete", "error", shutdownErr)
	}

	if stopErr := a.Stop(); stopErr != nil {
		a.logger.Error("Error stopping components", "error", stopErr)
	}

	a.logger.Info("semwatch shutdown complete")
	return err
}

// dispatch is the only writer of the store. It applies engine events and
// watcher diagnostics in arrival order until the engine channel closes.
func (a *App) dispatch(events <-chan engine.Event, diagnostics <-chan state.Diagnostic) {
	defer close(a.dispatchDone)

	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.apply(ev)

		case d, ok := <-diagnostics:
			if !ok {
				diagnostics = nil
				continue
			}
			a.store.AddDiagnostic(d)
		}
	}
}

func (a *App) apply(ev engine.Event) {
	var err error
	switch ev.Kind {
	case engine.RunStarted:
		a.store.Begin(ev.RunID, ev.At)
	case engine.ReportReady:
		started := a.store.Snapshot().RunStartedAt
		var st state.DashboardState
		if st, err = a.store.Complete(ev.RunID, ev.Report, ev.At); err == nil {
			a.record(storage.Record{
				RunID:      ev.RunID,
				Outcome:    storage.OutcomeReport,
				StartedAt:  started,
				FinishedAt: ev.At,
				Report:     st.LastReport,
			})
		}
	case engine.RunFailed:
		a.logger.Warn("Analysis run failed", "run_id", ev.RunID, "error", ev.Err)
		started := a.store.Snapshot().RunStartedAt
		if _, err = a.store.Fail(ev.RunID, ev.Message, ev.At); err == nil {
			a.record(storage.Record{
				RunID:      ev.RunID,
				Outcome:    storage.OutcomeFailed,
				StartedAt:  started,
				FinishedAt: ev.At,
				Error:      ev.Message,
			})
		}
	case engine.Diagnostic:
		a.store.AddDiagnostic(state.Diagnostic{At: ev.At, Source: ev.Source, Message: ev.Message})
	}
	if err != nil {
		a.logger.Warn("Ignoring engine event", "event", ev.Kind.String(), "run_id", ev.RunID, "error", err)
	}
}

// openHistory connects to NATS and opens the history bucket.
func (a *App) openHistory(ctx context.Context) error {
	nc, err := nats.Connect(a.cfg.HistoryURL(), nats.Name("semwatch-history"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", a.cfg.HistoryURL(), err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	h, err := storage.OpenHistory(ctx, js, a.cfg.History.Bucket, a.cfg.History.Limit,
		a.logger.With("component", "history"))
	if err != nil {
		nc.Close()
		return err
	}

	a.history = h
	a.historyConn = nc
	a.logger.Info("Run history enabled", "bucket", a.cfg.History.Bucket, "limit", a.cfg.History.Limit)
	return nil
}

// record hands a finished run to the archiver without blocking dispatch.
func (a *App) record(rec storage.Record) {
	if a.archive == nil {
		return
	}
	select {
	case a.archive <- rec:
	default:
		a.logger.Warn("Run history backlog full, dropping run", "run_id", rec.RunID)
	}
}

func (a *App) runArchiver() {
	defer close(a.archiveDone)
	for rec := range a.archive {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.history.Record(ctx, rec)
		cancel()
		if err != nil {
			a.logger.Warn("Failed to archive run", "run_id", rec.RunID, "error", err)
		}
	}
}
