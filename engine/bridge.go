package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semwatch/metrics"
	"github.com/c360studio/semwatch/report"
	"github.com/c360studio/semwatch/state"
)

// DefaultDebounce is the leading-edge collapse window.
const DefaultDebounce = 200 * time.Millisecond

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Registry is the rule-set registry reference passed to LoadRegistry.
	Registry string

	// Debounce is how long an accepted request waits for more requests
	// before the run command is sent. Zero or negative sends immediately.
	Debounce time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

type phase int

const (
	phaseIdle phase = iota
	phaseArmed
	phaseInFlight
)

// Bridge owns the single engine instance. One goroutine owns all run
// bookkeeping; callers talk to it through RequestRun and Events.
//
// Request policy (debounce-and-supersede):
//   - idle: a request starts a run and arms the debounce window; requests
//     inside the window collapse into that run.
//   - in flight: a request marks the run stale. When the engine terminates
//     the stale run its output is dropped and one superseding run is sent
//     immediately, however many requests arrived meanwhile.
type Bridge struct {
	transport Transport
	config    BridgeConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	registry json.RawMessage

	lifecycle   sync.Mutex
	startCalled atomic.Bool
	started     atomic.Bool
	stopped     atomic.Bool

	requests chan string
	events   chan Event
	stop     chan struct{}
	done     chan struct{}

	// Loop-owned state.
	phase      phase
	runID      string
	root       string
	stale      bool
	sentAt     time.Time
	engineGone bool
	timer      *time.Timer
	timerC     <-chan time.Time
}

// NewBridge creates a bridge over transport. Nothing runs until Start.
func NewBridge(transport Transport, config BridgeConfig) *Bridge {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		transport: transport,
		config:    config,
		logger:    logger,
		metrics:   config.Metrics,
		now:       now,
		requests:  make(chan string, 64),
		events:    make(chan Event, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start loads the registry, starts the transport and begins processing.
// Failures wrap ErrStart. Start must be called exactly once; a second call is
// a programming error and panics.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.startCalled.CompareAndSwap(false, true) {
		panic("engine: Bridge.Start called twice")
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stopped.Load() {
		return ErrStopped
	}

	registry, err := LoadRegistry(ctx, b.config.Registry)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	b.registry = registry

	if err := b.transport.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	go b.loop()
	b.started.Store(true)

	b.logger.Info("Engine bridge started",
		"registry", b.config.Registry,
		"debounce", b.config.Debounce)
	return nil
}

// Started reports whether Start completed successfully.
func (b *Bridge) Started() bool {
	return b.started.Load()
}

// RequestRun asks for an analysis of sourceRoot. It never blocks; the outcome
// is observed through Events.
func (b *Bridge) RequestRun(sourceRoot string) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if !b.started.Load() {
		return ErrNotStarted
	}
	select {
	case b.requests <- sourceRoot:
	default:
		// A full queue already guarantees a pending run.
		b.metrics.RequestCoalesced()
	}
	return nil
}

// Events yields domain events in engine order. The channel is closed after
// Stop.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Stop ends processing and closes the transport.
func (b *Bridge) Stop() error {
	b.lifecycle.Lock()
	if b.stopped.Load() {
		b.lifecycle.Unlock()
		return nil
	}
	b.stopped.Store(true)
	close(b.stop)
	running := b.started.Load()
	b.lifecycle.Unlock()

	if !running {
		close(b.events)
		return nil
	}
	<-b.done
	return b.transport.Close()
}

func (b *Bridge) loop() {
	defer close(b.done)
	defer close(b.events)
	defer b.disarm()

	wire := b.transport.Events()
	for {
		select {
		case <-b.stop:
			return

		case root := <-b.requests:
			b.handleRequest(root)

		case <-b.timerC:
			b.timerC = nil
			b.drainRequests()
			b.dispatch()

		case ev, ok := <-wire:
			// Requests already queued supersede whatever this event ends.
			b.drainRequests()
			if !ok {
				wire = nil
				b.handleEngineGone()
				continue
			}
			b.handleWire(ev)
		}
	}
}

func (b *Bridge) drainRequests() {
	for {
		select {
		case root := <-b.requests:
			b.handleRequest(root)
		default:
			return
		}
	}
}

func (b *Bridge) handleRequest(root string) {
	b.root = root

	if b.engineGone {
		runID := uuid.NewString()
		b.emit(Event{Kind: RunStarted, RunID: runID})
		b.fail(runID, "engine is no longer running", ErrUnavailable)
		return
	}

	switch b.phase {
	case phaseIdle:
		b.begin()
		if b.config.Debounce <= 0 {
			b.dispatch()
			return
		}
		b.arm()

	case phaseArmed:
		b.metrics.RequestCoalesced()

	case phaseInFlight:
		if !b.stale {
			b.stale = true
			b.logger.Debug("Marked in-flight run stale", "run_id", b.runID)
		} else {
			b.metrics.RequestCoalesced()
		}
	}
}

// begin allocates a run and announces it.
func (b *Bridge) begin() {
	b.runID = uuid.NewString()
	b.stale = false
	b.phase = phaseArmed
	b.emit(Event{Kind: RunStarted, RunID: b.runID})
}

func (b *Bridge) arm() {
	b.disarm()
	b.timer = time.NewTimer(b.config.Debounce)
	b.timerC = b.timer.C
}

func (b *Bridge) disarm() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerC = nil
}

// dispatch sends the run command for the current run.
func (b *Bridge) dispatch() {
	if b.phase != phaseArmed {
		return
	}
	b.disarm()

	cmd := Command{
		Command:    CommandRun,
		SourceRoot: b.root,
		Registry:   b.registry,
		RunID:      b.runID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.transport.Send(ctx, cmd); err != nil {
		b.logger.Warn("Failed to send run command", "run_id", b.runID, "error", err)
		b.fail(b.runID, fmt.Sprintf("send run command: %v", err), err)
		return
	}

	b.phase = phaseInFlight
	b.sentAt = b.now()
	b.metrics.RunStarted()
	b.logger.Debug("Run command sent", "run_id", b.runID, "root", b.root)
}

func (b *Bridge) handleWire(ev WireEvent) {
	if ev.RunID != "" && (b.phase != phaseInFlight || ev.RunID != b.runID) {
		b.logger.Debug("Dropping event for old run",
			"event", ev.Event,
			"event_run_id", ev.RunID,
			"run_id", b.runID)
		return
	}

	switch ev.Event {
	case WireLog:
		b.metrics.Diagnostic()
		runID := ""
		if b.phase == phaseInFlight {
			runID = b.runID
		}
		b.emit(Event{Kind: Diagnostic, RunID: runID, Source: state.SourceEngine, Message: ev.Text()})

	case WireReport, WireError:
		if b.phase != phaseInFlight {
			b.logger.Warn("Engine result with no run in flight", "event", ev.Event)
			if ev.Event == WireError {
				b.emit(Event{Kind: Diagnostic, Source: state.SourceEngine, Message: ev.Text()})
			}
			return
		}
		if b.stale {
			b.supersede()
			return
		}
		if ev.Event == WireError {
			b.fail(b.runID, ev.Text(), ErrRun)
			return
		}
		r, err := report.Decode(ev.Payload)
		if err != nil {
			b.fail(b.runID, err.Error(), err)
			return
		}
		b.metrics.RunCompleted(b.now().Sub(b.sentAt))
		b.emit(Event{Kind: ReportReady, RunID: b.runID, Report: r})
		b.phase = phaseIdle
	}
}

// supersede drops the stale run's result and sends the trailing run at once.
func (b *Bridge) supersede() {
	b.metrics.RunSuperseded()
	b.logger.Debug("Discarded output of superseded run", "run_id", b.runID)
	b.phase = phaseIdle
	b.begin()
	b.dispatch()
}

func (b *Bridge) handleEngineGone() {
	b.engineGone = true
	b.logger.Error("Engine went away")
	b.emit(Event{Kind: Diagnostic, Source: state.SourceBridge, Message: "engine connection closed"})
	if b.phase != phaseIdle {
		b.disarm()
		b.fail(b.runID, "engine is no longer running", ErrUnavailable)
	}
}

func (b *Bridge) fail(runID, detail string, cause error) {
	b.metrics.RunFailed()
	err := fmt.Errorf("%w: %s", ErrRun, detail)
	if cause != nil && !errors.Is(cause, ErrRun) {
		err = fmt.Errorf("%w: %w", ErrRun, cause)
	}
	b.emit(Event{Kind: RunFailed, RunID: runID, Message: detail, Err: err})
	b.phase = phaseIdle
	b.stale = false
}

// emit delivers in order; it blocks until the consumer takes the event or the
// bridge stops.
func (b *Bridge) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	select {
	case b.events <- ev:
	case <-b.stop:
	}
}
