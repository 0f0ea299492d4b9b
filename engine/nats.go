package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Default NATS subjects for the engine contract.
const (
	DefaultCommandSubject = "semwatch.engine.command"
	DefaultEventSubject   = "semwatch.engine.event"
)

// NATSConfig describes an engine reachable over NATS.
type NATSConfig struct {
	URL            string
	CommandSubject string
	EventSubject   string
	Name           string
	Logger         *slog.Logger
}

// NATSTransport talks to an engine that runs as a NATS service: commands are
// published on CommandSubject and events arrive on EventSubject.
type NATSTransport struct {
	config NATSConfig
	logger *slog.Logger

	nc  *nats.Conn
	sub *nats.Subscription

	mu       sync.RWMutex
	closed   bool
	events   chan WireEvent
	done     chan struct{}
	doneOnce sync.Once
}

// NewNATSTransport creates a NATS transport. Empty subjects get defaults.
func NewNATSTransport(config NATSConfig) *NATSTransport {
	if config.CommandSubject == "" {
		config.CommandSubject = DefaultCommandSubject
	}
	if config.EventSubject == "" {
		config.EventSubject = DefaultEventSubject
	}
	if config.Name == "" {
		config.Name = "semwatch"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{
		config: config,
		logger: logger,
		events: make(chan WireEvent, 256),
		done:   make(chan struct{}),
	}
}

// Start connects and subscribes to the event subject.
func (t *NATSTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.logger.Info("Connecting to NATS", "url", t.config.URL)

	nc, err := nats.Connect(t.config.URL,
		nats.Name(t.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ClosedHandler(func(*nats.Conn) { t.closeEvents() }),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", t.config.URL, err)
	}

	// The subscription callback runs on a single goroutine per
	// subscription, so events keep the order NATS delivered them in.
	sub, err := nc.Subscribe(t.config.EventSubject, func(msg *nats.Msg) {
		ev, err := DecodeWireEvent(msg.Data)
		if err != nil {
			t.logger.Warn("Ignoring malformed engine event", "subject", msg.Subject, "error", err)
			ev = LogEvent(fmt.Sprintf("malformed engine output: %v", err))
		}
		t.deliver(ev)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", t.config.EventSubject, err)
	}

	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return fmt.Errorf("flush subscription: %w", err)
	}

	t.nc = nc
	t.sub = sub
	t.logger.Info("Connected to NATS", "url", t.config.URL, "events", t.config.EventSubject)
	return nil
}

func (t *NATSTransport) deliver(ev WireEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *NATSTransport) closeEvents() {
	t.doneOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

// Send publishes a command.
func (t *NATSTransport) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	if t.nc == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return t.nc.Publish(t.config.CommandSubject, data)
}

// Events returns the engine event channel.
func (t *NATSTransport) Events() <-chan WireEvent {
	return t.events
}

// Close unsubscribes and closes the connection.
func (t *NATSTransport) Close() error {
	if t.nc == nil {
		t.closeEvents()
		return nil
	}
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.nc.Close()
	t.closeEvents()
	return nil
}
