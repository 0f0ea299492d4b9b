// Package dashboard fans dashboard state out to real-time observers.
//
// Every subscriber has its own bounded outbox drained by a writer goroutine,
// so a slow or broken client never delays the others. Publish only enqueues;
// a subscriber whose outbox is full or whose write fails is removed.
package dashboard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semwatch/metrics"
	"github.com/c360studio/semwatch/report"
	"github.com/c360studio/semwatch/state"
)

// ErrTransport marks a failed or stalled delivery to one subscriber.
var ErrTransport = errors.New("dashboard transport error")

const (
	// DefaultSendBuffer is the per-subscriber outbox length.
	DefaultSendBuffer = 16

	// DefaultHeartbeat is the SSE keep-alive interval.
	DefaultHeartbeat = 30 * time.Second
)

// Conn is one observer connection.
type Conn interface {
	// Send delivers one full state.
	Send(s state.DashboardState) error
	Close() error
}

// Reader is the read side of the state store.
type Reader interface {
	Snapshot() state.DashboardState
	Report() *report.Report
	Diagnostics() []state.Diagnostic
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dashboard) { d.metrics = m }
}

// WithSendBuffer sets the outbox length for new subscribers.
func WithSendBuffer(n int) Option {
	return func(d *Dashboard) {
		if n > 0 {
			d.sendBuffer = n
		}
	}
}

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Dashboard) {
		if interval > 0 {
			d.heartbeat = interval
		}
	}
}

// Dashboard tracks subscribers in registration order.
type Dashboard struct {
	store      Reader
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sendBuffer int
	heartbeat  time.Duration

	mu      sync.Mutex
	subs    []*Subscription
	current state.DashboardState
	closed  bool
}

// New creates a dashboard over store. The last known state starts as the
// store's snapshot.
func New(store Reader, opts ...Option) *Dashboard {
	d := &Dashboard{
		store:      store,
		logger:     slog.Default(),
		sendBuffer: DefaultSendBuffer,
		heartbeat:  DefaultHeartbeat,
		current:    store.Snapshot(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current dashboard state from the store.
func (d *Dashboard) State() state.DashboardState {
	return d.store.Snapshot()
}

// Report returns the last report, nil if none.
func (d *Dashboard) Report() *report.Report {
	return d.store.Report()
}

// Subscription is a registered observer.
type Subscription struct {
	id     string
	conn   Conn
	outbox chan state.DashboardState
	done   chan struct{}

	// Guarded by Dashboard.mu.
	removed bool
	err     error
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed when the subscription's writer has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe registers conn. Its first message is the current full state and
// every later message follows a transition, in order. Subscribing to a closed
// dashboard returns a subscription that is already done.
func (d *Dashboard) Subscribe(conn Conn) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan state.DashboardState, d.sendBuffer),
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.removed = true
		close(sub.done)
		_ = conn.Close()
		return sub
	}
	sub.outbox <- d.current
	d.subs = append(d.subs, sub)
	count := len(d.subs)
	d.mu.Unlock()

	go d.write(sub)

	d.metrics.SubscriberAdded()
	d.logger.Debug("Dashboard subscriber added", "subscriber", sub.id, "subscribers", count)
	return sub
}

// Unsubscribe removes sub and closes its connection. It is idempotent.
func (d *Dashboard) Unsubscribe(sub *Subscription) {
	d.remove(sub, nil)
}

// Err returns the transport error that removed sub, or nil.
func (d *Dashboard) Err(sub *Subscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sub.err
}

// Subscribers returns the number of registered observers.
func (d *Dashboard) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Publish records s as the current state and enqueues it to every subscriber
// in registration order. It never blocks on a subscriber.
func (d *Dashboard) Publish(s state.DashboardState) {
	var stalled []*Subscription

	d.mu.Lock()
	d.current = s
	for _, sub := range d.subs {
		select {
		case sub.outbox <- s:
		default:
			stalled = append(stalled, sub)
		}
	}
	d.mu.Unlock()

	d.metrics.Broadcast()
	for _, sub := range stalled {
		d.remove(sub, fmt.Errorf("%w: subscriber %s outbox full", ErrTransport, sub.id))
	}
}

// Close removes every subscriber. Later subscriptions are refused.
func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	subs := append([]*Subscription(nil), d.subs...)
	d.mu.Unlock()

	for _, sub := range subs {
		d.remove(sub, nil)
	}
}

func (d *Dashboard) write(sub *Subscription) {
	defer close(sub.done)
	for s := range sub.outbox {
		if err := sub.conn.Send(s); err != nil {
			d.remove(sub, fmt.Errorf("%w: %w", ErrTransport, err))
			return
		}
	}
}

func (d *Dashboard) remove(sub *Subscription, cause error) {
	d.mu.Lock()
	if sub.removed {
		d.mu.Unlock()
		return
	}
	sub.removed = true
	sub.err = cause
	for i, s := range d.subs {
		if s == sub {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			break
		}
	}
	close(sub.outbox)
	count := len(d.subs)
	d.mu.Unlock()

	if err := sub.conn.Close(); err != nil {
		d.logger.Debug("Closing subscriber connection", "subscriber", sub.id, "error", err)
	}

	d.metrics.SubscriberRemoved()
	if cause != nil {
		d.metrics.TransportError()
		d.logger.Warn("Dashboard subscriber dropped", "subscriber", sub.id, "error", cause, "subscribers", count)
		return
	}
	d.logger.Debug("Dashboard subscriber removed", "subscriber", sub.id, "subscribers", count)
}
