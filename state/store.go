// Package state holds the dashboard's single source of truth: the current run
// state, the last report and a bounded diagnostic trail.
//
// The Store has exactly one writer, the dispatcher loop that drains engine and
// watcher events. Readers may call Snapshot, Report and Diagnostics from any
// goroutine; a read lock guarantees they never observe a half-applied
// transition.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semwatch/report"
)

// ErrInvalidTransition is returned when an event does not apply to the
// current run state (for example a report while nothing is running).
var ErrInvalidTransition = errors.New("invalid run state transition")

// RunState is the lifecycle position of the analysis.
type RunState string

const (
	Idle    RunState = "Idle"
	Running RunState = "Running"
	Errored RunState = "Errored"
)

// DashboardState is the record pushed to every observer.
type DashboardState struct {
	RunState      RunState       `json:"runState"`
	LastReport    *report.Report `json:"lastReport,omitempty"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
	RunID         string         `json:"runId,omitempty"`
	RunStartedAt  *time.Time     `json:"runStartedAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
}

// Diagnostic sources.
const (
	SourceEngine  = "engine"
	SourceWatcher = "watcher"
	SourceBridge  = "bridge"
	SourceHistory = "history"
)

// Diagnostic is one line of the log trail.
type Diagnostic struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// DefaultDiagnosticLimit bounds the diagnostic trail.
const DefaultDiagnosticLimit = 200

// Listener receives the new state after every transition.
type Listener func(DashboardState)

// Store is the mutable dashboard record.
type Store struct {
	mu          sync.RWMutex
	current     DashboardState
	diagnostics []Diagnostic
	limit       int
	listener    Listener
}

// Option configures a Store.
type Option func(*Store)

// WithListener sets the function notified after each transition. It is called
// on the writer goroutine after the lock is released, in transition order.
func WithListener(l Listener) Option {
	return func(s *Store) { s.listener = l }
}

// WithDiagnosticLimit overrides the length of the diagnostic trail.
func WithDiagnosticLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewStore returns a Store in the Idle state with no report.
func NewStore(now time.Time, opts ...Option) *Store {
	s := &Store{
		current: DashboardState{
			RunState:      Idle,
			LastUpdatedAt: now,
		},
		limit: DefaultDiagnosticLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetListener replaces the transition listener. It must be called before the
// writer starts.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Snapshot returns the current state. Reports are immutable so the copy shares
// the report pointer.
func (s *Store) Snapshot() DashboardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Report returns the last report, or nil if no run has completed yet.
func (s *Store) Report() *report.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.LastReport
}

// Diagnostics returns a copy of the diagnostic trail, oldest first.
func (s *Store) Diagnostics() []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Diagnostic, len(s.diagnostics))
	copy(out, s.diagnostics)
	return out
}

// Begin moves to Running for runID. It is valid from every state: from Idle or
// Errored it starts a run, from Running it records the superseding run.
func (s *Store) Begin(runID string, at time.Time) DashboardState {
	return s.apply(func(cur *DashboardState) error {
		started := at
		cur.RunState = Running
		cur.RunID = runID
		cur.RunStartedAt = &started
		cur.LastUpdatedAt = at
		return nil
	})
}

// Complete installs r as the last report and returns to Idle. An empty report
// is still installed.
func (s *Store) Complete(runID string, r *report.Report, at time.Time) (DashboardState, error) {
	if r == nil {
		r = report.Empty()
	}
	return s.applyErr(func(cur *DashboardState) error {
		if err := expectRun(cur, runID); err != nil {
			return err
		}
		cur.RunState = Idle
		cur.LastReport = r
		cur.LastError = ""
		cur.LastUpdatedAt = at
		return nil
	})
}

// Fail moves a running analysis to Errored. The last report is kept so
// observers still see the previous successful result.
func (s *Store) Fail(runID, detail string, at time.Time) (DashboardState, error) {
	return s.applyErr(func(cur *DashboardState) error {
		if err := expectRun(cur, runID); err != nil {
			return err
		}
		cur.RunState = Errored
		cur.LastError = detail
		cur.LastUpdatedAt = at
		return nil
	})
}

// AddDiagnostic appends to the diagnostic trail. It is not a run-state
// transition and does not notify the listener.
func (s *Store) AddDiagnostic(d Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, d)
	if over := len(s.diagnostics) - s.limit; over > 0 {
		s.diagnostics = append(s.diagnostics[:0:0], s.diagnostics[over:]...)
	}
}

func expectRun(cur *DashboardState, runID string) error {
	if cur.RunState != Running {
		return fmt.Errorf("%w: %s has no run in progress", ErrInvalidTransition, cur.RunState)
	}
	if runID != "" && cur.RunID != "" && runID != cur.RunID {
		return fmt.Errorf("%w: run %s is not the current run %s", ErrInvalidTransition, runID, cur.RunID)
	}
	return nil
}

func (s *Store) apply(fn func(*DashboardState) error) DashboardState {
	next, _ := s.applyErr(fn)
	return next
}

func (s *Store) applyErr(fn func(*DashboardState) error) (DashboardState, error) {
	s.mu.Lock()
	next := s.current
	if err := fn(&next); err != nil {
		cur := s.current
		s.mu.Unlock()
		return cur, err
	}
	s.current = next
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(next)
	}
	return next, nil
}
