package engine

import "errors"

var (
	// ErrStart means the engine could not be initialized. It is fatal.
	ErrStart = errors.New("engine start failed")

	// ErrRun means a run ended with an engine error. The next request retries.
	ErrRun = errors.New("engine run failed")

	// ErrNotStarted is returned by RequestRun before Start has completed.
	ErrNotStarted = errors.New("engine not started")

	// ErrStopped is returned by RequestRun after Stop.
	ErrStopped = errors.New("engine stopped")

	// ErrUnavailable means the engine went away after a successful start.
	ErrUnavailable = errors.New("engine unavailable")
)
