package engine

import "context"

// Transport carries commands to the engine and its events back. The bridge is
// the only caller; implementations need not support concurrent Send calls
// from several goroutines, but Events may be read concurrently with Send.
type Transport interface {
	// Start connects to or launches the engine.
	Start(ctx context.Context) error

	// Send delivers one command.
	Send(ctx context.Context, cmd Command) error

	// Events yields engine output in the order it was produced. The channel
	// is closed when the engine goes away.
	Events() <-chan WireEvent

	// Close releases the engine. It is safe to call more than once.
	Close() error
}
