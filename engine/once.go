package engine

import (
	"context"
	"log/slog"

	"github.com/c360studio/semwatch/report"
)

// RunOnce starts the engine, analyzes sourceRoot a single time and returns the
// report. Engine log lines are forwarded to logger.
func RunOnce(ctx context.Context, transport Transport, registry, sourceRoot string, logger *slog.Logger) (*report.Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := NewBridge(transport, BridgeConfig{Registry: registry, Logger: logger})
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	defer b.Stop()

	if err := b.RequestRun(sourceRoot); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-b.Events():
			if !ok {
				return nil, ErrUnavailable
			}
			switch ev.Kind {
			case Diagnostic:
				logger.Info(ev.Message, "source", ev.Source)
			case ReportReady:
				return ev.Report, nil
			case RunFailed:
				return nil, ev.Err
			}
		}
	}
}
