package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semwatch/app"
	"github.com/c360studio/semwatch/engine"
	"github.com/c360studio/semwatch/report"
)

func checkCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Analyze once, print the report and exit",
		Long: `check starts the engine, analyzes the source root a single time and
prints the report. It exits with status 1 when the report has messages or
unused dependencies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), flags, format, timeout, stdout, stderr)
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Report format (json, human; default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait for the report")
	return cmd
}

func runCheck(ctx context.Context, flags *globalFlags, format string, timeout time.Duration, stdout, stderr io.Writer) error {
	logger := newLogger(flags.logLevel, stderr)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return err
	}
	if format == "" {
		format = cfg.Report.Format
	}
	reporter, err := report.NewReporter(format)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := app.NewTransport(cfg, logger.With("component", "engine"))
	r, err := engine.RunOnce(ctx, transport, cfg.Engine.Registry, cfg.Source.Root, logger)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if err := reporter.Report(stdout, r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if r.HasFindings() {
		return errFindings
	}
	return nil
}
