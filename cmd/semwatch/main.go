// Package main provides the semwatch binary entry point.
// semwatch keeps an external analysis engine in sync with a source tree and
// streams its results to live dashboards.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/semwatch/app"
	"github.com/c360studio/semwatch/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semwatch"
)

// errFindings makes check exit 1 without printing an error.
var errFindings = errors.New("analysis reported findings")

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		if !errors.Is(err, errFindings) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	root       string
	port       int
	registry   string
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Live analysis server",
		Long: `semwatch runs an analysis engine against a source tree, re-runs it
when source files change and pushes every result to connected dashboards.

Running semwatch without a subcommand is the same as "semwatch serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.root, "root", "", "Source root to analyze (default: git root or current directory)")
	pf.IntVarP(&flags.port, "port", "p", 0, "HTTP port (default from config)")
	pf.StringVar(&flags.registry, "registry", "", "Rule-set registry file or URL")

	cmd.AddCommand(
		serveCmd(flags, stderr),
		checkCmd(flags, stdout, stderr),
		statusCmd(flags, stdout),
		runCmd(flags, stdout),
		configCmd(flags, stdout, stderr),
		versionCmd(stdout),
	)
	return cmd
}

func serveCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the live analysis server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, stderr)
		},
	}
}

func versionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags, stderr io.Writer) error {
	logger := newLogger(flags.logLevel, stderr)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, app.Options{Logger: logger, Version: Version})
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return a.Run(signalCtx)
}

// loadConfig applies the layered config and then the command-line flags.
func loadConfig(flags *globalFlags, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.Merge(&config.Config{
		Server: config.ServerConfig{Port: flags.port},
		Source: config.SourceConfig{Root: flags.root},
		Engine: config.EngineConfig{Registry: flags.registry},
	})
	loader.ResolveSourceRoot(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(logLevel string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
