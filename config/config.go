// Package config provides configuration loading and management for semwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semwatch/engine"
	"github.com/c360studio/semwatch/report"
	"github.com/c360studio/semwatch/storage"
	"github.com/c360studio/semwatch/workspace"
)

// Engine transports.
const (
	TransportProcess = "process"
	TransportNATS    = "nats"
)

// Config represents the complete semwatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Engine    EngineConfig    `yaml:"engine"`
	Watch     WatchConfig     `yaml:"watch"`
	Report    ReportConfig    `yaml:"report"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Port is the listen port (default: 3000)
	Port int `yaml:"port"`
	// StaticDir serves dashboard assets at / when set
	StaticDir string `yaml:"static_dir"`
	// MaxConnections caps concurrent connections (0 = unlimited)
	MaxConnections int `yaml:"max_connections"`
}

// SourceConfig describes the analyzed source tree
type SourceConfig struct {
	// Root is the source root (auto-detected from git if empty)
	Root string `yaml:"root"`
	// Include holds doublestar patterns selecting source files
	Include []string `yaml:"include"`
	// Exclude holds directory names never descended into
	Exclude []string `yaml:"exclude"`
}

// EngineConfig configures the analysis engine connection
type EngineConfig struct {
	// Transport is "process" or "nats"
	Transport string `yaml:"transport"`
	// Command and Args start the engine for the process transport
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// NATSURL and the subjects configure the nats transport
	NATSURL        string `yaml:"nats_url"`
	CommandSubject string `yaml:"command_subject"`
	EventSubject   string `yaml:"event_subject"`
	// Registry is a file path or http(s) URL of the rule-set registry
	Registry string `yaml:"registry"`
	// Debounce is the run request collapse window
	Debounce time.Duration `yaml:"debounce"`
}

// WatchConfig configures the file watcher
type WatchConfig struct {
	// Enabled turns file watching on (default: true)
	Enabled *bool `yaml:"enabled"`
}

// ReportConfig configures one-shot report output
type ReportConfig struct {
	// Format is "json" or "human"
	Format string `yaml:"format"`
}

// DashboardConfig configures real-time observers
type DashboardConfig struct {
	// Heartbeat is the SSE keep-alive interval
	Heartbeat time.Duration `yaml:"heartbeat"`
	// SendBuffer is the per-subscriber queue length
	SendBuffer int `yaml:"send_buffer"`
}

// HistoryConfig configures the run history kept in NATS KV
type HistoryConfig struct {
	// Bucket enables the history when set
	Bucket string `yaml:"bucket"`
	// NATSURL defaults to engine.nats_url
	NATSURL string `yaml:"nats_url"`
	// Limit is how many runs are kept (default: 50)
	Limit int `yaml:"limit"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Source: SourceConfig{
			Root:    "", // Auto-detect
			Include: append([]string(nil), workspace.DefaultInclude...),
			Exclude: append([]string(nil), workspace.DefaultExclude...),
		},
		Engine: EngineConfig{
			Transport:      TransportProcess,
			Command:        "elm-analyse-engine",
			CommandSubject: engine.DefaultCommandSubject,
			EventSubject:   engine.DefaultEventSubject,
			Debounce:       engine.DefaultDebounce,
		},
		Watch: WatchConfig{
			Enabled: &enabled,
		},
		Report: ReportConfig{
			Format: report.FormatHuman,
		},
		Dashboard: DashboardConfig{
			Heartbeat:  30 * time.Second,
			SendBuffer: 16,
		},
		History: HistoryConfig{
			Limit: storage.DefaultLimit,
		},
	}
}

// WatchEnabled reports whether file watching is on.
func (c *Config) WatchEnabled() bool {
	return c.Watch.Enabled == nil || *c.Watch.Enabled
}

// HistoryEnabled reports whether finished runs are archived.
func (c *Config) HistoryEnabled() bool {
	return c.History.Bucket != ""
}

// HistoryURL is the NATS server holding the history bucket.
func (c *Config) HistoryURL() string {
	if c.History.NATSURL != "" {
		return c.History.NATSURL
	}
	return c.Engine.NATSURL
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	switch c.Engine.Transport {
	case TransportProcess:
		if c.Engine.Command == "" {
			return fmt.Errorf("engine.command is required for the process transport")
		}
	case TransportNATS:
		if c.Engine.NATSURL == "" {
			return fmt.Errorf("engine.nats_url is required for the nats transport")
		}
	default:
		return fmt.Errorf("engine.transport must be %q or %q", TransportProcess, TransportNATS)
	}
	if c.Engine.Debounce < 0 {
		return fmt.Errorf("engine.debounce must not be negative")
	}
	if _, err := report.NewReporter(c.Report.Format); err != nil {
		return fmt.Errorf("report.format: %w", err)
	}
	if _, err := workspace.NewFilter(c.Source.Include, c.Source.Exclude); err != nil {
		return fmt.Errorf("source.include: %w", err)
	}
	if c.Dashboard.Heartbeat <= 0 {
		return fmt.Errorf("dashboard.heartbeat must be positive")
	}
	if c.Dashboard.SendBuffer < 1 {
		return fmt.Errorf("dashboard.send_buffer must be at least 1")
	}
	if c.HistoryEnabled() {
		if c.HistoryURL() == "" {
			return fmt.Errorf("history.nats_url or engine.nats_url is required when history.bucket is set")
		}
		if c.History.Limit < 1 {
			return fmt.Errorf("history.limit must be at least 1")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.StaticDir != "" {
		c.Server.StaticDir = other.Server.StaticDir
	}
	if other.Server.MaxConnections != 0 {
		c.Server.MaxConnections = other.Server.MaxConnections
	}

	// Source
	if other.Source.Root != "" {
		c.Source.Root = other.Source.Root
	}
	if len(other.Source.Include) > 0 {
		c.Source.Include = other.Source.Include
	}
	if len(other.Source.Exclude) > 0 {
		c.Source.Exclude = other.Source.Exclude
	}

	// Engine
	if other.Engine.Transport != "" {
		c.Engine.Transport = other.Engine.Transport
	}
	if other.Engine.Command != "" {
		c.Engine.Command = other.Engine.Command
		c.Engine.Args = other.Engine.Args
	} else if len(other.Engine.Args) > 0 {
		c.Engine.Args = other.Engine.Args
	}
	if other.Engine.NATSURL != "" {
		c.Engine.NATSURL = other.Engine.NATSURL
	}
	if other.Engine.CommandSubject != "" {
		c.Engine.CommandSubject = other.Engine.CommandSubject
	}
	if other.Engine.EventSubject != "" {
		c.Engine.EventSubject = other.Engine.EventSubject
	}
	if other.Engine.Registry != "" {
		c.Engine.Registry = other.Engine.Registry
	}
	if other.Engine.Debounce != 0 {
		c.Engine.Debounce = other.Engine.Debounce
	}

	// Watch
	if other.Watch.Enabled != nil {
		enabled := *other.Watch.Enabled
		c.Watch.Enabled = &enabled
	}

	// Report
	if other.Report.Format != "" {
		c.Report.Format = other.Report.Format
	}

	// Dashboard
	if other.Dashboard.Heartbeat != 0 {
		c.Dashboard.Heartbeat = other.Dashboard.Heartbeat
	}
	if other.Dashboard.SendBuffer != 0 {
		c.Dashboard.SendBuffer = other.Dashboard.SendBuffer
	}

	// History
	if other.History.Bucket != "" {
		c.History.Bucket = other.History.Bucket
	}
	if other.History.NATSURL != "" {
		c.History.NATSURL = other.History.NATSURL
	}
	if other.History.Limit != 0 {
		c.History.Limit = other.History.Limit
	}
}
