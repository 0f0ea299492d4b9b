package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semwatch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semwatch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// Overridable in tests; empty means the process values.
	workDir string
	homeDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semwatch/config.yaml)
// 3. Project config (semwatch.yaml in current or parent directories), or
// the file at explicitPath when it is set
//
// Command-line flags are merged by the caller and validated with Validate.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	if explicitPath != "" {
		projectConfig, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		mergeProject(config, projectConfig, explicitPath)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			mergeProject(config, projectConfig, projectConfigPath)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	return config, nil
}

// ResolveSourceRoot fills an empty source root with the git root, falling
// back to the working directory.
func (l *Loader) ResolveSourceRoot(config *Config) {
	if config.Source.Root != "" {
		return
	}
	if gitRoot := l.detectGitRoot(); gitRoot != "" {
		config.Source.Root = gitRoot
		l.logger.Debug("Auto-detected git root", slog.String("path", gitRoot))
		return
	}
	if cwd := l.cwd(); cwd != "" {
		config.Source.Root = cwd
		l.logger.Debug("Using current directory as source root", slog.String("path", cwd))
	}
}

// ErrNoHomeDir is returned when the user config location can't be resolved.
var ErrNoHomeDir = errors.New("cannot resolve home directory")

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist. It returns the file's path and whether it was created.
func (l *Loader) EnsureUserConfig() (string, bool, error) {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return "", false, ErrNoHomeDir
	}

	created, err := ensureConfigFile(userConfigPath)
	if err != nil {
		return userConfigPath, false, err
	}
	if created {
		l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	}
	return userConfigPath, created, nil
}

// EnsureProjectConfig creates semwatch.yaml with defaults in the working
// directory if it doesn't exist.
func (l *Loader) EnsureProjectConfig() (string, bool, error) {
	dir := l.cwd()
	if dir == "" {
		return "", false, fmt.Errorf("cannot resolve working directory")
	}
	path := filepath.Join(dir, ProjectConfigFile)

	created, err := ensureConfigFile(path)
	if err != nil {
		return path, false, err
	}
	if created {
		l.logger.Info("Created default project config", slog.String("path", path))
	}
	return path, created, nil
}

func ensureConfigFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return false, err
	}
	return true, nil
}

// mergeProject merges a project file; its relative paths are relative to the
// file's directory.
func mergeProject(config, project *Config, path string) {
	dir := filepath.Dir(path)
	if project.Source.Root != "" && !filepath.IsAbs(project.Source.Root) {
		project.Source.Root = filepath.Join(dir, project.Source.Root)
	}
	if project.Server.StaticDir != "" && !filepath.IsAbs(project.Server.StaticDir) {
		project.Server.StaticDir = filepath.Join(dir, project.Server.StaticDir)
	}
	config.Merge(project)
}

func (l *Loader) cwd() string {
	if l.workDir != "" {
		return l.workDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semwatch.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.cwd()
	if dir == "" {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// detectGitRoot finds the git repository root from the working directory
func (l *Loader) detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = l.cwd()
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
