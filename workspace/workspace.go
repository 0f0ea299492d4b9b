package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths that resolve outside the root.
	ErrOutsideRoot = errors.New("access denied: path is outside source root")

	// ErrNotFound is returned when the file does not exist.
	ErrNotFound = errors.New("file not found")
)

// maxFileSize caps a single ad-hoc file read.
const maxFileSize = 16 << 20

// Workspace is the source tree rooted at Root.
type Workspace struct {
	root   string
	filter *Filter
	logger *slog.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger used for skipped paths.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) {
		if l != nil {
			w.logger = l
		}
	}
}

// New resolves root to an absolute directory.
func New(root string, filter *Filter, opts ...Option) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", abs)
	}
	w := &Workspace{root: abs, filter: filter, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the absolute source root.
func (w *Workspace) Root() string {
	return w.root
}

// Filter returns the source-file filter.
func (w *Workspace) Filter() *Filter {
	return w.filter
}

// Gather lists source files as sorted, slash-separated paths relative to the
// root. Unreadable paths below the root are skipped.
func (w *Workspace) Gather() ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return err
			}
			w.logger.Warn("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != w.root && w.filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if w.filter.Match(rel) {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gather source files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns the content of path, which may be relative to the root or
// absolute, as long as it resolves inside the root.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large: %s (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// resolve validates a path and returns it as an absolute path inside the
// root. Symlinks are followed so a link cannot point out of the tree.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}

	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(w.root, path))
	}
	if !within(w.root, full) {
		return "", ErrOutsideRoot
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("resolve path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve source root: %w", err)
	}
	if !within(realRoot, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
