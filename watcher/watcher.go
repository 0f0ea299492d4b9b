// Package watcher turns source file changes into analysis run requests.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"

	"github.com/c360studio/semwatch/metrics"
	"github.com/c360studio/semwatch/state"
	"github.com/c360studio/semwatch/workspace"
)

// Runner receives run requests. The engine bridge implements it.
type Runner interface {
	RequestRun(sourceRoot string) error
}

// Config configures the watcher.
type Config struct {
	// Root is the source root to watch.
	Root string

	// Filter selects source files and excluded directories.
	Filter *workspace.Filter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Watcher watches the source tree. It does no batching of its own: every
// qualifying change is one RequestRun, and the bridge collapses bursts.
type Watcher struct {
	config  Config
	runner  Runner
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Last seen content hash per source file; writes with an unchanged
	// hash do not request a run.
	hashMu sync.Mutex
	hashes map[string]uint64

	diagnostics chan state.Diagnostic
	degraded    atomic.Bool
	started     atomic.Bool
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a watcher for config.Root that reports changes to runner.
func New(config Config, runner Runner) (*Watcher, error) {
	if config.Filter == nil {
		f, err := workspace.NewFilter(nil, workspace.DefaultExclude)
		if err != nil {
			return nil, err
		}
		config.Filter = f
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	config.Root = root

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		config:      config,
		runner:      runner,
		watcher:     fsw,
		logger:      logger,
		hashes:      make(map[string]uint64),
		diagnostics: make(chan state.Diagnostic, 100),
		done:        make(chan struct{}),
	}, nil
}

// Diagnostics returns the channel of watcher problems. It is closed when the
// watcher stops.
func (w *Watcher) Diagnostics() <-chan state.Diagnostic {
	return w.diagnostics
}

// Degraded reports whether the watcher stopped because the root went away.
func (w *Watcher) Degraded() bool {
	return w.degraded.Load()
}

// Start adds watches and begins processing events until ctx ends or Stop.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.config.Root); err != nil {
		return fmt.Errorf("watch %s: %w", w.config.Root, err)
	}

	w.started.Store(true)
	go w.processEvents(ctx)

	w.logger.Info("File watcher started", "root", w.config.Root)
	return nil
}

// Stop releases the fsnotify watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		if !w.started.Load() {
			close(w.diagnostics)
			return
		}
		<-w.done
	})
	return err
}

// addWatchesRecursive adds watches to all directories and records the
// content hash of every source file found.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("Skipping unreadable path", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() {
			if rel, ok := w.sourcePath(path); ok {
				w.recordHash(rel, path)
			}
			return nil
		}

		if path != w.config.Root && w.config.Filter.SkipDir(d.Name()) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
			w.diagnose(fmt.Sprintf("cannot watch %s: %v", path, err))
		} else {
			w.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer close(w.diagnostics)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.rootGone(event) {
				w.degraded.Store(true)
				w.logger.Error("Watched root disappeared; watcher degraded", "root", w.config.Root)
				w.diagnose(fmt.Sprintf("source root %s disappeared; file watching stopped", w.config.Root))
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
			w.diagnose(fmt.Sprintf("watcher error: %v", err))
		}
	}
}

func (w *Watcher) rootGone(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.config.Root {
		return false
	}
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	_, err := os.Stat(w.config.Root)
	return os.IsNotExist(err)
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}

	rel, ok := w.sourcePath(path)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.forgetHash(rel)
	case event.Has(fsnotify.Create):
		w.recordHash(rel, path)
	case event.Has(fsnotify.Write):
		if !w.recordHash(rel, path) {
			w.logger.Debug("Content unchanged, ignoring write", "path", rel)
			return
		}
	default:
		// Chmod only.
		return
	}

	w.logger.Debug("File change detected", "path", rel, "op", event.Op.String())
	w.requestRun()
}

// handleNewDirectory watches a new directory and treats source files already
// inside it as created.
func (w *Watcher) handleNewDirectory(path string) {
	if w.config.Filter.SkipDir(filepath.Base(path)) {
		return
	}

	found := false
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != path && w.config.Filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(p); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", p, "error", err)
			}
			return nil
		}
		if rel, ok := w.sourcePath(p); ok {
			w.recordHash(rel, p)
			found = true
		}
		return nil
	})
	if err != nil {
		w.diagnose(fmt.Sprintf("cannot watch %s: %v", path, err))
	}
	w.logger.Debug("Added watch for new directory", "path", path)

	if found {
		w.requestRun()
	}
}

func (w *Watcher) requestRun() {
	w.config.Metrics.WatchEvent()
	if err := w.runner.RequestRun(w.config.Root); err != nil {
		w.logger.Warn("Run request rejected", "error", err)
		w.diagnose(fmt.Sprintf("run request rejected: %v", err))
	}
}

// sourcePath returns the root-relative path when path is a source file.
func (w *Watcher) sourcePath(path string) (string, bool) {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if !w.config.Filter.Match(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// recordHash stores the content hash of path and reports whether it changed.
// Unreadable files count as changed.
func (w *Watcher) recordHash(rel, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		w.forgetHash(rel)
		return true
	}
	sum := xxh3.Hash(data)

	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	old, had := w.hashes[rel]
	w.hashes[rel] = sum
	return !had || old != sum
}

func (w *Watcher) forgetHash(rel string) {
	w.hashMu.Lock()
	delete(w.hashes, rel)
	w.hashMu.Unlock()
}

// diagnose sends a diagnostic without blocking; when nobody drains the
// channel the message is only logged.
func (w *Watcher) diagnose(msg string) {
	d := state.Diagnostic{At: time.Now(), Source: state.SourceWatcher, Message: msg}
	select {
	case w.diagnostics <- d:
	default:
		w.logger.Warn("Diagnostic channel full, dropping", "message", msg)
	}
}
