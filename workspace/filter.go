// Package workspace gives read access to the analyzed source tree: the
// source-file filter shared with the watcher, tree listing and file reads
// confined to the source root.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInclude matches Elm sources anywhere under the root.
var DefaultInclude = []string{"**/*.elm"}

// DefaultExclude lists directory names never descended into.
var DefaultExclude = []string{"elm-stuff", "node_modules", ".git"}

// Filter decides which files are source files.
type Filter struct {
	include []string
	exclude map[string]bool
}

// NewFilter validates the include patterns. Patterns use doublestar syntax and
// are matched against slash-separated paths relative to the root.
func NewFilter(include, exclude []string) (*Filter, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	for _, p := range include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}

	f := &Filter{
		include: include,
		exclude: make(map[string]bool, len(exclude)),
	}
	for _, name := range exclude {
		f.exclude[name] = true
	}
	return f, nil
}

// Match reports whether rel, a path relative to the root, is a source file.
func (f *Filter) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if f.exclude[seg] {
			return false
		}
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory with this base name is excluded.
// Hidden directories are always skipped.
func (f *Filter) SkipDir(name string) bool {
	if name != "." && strings.HasPrefix(name, ".") {
		return true
	}
	return f.exclude[name]
}
