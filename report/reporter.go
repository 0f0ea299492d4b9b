package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Output formats accepted by NewReporter.
const (
	FormatJSON  = "json"
	FormatHuman = "human"
)

// Reporter renders a report for the command line.
type Reporter interface {
	Report(w io.Writer, r *Report) error
}

// NewReporter returns the reporter for the given format.
func NewReporter(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return jsonReporter{}, nil
	case FormatHuman, "":
		return humanReporter{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q (want %s or %s)", format, FormatJSON, FormatHuman)
	}
}

type jsonReporter struct{}

func (jsonReporter) Report(w io.Writer, r *Report) error {
	if r == nil {
		r = Empty()
	}
	return json.NewEncoder(w).Encode(r)
}

type humanReporter struct{}

func (humanReporter) Report(w io.Writer, r *Report) error {
	if r == nil {
		r = Empty()
	}

	messages := r.Summaries()
	byFile := make(map[string][]Message)
	for _, m := range messages {
		byFile[m.File] = append(byFile[m.File], m)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d message(s)\n", len(r.Messages))
	for _, f := range files {
		name := f
		if name == "" {
			name = "(unknown file)"
		}
		fmt.Fprintf(&b, "\n-- %s\n", name)
		for _, m := range byFile[f] {
			desc := m.Data.Description
			if desc == "" {
				desc = m.Type
			}
			fmt.Fprintf(&b, "  * %s\n", desc)
		}
	}

	deps := r.Dependencies()
	if len(deps) > 0 {
		fmt.Fprintf(&b, "\nUnused dependencies:\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
