// Package report defines the analysis report produced by the engine and the
// reporters used to render it on the command line.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Report is the result of one analysis run.
//
// Entries are kept as raw JSON so a report received from the engine is served
// to dashboard clients exactly as it arrived. A Report is never mutated after
// it has been decoded; a newer run replaces it as a whole.
type Report struct {
	Messages           []json.RawMessage `json:"messages"`
	UnusedDependencies []json.RawMessage `json:"unusedDependencies"`
}

// Decode parses a report payload. Missing lists decode as empty lists so an
// empty report always marshals as {"messages":[],"unusedDependencies":[]}.
func Decode(data []byte) (*Report, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("empty report payload")
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.Messages == nil {
		r.Messages = []json.RawMessage{}
	}
	if r.UnusedDependencies == nil {
		r.UnusedDependencies = []json.RawMessage{}
	}
	return &r, nil
}

// Empty returns a report with no findings.
func Empty() *Report {
	return &Report{
		Messages:           []json.RawMessage{},
		UnusedDependencies: []json.RawMessage{},
	}
}

// HasFindings reports whether the run produced any message or unused
// dependency. The one-shot check mode exits non-zero when it does.
func (r *Report) HasFindings() bool {
	if r == nil {
		return false
	}
	return len(r.Messages) > 0 || len(r.UnusedDependencies) > 0
}

// Message is the loosely-typed view of a finding used by the human reporter.
// Fields the engine does not send stay empty.
type Message struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	File   string `json:"file"`
	Type   string `json:"type"`
	Data   struct {
		Description string `json:"description"`
	} `json:"data"`
}

// Summaries decodes the messages for display. Entries that are not JSON
// objects are skipped.
func (r *Report) Summaries() []Message {
	if r == nil {
		return nil
	}
	out := make([]Message, 0, len(r.Messages))
	for _, raw := range r.Messages {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Dependencies decodes unused dependency entries for display. The engine
// sends either a plain package name or a [name, version] pair.
func (r *Report) Dependencies() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.UnusedDependencies))
	for _, raw := range r.UnusedDependencies {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			out = append(out, name)
			continue
		}
		var pair []string
		if err := json.Unmarshal(raw, &pair); err == nil && len(pair) > 0 {
			if len(pair) > 1 {
				out = append(out, pair[0]+" "+pair[1])
			} else {
				out = append(out, pair[0])
			}
			continue
		}
		out = append(out, string(raw))
	}
	return out
}
