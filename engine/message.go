// Package engine owns the analysis engine: it launches it, sends it run
// commands and normalizes its asynchronous output into ordered domain events.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semwatch/report"
)

// CommandRun is the only command the engine understands.
const CommandRun = "run"

// Command is the outbound message to the engine.
type Command struct {
	Command    string          `json:"command"`
	SourceRoot string          `json:"sourceRoot"`
	Registry   json.RawMessage `json:"registry"`
	RunID      string          `json:"runId,omitempty"`
}

// Inbound wire event kinds.
const (
	WireReport = "report"
	WireLog    = "log"
	WireError  = "error"
)

// WireEvent is an inbound message from the engine. RunID is optional; when the
// engine echoes it the bridge uses it to discard output of old runs.
type WireEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	RunID   string          `json:"runId,omitempty"`
}

// Text returns the payload of a log or error event.
func (e WireEvent) Text() string {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return string(e.Payload)
}

// DecodeWireEvent parses one line of engine output.
func DecodeWireEvent(data []byte) (WireEvent, error) {
	var ev WireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return WireEvent{}, fmt.Errorf("decode engine event: %w", err)
	}
	switch ev.Event {
	case WireReport, WireLog, WireError:
		return ev, nil
	default:
		return WireEvent{}, fmt.Errorf("unknown engine event %q", ev.Event)
	}
}

// LogEvent builds a log wire event, used for engine stderr and transport notes.
func LogEvent(line string) WireEvent {
	payload, _ := json.Marshal(line)
	return WireEvent{Event: WireLog, Payload: payload}
}

// EventKind identifies a domain event emitted by the bridge.
type EventKind int

const (
	// RunStarted: a run was accepted; the state store moves to Running.
	RunStarted EventKind = iota + 1
	// Diagnostic: a log line from the engine or the bridge.
	Diagnostic
	// ReportReady terminates a run with a report.
	ReportReady
	// RunFailed terminates a run with an engine error.
	RunFailed
)

func (k EventKind) String() string {
	switch k {
	case RunStarted:
		return "run_started"
	case Diagnostic:
		return "diagnostic"
	case ReportReady:
		return "report_ready"
	case RunFailed:
		return "run_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is what the rest of the system sees of the engine.
type Event struct {
	Kind    EventKind
	RunID   string
	At      time.Time
	Report  *report.Report
	Message string
	Source  string
	Err     error
}
