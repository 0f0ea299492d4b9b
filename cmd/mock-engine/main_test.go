package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/semwatch/engine"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "myapp.json", `{"messages":[],"unusedDependencies":[]}`)
	writeFixture(t, dir, "default.json", `{"messages":[{"id":1}],"unusedDependencies":[]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(fixtures))
	}
	for project, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("project %q: expected 1 fixture, got %d", project, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "myapp.2.json", `{"messages":[{"id":2}],"unusedDependencies":[]}`)
	writeFixture(t, dir, "myapp.1.json", `{"error":"cannot parse src/Main.elm"}`)
	writeFixture(t, dir, "myapp.json", `{"messages":[],"unusedDependencies":[]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["myapp"]
	if len(seq) != 3 {
		t.Fatalf("myapp: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "cannot parse") {
		t.Errorf("fixture[0] should be the error, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], `"id":2`) {
		t.Errorf("fixture[1] should be run 2, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], `"messages":[]`) {
		t.Errorf("fixture[2] should be the base, got: %s", seq[2])
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty dir")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "myapp.json", `{not json`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestRespondSequence(t *testing.T) {
	s := newServer(map[string][]string{
		"myapp": {
			`{"error":"registry rule crashed"}`,
			`{"messages":[{"id":7}],"unusedDependencies":[]}`,
		},
	}, 0)

	first := s.respond(engine.Command{Command: engine.CommandRun, SourceRoot: "/work/myapp", RunID: "r1"})
	if len(first) != 2 {
		t.Fatalf("expected log and result, got %d events", len(first))
	}
	if first[0].Event != engine.WireLog || first[0].Text() != "Analysing /work/myapp" {
		t.Errorf("unexpected log event: %+v", first[0])
	}
	if first[1].Event != engine.WireError || first[1].RunID != "r1" || first[1].Text() != "registry rule crashed" {
		t.Errorf("expected error event for r1, got %+v", first[1])
	}

	// Later runs repeat the last fixture.
	for _, runID := range []string{"r2", "r3"} {
		events := s.respond(engine.Command{Command: engine.CommandRun, SourceRoot: "/work/myapp/", RunID: runID})
		last := events[len(events)-1]
		if last.Event != engine.WireReport || last.RunID != runID {
			t.Fatalf("expected report for %s, got %+v", runID, last)
		}
		if !strings.Contains(string(last.Payload), `"id":7`) {
			t.Errorf("unexpected payload: %s", last.Payload)
		}
	}
}

func TestRespondFallbacks(t *testing.T) {
	s := newServer(map[string][]string{
		"default": {`{"messages":[],"unusedDependencies":["elm/http"]}`},
	}, 0)

	events := s.respond(engine.Command{Command: engine.CommandRun, SourceRoot: "/work/other", RunID: "r1"})
	if got := string(events[len(events)-1].Payload); !strings.Contains(got, "elm/http") {
		t.Errorf("expected default fixture, got %s", got)
	}

	empty := newServer(map[string][]string{}, 0)
	events = empty.respond(engine.Command{Command: engine.CommandRun, SourceRoot: "/work/other", RunID: "r2"})
	if got := string(events[len(events)-1].Payload); got != emptyReport {
		t.Errorf("expected empty report, got %s", got)
	}

	events = empty.respond(engine.Command{Command: "lint", RunID: "r3"})
	if len(events) != 1 || events[0].Event != engine.WireError {
		t.Errorf("expected a single error for an unknown command, got %+v", events)
	}
}

func TestServeStdio(t *testing.T) {
	s := newServer(map[string][]string{}, 0)

	var in strings.Builder
	for _, runID := range []string{"a", "b"} {
		data, _ := json.Marshal(engine.Command{Command: engine.CommandRun, SourceRoot: "/work/app", RunID: runID})
		in.Write(data)
		in.WriteString("\n")
	}
	in.WriteString("garbage\n")

	var out strings.Builder
	if err := s.serveStdio(strings.NewReader(in.String()), &out); err != nil {
		t.Fatalf("serveStdio: %v", err)
	}

	var reports []string
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		ev, err := engine.DecodeWireEvent(scanner.Bytes())
		if err != nil {
			t.Fatalf("engine cannot decode %q: %v", scanner.Text(), err)
		}
		if ev.Event == engine.WireReport {
			reports = append(reports, ev.RunID)
		}
	}
	if strings.Join(reports, ",") != "a,b" {
		t.Errorf("expected reports for a,b, got %v", reports)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		name    string
		match   bool
		project string
	}{
		{"myapp.1.json", true, "myapp"},
		{"my.app.12.json", true, "my.app"},
		{"myapp.json", false, ""},
		{"myapp.x.json", false, ""},
	}
	for _, tt := range tests {
		m := numberedFileRe.FindStringSubmatch(tt.name)
		if (m != nil) != tt.match {
			t.Errorf("%s: match = %v, want %v", tt.name, m != nil, tt.match)
			continue
		}
		if m != nil && m[1] != tt.project {
			t.Errorf("%s: project = %q, want %q", tt.name, m[1], tt.project)
		}
	}
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
