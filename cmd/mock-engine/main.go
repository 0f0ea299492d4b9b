// Package main implements a mock analysis engine for local development and
// e2e testing. It answers run commands with reports read from JSON fixture
// files, routing by the base name of the command's source root.
//
// Usage:
//
//	mock-engine -fixtures /path/to/fixtures            # stdio, for the process transport
//	mock-engine -fixtures /path/to/fixtures -nats URL  # for the nats transport
//
// Fixture files are named by project (e.g. "myapp.json" answers runs whose
// source root is ".../myapp"). "default.json" answers every other project.
// A fixture is a report payload, or {"error": "..."} to make the run fail.
//
// Sequential fixtures: numbered files ("myapp.1.json", "myapp.2.json") answer
// the Nth run of that project. After they are used up the base file repeats.
// Without any fixtures every run gets an empty report.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semwatch/engine"
)

// defaultProject answers projects without their own fixture.
const defaultProject = "default"

const emptyReport = `{"messages":[],"unusedDependencies":[]}`

type server struct {
	fixtures map[string][]string // project → ordered fixture contents
	delay    time.Duration
	calls    atomic.Int64

	projectCalls   map[string]int
	projectCallsMu sync.Mutex
}

func newServer(fixtures map[string][]string, delay time.Duration) *server {
	return &server{
		fixtures:     fixtures,
		delay:        delay,
		projectCalls: make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture report files")
	natsURL := flag.String("nats", "", "serve over NATS at this URL instead of stdio")
	commandSubject := flag.String("command-subject", engine.DefaultCommandSubject, "NATS subject for run commands")
	eventSubject := flag.String("event-subject", engine.DefaultEventSubject, "NATS subject for engine events")
	delay := flag.Duration("delay", 0, "simulated analysis time per run")
	flag.Parse()

	// stdout carries the protocol; logs go to stderr.
	log.SetOutput(os.Stderr)

	if envDir := os.Getenv("MOCK_ENGINE_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string][]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d project(s) from %s", len(fixtures), *fixtureDir)
	}

	s := newServer(fixtures, *delay)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *natsURL != "" {
		err = s.serveNATS(ctx, *natsURL, *commandSubject, *eventSubject)
	} else {
		err = s.serveStdio(os.Stdin, os.Stdout)
	}
	if err != nil {
		log.Fatalf("Mock engine failed: %v", err)
	}
}

// serveStdio answers JSON-line commands from r until it closes.
func (s *server) serveStdio(r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var cmd engine.Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			log.Printf("Ignoring malformed command: %v", err)
			continue
		}
		for _, ev := range s.respond(cmd) {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
	return scanner.Err()
}

// serveNATS answers commands published on commandSubject until ctx ends.
func (s *server) serveNATS(ctx context.Context, url, commandSubject, eventSubject string) error {
	nc, err := nats.Connect(url, nats.Name("mock-engine"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	_, err = nc.Subscribe(commandSubject, func(msg *nats.Msg) {
		var cmd engine.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("Ignoring malformed command: %v", err)
			return
		}
		for _, ev := range s.respond(cmd) {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := nc.Publish(eventSubject, data); err != nil {
				log.Printf("Publish failed: %v", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", commandSubject, err)
	}
	if err := nc.Flush(); err != nil {
		return err
	}

	log.Printf("Mock engine listening on %s (commands %s, events %s)", url, commandSubject, eventSubject)
	<-ctx.Done()
	return nil
}

// respond builds the events answering one command: a log line, then the
// report or the error from the selected fixture.
func (s *server) respond(cmd engine.Command) []engine.WireEvent {
	callNum := s.calls.Add(1)
	if cmd.Command != engine.CommandRun {
		log.Printf("[call %d] unknown command %q", callNum, cmd.Command)
		return []engine.WireEvent{errorEvent(cmd.RunID, fmt.Sprintf("unknown command %q", cmd.Command))}
	}

	project := filepath.Base(filepath.Clean(cmd.SourceRoot))
	events := []engine.WireEvent{engine.LogEvent("Analysing " + cmd.SourceRoot)}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	content, callIndex, seqLen := s.next(project)
	log.Printf("[call %d] project=%s run=%s fixture=%d/%d", callNum, project, cmd.RunID, callIndex, seqLen)

	if msg, ok := fixtureError(content); ok {
		return append(events, errorEvent(cmd.RunID, msg))
	}
	return append(events, engine.WireEvent{
		Event:   engine.WireReport,
		RunID:   cmd.RunID,
		Payload: json.RawMessage(content),
	})
}

// next picks the fixture for the project's next run.
func (s *server) next(project string) (content string, index, total int) {
	seq, ok := s.fixtures[project]
	key := project
	if !ok {
		seq, ok = s.fixtures[defaultProject]
		key = defaultProject
	}
	if !ok {
		return emptyReport, 0, 0
	}

	s.projectCallsMu.Lock()
	i := s.projectCalls[key]
	s.projectCalls[key] = i + 1
	s.projectCallsMu.Unlock()

	if i < len(seq) {
		return seq[i], i + 1, len(seq)
	}
	return seq[len(seq)-1], len(seq), len(seq)
}

func fixtureError(content string) (string, bool) {
	var f struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal([]byte(content), &f); err != nil || f.Error == nil {
		return "", false
	}
	return *f.Error, true
}

func errorEvent(runID, msg string) engine.WireEvent {
	payload, _ := json.Marshal(msg)
	return engine.WireEvent{Event: engine.WireError, RunID: runID, Payload: payload}
}

// numberedFileRe matches files like "myapp.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns project → content sequence.
// Numbered files come first in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		if matches := numberedFileRe.FindStringSubmatch(d.Name()); matches != nil {
			project := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[project] == nil {
				numberedFiles[project] = make(map[int]string)
			}
			numberedFiles[project][index] = content
			return nil
		}

		baseFiles[strings.TrimSuffix(d.Name(), ".json")] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	projects := make(map[string]bool)
	for p := range baseFiles {
		projects[p] = true
	}
	for p := range numberedFiles {
		projects[p] = true
	}

	fixtures := make(map[string][]string)
	for project := range projects {
		var seq []string
		if numbered, ok := numberedFiles[project]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[project]; ok {
			seq = append(seq, base)
		}
		fixtures[project] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
