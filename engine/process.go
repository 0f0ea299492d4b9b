package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize bounds a single line of engine output. Reports can be large.
const maxLineSize = 64 << 20

// ProcessConfig describes the engine child process.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// KillTimeout is how long Close waits after closing stdin before
	// killing the process.
	KillTimeout time.Duration

	Logger *slog.Logger
}

// ProcessTransport runs the engine as a child process speaking JSON lines:
// commands on stdin, events on stdout. Each stderr line becomes a log event.
type ProcessTransport struct {
	config ProcessConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	events  chan WireEvent

	closeOnce sync.Once
	exited    chan struct{}
}

// NewProcessTransport creates a transport for the given command line.
func NewProcessTransport(config ProcessConfig) *ProcessTransport {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.KillTimeout == 0 {
		config.KillTimeout = 5 * time.Second
	}
	return &ProcessTransport{
		config: config,
		logger: logger,
		events: make(chan WireEvent, 64),
		exited: make(chan struct{}),
	}
}

// Start launches the process. The process outlives ctx; use Close to end it.
func (p *ProcessTransport) Start(ctx context.Context) error {
	if p.config.Command == "" {
		return fmt.Errorf("engine command is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.Dir
	if len(p.config.Env) > 0 {
		cmd.Env = append(os.Environ(), p.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.config.Command, err)
	}
	p.cmd = cmd
	p.stdin = stdin

	p.logger.Info("Engine process started",
		"command", p.config.Command,
		"pid", cmd.Process.Pid)

	// stdout and stderr feed the same channel; stdout owns ordering of
	// protocol events, stderr lines are interleaved as they arrive.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		if err != nil {
			p.events <- LogEvent(fmt.Sprintf("engine exited: %v", err))
		}
		p.logger.Info("Engine process exited", "error", err)
		close(p.events)
		close(p.exited)
	}()

	return nil
}

func (p *ProcessTransport) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeWireEvent(line)
		if err != nil {
			p.logger.Warn("Ignoring malformed engine output", "error", err)
			p.events <- LogEvent(fmt.Sprintf("malformed engine output: %v", err))
			continue
		}
		p.events <- ev
	}
	p.drain("stdout", scanner, r)
}

func (p *ProcessTransport) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.events <- LogEvent(scanner.Text())
	}
	p.drain("stderr", scanner, r)
}

// drain reports a scanner failure and discards the rest of the stream so the
// engine never blocks writing to a pipe nobody reads.
func (p *ProcessTransport) drain(stream string, scanner *bufio.Scanner, r io.Reader) {
	err := scanner.Err()
	if err == nil {
		return
	}
	p.logger.Warn("Discarding unreadable engine output", "stream", stream, "error", err)
	p.events <- LogEvent(fmt.Sprintf("engine %s unreadable: %v", stream, err))
	_, _ = io.Copy(io.Discard, r)
}

// Send writes one command line to the engine's stdin.
func (p *ProcessTransport) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.stdin == nil {
		return ErrNotStarted
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	data = append(data, '\n')

	// The write runs on its own goroutine so ctx bounds how long Send waits
	// for an engine that stopped reading stdin. writeMu stays held until the
	// write finishes, keeping commands whole.
	written := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		_, err := p.stdin.Write(data)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("write command: %w", err)
		}
		return nil
	case <-ctx.Done():
		p.logger.Warn("Engine is not reading commands", "run_id", cmd.RunID, "error", ctx.Err())
		return fmt.Errorf("write command: %w", ctx.Err())
	}
}

// Events returns the engine output channel.
func (p *ProcessTransport) Events() <-chan WireEvent {
	return p.events
}

// Close closes stdin, waits for the process to exit and kills it after
// KillTimeout.
func (p *ProcessTransport) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd == nil {
			return
		}
		// Not under writeMu: closing the pipe is what unblocks a write the
		// engine never read.
		_ = p.stdin.Close()

		// Keep draining so the reader goroutines never block on a full
		// channel nobody reads any more.
		go func() {
			for range p.events {
			}
		}()

		select {
		case <-p.exited:
		case <-time.After(p.config.KillTimeout):
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("kill engine: %w", killErr)
			}
			<-p.exited
		}
	})
	return err
}
