package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records commands and lets tests inject engine output.
type fakeTransport struct {
	startErr error
	sendErr  error

	commands chan Command
	events   chan WireEvent

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		commands: make(chan Command, 32),
		events:   make(chan WireEvent, 32),
	}
}

func (f *fakeTransport) Start(context.Context) error { return f.startErr }

func (f *fakeTransport) Send(_ context.Context, cmd Command) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands <- cmd
	return nil
}

func (f *fakeTransport) Events() <-chan WireEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emit(ev WireEvent) { f.events <- ev }

func (f *fakeTransport) report(payload string) {
	f.emit(WireEvent{Event: WireReport, Payload: json.RawMessage(payload)})
}

func (f *fakeTransport) fail(msg string) {
	data, _ := json.Marshal(msg)
	f.emit(WireEvent{Event: WireError, Payload: data})
}

const waitTimeout = 2 * time.Second

func expectCommand(t *testing.T, f *fakeTransport) Command {
	t.Helper()
	select {
	case cmd := <-f.commands:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for run command")
		return Command{}
	}
}

func expectNoCommand(t *testing.T, f *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case cmd := <-f.commands:
		t.Fatalf("unexpected run command for run %s", cmd.RunID)
	case <-time.After(wait):
	}
}

func expectEvent(t *testing.T, b *Bridge, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-b.Events():
			require.True(t, ok, "event channel closed")
			if ev.Kind == Diagnostic && kind != Diagnostic {
				continue
			}
			require.Equal(t, kind, ev.Kind, "unexpected event %s", ev.Kind)
			return ev
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func startBridge(t *testing.T, debounce time.Duration) (*Bridge, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	b := NewBridge(f, BridgeConfig{Debounce: debounce})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b, f
}

func TestRequestRunBeforeStart(t *testing.T) {
	b := NewBridge(newFakeTransport(), BridgeConfig{})
	assert.ErrorIs(t, b.RequestRun("/src"), ErrNotStarted)
	assert.False(t, b.Started())
}

func TestStartTwicePanics(t *testing.T) {
	b, _ := startBridge(t, 0)
	assert.Panics(t, func() { _ = b.Start(context.Background()) })
}

func TestStartFailures(t *testing.T) {
	t.Run("registry unavailable", func(t *testing.T) {
		b := NewBridge(newFakeTransport(), BridgeConfig{Registry: filepath.Join(t.TempDir(), "missing.json")})
		err := b.Start(context.Background())
		assert.ErrorIs(t, err, ErrStart)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.ErrorIs(t, b.RequestRun("/src"), ErrNotStarted)
	})

	t.Run("transport fails", func(t *testing.T) {
		f := newFakeTransport()
		f.startErr = errors.New("no such binary")
		b := NewBridge(f, BridgeConfig{})
		assert.ErrorIs(t, b.Start(context.Background()), ErrStart)
	})
}

func TestCommandCarriesRegistryAndRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"packages":["elm/core"]}`), 0644))

	f := newFakeTransport()
	b := NewBridge(f, BridgeConfig{Registry: path})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.NoError(t, b.RequestRun("/work/src"))
	started := expectEvent(t, b, RunStarted)

	cmd := expectCommand(t, f)
	assert.Equal(t, CommandRun, cmd.Command)
	assert.Equal(t, "/work/src", cmd.SourceRoot)
	assert.Equal(t, started.RunID, cmd.RunID)
	assert.JSONEq(t, `{"packages":["elm/core"]}`, string(cmd.Registry))
}

func TestReportEndsRun(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	started := expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	f.report(`{"messages":[],"unusedDependencies":[]}`)
	ready := expectEvent(t, b, ReportReady)
	assert.Equal(t, started.RunID, ready.RunID)
	require.NotNil(t, ready.Report)
	assert.False(t, ready.Report.HasFindings())
}

// Two changes 10ms apart while idle collapse into one run command.
func TestLeadingEdgeCollapse(t *testing.T) {
	b, f := startBridge(t, 100*time.Millisecond)

	require.NoError(t, b.RequestRun("/src"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.RequestRun("/src"))

	expectEvent(t, b, RunStarted)
	expectCommand(t, f)
	expectNoCommand(t, f, 250*time.Millisecond)
}

// A change mid-run yields exactly one trailing run once the first completes,
// and the first run's report is never delivered.
func TestTrailingRunSupersedesInFlight(t *testing.T) {
	b, f := startBridge(t, 20*time.Millisecond)

	require.NoError(t, b.RequestRun("/src"))
	first := expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	require.NoError(t, b.RequestRun("/src"))
	expectNoCommand(t, f, 50*time.Millisecond)

	f.report(`{"messages":[{"id":1}],"unusedDependencies":[]}`)

	second := expectEvent(t, b, RunStarted)
	assert.NotEqual(t, first.RunID, second.RunID)
	cmd := expectCommand(t, f)
	assert.Equal(t, second.RunID, cmd.RunID)

	f.report(`{"messages":[],"unusedDependencies":[]}`)
	ready := expectEvent(t, b, ReportReady)
	assert.Equal(t, second.RunID, ready.RunID)
	assert.False(t, ready.Report.HasFindings(), "stale report must not be delivered")

	expectNoCommand(t, f, 50*time.Millisecond)
}

func TestBurstWhileRunningYieldsOneTrailingRun(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.RequestRun("/src"))
	}
	f.report(`{}`)

	expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	f.report(`{}`)
	expectEvent(t, b, ReportReady)
	expectNoCommand(t, f, 50*time.Millisecond)
}

func TestEngineErrorFailsRun(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	started := expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	f.fail("parse error in Main.elm")
	failed := expectEvent(t, b, RunFailed)
	assert.Equal(t, started.RunID, failed.RunID)
	assert.Equal(t, "parse error in Main.elm", failed.Message)
	assert.ErrorIs(t, failed.Err, ErrRun)

	// The next request is a fresh run.
	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	expectCommand(t, f)
}

func TestMalformedReportFailsRun(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	f.emit(WireEvent{Event: WireReport, Payload: json.RawMessage(`null`)})
	failed := expectEvent(t, b, RunFailed)
	assert.ErrorIs(t, failed.Err, ErrRun)
}

func TestSendFailureFailsRun(t *testing.T) {
	b, f := startBridge(t, 0)
	f.sendErr = errors.New("broken pipe")

	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	failed := expectEvent(t, b, RunFailed)
	assert.ErrorIs(t, failed.Err, ErrRun)
	assert.Contains(t, failed.Message, "broken pipe")
}

func TestLogEventsBecomeDiagnostics(t *testing.T) {
	b, f := startBridge(t, 0)

	f.emit(LogEvent("loading dependencies"))
	diag := expectEvent(t, b, Diagnostic)
	assert.Equal(t, "loading dependencies", diag.Message)
	assert.Equal(t, "engine", diag.Source)
}

func TestEventsForOtherRunsAreDropped(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	started := expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	f.emit(WireEvent{Event: WireReport, Payload: json.RawMessage(`{"messages":[{"id":9}]}`), RunID: "some-old-run"})
	f.emit(WireEvent{Event: WireReport, Payload: json.RawMessage(`{}`), RunID: started.RunID})

	ready := expectEvent(t, b, ReportReady)
	assert.Equal(t, started.RunID, ready.RunID)
	assert.False(t, ready.Report.HasFindings())
}

func TestResultWithoutRunIsIgnored(t *testing.T) {
	b, f := startBridge(t, 0)

	f.report(`{"messages":[{"id":1}]}`)
	f.emit(LogEvent("marker"))

	diag := expectEvent(t, b, Diagnostic)
	assert.Equal(t, "marker", diag.Message)
}

func TestEngineGone(t *testing.T) {
	b, f := startBridge(t, 0)

	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	expectCommand(t, f)

	close(f.events)
	failed := expectEvent(t, b, RunFailed)
	assert.ErrorIs(t, failed.Err, ErrUnavailable)

	// Later requests fail right away instead of hanging in Running.
	require.NoError(t, b.RequestRun("/src"))
	expectEvent(t, b, RunStarted)
	failed = expectEvent(t, b, RunFailed)
	assert.ErrorIs(t, failed.Err, ErrRun)
}

func TestStop(t *testing.T) {
	f := newFakeTransport()
	b := NewBridge(f, BridgeConfig{})
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	_, ok := <-b.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, b.RequestRun("/src"), ErrStopped)

	f.mu.Lock()
	assert.True(t, f.closed)
	f.mu.Unlock()
}

func TestStopWithoutStart(t *testing.T) {
	b := NewBridge(newFakeTransport(), BridgeConfig{})
	require.NoError(t, b.Stop())
	_, ok := <-b.Events()
	assert.False(t, ok)
}
