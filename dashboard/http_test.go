package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semwatch/report"
	"github.com/c360studio/semwatch/state"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *Dashboard, *state.Store) {
	t.Helper()
	d, store := newTestDashboard(t, opts...)
	mux := http.NewServeMux()
	d.RegisterHTTPHandlers("", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, d, store
}

func TestHandleState(t *testing.T) {
	srv, _, store := newTestServer(t)
	store.Begin("run-1", epoch)

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got state.DashboardState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, state.Running, got.RunState)
	assert.Equal(t, "run-1", got.RunID)
}

func TestHandleReport(t *testing.T) {
	srv, _, store := newTestServer(t)

	t.Run("no report yet", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/report")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "null", string(body))
	})

	t.Run("after completed run", func(t *testing.T) {
		r, err := report.Decode([]byte(`{"messages":[{"file":"src/Main.elm"}],"unusedDependencies":[]}`))
		require.NoError(t, err)
		store.Begin("run-1", epoch)
		_, err = store.Complete("run-1", r, epoch)
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/report")
		require.NoError(t, err)
		defer resp.Body.Close()

		var got report.Report
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Len(t, got.Messages, 1)
	})
}

func TestHandleLogs(t *testing.T) {
	srv, _, store := newTestServer(t)
	store.AddDiagnostic(state.Diagnostic{At: epoch, Source: state.SourceEngine, Message: "compiling"})

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got LogsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 1, got.Total)
	assert.Equal(t, "compiling", got.Diagnostics[0].Message)
}

func TestWebSocketStream(t *testing.T) {
	srv, d, store := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dashboard"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first state.DashboardState
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, state.Idle, first.RunState)

	require.Eventually(t, func() bool { return d.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	store.Begin("run-1", epoch)

	var second state.DashboardState
	require.NoError(t, ws.ReadJSON(&second))
	assert.Equal(t, state.Running, second.RunState)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return d.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// logBuffer is a bytes.Buffer safe for a slog handler and a test reading it.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// subscribers returns the subscriber attribute of every record with msg.
func (b *logBuffer) subscribers(msg string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err == nil && rec["msg"] == msg {
			id, _ := rec["subscriber"].(string)
			ids = append(ids, id)
		}
	}
	return ids
}

func TestWebSocketLogsSubscriber(t *testing.T) {
	logs := &logBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv, d, _ := newTestServer(t, WithLogger(logger))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dashboard"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return len(logs.subscribers("Dashboard client disconnected")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	connected := logs.subscribers("Dashboard client connected")
	require.Len(t, connected, 1)
	assert.NotEmpty(t, connected[0])
	assert.Equal(t, connected, logs.subscribers("Dashboard client disconnected"))
}

func TestSSEStream(t *testing.T) {
	srv, d, store := newTestServer(t, WithHeartbeat(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/dashboard/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var eventType string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{eventType, strings.TrimPrefix(line, "data: ")}
			}
		}
	}()

	next := func(want string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				require.True(t, ok, "stream closed")
				if ev[0] == want {
					return ev[1]
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s event", want)
			}
		}
	}

	var first state.DashboardState
	require.NoError(t, json.Unmarshal([]byte(next(SSEEventState)), &first))
	assert.Equal(t, state.Idle, first.RunState)

	store.Begin("run-1", epoch)
	var second state.DashboardState
	require.NoError(t, json.Unmarshal([]byte(next(SSEEventState)), &second))
	assert.Equal(t, state.Running, second.RunState)

	next(SSEEventHeartbeat)

	cancel()
	assert.Eventually(t, func() bool { return d.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
