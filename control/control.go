// Package control relays "run now" requests from users to the engine bridge.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/semwatch/engine"
)

// ErrNotReady is returned when the engine has not finished starting.
var ErrNotReady = errors.New("engine not ready")

// runCommand is the control channel message that triggers a run.
const runCommand = "run"

// Runner accepts run requests. The engine bridge implements it.
type Runner interface {
	RequestRun(sourceRoot string) error
}

// Control holds no state beyond the runner and the root to analyze.
type Control struct {
	runner Runner
	root   string
	logger *slog.Logger
}

// New creates a control surface for root.
func New(runner Runner, root string, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{runner: runner, root: root, logger: logger}
}

// Trigger requests a fresh run. The outcome arrives through the dashboard.
func (c *Control) Trigger() error {
	if err := c.runner.RequestRun(c.root); err != nil {
		if errors.Is(err, engine.ErrNotStarted) {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return err
	}
	c.logger.Info("Manual run requested", "root", c.root)
	return nil
}

// Response is the reply to a trigger over HTTP or WebSocket.
type Response struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// RegisterHTTPHandlers registers the control endpoints under prefix.
// The prefix should be "/control" (without trailing slash).
func (c *Control) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	// POST /control/run - trigger a run
	mux.HandleFunc("POST "+prefix+"/run", c.handleRun)

	// GET /control - WebSocket control channel
	mux.HandleFunc("GET "+prefix, c.handleWebSocket)
}

func (c *Control) handleRun(w http.ResponseWriter, _ *http.Request) {
	if err := c.Trigger(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotReady) || errors.Is(err, engine.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		c.writeJSON(w, status, Response{Error: err.Error()})
		return
	}
	c.writeJSON(w, http.StatusAccepted, Response{Status: "accepted"})
}

// handleWebSocket serves the control channel: each text message "run"
// triggers a run and is answered with a Response.
func (c *Control) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var resp Response
		if cmd := strings.TrimSpace(string(data)); cmd != runCommand {
			resp.Error = fmt.Sprintf("unknown command %q", cmd)
		} else if err := c.Trigger(); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Status = "accepted"
		}

		if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return
		}
		if err := ws.WriteJSON(resp); err != nil {
			c.logger.Debug("Control client disconnected", "error", err)
			return
		}
	}
}

func (c *Control) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Warn("Failed to encode JSON response", "error", err)
	}
}
