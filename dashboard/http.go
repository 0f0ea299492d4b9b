package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/semwatch/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are opened from local dev servers on arbitrary ports.
	CheckOrigin: func(*http.Request) bool { return true },
}

// LogsResponse is the response for GET /logs.
type LogsResponse struct {
	Diagnostics []state.Diagnostic `json:"diagnostics"`
	Total       int                `json:"total"`
}

// RegisterHTTPHandlers registers the dashboard endpoints under prefix, which
// may be empty.
func (d *Dashboard) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/state", d.handleState)
	mux.HandleFunc("GET "+prefix+"/report", d.handleReport)
	mux.HandleFunc("GET "+prefix+"/logs", d.handleLogs)
	mux.HandleFunc("GET "+prefix+"/dashboard", d.handleWebSocket)
	mux.HandleFunc("GET "+prefix+"/dashboard/stream", d.handleStream)
}

func (d *Dashboard) handleState(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.State())
}

// handleReport writes the last report, or null before the first completed run.
func (d *Dashboard) handleReport(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.Report())
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, _ *http.Request) {
	diags := d.store.Diagnostics()
	d.writeJSON(w, http.StatusOK, LogsResponse{Diagnostics: diags, Total: len(diags)})
}

// handleWebSocket handles GET /dashboard. Inbound messages are ignored; the
// read loop only detects the client going away.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		d.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	sub := d.Subscribe(NewWebSocketConn(ws))
	defer d.Unsubscribe(sub)
	d.logger.Info("Dashboard client connected",
		"subscriber", sub.ID(),
		"transport", "websocket",
		"remote", r.RemoteAddr)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			d.logger.Info("Dashboard client disconnected", "subscriber", sub.ID(), "reason", err)
			return
		}
	}
}

// handleStream handles GET /dashboard/stream for SSE observers.
func (d *Dashboard) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := NewSSEConn(w)
	if err != nil {
		d.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := d.Subscribe(conn)
	d.logger.Info("Dashboard client connected",
		"subscriber", sub.ID(),
		"transport", "sse",
		"remote", r.RemoteAddr)

	heartbeat := time.NewTicker(d.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			d.logger.Info("Dashboard client disconnected", "subscriber", sub.ID())
			d.Unsubscribe(sub)
			<-sub.Done()
			return

		case <-sub.Done():
			return

		case <-heartbeat.C:
			if err := conn.Heartbeat(); err != nil {
				d.logger.Debug("Client disconnected during heartbeat", "subscriber", sub.ID(), "error", err)
				d.Unsubscribe(sub)
				<-sub.Done()
				return
			}
		}
	}
}

func (d *Dashboard) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		d.logger.Warn("Failed to encode JSON response", "error", err)
	}
}

func (d *Dashboard) writeError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, map[string]string{"error": message})
}
