package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/semwatch/state"
)

// writeTimeout bounds a single network write to an observer.
const writeTimeout = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// WebSocketConn sends each state as one JSON text message.
type WebSocketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketConn wraps an upgraded connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Send writes s. Only the subscription's writer goroutine calls it.
func (c *WebSocketConn) Send(s state.DashboardState) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(s)
}

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// SSE event types for the dashboard stream.
const (
	SSEEventState     = "state"
	SSEEventHeartbeat = "heartbeat"
)

// SSEConn writes server-sent events to an open response. The writer
// goroutine and the heartbeat share it, so writes are serialized.
type SSEConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	eventID uint64
	closed  bool
}

// NewSSEConn prepares w for streaming. It fails when w cannot flush.
func NewSSEConn(w http.ResponseWriter) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEConn{w: w, flusher: flusher}, nil
}

// Send writes s as a state event.
func (c *SSEConn) Send(s state.DashboardState) error {
	return c.event(SSEEventState, s)
}

// Heartbeat writes an empty heartbeat event.
func (c *SSEConn) Heartbeat() error {
	return c.event(SSEEventHeartbeat, map[string]any{})
}

// Close stops further writes. The handler owns the response itself.
func (c *SSEConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *SSEConn) event(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}

	c.eventID++
	if _, err := fmt.Fprintf(c.w, "event: %s\nid: %d\ndata: %s\n\n", eventType, c.eventID, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
