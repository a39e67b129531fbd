// ABOUTME: Sink transports: SSE over an HTTP response and WebSocket connections
// ABOUTME: Each transport is written by exactly one sink writer goroutine

package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by writes after Close.
var ErrTransportClosed = errors.New("transport closed")

// writeTimeout bounds a single write so a stuck client cannot pin its
// writer goroutine forever.
const writeTimeout = 10 * time.Second

// Transport delivers encoded events to one client connection.
type Transport interface {
	// WriteEvent writes one encoded event.
	WriteEvent(data []byte) error
	// WriteTerminal writes the end-of-stream marker, if the transport has one.
	WriteTerminal() error
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// SSETransport writes events as Server-Sent Events on an HTTP response.
type SSETransport struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	mu     sync.Mutex
	closed bool
}

// NewSSETransport writes the SSE response headers and returns a transport.
// It fails if the response writer cannot flush.
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	t := &SSETransport{w: w, rc: http.NewResponseController(w)}
	if err := t.rc.Flush(); err != nil {
		return nil, fmt.Errorf("flushing headers: %w", err)
	}
	return t, nil
}

// WriteEvent writes data as a single SSE data record.
func (t *SSETransport) WriteEvent(data []byte) error {
	return t.write("data: %s\n\n", data)
}

// WriteTerminal writes the [DONE] sentinel.
func (t *SSETransport) WriteTerminal() error {
	return t.write("data: %s\n\n", []byte("[DONE]"))
}

func (t *SSETransport) write(format string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	// Not every ResponseWriter supports deadlines; writes still work without
	if err := t.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := fmt.Fprintf(t.w, format, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := t.rc.Flush(); err != nil {
		return fmt.Errorf("flushing event: %w", err)
	}
	return nil
}

// Close marks the transport closed. The HTTP handler owning the response
// ends the stream when it returns.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// SocketTransport writes events as WebSocket text frames.
type SocketTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

// NewSocketTransport wraps an upgraded WebSocket connection.
func NewSocketTransport(conn *websocket.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// WriteEvent writes data as one text frame.
func (t *SocketTransport) WriteEvent(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteTerminal sends a normal-closure control frame.
func (t *SocketTransport) WriteTerminal() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// Ping sends a keepalive ping.
func (t *SocketTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close closes the underlying connection.
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
