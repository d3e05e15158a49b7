// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/taskmesh/wire"
)

// subprotocol is the WebSocket subprotocol taskmesh negotiates, the same
// way the teacher's transport reserves "mcp".
const subprotocol = "taskmesh"

// WebSocketClientTransport dials a WebSocket server and wraps the
// resulting socket as a Conn, for use by a ClientCoordinator.
type WebSocketClientTransport struct {
	// URL is the server address, e.g. "ws://localhost:8080/rpc".
	URL string

	// Dialer is the WebSocket dialer to use. If nil, websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header carries additional HTTP headers for the handshake.
	Header http.Header
}

// Connect dials URL and returns the resulting Conn.
func (t *WebSocketClientTransport) Connect(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.Subprotocols = []string{subprotocol}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("taskmesh: websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("taskmesh: websocket dial: %w", err)
	}
	return &websocketConn{conn: conn, id: rand.Text()}, nil
}

// websocketConn adapts a gorilla/websocket.Conn to the Conn interface.
type websocketConn struct {
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

func (c *websocketConn) ID() string { return c.id }

func (c *websocketConn) Read(ctx context.Context) (wire.Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return wire.Message{}, &CloseError{Code: ce.Code}
		}
		// No close frame arrived: the socket dropped unexpectedly (reset,
		// timeout, half-open peer). Treat it as abnormal so the
		// ClientCoordinator reconnects rather than treating it as terminal.
		return wire.Message{}, &CloseError{Code: CloseAbnormal}
	}
	if msgType != websocket.TextMessage {
		return wire.Message{}, fmt.Errorf("taskmesh: unexpected websocket message type %d", msgType)
	}
	return wire.Decode(data)
}

func (c *websocketConn) Write(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("taskmesh: websocket write: %w", err)
	}
	return nil
}

func (c *websocketConn) Close(code int) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		writeErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		c.writeMu.Unlock()
		_ = writeErr // best-effort close handshake

		err = c.conn.Close()
	})
	return err
}

func (c *websocketConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StateClosed
	}
	return StateOpen
}

// WebSocketServerTransport upgrades incoming HTTP requests to WebSocket
// connections and hands each one to a Server via AcceptConn. It implements
// http.Handler so it can be registered directly with an *http.ServeMux.
type WebSocketServerTransport struct {
	Server   *Server
	Upgrader websocket.Upgrader
}

// NewWebSocketServerTransport builds a transport that upgrades and
// registers connections with server.
func NewWebSocketServerTransport(server *Server) *WebSocketServerTransport {
	return &WebSocketServerTransport{
		Server: server,
		Upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (t *WebSocketServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := t.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	conn := &websocketConn{conn: wsConn, id: rand.Text()}
	t.Server.AcceptConn(r.Context(), conn)
}
