// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/wire"
)

// Close codes of interest, named after the ones a WebSocket peer can send.
const (
	CloseNormal        = 1000 // SERVER_SHUTTING_OFF: client should reconnect
	CloseGoingAway     = 1001 // terminal: no reconnect
	CloseProtocolError = 1002 // malformed frame: server closes the connection
	CloseAbnormal      = 1006 // ABNORMAL: client should reconnect
)

// CloseError is returned by Conn.Read when the connection ended because a
// close code was observed (received from the peer, or inferred from an
// unexpected transport drop). The ClientCoordinator uses Code to decide
// whether to reconnect (1000, 1006) or treat the close as terminal (1001).
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("mesh: connection closed (code %d)", e.Code)
}

// ConnState is the open/closed state of a Conn.
type ConnState int

const (
	StateOpen ConnState = iota
	StateClosed
)

// Conn is a single full-duplex message connection: one WebSocket socket,
// or one leg of an in-memory pair. It is the unit the ServerDispatcher
// registers per client and the unit a Transport hands back to the
// ClientCoordinator.
type Conn interface {
	// ID identifies the connection for logging and for routing server
	// push. It need not be globally unique across restarts, only unique
	// among currently-open connections.
	ID() string

	// Read blocks for the next message, or returns an error once the
	// connection ends: a *CloseError when a close code was observed, or
	// another error (e.g. io.EOF after this end's own Close).
	Read(ctx context.Context) (wire.Message, error)

	// Write sends a message. Concurrent calls to Write must be safe;
	// implementations serialize them internally since most underlying
	// socket libraries forbid concurrent writers.
	Write(ctx context.Context, msg wire.Message) error

	// Close closes the connection, reporting code as the close reason
	// where the underlying transport supports one (WebSocket); code is
	// advisory for transports that don't (e.g. in-memory).
	Close(code int) error

	// State reports whether the connection is still open.
	State() ConnState
}

// Transport is what a ClientCoordinator dials to obtain a fresh Conn, on
// first connect and on every reconnect.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// TransportFunc adapts a plain function to a Transport.
type TransportFunc func(ctx context.Context) (Conn, error)

func (f TransportFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }
