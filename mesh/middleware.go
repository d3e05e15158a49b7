// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
)

// Request is what a Handler or Middleware receives: a decoded task
// request headed for the schema's terminal handler.
type Request struct {
	// Type is the task-type name; for the reserved $PING type this
	// invokes the healthcheck instead of a schema handler.
	Type string
	// ID is the request's correlation id.
	ID string
	// Payload is the raw, still-encoded argument the handler must decode
	// itself (the payload shape is opaque to taskmesh per spec.md's data
	// model).
	Payload []byte
	// Conn identifies which connection the request arrived on, for
	// middleware that wants per-connection behavior (e.g.
	// LoggingMiddleware). It is nil for requests arriving over HTTP.
	Conn Conn
}

// Handler processes a Request and returns the value to carry in the OK
// reply's payload, or an error to carry in an ERR reply. A Handler may
// suspend (block on ctx, I/O, etc.) freely.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a Handler to produce a new Handler, the unit composed
// by Chain. A middleware may call next zero times (short-circuiting with
// its own result), exactly once (the common case), or conceivably more
// than once; Chain places no restriction on this, mirroring spec.md
// section 4.3's "may short-circuit" note.
type Middleware func(next Handler) Handler

// Chain composes mws in registration order around terminal, so that
// invoking the result on a request computes
//
//	mws[0](req, next: mws[1](req, next: ... terminal(req)))
//
// Built once per schema entry (immutable thereafter), not once per
// request.
func Chain(mws []Middleware, terminal Handler) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
