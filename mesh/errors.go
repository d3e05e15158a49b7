// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"fmt"
)

// Error is taskmesh's single structured error shape, serialized as an
// ERR reply's error payload and as an HTTP error body. Using one schema
// everywhere (rather than reducing native errors to their message while
// passing other values through verbatim) is the compatibility change
// spec.md's design notes recommend for new implementations.
type Error struct {
	// Code is a short machine-readable tag; for HTTP transport, a numeric
	// code in the valid HTTP status range is used as the response status,
	// otherwise 500 is used (string codes, e.g. from TransportError, never
	// map onto an HTTP status and fall back the same way).
	Code string `json:"code,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WrapError reduces an arbitrary Go error to a *Error carrying its
// message. If err is already a *Error, it is returned unchanged.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Message: err.Error()}
}

// Sentinel error kinds, one per row of spec.md section 7's error table.
var (
	// ErrUnknownType: server received a request whose type is absent from
	// the schema and isn't the reserved $PING type.
	ErrUnknownType = errors.New("taskmesh: unknown request type")

	// ErrTimeout: client exhausted its retry attempts without a matching
	// reply.
	ErrTimeout = errors.New("taskmesh: request timed out")

	// ErrQueueFull: ConcurrencyPool queue at capacity; PoolMiddleware
	// translates pool.ErrQueueFull into this value so callers need not
	// import package pool directly to check it.
	ErrQueueFull = errors.New("taskmesh: queue full")

	// ErrTransport: the underlying socket reported an error.
	ErrTransport = errors.New("taskmesh: transport error")

	// ErrClosed: dispatch attempted after Client.Close.
	ErrClosed = errors.New("taskmesh: client closed")

	// ErrBadFrame: a frame failed to decode.
	ErrBadFrame = errors.New("taskmesh: bad frame")
)
