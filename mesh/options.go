// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"log/slog"
	"time"
)

// TaskHandler is the application-supplied handler for one schema entry.
// It receives the still-encoded payload and returns the value (marshaled
// into the OK reply) or an error (marshaled into the ERR reply).
type TaskHandler func(ctx context.Context, payload []byte) (any, error)

// Schema maps task-type names to handlers; its keys are the authoritative
// set of accepted request types. The reserved type "$PING" is never a
// schema key: it always invokes the server's Healthcheck instead.
type Schema map[string]TaskHandler

// Healthcheck answers the reserved $PING request type.
type Healthcheck func(ctx context.Context) (any, error)

// ServerOptions configures a Server. A nil *ServerOptions is equivalent to
// the zero value, i.e. all defaults.
type ServerOptions struct {
	// Logger receives lifecycle and error logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Healthcheck answers $PING. If nil, $PING always succeeds with nil.
	Healthcheck Healthcheck
	// EventBuffer sizes each event subscriber's channel. Default 64.
	EventBuffer int
}

func (o *ServerOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *ServerOptions) healthcheck() Healthcheck {
	if o == nil || o.Healthcheck == nil {
		return func(ctx context.Context) (any, error) { return nil, nil }
	}
	return o.Healthcheck
}

func (o *ServerOptions) eventBuffer() int {
	if o == nil || o.EventBuffer <= 0 {
		return 64
	}
	return o.EventBuffer
}

// Tolerance configures the client's wedged-transport recycling policy
// (spec.md section 4.5).
type Tolerance struct {
	// Ratio: if timeouts/requests exceeds this over Interval, force a
	// reconnect. Default 0.05.
	Ratio float64
	// Interval is the sliding window length. Default 10s.
	Interval time.Duration
}

// ClientOptions configures a Client. A nil *ClientOptions is equivalent to
// the zero value, i.e. all defaults from the table below.
type ClientOptions struct {
	// NoServer, if true, suppresses the automatic initial connect; the
	// caller must call Client.Connect to start connecting. Default false.
	NoServer bool
	// ReconnectInterval is the backoff between reconnect attempts. Default 1s.
	ReconnectInterval time.Duration
	// Timeout is the per-attempt deadline for one request transmission.
	// Default 10s.
	Timeout time.Duration
	// Attempts is the maximum transmissions per request before failing
	// with Timeout. Default 3.
	Attempts int
	// DrainInterval, if nonzero, rotates the transport every interval
	// (graceful drain). Default: disabled.
	DrainInterval time.Duration
	// Tolerance configures ratio-based forced reconnection.
	Tolerance Tolerance
	// Logger receives lifecycle and error logs. Defaults to slog.Default().
	Logger *slog.Logger
	// EventBuffer sizes the event subscriber channel. Default 64.
	EventBuffer int
}

func (o *ClientOptions) noServer() bool { return o != nil && o.NoServer }

func (o *ClientOptions) reconnectInterval() time.Duration {
	if o == nil || o.ReconnectInterval <= 0 {
		return time.Second
	}
	return o.ReconnectInterval
}

func (o *ClientOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

func (o *ClientOptions) attempts() int {
	if o == nil || o.Attempts <= 0 {
		return 3
	}
	return o.Attempts
}

func (o *ClientOptions) drainInterval() time.Duration {
	if o == nil {
		return 0
	}
	return o.DrainInterval
}

func (o *ClientOptions) toleranceRatio() float64 {
	if o == nil || o.Tolerance.Ratio <= 0 {
		return 0.05
	}
	return o.Tolerance.Ratio
}

func (o *ClientOptions) toleranceInterval() time.Duration {
	if o == nil || o.Tolerance.Interval <= 0 {
		return 10 * time.Second
	}
	return o.Tolerance.Interval
}

func (o *ClientOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *ClientOptions) eventBuffer() int {
	if o == nil || o.EventBuffer <= 0 {
		return 64
	}
	return o.EventBuffer
}
