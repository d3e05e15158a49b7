// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taskmesh/taskmesh/wire"
)

// Broadcast is the Push scope that targets every currently-open
// connection.
var Broadcast = struct{ broadcastTag struct{} }{}

// Server is the ServerDispatcher: it accepts connections, routes incoming
// request messages through a middleware chain to a schema handler (or the
// healthcheck, for $PING), returns replies, and can push unsolicited
// events to any scope of open connections.
type Server struct {
	schema      Schema
	healthcheck Healthcheck
	logger      *slog.Logger
	emitter     *emitter
	eventBuf    int

	mu       sync.Mutex
	mws      []Middleware
	chains   map[string]Handler // cached per task-type composed handler
	started  bool
	conns    map[string]Conn
	closed   bool
}

// NewServer builds a Server for schema. opts may be nil for defaults.
func NewServer(schema Schema, opts *ServerOptions) *Server {
	return &Server{
		schema:      schema,
		healthcheck: opts.healthcheck(),
		logger:      opts.logger(),
		emitter:     newEmitter(),
		eventBuf:    opts.eventBuffer(),
		chains:      make(map[string]Handler),
		conns:       make(map[string]Conn),
	}
}

// Use appends middleware to the chain. It must be called before the first
// request is dispatched (i.e. before any connection is accepted); the
// chain is immutable once construction begins for a particular request,
// per spec.md section 4.3.
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("mesh: Server.Use called after the server started accepting requests")
	}
	s.mws = append(s.mws, mw)
}

// Events returns a stream of server-side observable events and a cancel
// func to unsubscribe.
func (s *Server) Events() (<-chan Event, func()) {
	return s.emitter.Subscribe(s.eventBuf)
}

func (s *Server) chainFor(taskType string, terminal Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if h, ok := s.chains[taskType]; ok {
		return h
	}
	h := Chain(s.mws, terminal)
	s.chains[taskType] = h
	return h
}

// AcceptConn registers conn and runs its receive loop until the
// connection closes or ctx is done. Each accepted message is dispatched
// concurrently (spec.md section 5: "no per-connection serialization
// beyond transport ordering"). AcceptConn returns once the connection is
// fully drained and deregistered.
func (s *Server) AcceptConn(ctx context.Context, conn Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(CloseGoingAway)
		return
	}
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.emitter.emit(EventConnection, conn)
	s.logger.Info("connection accepted", "conn", conn.ID())

	var wg sync.WaitGroup
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			var badFrame *wire.BadFrameError
			code := CloseAbnormal
			wrapped := fmt.Errorf("%w: %v", ErrTransport, err)
			if errors.As(err, &badFrame) {
				code = CloseProtocolError
				wrapped = fmt.Errorf("%w: %v", ErrBadFrame, err)
			}
			s.emitter.emit(EventError, wrapped)
			conn.Close(code)
			break
		}
		wg.Add(1)
		go func(msg wire.Message) {
			defer wg.Done()
			s.dispatch(ctx, conn, msg)
		}(msg)
	}
	wg.Wait()

	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()

	s.emitter.emit(EventTerminated, conn)
	s.logger.Info("connection terminated", "conn", conn.ID())
}

// dispatch implements spec.md section 4.4's per-request flow for one
// incoming message on conn.
func (s *Server) dispatch(ctx context.Context, conn Conn, msg wire.Message) {
	switch msg.Kind() {
	case wire.KindRequest:
		// fallthrough to request handling below
	default:
		// OK/ERR/PUSH arriving at a server are not meaningful; ignore
		// per spec.md section 6 "unknown messages are ignored".
		return
	}

	req := &Request{Type: msg.TaskType(), ID: msg.ID, Payload: msg.Payload, Conn: conn}
	s.emitter.emit(EventRequest, req)

	// $PING bypasses the middleware chain entirely: it invokes the
	// healthcheck directly (spec.md section 4.4 step 3 says "invoke
	// healthcheck as the handler", distinct from step 2's "build chain
	// terminated by schema[type]"), so a saturated pool or rate limiter
	// never blocks a liveness probe.
	if req.Type == wire.PingType {
		value, err := s.invoke(ctx, func(ctx context.Context, req *Request) (any, error) {
			return s.healthcheck(ctx)
		}, req)
		if err != nil {
			s.sendErr(ctx, conn, req.ID, WrapError(err))
			return
		}
		s.sendOK(ctx, conn, req.ID, value)
		return
	}

	terminal, ok := s.terminalFor(req.Type)
	if !ok {
		s.sendErr(ctx, conn, req.ID, &Error{Message: fmt.Sprintf("Unknown request type: %q", req.Type)})
		return
	}

	handler := s.chainFor(req.Type, terminal)
	value, err := s.invoke(ctx, handler, req)
	if err != nil {
		s.sendErr(ctx, conn, req.ID, WrapError(err))
		return
	}
	s.sendOK(ctx, conn, req.ID, value)
}

// terminalFor resolves the terminal Handler for a schema task type.
func (s *Server) terminalFor(taskType string) (Handler, bool) {
	h, ok := s.schema[taskType]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, req *Request) (any, error) {
		return h(ctx, req.Payload)
	}, true
}

// invoke runs handler, recovering a panic as an error so a faulty
// middleware or handler can never take down the dispatcher (spec.md
// section 4.4/4.7: "the server never crashes on a handler fault").
func (s *Server) invoke(ctx context.Context, handler Handler, req *Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for %q: %v", req.Type, r)
		}
	}()
	return handler(ctx, req)
}

func (s *Server) sendOK(ctx context.Context, conn Conn, id string, value any) {
	msg, err := wire.NewOK(id, value)
	if err != nil {
		s.logger.Error("failed to encode OK reply", "id", id, "error", err)
		return
	}
	s.send(ctx, conn, msg)
}

func (s *Server) sendErr(ctx context.Context, conn Conn, id string, errVal *Error) {
	msg, err := wire.NewErr(id, errVal)
	if err != nil {
		s.logger.Error("failed to encode ERR reply", "id", id, "error", err)
		return
	}
	s.send(ctx, conn, msg)
}

// send delivers msg (a reply or push) to conn, or emits EventStale and
// drops it if conn is no longer open. Exactly the check spec.md's
// invariant requires: "for every reply the server emits with openState !=
// OPEN, a stale event is emitted and no bytes are transmitted."
func (s *Server) send(ctx context.Context, conn Conn, msg wire.Message) {
	if conn.State() != StateOpen {
		s.emitter.emit(EventStale, msg)
		return
	}
	if err := conn.Write(ctx, msg); err != nil {
		s.emitter.emit(EventError, err)
		s.logger.Error("write failed, closing connection", "conn", conn.ID(), "error", err)
		conn.Close(CloseAbnormal)
		return
	}
	if msg.Kind() == wire.KindPush {
		s.emitter.emit(EventPush, msg)
	} else {
		s.emitter.emit(EventReply, msg)
	}
}

// Push sends an unsolicited PUSH message to scope, which must be
// Broadcast, a single Conn, or a []Conn. Per target, if the connection is
// not open, EventStale fires and that target is skipped; delivery order
// across targets is unspecified.
func (s *Server) Push(ctx context.Context, event string, payload any, scope any) error {
	msg, err := wire.NewPush(event, payload)
	if err != nil {
		return err
	}

	targets := s.resolveScope(scope)
	for _, conn := range targets {
		s.send(ctx, conn, msg)
	}
	return nil
}

func (s *Server) resolveScope(scope any) []Conn {
	switch v := scope.(type) {
	case nil:
		return s.allConns()
	case Conn:
		return []Conn{v}
	case []Conn:
		return v
	default:
		if v == Broadcast {
			return s.allConns()
		}
		return nil
	}
}

func (s *Server) allConns() []Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every currently-open connection with CloseGoingAway and
// marks the server closed: subsequent AcceptConn calls reject the
// connection immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(CloseGoingAway)
	}
	return nil
}
