// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/taskmesh/taskmesh/wire"
)

// lifecycleState is the ClientCoordinator's state machine, spec.md section
// 4.5: INIT -> CONNECTING -> READY -> RECONNECTING -> READY (loop) -> CLOSED.
type lifecycleState int

const (
	stateInit lifecycleState = iota
	stateConnecting
	stateReady
	stateReconnecting
	stateClosed
)

type dispatchResult struct {
	payload json.RawMessage
	err     error
}

// pendingEntry tracks one in-flight request: the message to retransmit on
// reconnect, the transport epoch it was last sent on, and the one-shot
// channel its reply resolves. This is the idiomatic-Go replacement for the
// REPLY:<id>/OK:<id>/ERR:<id> listener-name scheme spec.md's design notes
// call out: one map entry, one channel, instead of string-keyed listeners.
type pendingEntry struct {
	id  string
	msg wire.Message

	mu    sync.Mutex
	epoch int64

	resultCh chan dispatchResult
}

func (e *pendingEntry) setEpoch(v int64) {
	e.mu.Lock()
	e.epoch = v
	e.mu.Unlock()
}

func (e *pendingEntry) getEpoch() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Client is the ClientCoordinator: it owns one logical connection to a
// Server (reconnecting as needed), correlates outstanding requests with
// their replies, and exposes server PUSH events.
type Client struct {
	transport Transport
	opts      *ClientOptions
	logger    *slog.Logger
	emitter   *emitter

	closedCh chan struct{}

	mu            sync.Mutex
	state         lifecycleState
	conn          Conn
	epoch         int64
	openedCh      chan struct{}
	everReady     bool
	closed        bool
	pending       map[string]*pendingEntry
	forcedReason  EventKind
	requestsCount int
	timeoutsCount int
}

// NewClient builds a ClientCoordinator dialing transport. Unless
// opts.NoServer is set, it begins connecting immediately; otherwise the
// caller must call Connect explicitly.
func NewClient(transport Transport, opts *ClientOptions) *Client {
	c := &Client{
		transport: transport,
		opts:      opts,
		logger:    opts.logger(),
		emitter:   newEmitter(),
		closedCh:  make(chan struct{}),
		state:     stateInit,
		openedCh:  make(chan struct{}),
		pending:   make(map[string]*pendingEntry),
	}

	if !opts.noServer() {
		c.mu.Lock()
		c.state = stateConnecting
		c.mu.Unlock()
		go c.connectLoop()
	}
	if iv := opts.drainInterval(); iv > 0 {
		go c.drainLoop(iv)
	}
	go c.toleranceLoop(opts.toleranceInterval())

	return c
}

// Connect begins connecting a Client constructed with NoServer. It is a
// no-op if already connecting, ready, or closed.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state == stateConnecting || c.state == stateReady {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	c.mu.Unlock()
	go c.connectLoop()
}

// Events returns a stream of client-side observable events and a cancel
// func to unsubscribe.
func (c *Client) Events() (<-chan Event, func()) {
	return c.emitter.Subscribe(c.opts.eventBuffer())
}

// readOutcome is what became of a generation's read loop once it
// stopped, distinguishing an unplanned disconnect (which connectLoop must
// react to) from a connection that was superseded by a later generation
// (e.g. drainOnce's replacement) before it happened to close.
type readOutcome int

const (
	connLost readOutcome = iota
	connSuperseded
	connTerminal
)

// drainPollInterval is how often closeDrainedConn re-checks whether a
// drained connection's last pending ids have resolved.
const drainPollInterval = 10 * time.Millisecond

// connectLoop owns the dial/read/reconnect cycle for the lifetime of the
// Client, running in its own goroutine. It only ever drives generations it
// dialed itself; a generation started by drainOnce is served independently.
func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.transport.Connect(context.Background())
		if err != nil {
			c.emitter.emit(EventReconnectFailed, err)
			if !c.sleepOrStop(c.opts.reconnectInterval()) {
				return
			}
			continue
		}

		epoch := c.onConnected(conn)
		switch c.serveConn(conn, epoch) {
		case connTerminal, connSuperseded:
			return
		case connLost:
			if !c.sleepOrStop(c.opts.reconnectInterval()) {
				return
			}
		}
	}
}

// serveConn drains conn until it errors, then reacts according to whether
// conn is still the Client's active connection: if a later generation has
// already taken over (epoch advanced), conn's closure is a planned
// retirement and nothing more happens here.
func (c *Client) serveConn(conn Conn, epoch int64) readOutcome {
	closeErr := c.readLoop(conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return connTerminal
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		return connSuperseded
	}

	reason := c.forcedReason
	c.forcedReason = ""
	code := CloseAbnormal
	var ce *CloseError
	if errors.As(closeErr, &ce) {
		code = ce.Code
	}
	terminal := code == CloseGoingAway
	c.state = stateReconnecting
	c.openedCh = make(chan struct{})
	c.mu.Unlock()

	if terminal {
		c.closeFromTransport()
		return connTerminal
	}

	if reason == "" {
		reason = EventHostClosed
	}
	c.emitter.emit(reason, code)
	return connLost
}

func (c *Client) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.closedCh:
		return false
	}
}

// onConnected transitions the coordinator to READY, releases anyone
// blocked awaiting it, and re-slings every request still pending from a
// prior (now-dead) transport. It returns the epoch assigned to conn.
func (c *Client) onConnected(conn Conn) int64 {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	firstTime := !c.everReady
	c.everReady = true
	c.state = stateReady
	opened := c.openedCh
	c.mu.Unlock()

	close(opened)
	c.reslingPending(conn, epoch)

	if firstTime {
		c.emitter.emit(EventReady, nil)
	} else {
		c.emitter.emit(EventReconnected, nil)
	}
	c.logger.Info("taskmesh client connected", "epoch", epoch)
	return epoch
}

// drainOnce performs spec.md section 4.5's graceful drain cycle: dial a
// replacement transport and hand it every future dispatch immediately,
// while letting requests still pending on the old transport resolve there
// undisturbed. Unlike a loss-triggered reconnect, pending ids are never
// re-slung onto the new transport — re-sling only happens when entering
// READY from RECONNECTING after an actual disconnect. The old transport is
// closed with GOING_AWAY once every id that was pending on it has a
// terminal reply, or immediately if none were.
func (c *Client) drainOnce() {
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return
	}
	oldConn := c.conn
	oldEpoch := c.epoch
	c.mu.Unlock()

	newConn, err := c.transport.Connect(context.Background())
	if err != nil {
		c.emitter.emit(EventReconnectFailed, err)
		return
	}

	c.mu.Lock()
	if c.closed || c.conn != oldConn {
		// Raced with a close or another transition; the dialed spare is
		// unneeded.
		c.mu.Unlock()
		newConn.Close(CloseGoingAway)
		return
	}
	c.epoch++
	newEpoch := c.epoch
	c.conn = newConn
	c.mu.Unlock()

	c.emitter.emit(EventReconnecting, CloseNormal)
	c.emitter.emit(EventReconnected, nil)
	c.logger.Info("taskmesh client drained to new transport", "epoch", newEpoch)

	go func() {
		if c.serveConn(newConn, newEpoch) == connLost {
			if c.sleepOrStop(c.opts.reconnectInterval()) {
				c.connectLoop()
			}
		}
	}()
	go c.closeDrainedConn(oldConn, oldEpoch)
}

// closeDrainedConn waits until no pending entry is still attached to
// oldEpoch (i.e. every id that was in flight on oldConn at drain time has
// a terminal reply, or there were none to begin with), then closes oldConn
// with GOING_AWAY.
func (c *Client) closeDrainedConn(oldConn Conn, oldEpoch int64) {
	for c.anyPendingOnEpoch(oldEpoch) {
		select {
		case <-time.After(drainPollInterval):
		case <-c.closedCh:
			oldConn.Close(CloseGoingAway)
			return
		}
	}
	oldConn.Close(CloseGoingAway)
}

func (c *Client) anyPendingOnEpoch(epoch int64) bool {
	c.mu.Lock()
	entries := make([]*pendingEntry, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if e.getEpoch() == epoch {
			return true
		}
	}
	return false
}

// reslingPending retransmits, on conn, every pending request whose epoch
// predates epoch — spec.md section 4.5's re-sling rule. A request not yet
// sent on any transport (epoch 0) is left to its own Dispatch call. Their
// timeout timers (owned by each Dispatch call) are untouched.
func (c *Client) reslingPending(conn Conn, epoch int64) {
	c.mu.Lock()
	entries := make([]*pendingEntry, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if ep := e.getEpoch(); ep == 0 || ep >= epoch {
			continue
		}
		if err := conn.Write(context.Background(), e.msg); err != nil {
			c.logger.Warn("taskmesh: re-sling failed", "id", e.id, "error", err)
			continue
		}
		e.setEpoch(epoch)
	}
}

// readLoop drains conn until it errors, routing every message to its
// pending entry or push subscribers. The returned error is conn's final
// Read error (typically a *CloseError).
func (c *Client) readLoop(conn Conn) error {
	for {
		msg, err := conn.Read(context.Background())
		if err != nil {
			return err
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg wire.Message) {
	switch msg.Kind() {
	case wire.KindOK:
		c.resolvePending(msg.ID, dispatchResult{payload: msg.Payload})
	case wire.KindErr:
		var e Error
		if uerr := json.Unmarshal(msg.Error, &e); uerr != nil {
			e = Error{Message: string(msg.Error)}
		}
		c.resolvePending(msg.ID, dispatchResult{err: &e})
	case wire.KindPush:
		c.emitter.emit(EventPush, PushEvent{Name: msg.Event, Payload: msg.Payload})
	default:
		// A request arriving at a client is meaningless; ignore per
		// spec.md section 6's "unknown messages are ignored".
	}
}

// resolvePending delivers res to id's pending entry, if one is still
// outstanding. A reply for an id the client has already retired (via
// timeout, or never sent) is ignored, per spec.md section 5's ordering
// guarantee.
func (c *Client) resolvePending(id string, res dispatchResult) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.resultCh <- res:
	default:
	}
}

// awaitReady blocks until the coordinator reaches READY, ctx is done, or
// the client is closed. A dispatch attempted while not READY is deferred
// here rather than failed, per spec.md section 4.5.
func (c *Client) awaitReady(ctx context.Context) (Conn, int64, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if c.state == stateReady {
			conn, epoch := c.conn, c.epoch
			c.mu.Unlock()
			return conn, epoch, nil
		}
		opened := c.openedCh
		c.mu.Unlock()

		select {
		case <-opened:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-c.closedCh:
			return nil, 0, ErrClosed
		}
	}
}

// Dispatch sends a request of taskType carrying payload and blocks for its
// reply, implementing spec.md section 4.5's dispatch algorithm: generate
// an id, await READY, then transmit up to Attempts times in total, each
// with a fresh Timeout window, failing with ErrTimeout if the budget is
// exhausted.
func (c *Client) Dispatch(ctx context.Context, taskType string, payload any) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	id := c.nextRequestID()
	msg, err := wire.NewRequest(id, taskType, payload)
	if err != nil {
		return nil, err
	}

	entry := &pendingEntry{id: id, msg: msg, resultCh: make(chan dispatchResult, 1)}
	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.emitter.emit(EventRequest, &Request{Type: taskType, ID: id, Payload: []byte(msg.Payload)})

	attemptsLeft := c.opts.attempts() - 1
	timeout := c.opts.timeout()

	for {
		conn, epoch, err := c.awaitReady(ctx)
		if err != nil {
			return nil, err
		}
		entry.setEpoch(epoch)

		if err := conn.Write(ctx, msg); err != nil {
			// Transport hiccup: the read loop will notice and the
			// coordinator will reconnect. Wait for READY again before
			// spending this attempt's retry budget.
			c.emitter.emit(EventError, err)
			if !c.waitTick(ctx) {
				return nil, ctx.Err()
			}
			continue
		}
		c.countRequestStarted()

		timer := time.NewTimer(timeout)
		select {
		case res := <-entry.resultCh:
			timer.Stop()
			return res.payload, res.err
		case <-timer.C:
			c.countTimeout()
			if attemptsLeft <= 0 {
				c.emitter.emit(EventTimeout, &Request{Type: taskType, ID: id})
				return nil, ErrTimeout
			}
			attemptsLeft--
			continue
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closedCh:
			timer.Stop()
			return nil, ErrClosed
		}
	}
}

func (c *Client) waitTick(ctx context.Context) bool {
	select {
	case <-time.After(c.opts.reconnectInterval()):
		return true
	case <-ctx.Done():
		return false
	case <-c.closedCh:
		return false
	}
}

// Ping sends the reserved $PING request with its own timeout, independent
// of Dispatch's retry chain.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := c.awaitReady(pctx)
	if err != nil {
		return err
	}

	id := c.nextRequestID()
	msg, err := wire.NewRequest(id, wire.PingType, nil)
	if err != nil {
		return err
	}

	entry := &pendingEntry{id: id, msg: msg, resultCh: make(chan dispatchResult, 1)}
	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.Write(pctx, msg); err != nil {
		return err
	}

	select {
	case res := <-entry.resultCh:
		return res.err
	case <-pctx.Done():
		c.emitter.emit(EventPingTimeout, nil)
		return pctx.Err()
	case <-c.closedCh:
		return ErrClosed
	}
}

// drainLoop rotates the transport every interval, spec.md section 4.5's
// drain cycle.
func (c *Client) drainLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.drainOnce()
		case <-c.closedCh:
			return
		}
	}
}

// toleranceLoop implements spec.md section 4.5's tolerance-based
// recycling: a periodically-reset sliding counter of requests/timeouts
// that forces a reconnect when the timeout ratio trips Tolerance.Ratio.
func (c *Client) toleranceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			reqs, timeouts := c.requestsCount, c.timeoutsCount
			c.requestsCount, c.timeoutsCount = 0, 0
			c.mu.Unlock()

			if reqs > 0 && float64(timeouts)/float64(reqs) > c.opts.toleranceRatio() {
				c.forceReconnect(EventReconnecting, CloseNormal)
			}
		case <-c.closedCh:
			return
		}
	}
}

// forceReconnect closes the current connection (if READY) with code,
// tagging the resulting reconnect cycle with reason instead of the
// default EventHostClosed.
func (c *Client) forceReconnect(reason EventKind, code int) {
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return
	}
	c.forcedReason = reason
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(code)
	}
}

func (c *Client) countRequestStarted() {
	c.mu.Lock()
	c.requestsCount++
	c.mu.Unlock()
}

func (c *Client) countTimeout() {
	c.mu.Lock()
	c.timeoutsCount++
	c.mu.Unlock()
}

func (c *Client) nextRequestID() string {
	return rand.Text()
}

// closeFromTransport marks the client CLOSED after a terminal close
// (GOING_AWAY) from the server side, distinct from an explicit Close call
// but with the same effect on pending requests.
func (c *Client) closeFromTransport() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = stateClosed
	c.mu.Unlock()

	close(c.closedCh)
	c.failAllPending(ErrClosed)
}

// Close severs the transport and fails every pending dispatch with
// ErrClosed. Subsequent Dispatch/Ping calls fail immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = stateClosed
	conn := c.conn
	c.mu.Unlock()

	close(c.closedCh)
	if conn != nil {
		conn.Close(CloseGoingAway)
	}
	c.failAllPending(ErrClosed)
	return nil
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, e := range pending {
		select {
		case e.resultCh <- dispatchResult{err: err}:
		default:
		}
	}
}
