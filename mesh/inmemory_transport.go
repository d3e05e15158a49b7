// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/taskmesh/taskmesh/wire"
)

// inMemoryConn is one end of a pair of connected, in-process pipes. It
// implements Conn without touching a real socket, the way the teacher's
// test suite drives client/server pairs without binding a port.
type inMemoryConn struct {
	id string
	out chan wire.Message
	in  <-chan wire.Message

	// notifyPeer is closed (after an optional buffered code send) by this
	// end's own Close, so the far end's Read observes the same close code
	// a real socket would deliver via a close frame.
	notifyPeer chan int
	// peerClosed is the far end's notifyPeer: closed when it calls Close.
	peerClosed chan int
	localDone  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newInMemoryPair(clientID, serverID string) (client, server *inMemoryConn) {
	c2s := make(chan wire.Message, 64)
	s2c := make(chan wire.Message, 64)
	clientToServer := make(chan int, 1)
	serverToClient := make(chan int, 1)

	client = &inMemoryConn{
		id: clientID, out: c2s, in: s2c,
		notifyPeer: clientToServer, peerClosed: serverToClient,
		localDone: make(chan struct{}),
	}
	server = &inMemoryConn{
		id: serverID, out: s2c, in: c2s,
		notifyPeer: serverToClient, peerClosed: clientToServer,
		localDone: make(chan struct{}),
	}
	return client, server
}

func (c *inMemoryConn) ID() string { return c.id }

func (c *inMemoryConn) Read(ctx context.Context) (wire.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return wire.Message{}, io.EOF
		}
		return msg, nil
	case code := <-c.peerClosed:
		return wire.Message{}, &CloseError{Code: code}
	case <-c.localDone:
		return wire.Message{}, io.EOF
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func (c *inMemoryConn) Write(ctx context.Context, msg wire.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *inMemoryConn) Close(code int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.notifyPeer <- code:
	default:
	}
	close(c.notifyPeer)
	close(c.localDone)
	return nil
}

func (c *inMemoryConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StateClosed
	}
	return StateOpen
}

// InMemoryDialer is a Transport backed by an in-process Server: each
// Connect call creates a fresh pipe pair, hands one end to the server via
// acceptFn, and returns the other end to the caller (typically a
// ClientCoordinator under test).
type InMemoryDialer struct {
	acceptFn func(ctx context.Context, conn Conn)
}

// inMemoryPairSeq numbers pairs across every InMemoryDialer, so connection
// ids stay unique among open connections as Conn.ID requires.
var inMemoryPairSeq atomic.Int64

// NewInMemoryDialer builds a Transport that, on each Connect, synthesizes
// a connected pair and calls accept with the server-side end (in a new
// goroutine so the dispatcher's read loop doesn't block the caller).
func NewInMemoryDialer(accept func(ctx context.Context, conn Conn)) *InMemoryDialer {
	return &InMemoryDialer{acceptFn: accept}
}

func (d *InMemoryDialer) Connect(ctx context.Context) (Conn, error) {
	n := inMemoryPairSeq.Add(1)
	client, server := newInMemoryPair(fmt.Sprintf("mem-%d-client", n), fmt.Sprintf("mem-%d-server", n))
	go d.acceptFn(ctx, server)
	return client, nil
}
