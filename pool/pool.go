// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pool implements a bounded-concurrency, bounded-queue execution
// pool: taskmesh's ConcurrencyPool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned synchronously by Run when the pool is at both
// its concurrency and queue limits.
var ErrQueueFull = errors.New("pool: queue full")

// Pool bounds how many factories may run concurrently and how many more
// may wait for a slot. It is safe for concurrent use.
//
// At every instant inFlight <= maxConcurrent and len(queue) <= maxQueued;
// queued waiters are released in FIFO order relative to enqueue time.
type Pool struct {
	maxConcurrent int
	maxQueued     int

	mu       sync.Mutex
	inFlight int
	queue    []chan struct{}
}

// New creates a Pool that runs at most maxConcurrent factories at once and
// holds at most maxQueued additional waiters. Both must be >= 0;
// maxConcurrent == 0 means no work ever runs immediately (every Run call
// queues or fails), which is a legal, if unusual, configuration.
func New(maxConcurrent, maxQueued int) *Pool {
	if maxConcurrent < 0 || maxQueued < 0 {
		panic(fmt.Sprintf("pool: negative limit (maxConcurrent=%d, maxQueued=%d)", maxConcurrent, maxQueued))
	}
	return &Pool{maxConcurrent: maxConcurrent, maxQueued: maxQueued}
}

// Run executes factory, respecting the pool's concurrency and queue
// limits.
//
//   - If a concurrency slot is immediately free, factory runs now.
//   - Else if the queue has room, Run blocks (FIFO) until a slot frees or
//     ctx is cancelled.
//   - Else Run fails synchronously with ErrQueueFull.
//
// Cancelling ctx while queued removes the waiter from the queue (it never
// occupies a slot). Cancelling ctx once factory is running does not stop
// factory; accounting is unaffected, honoring ctx during execution is
// factory's own responsibility.
func Run[T any](ctx context.Context, p *Pool, factory func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	wait, admitted := p.acquireOrQueue()
	if wait == nil && !admitted {
		return zero, ErrQueueFull
	}
	if admitted {
		defer p.release()
		return factory(ctx)
	}

	select {
	case <-wait:
		defer p.release()
		return factory(ctx)
	case <-ctx.Done():
		if p.dequeue(wait) {
			return zero, ctx.Err()
		}
		// Already granted a slot concurrently with our cancellation; the
		// grant is irrevocable (release() already counted us as
		// in-flight), so honor it rather than leak a slot.
		<-wait
		defer p.release()
		return factory(ctx)
	}
}

// acquireOrQueue either admits the caller immediately (admitted == true),
// enqueues it and returns a channel that closes once a slot is granted, or
// reports the pool is full (both return values zero/nil).
func (p *Pool) acquireOrQueue() (wait chan struct{}, admitted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight < p.maxConcurrent {
		p.inFlight++
		return nil, true
	}
	if len(p.queue) >= p.maxQueued {
		return nil, false
	}
	wait = make(chan struct{})
	p.queue = append(p.queue, wait)
	return wait, false
}

// dequeue removes wait from the queue if still present, reporting whether
// it did so (false means wait was already granted and removed by
// release()).
func (p *Pool) dequeue(wait chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.queue {
		if w == wait {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// release frees the caller's slot, transferring it directly to the oldest
// queued waiter (if any) instead of leaving it for general contention —
// this is what gives the queue its FIFO guarantee.
func (p *Pool) release() {
	p.mu.Lock()
	if len(p.queue) > 0 {
		w := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		close(w)
		return
	}
	p.inFlight--
	p.mu.Unlock()
}

// State is a point-in-time snapshot of the pool's accounting, useful for
// tests and observability.
type State struct {
	InFlight      int
	Queued        int
	MaxConcurrent int
	MaxQueued     int
}

// State reports the pool's current accounting.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		InFlight:      p.inFlight,
		Queued:        len(p.queue),
		MaxConcurrent: p.maxConcurrent,
		MaxQueued:     p.maxQueued,
	}
}
