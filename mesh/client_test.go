// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_TimeoutAndRetry(t *testing.T) {
	var receives atomic.Int64
	schema := Schema{
		"SLEEP": func(ctx context.Context, payload []byte) (any, error) {
			receives.Add(1)
			<-ctx.Done() // never replies within the test's lifetime
			return nil, ctx.Err()
		},
	}
	server := NewServer(schema, nil)
	dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
		server.AcceptConn(ctx, conn)
	})
	client := NewClient(dialer, &ClientOptions{
		Timeout:           200 * time.Millisecond,
		Attempts:          2,
		ReconnectInterval: 100 * time.Millisecond,
	})
	defer client.Close()
	defer server.Close()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Dispatch(ctx, "SLEEP", nil)
	elapsed := time.Since(start)

	if err != ErrTimeout {
		t.Fatalf("got error %v, want ErrTimeout", err)
	}
	if elapsed < 400*time.Millisecond {
		t.Fatalf("timed out after %v, want >= 400ms", elapsed)
	}
	// Each attempt reaches the handler exactly once: the SLEEP handler never
	// replies, so every transmitted attempt is observed server-side.
	time.Sleep(50 * time.Millisecond) // let the second goroutine start
	if got := receives.Load(); got != 2 {
		t.Fatalf("server received %d SLEEP requests, want 2", got)
	}
}

func TestClient_Reconnect(t *testing.T) {
	schema := echoSchema()
	server := NewServer(schema, nil)
	dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
		server.AcceptConn(ctx, conn)
	})
	client := NewClient(dialer, &ClientOptions{ReconnectInterval: 50 * time.Millisecond})
	defer client.Close()

	events, cancel := client.Events()
	defer cancel()

	waitForEvent(t, events, EventReady, time.Second)

	// Force-close the current connection with SERVER_SHUTTING_OFF; the
	// client should observe host-closed, then reconnect via the same
	// dialer (which spins up a fresh in-process server-side conn) and
	// emit reconnected.
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	conn.Close(CloseNormal)

	waitForEvent(t, events, EventHostClosed, time.Second)
	waitForEvent(t, events, EventReconnected, 2*time.Second)

	ctx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	payload, err := client.Dispatch(ctx, "ADD", map[string]int{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("Dispatch after reconnect: %v", err)
	}
	if string(payload) != "3" {
		t.Fatalf("got %s, want 3", payload)
	}
}

func TestClient_DrainCycleKeepsSleepAliveAcrossReconnect(t *testing.T) {
	released := make(chan struct{})
	var invocations atomic.Int64
	schema := Schema{
		"SLEEP": func(ctx context.Context, payload []byte) (any, error) {
			invocations.Add(1)
			<-released
			return "done", nil
		},
	}
	server := NewServer(schema, nil)
	dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
		server.AcceptConn(ctx, conn)
	})
	client := NewClient(dialer, &ClientOptions{
		DrainInterval:     100 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
		Timeout:           5 * time.Second,
	})
	defer client.Close()
	defer server.Close()

	events, cancel := client.Events()
	defer cancel()
	waitForEvent(t, events, EventReady, time.Second)

	resultCh := make(chan struct {
		payload []byte
		err     error
	}, 1)
	go func() {
		ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		payload, err := client.Dispatch(ctx, "SLEEP", nil)
		resultCh <- struct {
			payload []byte
			err     error
		}{payload, err}
	}()

	// The drain tick should rotate the transport without treating it as a
	// server-initiated close.
	waitForEvent(t, events, EventReconnected, time.Second)
	close(released)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("SLEEP dispatch failed: %v", res.err)
		}
		if string(res.payload) != `"done"` {
			t.Fatalf("got %s, want \"done\"", res.payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SLEEP dispatch never resolved after drain cycle")
	}

	// The drain must not have re-slung the still-pending SLEEP request onto
	// the new transport: a non-idempotent handler must run exactly once per
	// logical dispatch.
	if got := invocations.Load(); got != 1 {
		t.Fatalf("SLEEP handler invoked %d times, want 1", got)
	}
}

func waitForEvent(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", kind)
		}
	}
}
