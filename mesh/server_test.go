// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
)

func echoSchema() Schema {
	return Schema{
		"ADD": func(ctx context.Context, payload []byte) (any, error) {
			var args struct {
				X int `json:"x"`
				Y int `json:"y"`
			}
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, err
			}
			return args.X + args.Y, nil
		},
	}
}

func newTestPair(t *testing.T, schema Schema, sopts *ServerOptions, copts *ClientOptions) (*Server, *Client) {
	t.Helper()
	server := NewServer(schema, sopts)
	dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
		server.AcceptConn(ctx, conn)
	})
	client := NewClient(dialer, copts)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestServer_HappyPath(t *testing.T) {
	_, client := newTestPair(t, echoSchema(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := client.Dispatch(ctx, "ADD", map[string]int{"x": 3, "y": 5})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(payload) != "8" {
		t.Fatalf("got payload %s, want 8", payload)
	}
}

func TestServer_UnknownType(t *testing.T) {
	_, client := newTestPair(t, echoSchema(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Dispatch(ctx, "NOPE", map[string]any{})
	if err == nil {
		t.Fatal("expected an error for an unknown request type")
	}
	want := `Unknown request type: "NOPE"`
	if err.Error() != want {
		t.Fatalf("got error %q, want %q", err.Error(), want)
	}
}

func TestServer_Healthcheck(t *testing.T) {
	calls := 0
	sopts := &ServerOptions{Healthcheck: func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}}
	_, client := newTestPair(t, echoSchema(), sopts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx, time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if calls != 1 {
		t.Fatalf("healthcheck called %d times, want 1", calls)
	}
}

func TestServer_PushFanOut(t *testing.T) {
	server := NewServer(echoSchema(), nil)
	var conns []Conn
	var clients []*Client
	for i := 0; i < 2; i++ {
		dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
			server.AcceptConn(ctx, conn)
		})
		c := NewClient(dialer, nil)
		clients = append(clients, c)
		t.Cleanup(func() { c.Close() })
	}
	t.Cleanup(func() { server.Close() })

	// Wait for both clients to become ready and register their server-side
	// connections before pushing.
	time.Sleep(50 * time.Millisecond)
	// Order conns like clients: in-memory pairs are named "mem-N-client" /
	// "mem-N-server", so conns[i] is the server end of clients[i].
	server.mu.Lock()
	for _, cl := range clients {
		cl.mu.Lock()
		clientConn := cl.conn
		cl.mu.Unlock()
		if clientConn == nil {
			continue
		}
		serverID := strings.TrimSuffix(clientConn.ID(), "-client") + "-server"
		if c, ok := server.conns[serverID]; ok {
			conns = append(conns, c)
		}
	}
	server.mu.Unlock()
	if len(conns) != 2 {
		t.Fatalf("server has %d registered conns, want 2", len(conns))
	}

	events0, cancel0 := clients[0].Events()
	defer cancel0()
	events1, cancel1 := clients[1].Events()
	defer cancel1()

	ctx := context.Background()
	server.Push(ctx, "foo", nil, nil)          // broadcast
	server.Push(ctx, "foo", nil, conns[0])     // unicast to client 0
	server.Push(ctx, "foo", nil, []Conn{conns[0], conns[1]}) // both

	count0, count1 := countPushEvents(events0, "foo", 300*time.Millisecond),
		countPushEvents(events1, "foo", 300*time.Millisecond)
	if count0 != 3 {
		t.Fatalf("client0 received %d foo events, want 3", count0)
	}
	if count1 != 2 {
		t.Fatalf("client1 received %d foo events, want 2", count1)
	}
}

func TestServer_ClosesConnOnReadError(t *testing.T) {
	server := NewServer(echoSchema(), nil)
	dialer := NewInMemoryDialer(func(ctx context.Context, conn Conn) {
		server.AcceptConn(ctx, conn)
	})
	client := NewClient(dialer, nil)
	t.Cleanup(func() { client.Close() })
	t.Cleanup(func() { server.Close() })

	serverEvents, cancel := server.Events()
	defer cancel()

	time.Sleep(50 * time.Millisecond) // let the connection register

	server.mu.Lock()
	var serverConn Conn
	for _, c := range server.conns {
		serverConn = c
	}
	server.mu.Unlock()
	if serverConn == nil {
		t.Fatal("server has no registered connection")
	}

	client.mu.Lock()
	clientConn := client.conn
	client.mu.Unlock()
	clientConn.Close(CloseAbnormal)

	waitForEvent(t, serverEvents, EventError, time.Second)
	waitForEvent(t, serverEvents, EventTerminated, time.Second)

	if serverConn.State() != StateClosed {
		t.Fatalf("server-side conn State() = %v, want StateClosed", serverConn.State())
	}
}

func countPushEvents(events <-chan Event, name string, wait time.Duration) int {
	deadline := time.After(wait)
	count := 0
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventPush {
				if pe, ok := ev.Data.(PushEvent); ok && pe.Name == name {
					count++
				}
			}
		case <-deadline:
			return count
		}
	}
}
