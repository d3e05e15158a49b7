// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command taskmesh-server runs a demo taskmesh server exposing an ADD task
// type over WebSocket, plus the HTTP one-shot variant and healthcheck
// sidecar on the same listener.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/mesh"
	"github.com/taskmesh/taskmesh/pool"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	maxConcurrent := flag.Int("max-concurrent", 16, "ConcurrencyPool: max in-flight requests")
	maxQueued := flag.Int("max-queued", 64, "ConcurrencyPool: max queued waiters")
	rps := flag.Float64("rate", 50, "RateLimiterMiddleware: requests/sec")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	schema := mesh.Schema{
		"ADD": func(ctx context.Context, payload []byte) (any, error) {
			var args struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			}
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, err
			}
			return args.X + args.Y, nil
		},
	}

	server := mesh.NewServer(schema, &mesh.ServerOptions{
		Logger: logger,
		Healthcheck: func(ctx context.Context) (any, error) {
			return map[string]any{"status": "ok"}, nil
		},
	})

	requestPool := pool.New(*maxConcurrent, *maxQueued)
	server.Use(mesh.PoolMiddleware(requestPool))
	server.Use(mesh.RateLimiterMiddleware(rate.NewLimiter(rate.Limit(*rps), int(*rps))))
	server.Use(mesh.LoggingMiddleware(logger))

	mux := http.NewServeMux()
	mux.Handle("/rpc", mesh.NewWebSocketServerTransport(server))
	mux.Handle("/", mesh.NewHTTPHandler(server))

	go logEvents(logger, server)

	logger.Info("taskmesh-server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func logEvents(logger *slog.Logger, server *mesh.Server) {
	events, cancel := server.Events()
	defer cancel()
	for ev := range events {
		logger.Debug("server event", "kind", ev.Kind)
	}
}
