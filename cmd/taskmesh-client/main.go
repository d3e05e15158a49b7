// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command taskmesh-client dials a taskmesh server and issues a single ADD
// request, demonstrating the ClientCoordinator over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/taskmesh/taskmesh/mesh"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/rpc", "server WebSocket URL")
	x := flag.Float64("x", 3, "first ADD operand")
	y := flag.Float64("y", 5, "second ADD operand")
	timeout := flag.Duration("timeout", 10*time.Second, "per-attempt dispatch timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	client := mesh.NewClient(&mesh.WebSocketClientTransport{URL: *url}, &mesh.ClientOptions{
		Logger:  logger,
		Timeout: *timeout,
	})
	defer client.Close()

	go logEvents(logger, client)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := client.Dispatch(ctx, "ADD", map[string]float64{"x": *x, "y": *y})
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("ADD(%v, %v) = %s\n", *x, *y, payload)
}

func logEvents(logger *slog.Logger, client *mesh.Client) {
	events, cancel := client.Events()
	defer cancel()
	for ev := range events {
		logger.Debug("client event", "kind", ev.Kind)
	}
}
