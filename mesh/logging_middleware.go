// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs method start/completion/failure with duration,
// adapted from the teacher's examples/logging-middleware pattern to
// taskmesh's untyped Request/reply shape.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			connID := ""
			if req.Conn != nil {
				connID = req.Conn.ID()
			}

			logger.Debug("request started",
				"type", req.Type,
				"id", req.ID,
				"conn", connID,
			)

			val, err := next(ctx, req)

			duration := time.Since(start)
			if err != nil {
				logger.Error("request failed",
					"type", req.Type,
					"id", req.ID,
					"conn", connID,
					"duration_ms", duration.Milliseconds(),
					"error", err.Error(),
				)
			} else {
				logger.Info("request completed",
					"type", req.Type,
					"id", req.ID,
					"conn", connID,
					"duration_ms", duration.Milliseconds(),
				)
			}
			return val, err
		}
	}
}
