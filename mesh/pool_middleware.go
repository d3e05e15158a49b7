// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"

	"github.com/taskmesh/taskmesh/pool"
)

// PoolMiddleware funnels every request through p, so the handler itself
// stays unaware of concurrency limiting. A request that cannot be
// admitted or queued fails synchronously with ErrQueueFull (spec.md
// section 4.2/4.4), short-circuiting the rest of the chain.
func PoolMiddleware(p *pool.Pool) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			val, err := pool.Run(ctx, p, func(ctx context.Context) (any, error) {
				return next(ctx, req)
			})
			if err == pool.ErrQueueFull {
				return nil, ErrQueueFull
			}
			return val, err
		}
	}
}
