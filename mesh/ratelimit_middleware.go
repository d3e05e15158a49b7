// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when RateLimiterMiddleware's token bucket
// cannot grant a token before ctx's deadline (or cannot grant one at all,
// e.g. with a zero burst). Without a deadline, the middleware waits.
var ErrRateLimited = &Error{Code: "RATE_LIMITED", Message: "rate limit exceeded"}

// RateLimiterMiddleware composes a token-bucket throttle (x/time/rate)
// into the MiddlewareChain, ahead of or behind a ConcurrencyPool as the
// caller prefers. Unlike ConcurrencyPool (which bounds how much work runs
// at once), this bounds how often new work may start.
func RateLimiterMiddleware(limiter *rate.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
