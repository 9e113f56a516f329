// Package ratelimit implements the fixed-window admission gate shared by the
// API routes and the outbound registrar calls.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a single check-and-increment.
type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Store increments the counter for key inside the current window and reports
// whether the caller is admitted. The check and the increment are one atomic step.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

func result(count, limit int, ttl time.Duration) Result {
	res := Result{Count: count, Limit: limit, Allowed: count <= limit}
	if res.Allowed {
		res.Remaining = limit - count
		return res
	}
	res.RetryAfter = ttl
	return res
}
