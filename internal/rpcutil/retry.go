package rpcutil

import (
	"context"
	"time"
)

// Policy bundles the retry/backoff/timeout tunables every configurable
// remote call shares (request timeout, request retry count).
type Policy struct {
	Timeout    time.Duration // T_req
	MaxRetries int           // N_retry
}

// DefaultPolicy returns the standard defaults: 0.5s timeout, 5 retries.
func DefaultPolicy() Policy {
	return Policy{Timeout: 500 * time.Millisecond, MaxRetries: 5}
}

// Call runs fn up to p.MaxRetries times (at least once), sleeping p.Timeout between
// attempts, stopping early on success or on ctx cancellation. It returns the
// last error, wrapped as ErrUnreachable, if every attempt fails — mirroring
// distributed-kvstore's sendReplicateRequest retry loop, but with a fixed
// T_req backoff rather than an exponential one, since the ring protocol
// this package serves calls for a flat retry interval.
func Call(ctx context.Context, endpoint string, p Policy, fn func(context.Context) error) error {
	var lastErr error
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewUnreachable(endpoint, ctx.Err())
			case <-time.After(p.Timeout):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return NewUnreachable(endpoint, lastErr)
}

// Reachable performs a single liveness probe with one Timeout-bounded
// attempt; it never retries, since the whole point is a fast "is this peer
// alive right now" check used by stabilisation and dispatch to decide
// whether to evict a peer from a table.
func Reachable(ctx context.Context, p Policy, ping func(context.Context) error) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return ping(callCtx) == nil
}
