// Package rpcutil provides the remote-call utilities shared by every package
// that makes a node-to-node or client-to-node call: reachability probes,
// bounded retry with backoff, and a small set of named error kinds.
//
// The actual wire transport (HTTP via Gin) lives in internal/transport/httprpc
// and is treated as an external RPC facility; this package is the policy
// layer above it — typed remote calls with declared failure kinds.
//
// Grounded on the retry/backoff shape of distributed-kvstore's
// internal/cluster/replicator.go (sendReplicateRequest) and the now-deleted
// internal/cluster/replication.go (replicateWithRetryAndResponse) — see
// DESIGN.md for why the latter file itself was not kept.
package rpcutil

import "errors"

// Error kinds every RPC-calling package shares. These are sentinel errors
// rather than a class hierarchy, inspected with errors.Is, matching
// distributed-kvstore's client.ErrNotFound / APIError idiom
// (internal/client/client.go).
var (
	// ErrUnreachable: remote endpoint did not respond within T_req * N_retry.
	// Recovered locally by the caller — drop the endpoint and continue.
	ErrUnreachable = errors.New("rpcutil: remote endpoint unreachable")

	// ErrRingUnavailable: no live ring path could be found after the retry
	// budget. Surfaced to the caller.
	ErrRingUnavailable = errors.New("rpcutil: no live ring path available")

	// ErrUnknownFunction: a Follower reported a task tagged with a function
	// blob the Master does not recognise. Non-fatal.
	ErrUnknownFunction = errors.New("rpcutil: unrecognised map/reduce function")

	// ErrTaskFailed: user kernel code failed on a Follower.
	ErrTaskFailed = errors.New("rpcutil: task execution failed")

	// ErrJobFailed: a task exhausted its retry cap; the job as a whole fails.
	ErrJobFailed = errors.New("rpcutil: job failed after exhausting task retries")

	// ErrBusy: the request handler rejected a submission because a job is
	// already in progress.
	ErrBusy = errors.New("rpcutil: a job is already in progress")

	// ErrNameConflict marks normal contested-election operation in the naming
	// service; it is logged, never returned to an external caller.
	ErrNameConflict = errors.New("rpcutil: naming daemon contested, forwarding and stepping down")
)

// RemoteError wraps a lower-level transport error (HTTP status, connection
// refused, timeout) with the endpoint it came from, so callers can log which
// peer misbehaved without losing errors.Is compatibility with the sentinels
// above.
type RemoteError struct {
	Endpoint string
	Kind     error
	Cause    error
}

func (e *RemoteError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error() + ": " + e.Endpoint
	}
	return e.Kind.Error() + ": " + e.Endpoint + ": " + e.Cause.Error()
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// NewUnreachable builds a RemoteError of kind ErrUnreachable.
func NewUnreachable(endpoint string, cause error) error {
	return &RemoteError{Endpoint: endpoint, Kind: ErrUnreachable, Cause: cause}
}
