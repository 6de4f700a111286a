// Package state defines the router's usage-tracking contract and its two
// interchangeable implementations: an in-process backend for a single
// instance and a Redis-backed backend for a fleet of instances that must
// agree on provider quota consumption.
package state

import (
	"context"
	"time"
)

// Sample is a single usage observation: tokens consumed at a point in
// time. It is the unit both the in-process and shared-store windows
// purge and aggregate over.
type Sample struct {
	Timestamp time.Time
	Tokens    int
}

// Backend stores per-provider sliding-window usage samples and
// session-affinity bindings. All operations are safe under concurrent
// callers and may suspend (network I/O for the Redis implementation).
type Backend interface {
	// RecordRequest appends a sample (now, tokens) to the provider's
	// window.
	RecordRequest(ctx context.Context, provider string, tokens int, window time.Duration) error

	// GetUsage returns the count and token-sum of samples whose
	// timestamp lies within [now-window, now]. Stale samples are purged
	// before or during the call.
	GetUsage(ctx context.Context, provider string, window time.Duration) (rpm, tpm int, err error)

	// GetSessionProvider returns the provider bound to a session, or ok
	// == false if no unexpired binding exists.
	GetSessionProvider(ctx context.Context, sessionID string) (provider string, ok bool, err error)

	// SetSessionProvider binds a session to a provider for ttl.
	SetSessionProvider(ctx context.Context, sessionID, provider string, ttl time.Duration) error

	// Close releases any underlying resources.
	Close() error
}

// ErrUnavailable is returned by a Backend when it cannot serve a request
// due to an infrastructure fault (e.g. a Redis network error). The Router
// treats this as the provider being unusable for this request, not as
// quota exhaustion.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return "state backend unavailable: " + e.Op + ": " + e.Err.Error()
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }
