// Package statestore provides the shared coordination state for the
// gateway: counters, rate-limit windows, latency samples, budget spend,
// and pub/sub. A Redis-backed implementation serves multi-instance
// deployments; a process-local implementation serves single instances
// and acts as the degraded fallback when Redis is unreachable.
package statestore

import (
	"context"
	"time"
)

// WindowResult is the outcome of a fixed-window counter increment.
type WindowResult struct {
	// WindowStart is the unix second the current window opened.
	WindowStart int64
	// Count is the counter value after the increment.
	Count int64
}

// WindowOp names one window/counter pair for a batched increment.
type WindowOp struct {
	// Identity groups the window and counter keys, e.g. "key:model".
	// Redis hash-tags the identity so both keys land on one node.
	Identity string
	// Kind distinguishes counters sharing an identity (rpm, tpm).
	Kind string
	// Increment is added to the counter (1 for requests, token count
	// for provisional TPM debits).
	Increment int64
	// Limit caps the counter for WindowAdmit; <= 0 means unlimited.
	// WindowIncr ignores it.
	Limit int64
}

// WindowDecision is the outcome of an all-or-nothing WindowAdmit batch.
type WindowDecision struct {
	// Allowed reports whether every op fit under its limit. When false
	// no counter in the batch was incremented.
	Allowed bool
	// FailedIndex is the index of the first op over its limit, or -1.
	FailedIndex int
	// Results holds one entry per op: post-increment counts when
	// allowed, untouched counts when rejected.
	Results []WindowResult
}

// Store is the coordination state interface. Implementations must make
// each method atomic with respect to concurrent callers.
type Store interface {
	// Get returns the value for key, or nil with no error on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// SetEx stores value with a TTL.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to an integer counter, applying ttl
	// when the key is created.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrByFloat atomically adds delta to a float counter, applying
	// ttl when the key is created.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// WindowIncr atomically advances fixed windows and increments their
	// counters in a single transaction. All ops share windowSize.
	// Limits are not checked; use WindowAdmit for admission.
	WindowIncr(ctx context.Context, ops []WindowOp, windowSize time.Duration) ([]WindowResult, error)
	// WindowAdmit checks every op against its Limit and commits the
	// increments only when all fit, in a single transaction. A rejected
	// batch leaves every counter untouched.
	WindowAdmit(ctx context.Context, ops []WindowOp, windowSize time.Duration) (*WindowDecision, error)
	// CounterAdd adjusts a window counter without touching its window,
	// used for post-response token corrections.
	CounterAdd(ctx context.Context, identity, kind string, delta int64) error

	// RecordLatency appends a latency sample to a time-scored window.
	RecordLatency(ctx context.Context, key string, at time.Time, latencyMs float64, ttl time.Duration) error
	// LatenciesSince returns samples recorded at or after since,
	// discarding older samples.
	LatenciesSince(ctx context.Context, key string, since time.Time) ([]float64, error)

	// Publish sends payload to channel subscribers, best effort.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a receive channel and a cancel func.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Ping reports backend health.
	Ping(ctx context.Context) error
	Close() error
}
