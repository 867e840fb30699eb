// Package store abstracts the shared coordination store used by the replay
// guard, the sliding-window rate limiter, and the circuit breaker. The
// production implementation is Redis; an in-memory implementation backs
// tests and single-node deployments.
package store

import (
	"context"
	"time"
)

// Store is the subset of KV + ordered-set + TTL operations the gateway
// relies on. Implementations must be safe for concurrent use and must
// serialize operations per key.
type Store interface {
	// ZAdd adds member to the ordered set at key with the given score.
	ZAdd(ctx context.Context, key, member string, score int64) error
	// ZRemoveRangeByScore removes members whose score lies in [min, max].
	ZRemoveRangeByScore(ctx context.Context, key string, min, max int64) error
	// ZCount counts members whose score lies in [min, max].
	ZCount(ctx context.Context, key string, min, max int64) (int64, error)

	// Get returns the value at key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key is absent, returning whether
	// the write happened. The TTL applies only on a successful write.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
