// Package lock provides named mutual exclusion with leases and fencing
// tokens. The local implementation serializes within one process; the
// Redis implementation extends the same contract across processes. Both
// are combined by the inventory service: local mutex first for the
// in-process fast path, then the cluster lock for cross-process safety.
package lock

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrLockAcquisition means the wait budget elapsed before the lock was
	// acquired. Callers translate it to HTTP 503 or a retry policy.
	ErrLockAcquisition = errors.New("lock acquisition failed within wait budget")
	// ErrLockLost means the lease could not be renewed while fn ran; fn's
	// result has been discarded.
	ErrLockLost = errors.New("lock lost during execution")
)

// Fn runs inside the critical section. fence is an opaque token that
// increases monotonically per key; downstream writes may include it so
// stale holders are rejected.
type Fn func(ctx context.Context, fence uint64) error

// Locker is the mutual-exclusion contract. At most one holder per key at a
// time. The ctx passed to fn is cancelled if the lease is lost.
type Locker interface {
	WithLock(ctx context.Context, key string, fn Fn) error
}

// WithLockAll acquires every key in sorted order, runs fn, and releases in
// reverse. Sorted acquisition is the deadlock-avoidance rule for callers
// holding multiple keys; fn receives the fence of the innermost key.
func WithLockAll(ctx context.Context, l Locker, keys []string, fn Fn) error {
	if len(keys) == 0 {
		return fn(ctx, 0)
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return lockNext(ctx, l, sorted, fn)
}

func lockNext(ctx context.Context, l Locker, keys []string, fn Fn) error {
	if len(keys) == 1 {
		return l.WithLock(ctx, keys[0], fn)
	}
	return l.WithLock(ctx, keys[0], func(ctx context.Context, _ uint64) error {
		return lockNext(ctx, l, keys[1:], fn)
	})
}
