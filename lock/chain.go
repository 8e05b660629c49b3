package lock

import "context"

// ChainLocker nests lockers: the first (local) is acquired before the
// second (cluster), giving contending goroutines an in-process fast path
// before they touch the network. fn receives the innermost fence, which is
// the cluster-wide one.
type ChainLocker struct {
	outer Locker
	inner Locker
}

func Chain(outer, inner Locker) *ChainLocker {
	return &ChainLocker{outer: outer, inner: inner}
}

func (c *ChainLocker) WithLock(ctx context.Context, key string, fn Fn) error {
	return c.outer.WithLock(ctx, key, func(ctx context.Context, _ uint64) error {
		return c.inner.WithLock(ctx, key, fn)
	})
}

var _ Locker = (*ChainLocker)(nil)
