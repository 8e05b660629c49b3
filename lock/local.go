package lock

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LocalLocker is the in-process keyed mutex registry. Only the registry map
// is synchronized here; business state is never guarded by this package.
// Leases do not apply in-process, so fn's context is never cancelled by the
// locker itself and the lock cannot be lost mid-flight.
//
// Registry entries persist for the life of the process; key cardinality is
// bounded by the product catalog.
type LocalLocker struct {
	mu         sync.Mutex
	keys       map[string]*localKey
	waitBudget time.Duration
	fair       bool
}

type localKey struct {
	held    bool
	fence   uint64
	waiters *list.List // of chan struct{}
}

// LocalOptions tunes the local locker.
type LocalOptions struct {
	// WaitBudget bounds acquisition; default 3s.
	WaitBudget time.Duration
	// Fair hands the lock to waiters in strict FIFO order via direct
	// handover. Non-fair (the default) wakes the head waiter but lets a
	// fresh caller barge in; losers re-queue, keeping contention FIFO-ish.
	Fair bool
}

func NewLocalLocker(opts LocalOptions) *LocalLocker {
	budget := opts.WaitBudget
	if budget <= 0 {
		budget = 3 * time.Second
	}
	return &LocalLocker{
		keys:       map[string]*localKey{},
		waitBudget: budget,
		fair:       opts.Fair,
	}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn Fn) error {
	fence, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(key)
	return fn(ctx, fence)
}

func (l *LocalLocker) acquire(ctx context.Context, key string) (uint64, error) {
	deadline := time.NewTimer(l.waitBudget)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		k, ok := l.keys[key]
		if !ok {
			k = &localKey{waiters: list.New()}
			l.keys[key] = k
		}
		if !k.held {
			k.held = true
			k.fence++
			fence := k.fence
			l.mu.Unlock()
			return fence, nil
		}

		wake := make(chan struct{})
		elem := k.waiters.PushBack(wake)
		l.mu.Unlock()

		select {
		case <-wake:
			if l.fair {
				// Direct handover: the releaser kept held=true for us.
				l.mu.Lock()
				k.fence++
				fence := k.fence
				l.mu.Unlock()
				return fence, nil
			}
			// Non-fair: the lock was freed; loop and compete for it.
			continue

		case <-ctx.Done():
			if !l.forget(k, elem) {
				l.settleAbandonedWake(key, k)
			}
			return 0, ctx.Err()

		case <-deadline.C:
			if !l.forget(k, elem) {
				l.settleAbandonedWake(key, k)
			}
			return 0, ErrLockAcquisition
		}
	}
}

// forget removes our waiter entry; false means the releaser already
// dequeued us and the wake fired (or is about to).
func (l *LocalLocker) forget(k *localKey, elem *list.Element) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e := k.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			k.waiters.Remove(e)
			return true
		}
	}
	return false
}

// settleAbandonedWake handles a wake that raced our timeout: in fair mode
// we were handed the lock and must release it; in non-fair mode the lock
// was freed for us and the next waiter must be woken instead.
func (l *LocalLocker) settleAbandonedWake(key string, k *localKey) {
	if l.fair {
		l.release(key)
		return
	}
	l.mu.Lock()
	if !k.held {
		if front := k.waiters.Front(); front != nil {
			wake := k.waiters.Remove(front).(chan struct{})
			l.mu.Unlock()
			close(wake)
			return
		}
	}
	l.mu.Unlock()
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	k := l.keys[key]
	if k == nil || !k.held {
		l.mu.Unlock()
		return
	}
	if front := k.waiters.Front(); front != nil {
		wake := k.waiters.Remove(front).(chan struct{})
		if !l.fair {
			k.held = false
		}
		l.mu.Unlock()
		close(wake)
		return
	}
	k.held = false
	l.mu.Unlock()
}

var _ Locker = (*LocalLocker)(nil)
