package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds cluster-wide leases in Redis. Each key maps to a value
// unique to the holder; release and renewal compare that value so a stale
// holder can never free or extend someone else's lease. Fencing tokens come
// from a per-key INCR counter, monotonic across the cluster.
type RedisLocker struct {
	client     *redis.Client
	waitBudget time.Duration
	lease      time.Duration
	watchdog   bool
	prefix     string
}

// RedisOptions tunes the cluster locker.
type RedisOptions struct {
	// WaitBudget bounds acquisition; default 3s.
	WaitBudget time.Duration
	// Lease is the lock TTL; default 10s. The watchdog renews at lease/3.
	Lease time.Duration
	// WatchdogEnabled keeps the lease alive while fn runs. Default true in
	// NewRedisLocker; disable only for strictly short critical sections.
	WatchdogDisabled bool
	// Prefix namespaces lock keys; default "lock:".
	Prefix string
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lease only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

func NewRedisLocker(client *redis.Client, opts RedisOptions) *RedisLocker {
	waitBudget := opts.WaitBudget
	if waitBudget <= 0 {
		waitBudget = 3 * time.Second
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 10 * time.Second
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocker{
		client:     client,
		waitBudget: waitBudget,
		lease:      lease,
		watchdog:   !opts.WatchdogDisabled,
		prefix:     prefix,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn Fn) error {
	redisKey := l.prefix + key
	holder := uuid.NewString()

	fence, err := l.acquire(ctx, redisKey, holder)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(relCtx, l.client, []string{redisKey}, holder).Result()
	}()

	if !l.watchdog {
		return fn(ctx, fence)
	}

	// The watchdog renews at lease/3 while fn runs. If renewal keeps
	// failing for a full lease the lock must be presumed gone: fn's context
	// is cancelled and its result discarded.
	fnCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	lost := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		l.runWatchdog(fnCtx, redisKey, holder, func() {
			close(lost)
			cancelFn()
		})
	}()

	err = fn(fnCtx, fence)
	cancelFn()
	<-watchdogDone

	select {
	case <-lost:
		return ErrLockLost
	default:
		return err
	}
}

func (l *RedisLocker) acquire(ctx context.Context, redisKey, holder string) (uint64, error) {
	deadline := time.Now().Add(l.waitBudget)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, holder, l.lease).Result()
		if err != nil {
			return 0, fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			// Fence after acquisition: monotonic per key cluster-wide.
			fence, err := l.client.Incr(ctx, redisKey+":fence").Result()
			if err != nil {
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, _ = releaseScript.Run(relCtx, l.client, []string{redisKey}, holder).Result()
				cancel()
				return 0, fmt.Errorf("lock fence: %w", err)
			}
			return uint64(fence), nil
		}

		if time.Now().After(deadline) {
			return 0, ErrLockAcquisition
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// runWatchdog renews the lease until ctx is cancelled. onLost fires once
// renewals have failed for longer than a full lease.
func (l *RedisLocker) runWatchdog(ctx context.Context, redisKey, holder string, onLost func()) {
	interval := l.lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var failingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, interval)
			res, err := renewScript.Run(renewCtx, l.client, []string{redisKey}, holder, l.lease.Milliseconds()).Int()
			cancel()

			switch {
			case err == nil && res == 1:
				failingSince = time.Time{}
			case err == nil && res == 0:
				// Key gone or owned by someone else: the lease expired.
				onLost()
				return
			default:
				if errors.Is(err, context.Canceled) {
					return
				}
				if failingSince.IsZero() {
					failingSince = time.Now()
				}
				if time.Since(failingSince) >= l.lease {
					onLost()
					return
				}
			}
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
