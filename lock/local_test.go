package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesPerKey(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: 5 * time.Second})
	ctx := context.Background()

	var inSection atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "product:p-1", func(ctx context.Context, fence uint64) error {
				cur := inSection.Add(1)
				if cur > maxSeen.Load() {
					maxSeen.Store(cur)
				}
				time.Sleep(time.Millisecond)
				inSection.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "at most one holder per key")
}

func TestDifferentKeysProceedInParallel(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: time.Second})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "product:a", func(ctx context.Context, _ uint64) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(ctx, "product:b", func(ctx context.Context, _ uint64) error { return nil })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("independent key blocked behind unrelated holder")
	}
	close(release)
}

func TestWaitBudgetExpires(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: 50 * time.Millisecond})
	ctx := context.Background()

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "k", func(ctx context.Context, _ uint64) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	err := l.WithLock(ctx, "k", func(ctx context.Context, _ uint64) error { return nil })
	assert.ErrorIs(t, err, ErrLockAcquisition)
	close(hold)
}

func TestContextCancelAbortsWait(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: 5 * time.Second})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context, _ uint64) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := l.WithLock(ctx, "k", func(ctx context.Context, _ uint64) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(hold)
}

func TestFencingTokensIncreaseMonotonically(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: time.Second})
	ctx := context.Background()

	var fences []uint64
	for i := 0; i < 5; i++ {
		err := l.WithLock(ctx, "k", func(ctx context.Context, fence uint64) error {
			fences = append(fences, fence)
			return nil
		})
		require.NoError(t, err)
	}
	for i := 1; i < len(fences); i++ {
		assert.Greater(t, fences[i], fences[i-1])
	}
}

func TestFairModeHandsOverInOrder(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: 5 * time.Second, Fair: true})
	ctx := context.Background()

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "k", func(ctx context.Context, _ uint64) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger arrivals so queue order is deterministic.
			time.Sleep(time.Duration(i*20) * time.Millisecond)
			_ = l.WithLock(ctx, "k", func(ctx context.Context, _ uint64) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
	}
	time.Sleep(150 * time.Millisecond)
	close(hold)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWithLockAllSortsKeys(t *testing.T) {
	l := NewLocalLocker(LocalOptions{WaitBudget: time.Second})
	ctx := context.Background()

	// Opposite-order multi-acquires must not deadlock because WithLockAll
	// imposes a total order.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		keys := []string{"a", "b"}
		if i%2 == 1 {
			keys = []string{"b", "a"}
		}
		go func(keys []string) {
			defer wg.Done()
			err := WithLockAll(ctx, l, keys, func(ctx context.Context, _ uint64) error {
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}(keys)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock in multi-key acquisition")
	}
}
