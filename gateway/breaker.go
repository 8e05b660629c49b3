package main

import (
	"sync"
	"time"
)

// BreakerConfig tunes one route's circuit breaker.
type BreakerConfig struct {
	Window         int
	MinCalls       int
	FailurePct     int
	OpenFor        time.Duration
	HalfOpenProbes int
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a per-route circuit breaker over a sliding window of call
// outcomes. It trips when the failure ratio reaches FailurePct with at
// least MinCalls in the window, stays open for OpenFor, then admits
// HalfOpenProbes probe calls: one failed probe reopens, a full set of
// successes closes the circuit and clears the window.
type Breaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(state breakerState)

	mu       sync.Mutex
	state    breakerState
	outcomes []bool // ring of failures, true = failed call
	size     int
	idx      int
	failures int
	openedAt time.Time
	probes   int // probes admitted while half-open
	probeOKs int
}

func NewBreaker(cfg BreakerConfig, onChange func(state breakerState)) *Breaker {
	if onChange == nil {
		onChange = func(breakerState) {}
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		outcomes: make([]bool, cfg.Window),
	}
}

// Allow reports whether a call may be dispatched right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.transition(breakerHalfOpen)
		b.probes = 1
		b.probeOKs = 0
		return true
	default: // half-open
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	}
}

// Record feeds one call outcome back into the window.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.push(failed)
		if b.size >= b.cfg.MinCalls && b.failures*100 >= b.cfg.FailurePct*b.size {
			b.openedAt = b.now()
			b.transition(breakerOpen)
		}
	case breakerHalfOpen:
		if failed {
			b.openedAt = b.now()
			b.transition(breakerOpen)
			return
		}
		b.probeOKs++
		if b.probeOKs >= b.cfg.HalfOpenProbes {
			b.reset()
			b.transition(breakerClosed)
		}
	case breakerOpen:
		// A call admitted just before the trip finished late; the window
		// was already cleared, nothing to record.
	}
}

// State returns the current state for logging and metrics.
func (b *Breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) push(failed bool) {
	if b.size == len(b.outcomes) {
		if b.outcomes[b.idx] {
			b.failures--
		}
	} else {
		b.size++
	}
	b.outcomes[b.idx] = failed
	if failed {
		b.failures++
	}
	b.idx = (b.idx + 1) % len(b.outcomes)
}

func (b *Breaker) reset() {
	b.size = 0
	b.idx = 0
	b.failures = 0
	b.probes = 0
	b.probeOKs = 0
}

func (b *Breaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if to == breakerOpen {
		b.reset()
	}
	b.onChange(to)
}
