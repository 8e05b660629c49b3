package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:         10,
		MinCalls:       5,
		FailurePct:     50,
		OpenFor:        30 * time.Second,
		HalfOpenProbes: 3,
	}
}

func TestBreakerStaysClosedUnderMinCalls(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Record(true)
	}
	assert.Equal(t, breakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerTripsAtFailureRatio(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	// 6 failures out of 10 calls crosses the 50% line well before the
	// window fills; the trip fires as soon as both thresholds hold.
	outcomes := []bool{true, false, true, false, true, true}
	for _, failed := range outcomes {
		if b.State() == breakerOpen {
			break
		}
		require.True(t, b.Allow())
		b.Record(failed)
	}

	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow(), "open circuit rejects without dispatch")
}

func TestBreakerHalfOpenProbesCloseCircuit(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	require.Equal(t, breakerOpen, b.State())

	// Before the open period lapses nothing gets through.
	now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow(), "probe %d admitted", i+1)
		b.Record(false)
	}
	assert.Equal(t, breakerClosed, b.State())

	// A fourth caller is back to normal admission.
	assert.True(t, b.Allow())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	now = now.Add(31 * time.Second)

	require.True(t, b.Allow())
	b.Record(true)

	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow())

	// The reopened period starts from the failed probe.
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerProbeBudgetLimitsConcurrency(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
	}
	// All probes in flight, nothing decided yet.
	assert.False(t, b.Allow())
}

func TestBreakerWindowSlides(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	// Fill the window with successes, then add failures: the oldest
	// successes fall out, so 5 failures in the last 10 calls trip it.
	for i := 0; i < 10; i++ {
		b.Allow()
		b.Record(false)
	}
	for i := 0; i < 4; i++ {
		b.Allow()
		b.Record(true)
	}
	require.Equal(t, breakerClosed, b.State())

	b.Allow()
	b.Record(true)
	assert.Equal(t, breakerOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var states []breakerState
	b := NewBreaker(testBreakerConfig(), func(s breakerState) { states = append(states, s) })
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	now = now.Add(31 * time.Second)
	for i := 0; i < 3; i++ {
		b.Allow()
		b.Record(false)
	}

	assert.Equal(t, []breakerState{breakerOpen, breakerHalfOpen, breakerClosed}, states)
}
