package main

import (
	"slices"
	"time"
)

// RetryConfig governs upstream retries. Only idempotent methods are ever
// retried, and only on the listed statuses (or a transport error).
type RetryConfig struct {
	Attempts     int
	FirstBackoff time.Duration
	MaxBackoff   time.Duration
	Factor       float64
	OnStatuses   []int
	OnMethods    []string
}

// RetriableMethod reports whether the request method may be replayed.
func (c RetryConfig) RetriableMethod(method string) bool {
	return slices.Contains(c.OnMethods, method)
}

// RetriableStatus reports whether the upstream status warrants another attempt.
func (c RetryConfig) RetriableStatus(status int) bool {
	return slices.Contains(c.OnStatuses, status)
}

// BackoffFor returns the wait before the given attempt (attempt 1 is the
// first retry), capped at MaxBackoff.
func (c RetryConfig) BackoffFor(attempt int) time.Duration {
	d := c.FirstBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Factor)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
