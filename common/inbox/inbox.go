// Package inbox implements consumer-side idempotency: a sliding window of
// processed event ids. Duplicate events are acknowledged without effect.
package inbox

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Inbox remembers processed event ids for a retention window. The window
// must cover at least the reservation TTL plus the retry budget so a
// redelivered event always finds its first processing recorded.
type Inbox struct {
	seen *expirable.LRU[string, struct{}]
}

// New builds an inbox. retention bounds how long ids are remembered,
// capacity bounds memory; the LRU evicts oldest first when full.
func New(retention time.Duration, capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Inbox{
		seen: expirable.NewLRU[string, struct{}](capacity, nil, retention),
	}
}

// MarkProcessed records eventID and reports whether it was seen for the
// first time. A false return means the event is a duplicate and its side
// effects must be skipped.
func (i *Inbox) MarkProcessed(eventID string) bool {
	if _, dup := i.seen.Get(eventID); dup {
		return false
	}
	i.seen.Add(eventID, struct{}{})
	return true
}

// Seen reports whether eventID is in the window without recording it.
func (i *Inbox) Seen(eventID string) bool {
	_, ok := i.seen.Get(eventID)
	return ok
}
