// Package broker connects services to the event bus. The AMQP
// implementation declares one direct exchange per contractual topic plus a
// shared dead-letter exchange with one DLQ per topic; the in-memory
// implementation backs tests and single-process runs.
package broker

import (
	"context"

	"github.com/velocart/platform/common/events"
)

// MaxRetryCount bounds redelivery before a message is dead-lettered.
const MaxRetryCount = 3

// DLX is the dead-letter exchange; it routes by original topic to the
// queue-specific "<topic>.dlq".
const DLX = "dlx"

// Handler processes one decoded event. Returning an error triggers the
// retry/dead-letter path; returning nil acknowledges the message.
type Handler func(ctx context.Context, e events.Event) error

// EventBus is the publish/subscribe seam between services.
type EventBus interface {
	// Publish encodes and emits the event on its topic.
	Publish(ctx context.Context, e events.Event) error
	// Subscribe binds queue to topic and runs h for every delivery until
	// ctx is cancelled. Competing consumers share a queue name.
	Subscribe(ctx context.Context, topic, queue string, h Handler) error
	Close() error
}
