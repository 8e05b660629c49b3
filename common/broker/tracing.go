package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// AMQP messages carry no automatic trace propagation the way HTTP does, so
// the W3C trace context rides in the message headers.

// InjectTraceContext returns AMQP headers carrying the current trace context.
func InjectTraceContext(ctx context.Context) amqp.Table {
	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, &amqpHeadersCarrier{headers: headers})
	return headers
}

// ExtractTraceContext resumes the trace carried in AMQP message headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &amqpHeadersCarrier{headers: headers})
}

// amqpHeadersCarrier adapts amqp.Table to the TextMapCarrier interface.
type amqpHeadersCarrier struct {
	headers amqp.Table
}

func (c *amqpHeadersCarrier) Get(key string) string {
	if val, ok := c.headers[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func (c *amqpHeadersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *amqpHeadersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
