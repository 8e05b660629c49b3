package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/velocart/platform/common/events"
)

// AMQPBus is the RabbitMQ-backed event bus.
type AMQPBus struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	logger      *slog.Logger
	budget      time.Duration // per-message processing budget
	deadLetters prometheus.Counter
}

// AMQPOptions tunes the bus; zero values fall back to defaults.
type AMQPOptions struct {
	// MessageBudget bounds handler execution per delivery; expired handlers
	// are nacked toward the DLQ path. Default 30s.
	MessageBudget time.Duration
	// DeadLetterCounter, when set, counts messages routed to a DLQ.
	DeadLetterCounter prometheus.Counter
}

// ConnectAMQP dials RabbitMQ and declares the full topic/DLQ topology.
func ConnectAMQP(user, pass, host, port string, logger *slog.Logger, opts AMQPOptions) (*AMQPBus, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	budget := opts.MessageBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}

	return &AMQPBus{
		conn:        conn,
		ch:          ch,
		logger:      logger,
		budget:      budget,
		deadLetters: opts.DeadLetterCounter,
	}, nil
}

// declareTopology creates the DLX, per-topic exchanges and per-topic DLQs.
// Exchanges must exist before queues bind to them, so this runs once at
// connect time for every service.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, topic := range events.Topics {
		if err := ch.ExchangeDeclare(topic, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
		}

		dlq := topic + events.DLQSuffix
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}
		// DLX routes by the original topic name.
		if err := ch.QueueBind(dlq, topic, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
		}
	}
	return nil
}

// Publish emits the event on its topic exchange with trace context injected
// into the AMQP headers.
func (b *AMQPBus) Publish(ctx context.Context, e events.Event) error {
	body, err := events.Marshal(e)
	if err != nil {
		return err
	}

	headers := InjectTraceContext(ctx)
	headers["x-event-id"] = e.Meta().EventID

	return b.ch.PublishWithContext(ctx,
		e.Topic(), // exchange
		"",        // routing key: direct exchange with default binding
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    e.Meta().EventID,
			Timestamp:    e.Meta().Timestamp,
		},
	)
}

// Subscribe declares a durable queue bound to topic and consumes it until
// ctx is cancelled. Failed deliveries are retried with backoff up to
// MaxRetryCount, then dead-lettered with error headers.
func (b *AMQPBus) Subscribe(ctx context.Context, topic, queue string, h Handler) error {
	q, err := b.ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DLX,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := b.ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, topic, err)
	}

	msgs, err := b.ch.Consume(
		q.Name,
		"",    // consumer tag
		false, // manual ack; required for the DLQ path
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				b.handleDelivery(ctx, topic, d, h)
			}
		}
	}()

	return nil
}

func (b *AMQPBus) handleDelivery(ctx context.Context, topic string, d amqp.Delivery, h Handler) {
	msgCtx := ExtractTraceContext(ctx, d.Headers)
	msgCtx, cancel := context.WithTimeout(msgCtx, b.budget)
	defer cancel()

	e, err := events.Unmarshal(d.Body)
	if err != nil {
		// Undecodable payloads can never succeed; dead-letter immediately.
		b.logger.Error("dropping undecodable message",
			slog.String("topic", topic), slog.Any("error", err))
		b.deadLetter(topic, d, err)
		return
	}

	msgCtx, span := otel.Tracer("broker").Start(msgCtx, "consume "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer))
	err = h(msgCtx, e)
	span.End()
	if err != nil {
		b.retryOrDeadLetter(topic, d, err)
		return
	}

	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack message", slog.Any("error", err))
	}
}

// retryOrDeadLetter republishes the delivery to its queue with an
// incremented retry counter, or dead-letters it once the budget is spent.
func (b *AMQPBus) retryOrDeadLetter(topic string, d amqp.Delivery, cause error) {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	retryCount, _ := d.Headers["x-retry-count"].(int64)
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		b.logger.Warn("max retries reached, dead-lettering",
			slog.String("topic", topic),
			slog.Int64("retries", retryCount),
			slog.Any("error", cause))
		b.deadLetter(topic, d, cause)
		return
	}

	// Exponential backoff between redeliveries gives the failing
	// dependency time to recover.
	time.Sleep(time.Duration(retryCount) * time.Second)

	err := b.ch.PublishWithContext(context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
		},
	)
	if err != nil {
		b.logger.Error("failed to republish for retry", slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// deadLetter publishes the message to the DLX with diagnostic headers and
// acks the original so the DLQ copy carries the error context.
func (b *AMQPBus) deadLetter(topic string, d amqp.Delivery, cause error) {
	if b.deadLetters != nil {
		b.deadLetters.Inc()
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-original-topic"] = topic
	headers["x-failed-at"] = time.Now().UTC().Format(time.RFC3339)
	if cause != nil {
		headers["x-error-message"] = cause.Error()
		headers["x-error-class"] = fmt.Sprintf("%T", cause)
	}

	err := b.ch.PublishWithContext(context.Background(),
		DLX,
		topic, // DLQ binding key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
		},
	)
	if err != nil {
		b.logger.Error("failed to publish to DLX", slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQPBus) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

var _ EventBus = (*AMQPBus)(nil)
