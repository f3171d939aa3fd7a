/**
 * @description
 * This package adapts RabbitMQ to the pull-style refund event queue contract
 * the reconciliation engine drains: fetch a bounded batch, delete each
 * message only after it was processed, release everything else so another
 * consumer can pick it up.
 *
 * @notes
 * - Delete maps to basic.ack and Release to basic.nack with requeue. A
 *   released (or never-acked) message becomes visible to other consumers
 *   again, which is the broker-side equivalent of a visibility timeout
 *   lapsing.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/playverse/clawback-service/internal/domain"
)

// RefundEventQueue holds the RabbitMQ connection and channel used to drain
// refund event messages.
type RefundEventQueue struct {
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewRefundEventQueue connects to RabbitMQ and declares the durable refund
// event queue.
func NewRefundEventQueue(amqpURL, queueName string) (*RefundEventQueue, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RefundEventQueue{conn: conn, channel: ch, queueName: queueName}, nil
}

// Fetch pulls up to max refund events off the queue without acknowledging
// them. Messages with unparsable bodies are acked in place and dropped; they
// would poison every future fetch otherwise.
func (q *RefundEventQueue) Fetch(ctx context.Context, max int) ([]domain.RefundEvent, error) {
	if max <= 0 {
		max = 1
	}

	var events []domain.RefundEvent
	for len(events) < max {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		delivery, ok, err := q.channel.Get(q.queueName, false)
		if err != nil {
			return events, err
		}
		if !ok {
			break
		}

		var event domain.RefundEvent
		if err := json.Unmarshal(delivery.Body, &event); err != nil {
			log.Printf("level=warn component=refund_queue msg=\"dropping unparsable refund event\" delivery_tag=%d err=%v", delivery.DeliveryTag, err)
			_ = delivery.Ack(false)
			continue
		}
		if event.MessageID == "" {
			event.MessageID = delivery.MessageId
		}
		event.DeliveryTag = delivery.DeliveryTag
		events = append(events, event)
	}

	return events, nil
}

// Delete acknowledges a processed refund event, removing it from the queue.
func (q *RefundEventQueue) Delete(ctx context.Context, event domain.RefundEvent) error {
	return q.channel.Ack(event.DeliveryTag, false)
}

// Release returns an unprocessed refund event to the queue for redelivery.
// Used for wrong-sandbox messages and per-message processing failures.
func (q *RefundEventQueue) Release(ctx context.Context, event domain.RefundEvent) error {
	return q.channel.Nack(event.DeliveryTag, false, true)
}

// Close tears down the channel and connection.
func (q *RefundEventQueue) Close() {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
