/**
 * @description
 * This file defines the Notifier abstraction the payout engine uses to emit
 * user-facing events (payout finalized, share paid, share failed). Delivery is
 * fire-and-forget: notification failures are logged by callers and never fail
 * the money movement that triggered them.
 *
 * @dependencies
 * - github.com/google/uuid: Entity identifiers carried in event payloads.
 * - pkg/rabbitmq: The AMQP producer events are published through.
 */

package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/pkg/rabbitmq"
)

// Notification event types published to the events exchange.
const (
	EventPayoutFinalized = "payout.finalized"
	EventPayoutSettled   = "payout.settled"
	EventSharePaid       = "payout.share.paid"
	EventShareFailed     = "payout.share.failed"
)

// Notifier publishes a user-facing event about a payout or a recipient share.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error
}

// notificationEvent is the payload shape consumed by the notification service.
type notificationEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	EventType   string    `json:"event_type"`
	ReferenceID uuid.UUID `json:"reference_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// RabbitMQNotifier publishes notification events to the events topic exchange,
// routed by event type.
type RabbitMQNotifier struct {
	producer rabbitmq.Publisher
	exchange string
}

// NewRabbitMQNotifier creates a Notifier backed by the given producer.
func NewRabbitMQNotifier(producer rabbitmq.Publisher, exchange string) *RabbitMQNotifier {
	return &RabbitMQNotifier{producer: producer, exchange: exchange}
}

func (n *RabbitMQNotifier) Notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error {
	event := notificationEvent{
		UserID:      userID,
		EventType:   eventType,
		ReferenceID: referenceID,
		Timestamp:   time.Now().UTC(),
	}
	return n.producer.Publish(ctx, n.exchange, eventType, event)
}

// NopNotifier discards every event. Used in tests and as a startup fallback.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error {
	return nil
}
