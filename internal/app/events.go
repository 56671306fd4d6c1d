package app

import (
	"context"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/pkg/rabbitmq"
)

// RoutingKeyPrefix prefixes the routing key of every domain event on the topic exchange.
const RoutingKeyPrefix = "payments."

// RedriveRoutingKey carries operator re-drive commands on the same exchange.
const RedriveRoutingKey = "payments.webhook.redrive"

// RabbitEventPublisher publishes domain events to a RabbitMQ topic exchange with the
// routing key "payments.<type>", e.g. payments.transaction.succeeded.
type RabbitEventPublisher struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewRabbitEventPublisher(producer rabbitmq.Publisher, exchange string) *RabbitEventPublisher {
	return &RabbitEventPublisher{producer: producer, exchange: exchange}
}

func (p *RabbitEventPublisher) PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error {
	return p.producer.Publish(ctx, p.exchange, RoutingKeyPrefix+event.Type, event)
}

// KeyedPublisher is implemented by pkg/kafka.Producer.
type KeyedPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// KafkaEventPublisher publishes domain events keyed by entity id, so every change to one
// intent, transaction or refund lands on the same partition in order.
type KafkaEventPublisher struct {
	producer KeyedPublisher
}

func NewKafkaEventPublisher(producer KeyedPublisher) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer}
}

func (p *KafkaEventPublisher) PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error {
	return p.producer.Publish(ctx, event.EntityID.String(), event)
}
