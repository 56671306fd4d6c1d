package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"go.uber.org/zap"
)

type capturedPublish struct {
	exchange   string
	routingKey string
	key        string
	body       interface{}
}

type fakeRabbitProducer struct {
	published []capturedPublish
}

func (p *fakeRabbitProducer) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, capturedPublish{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *fakeRabbitProducer) Close() {}

type fakeKeyedProducer struct {
	published []capturedPublish
}

func (p *fakeKeyedProducer) Publish(_ context.Context, key string, value interface{}) error {
	p.published = append(p.published, capturedPublish{key: key, body: value})
	return nil
}

func TestRabbitEventPublisherRoutingKey(t *testing.T) {
	producer := &fakeRabbitProducer{}
	publisher := NewRabbitEventPublisher(producer, "payments_exchange")

	event := domain.PaymentEvent{ID: uuid.New(), Type: "transaction.succeeded", EntityID: uuid.New()}
	if err := publisher.PublishPaymentEvent(context.Background(), event); err != nil {
		t.Fatalf("expected publish to succeed, got %v", err)
	}

	if len(producer.published) != 1 {
		t.Fatalf("expected one message, got %d", len(producer.published))
	}
	got := producer.published[0]
	if got.exchange != "payments_exchange" || got.routingKey != "payments.transaction.succeeded" {
		t.Fatalf("expected payments_exchange/payments.transaction.succeeded, got %s/%s", got.exchange, got.routingKey)
	}
}

func TestKafkaEventPublisherKeysByEntity(t *testing.T) {
	producer := &fakeKeyedProducer{}
	publisher := NewKafkaEventPublisher(producer)

	entityID := uuid.New()
	if err := publisher.PublishPaymentEvent(context.Background(), domain.PaymentEvent{Type: "refund.pending", EntityID: entityID}); err != nil {
		t.Fatalf("expected publish to succeed, got %v", err)
	}
	if len(producer.published) != 1 || producer.published[0].key != entityID.String() {
		t.Fatalf("expected one message keyed by %s, got %+v", entityID, producer.published)
	}
}

func TestServiceSurvivesPublisherFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.events.err = context.DeadlineExceeded

	intent := h.createIntent(t, "ord-1", nil)
	if tx := h.confirm(t, intent); tx.Status != domain.TransactionSucceeded {
		t.Fatalf("expected payment to succeed despite publisher failures, got %s", tx.Status)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t, Config{})
	scheduler := NewScheduler(h.svc, newTestReconciler(h), zap.NewNop(), SchedulerConfig{
		WebhookRedriveSchedule: "@every 1h",
		ReconcileSchedule:      "not a schedule",
	})
	scheduler.Start()

	if entries := scheduler.cron.Entries(); len(entries) != 1 {
		t.Fatalf("expected only the valid schedule to be registered, got %d entries", len(entries))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected scheduler to stop promptly")
	}

	// Jobs are callable directly and tolerate an empty ledger.
	scheduler.RedriveWebhooks()
	scheduler.Reconcile()
}
