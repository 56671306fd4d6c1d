package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_sandbox_test"

var servicePrincipal = domain.Principal{Service: true}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
	err    error
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, event domain.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	svc     *Service
	ledger  *memoryLedger
	sandbox *gateway.SandboxGateway
	events  *recordingPublisher
	clock   *testClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	sandbox := gateway.NewSandboxGateway(testWebhookSecret)
	registry, err := gateway.NewRegistry(gateway.SandboxName, sandbox)
	if err != nil {
		t.Fatalf("expected registry, got error: %v", err)
	}
	h := &harness{
		ledger:  newMemoryLedger(),
		sandbox: sandbox,
		events:  &recordingPublisher{},
		clock:   newTestClock(),
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.svc = NewService(h.ledger, registry, h.events, cfg, zap.NewNop(), opts...)
	return h
}

func mustDecimal(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", raw, err)
	}
	return d
}

// createIntent creates a 49.99 USD intent for orders/ownerTxID.
func (h *harness) createIntent(t *testing.T, ownerTxID string, metadata domain.Metadata) *domain.PaymentIntent {
	t.Helper()
	intent, err := h.svc.CreateIntent(context.Background(), servicePrincipal, domain.CreatePaymentIntentRequest{
		Amount:             mustDecimal(t, "49.99"),
		Currency:           "USD",
		OwnerServiceName:   "orders",
		OwnerTransactionID: ownerTxID,
		Metadata:           metadata,
	})
	if err != nil {
		t.Fatalf("expected intent to be created, got %v", err)
	}
	return intent
}

func (h *harness) confirm(t *testing.T, intent *domain.PaymentIntent) *domain.Transaction {
	t.Helper()
	tx, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{
		PaymentIntentID: intent.ID.String(),
	})
	if err != nil {
		t.Fatalf("expected confirmation to succeed, got %v", err)
	}
	return tx
}

// deliver signs and ingests a sandbox webhook.
func (h *harness) deliver(t *testing.T, eventID, eventType string, intent *gateway.ExternalIntent, refund *gateway.ExternalRefund) *domain.WebhookIngestResult {
	t.Helper()
	payload, err := gateway.NewSandboxEvent(eventID, eventType, intent, refund)
	if err != nil {
		t.Fatalf("failed to build webhook payload: %v", err)
	}
	result, err := h.svc.IngestWebhook(context.Background(), gateway.SandboxName, payload, h.sandbox.Sign(payload))
	if err != nil {
		t.Fatalf("expected webhook to be accepted, got %v", err)
	}
	return result
}

func assertKind(t *testing.T, err error, kind domain.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("expected kind=%s, got %s (%v)", kind, got, err)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	de := domain.AsError(err)
	if de.Code != code {
		t.Fatalf("expected code=%s, got %s", code, de.Code)
	}
}
