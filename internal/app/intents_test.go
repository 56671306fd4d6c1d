package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
)

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
	calls      int
}

func (s *stubLimiter) ConsumeRateLimit(_ context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	s.calls++
	return s.count, s.retryAfter, s.err
}

func TestCreateIntentPersistsCreatedIntent(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)

	if intent.Status != domain.IntentCreated {
		t.Fatalf("expected status=created, got %s", intent.Status)
	}
	if !intent.Amount.Equal(mustDecimal(t, "49.99")) || intent.Currency != "USD" {
		t.Fatalf("expected 49.99 USD, got %s %s", intent.Amount, intent.Currency)
	}
	if intent.ProviderIntentID == nil || intent.ClientSecret == nil {
		t.Fatalf("expected processor reference and client secret to be set")
	}
	if intent.Provider != gateway.SandboxName {
		t.Fatalf("expected provider=%s, got %s", gateway.SandboxName, intent.Provider)
	}
	if intent.ExpiresAt == nil || !intent.ExpiresAt.After(h.clock.Now()) {
		t.Fatalf("expected expiry in the future, got %v", intent.ExpiresAt)
	}

	ext, err := h.sandbox.RetrieveIntent(context.Background(), *intent.ProviderIntentID)
	if err != nil {
		t.Fatalf("expected processor intent, got %v", err)
	}
	if ext.Metadata[metadataIntentIDKey] != intent.ID.String() || ext.Metadata[metadataOwnerTransactionIDKey] != "ord-1" {
		t.Fatalf("expected processor metadata to reference the intent, got %v", ext.Metadata)
	}
	if got := h.events.count("payment_intent.created"); got != 1 {
		t.Fatalf("expected one payment_intent.created event, got %d", got)
	}
}

func TestCreateIntentRejectsDuplicateOwnerKey(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.createIntent(t, "ord-1", nil)

	_, err := h.svc.CreateIntent(context.Background(), servicePrincipal, domain.CreatePaymentIntentRequest{
		Amount:             mustDecimal(t, "10.00"),
		Currency:           "USD",
		OwnerServiceName:   "orders",
		OwnerTransactionID: "ord-1",
	})
	assertKind(t, err, domain.KindDuplicateTransaction)
	assertCode(t, err, "DUPLICATE_INTENT")
	if got := domain.AsError(err).Details["paymentIntentId"]; got != first.ID.String() {
		t.Fatalf("expected paymentIntentId=%s, got %v", first.ID, got)
	}
	if h.ledger.intentCount() != 1 {
		t.Fatalf("expected exactly one intent, got %d", h.ledger.intentCount())
	}
}

func TestCreateIntentValidation(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		name string
		req  domain.CreatePaymentIntentRequest
	}{
		{
			name: "zero amount",
			req:  domain.CreatePaymentIntentRequest{Amount: mustDecimal(t, "0"), Currency: "USD", OwnerServiceName: "orders", OwnerTransactionID: "a"},
		},
		{
			name: "too many decimals",
			req:  domain.CreatePaymentIntentRequest{Amount: mustDecimal(t, "1.001"), Currency: "USD", OwnerServiceName: "orders", OwnerTransactionID: "a"},
		},
		{
			name: "malformed currency",
			req:  domain.CreatePaymentIntentRequest{Amount: mustDecimal(t, "1.00"), Currency: "US", OwnerServiceName: "orders", OwnerTransactionID: "a"},
		},
		{
			name: "missing owner transaction",
			req:  domain.CreatePaymentIntentRequest{Amount: mustDecimal(t, "1.00"), Currency: "USD", OwnerServiceName: "orders"},
		},
		{
			name: "blank metadata user",
			req: domain.CreatePaymentIntentRequest{
				Amount: mustDecimal(t, "1.00"), Currency: "USD", OwnerServiceName: "orders", OwnerTransactionID: "a",
				Metadata: domain.Metadata{domain.MetadataUserIDKey: "  "},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateIntent(context.Background(), servicePrincipal, tt.req)
			assertKind(t, err, domain.KindValidation)
		})
	}
	if h.ledger.intentCount() != 0 {
		t.Fatalf("expected no intents to be persisted, got %d", h.ledger.intentCount())
	}
}

func TestCreateIntentDefaultsCurrencyAndUser(t *testing.T) {
	h := newHarness(t, Config{DefaultCurrency: "EUR"})
	intent, err := h.svc.CreateIntent(context.Background(), servicePrincipal, domain.CreatePaymentIntentRequest{
		Amount:             mustDecimal(t, "5.00"),
		OwnerServiceName:   "orders",
		OwnerTransactionID: "ord-eur",
		Metadata:           domain.Metadata{domain.MetadataUserIDKey: "user_42"},
	})
	if err != nil {
		t.Fatalf("expected intent, got %v", err)
	}
	if intent.Currency != "EUR" {
		t.Fatalf("expected currency=EUR, got %s", intent.Currency)
	}
	if intent.UserID == nil || *intent.UserID != "user_42" {
		t.Fatalf("expected userId from metadata, got %v", intent.UserID)
	}
}

func TestCreateIntentRateLimited(t *testing.T) {
	limiter := &stubLimiter{count: 6, retryAfter: 42}
	h := newHarness(t, Config{IntentCreateRateLimitPerMinute: 5}, WithRateLimiter(limiter))

	_, err := h.svc.CreateIntent(context.Background(), servicePrincipal, domain.CreatePaymentIntentRequest{
		Amount: mustDecimal(t, "1.00"), Currency: "USD", OwnerServiceName: "orders", OwnerTransactionID: "ord-rl",
	})
	assertKind(t, err, domain.KindRateLimited)
	if got := domain.AsError(err).Details["retryAfterSeconds"]; got != 42 {
		t.Fatalf("expected retryAfterSeconds=42, got %v", got)
	}

	// A broken limiter does not block intent creation.
	limiter.err = errors.New("redis down")
	if _, err := h.svc.CreateIntent(context.Background(), servicePrincipal, domain.CreatePaymentIntentRequest{
		Amount: mustDecimal(t, "1.00"), Currency: "USD", OwnerServiceName: "orders", OwnerTransactionID: "ord-rl",
	}); err != nil {
		t.Fatalf("expected intent despite limiter failure, got %v", err)
	}
}

func TestGetIntentHidesOtherUsersIntents(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", domain.Metadata{domain.MetadataUserIDKey: "user_a"})

	if _, err := h.svc.GetIntent(context.Background(), domain.Principal{UserID: "user_a"}, intent.ID.String()); err != nil {
		t.Fatalf("expected owner to read intent, got %v", err)
	}
	_, err := h.svc.GetIntent(context.Background(), domain.Principal{UserID: "user_b"}, intent.ID.String())
	assertKind(t, err, domain.KindPaymentIntentNotFound)

	_, err = h.svc.GetIntent(context.Background(), servicePrincipal, "not-a-uuid")
	assertKind(t, err, domain.KindValidation)
}

func TestCancelIntent(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)

	cancelled, err := h.svc.CancelIntent(context.Background(), servicePrincipal, intent.ID.String())
	if err != nil {
		t.Fatalf("expected cancel to succeed, got %v", err)
	}
	if cancelled.Status != domain.IntentCancelled {
		t.Fatalf("expected status=cancelled, got %s", cancelled.Status)
	}
	ext, _ := h.sandbox.RetrieveIntent(context.Background(), *intent.ProviderIntentID)
	if ext.Status != "canceled" {
		t.Fatalf("expected processor intent to be canceled, got %s", ext.Status)
	}

	again, err := h.svc.CancelIntent(context.Background(), servicePrincipal, intent.ID.String())
	if err != nil || again.Status != domain.IntentCancelled {
		t.Fatalf("expected repeated cancel to be a no-op, got %v / %v", again, err)
	}
	if got := h.events.count("payment_intent.cancelled"); got != 1 {
		t.Fatalf("expected one cancellation event, got %d", got)
	}

	_, err = h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{PaymentIntentID: intent.ID.String()})
	assertKind(t, err, domain.KindInvalidState)
}

func TestCancelIntentAfterSuccessFails(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)
	h.confirm(t, intent)

	_, err := h.svc.CancelIntent(context.Background(), servicePrincipal, intent.ID.String())
	assertKind(t, err, domain.KindInvalidState)
}

func TestUpdateIntentStatusIsMonotonic(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)
	ctx := context.Background()

	updated, err := h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentProcessing)
	if err != nil || updated.Status != domain.IntentProcessing {
		t.Fatalf("expected forward move to processing, got %v / %v", updated, err)
	}

	_, err = h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentRequiresAction)
	assertKind(t, err, domain.KindInvalidState)

	same, err := h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentProcessing)
	if err != nil || same.Status != domain.IntentProcessing {
		t.Fatalf("expected re-applying status to be a no-op, got %v / %v", same, err)
	}

	if _, err := h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentSucceeded); err != nil {
		t.Fatalf("expected move to succeeded, got %v", err)
	}
	_, err = h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentCancelled)
	assertKind(t, err, domain.KindInvalidState)

	_, err = h.svc.UpdateIntentStatus(ctx, intent.ID, domain.IntentStatus("bogus"))
	assertKind(t, err, domain.KindValidation)

	if got := h.events.count("payment_intent.processing"); got != 1 {
		t.Fatalf("expected one processing event, got %d", got)
	}
}
