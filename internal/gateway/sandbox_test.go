package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
)

func TestSandboxIntentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSandboxGateway("secret")

	intent, err := s.CreateIntent(ctx, IntentRequest{Amount: decimal.RequireFromString("49.99"), Currency: "usd", IdempotencyKey: "orders:ord-1"})
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	again, err := s.CreateIntent(ctx, IntentRequest{Amount: decimal.RequireFromString("49.99"), Currency: "usd", IdempotencyKey: "orders:ord-1"})
	if err != nil || again.ID != intent.ID {
		t.Fatalf("expected idempotent create, got %v %v", again, err)
	}

	confirmed, err := s.ConfirmIntent(ctx, intent.ID, "pm_card_visa")
	if err != nil {
		t.Fatalf("ConfirmIntent returned error: %v", err)
	}
	if confirmed.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", confirmed.Status)
	}

	refund, err := s.CreateRefund(ctx, RefundRequest{ExternalTransactionID: intent.ID, IdempotencyKey: "r1"})
	if err != nil {
		t.Fatalf("CreateRefund returned error: %v", err)
	}
	if refund.Status != "succeeded" || !refund.Amount.Equal(intent.Amount) {
		t.Fatalf("unexpected refund %+v", refund)
	}
	one := decimal.RequireFromString("0.01")
	if _, err := s.CreateRefund(ctx, RefundRequest{ExternalTransactionID: intent.ID, Amount: &one, IdempotencyKey: "r2"}); err == nil {
		t.Fatal("expected over-refund to be rejected")
	}
}

func TestSandboxDeclineOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewSandboxGateway("secret")

	intent, _ := s.CreateIntent(ctx, IntentRequest{Amount: decimal.RequireFromString("10"), Currency: "USD"})
	_, err := s.ConfirmIntent(ctx, intent.ID, SandboxDeclinedCard)
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	_, err = s.ConfirmIntent(ctx, intent.ID, SandboxInsufficientFundsCard)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	confirmed, err := s.ConfirmIntent(ctx, intent.ID, "pm_card_visa")
	if err != nil || confirmed.Status != "succeeded" {
		t.Fatalf("expected a retry with another card to succeed, got %v %v", confirmed, err)
	}

	down, _ := s.CreateIntent(ctx, IntentRequest{
		Amount: decimal.RequireFromString("10"), Currency: "USD",
		Metadata: map[string]string{SandboxOutcomeKey: "unavailable"},
	})
	if _, err := s.ConfirmIntent(ctx, down.ID, ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSandboxSignatureVerification(t *testing.T) {
	s := NewSandboxGateway("secret")
	intent := &ExternalIntent{ID: "pi_1", Status: "succeeded", Amount: decimal.RequireFromString("49.99"), Currency: "USD"}
	payload, err := NewSandboxEvent("evt_1", domain.EventPaymentIntentSucceeded, intent, nil)
	if err != nil {
		t.Fatalf("NewSandboxEvent returned error: %v", err)
	}

	event, err := s.VerifyEvent(payload, s.Sign(payload))
	if err != nil {
		t.Fatalf("VerifyEvent returned error: %v", err)
	}
	if event.Type != domain.EventPaymentIntentSucceeded || event.Intent.ID != "pi_1" {
		t.Fatalf("unexpected event %+v", event)
	}

	other := NewSandboxGateway("other")
	if _, err := s.VerifyEvent(payload, other.Sign(payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := s.VerifyEvent(payload, "zz"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for malformed header, got %v", err)
	}
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	if _, err := s.VerifyEvent(tampered, s.Sign(payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}
