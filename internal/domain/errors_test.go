package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNewError_UsesKindDefaults(t *testing.T) {
	err := NewError(KindRefundExceedsTransaction, "too much")
	if err.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", err.HTTPStatus)
	}
	if err.Code != "REFUND_EXCEEDS_TRANSACTION" {
		t.Fatalf("unexpected code %q", err.Code)
	}
}

func TestKindOf_SeesThroughWrapping(t *testing.T) {
	base := NewError(KindPaymentDeclined, "card declined").WithCode("CARD_DECLINED")
	wrapped := fmt.Errorf("confirm intent: %w", base)

	if KindOf(wrapped) != KindPaymentDeclined {
		t.Fatalf("expected PaymentDeclined, got %s", KindOf(wrapped))
	}
	if !IsKind(wrapped, KindPaymentDeclined) {
		t.Fatal("IsKind should match wrapped error")
	}
	if IsKind(wrapped, KindInsufficientFunds) {
		t.Fatal("IsKind should not match a different kind")
	}
}

func TestAsError_HidesUnclassifiedCause(t *testing.T) {
	cause := errors.New("pq: connection reset")
	got := AsError(cause)
	if got.Kind != KindInternal || got.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %+v", got)
	}
	if got.Message == cause.Error() {
		t.Fatal("cause text must not leak into the message")
	}
	if !errors.Is(got, cause) {
		t.Fatal("cause should remain reachable through Unwrap")
	}
}

func TestErrorStatusPerKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:               http.StatusBadRequest,
		KindDuplicateTransaction:     http.StatusConflict,
		KindPaymentIntentNotFound:    http.StatusNotFound,
		KindTransactionNotFound:      http.StatusNotFound,
		KindPaymentMethodNotFound:    http.StatusNotFound,
		KindInsufficientFunds:        http.StatusPaymentRequired,
		KindPaymentDeclined:          http.StatusPaymentRequired,
		KindRefundExceedsTransaction: http.StatusBadRequest,
		KindInvalidState:             http.StatusBadRequest,
		KindProcessorUnavailable:     http.StatusServiceUnavailable,
		KindInvalidSignature:         http.StatusUnauthorized,
	}
	for kind, status := range cases {
		if got := NewError(kind, "x").HTTPStatus; got != status {
			t.Errorf("%s: got %d, want %d", kind, got, status)
		}
	}
}
