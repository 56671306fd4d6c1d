package app

import (
	"context"
	"testing"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
)

func TestCreatePaymentMethod(t *testing.T) {
	h := newHarness(t, Config{})
	payer := domain.Principal{UserID: "user_a"}
	ctx := context.Background()

	first, err := h.svc.CreatePaymentMethod(ctx, payer, domain.CreatePaymentMethodRequest{
		Type:                    "Card",
		ProviderPaymentMethodID: "pm_card_visa",
		IsDefault:               true,
	})
	if err != nil {
		t.Fatalf("expected payment method to be saved, got %v", err)
	}
	if first.Provider != gateway.SandboxName || first.Type != "card" || first.UserID != "user_a" {
		t.Fatalf("expected sandbox card for user_a, got %+v", first)
	}

	_, err = h.svc.CreatePaymentMethod(ctx, payer, domain.CreatePaymentMethodRequest{Type: "card", ProviderPaymentMethodID: "pm_card_visa"})
	assertKind(t, err, domain.KindDuplicateTransaction)
	assertCode(t, err, "DUPLICATE_PAYMENT_METHOD")

	second, err := h.svc.CreatePaymentMethod(ctx, payer, domain.CreatePaymentMethodRequest{
		Type:                    "card",
		ProviderPaymentMethodID: "pm_card_mastercard",
		IsDefault:               true,
	})
	if err != nil {
		t.Fatalf("expected second method to be saved, got %v", err)
	}

	methods, err := h.svc.ListPaymentMethods(ctx, payer)
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("expected 2 methods, got %d", len(methods))
	}
	if methods[0].ID != second.ID || !methods[0].IsDefault || methods[1].IsDefault {
		t.Fatalf("expected the newest default first and the old default cleared, got %+v", methods)
	}
}

func TestPaymentMethodValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name      string
		principal domain.Principal
		req       domain.CreatePaymentMethodRequest
	}{
		{name: "service without user", principal: servicePrincipal, req: domain.CreatePaymentMethodRequest{Type: "card", ProviderPaymentMethodID: "pm_1"}},
		{name: "missing type", principal: domain.Principal{UserID: "u"}, req: domain.CreatePaymentMethodRequest{ProviderPaymentMethodID: "pm_1"}},
		{name: "missing reference", principal: domain.Principal{UserID: "u"}, req: domain.CreatePaymentMethodRequest{Type: "card"}},
		{name: "unknown provider", principal: domain.Principal{UserID: "u"}, req: domain.CreatePaymentMethodRequest{Type: "card", Provider: "paypal", ProviderPaymentMethodID: "pm_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreatePaymentMethod(ctx, tt.principal, tt.req)
			assertKind(t, err, domain.KindValidation)
		})
	}

	if _, err := h.svc.ListPaymentMethods(ctx, servicePrincipal); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected listing without a user to be a validation error, got %v", err)
	}
	methods, err := h.svc.ListPaymentMethods(ctx, domain.Principal{UserID: "nobody"})
	if err != nil || methods == nil || len(methods) != 0 {
		t.Fatalf("expected an empty non-nil list, got %v (err=%v)", methods, err)
	}
}
