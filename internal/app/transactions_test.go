package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
)

func TestConfirmPaymentRecordsSucceededTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)

	tx := h.confirm(t, intent)
	if tx.Status != domain.TransactionSucceeded {
		t.Fatalf("expected status=succeeded, got %s", tx.Status)
	}
	if !tx.Amount.Equal(mustDecimal(t, "49.99")) {
		t.Fatalf("expected amount=49.99, got %s", tx.Amount)
	}
	if tx.ProcessedAt == nil {
		t.Fatalf("expected processedAt to be set on a terminal transaction")
	}
	if tx.ServiceName != "orders" || tx.ServiceTransactionID != "ord-1" {
		t.Fatalf("expected owner key orders/ord-1, got %s/%s", tx.ServiceName, tx.ServiceTransactionID)
	}

	stored, err := h.svc.GetIntent(context.Background(), servicePrincipal, intent.ID.String())
	if err != nil {
		t.Fatalf("expected intent, got %v", err)
	}
	if stored.Status != domain.IntentSucceeded {
		t.Fatalf("expected intent status=succeeded, got %s", stored.Status)
	}

	again := h.confirm(t, intent)
	if again.ID != tx.ID {
		t.Fatalf("expected repeated confirm to return transaction %s, got %s", tx.ID, again.ID)
	}
	if h.ledger.transactionCount() != 1 {
		t.Fatalf("expected exactly one transaction, got %d", h.ledger.transactionCount())
	}
	if got := h.events.count("transaction.succeeded"); got != 1 {
		t.Fatalf("expected one transaction.succeeded event, got %d", got)
	}
}

func TestConfirmPaymentDeclines(t *testing.T) {
	tests := []struct {
		name          string
		metadata      domain.Metadata
		paymentMethod string
		wantKind      domain.Kind
	}{
		{
			name:     "declined by processor",
			metadata: domain.Metadata{gateway.SandboxOutcomeKey: "decline"},
			wantKind: domain.KindPaymentDeclined,
		},
		{
			name:          "declined card reference",
			paymentMethod: gateway.SandboxDeclinedCard,
			wantKind:      domain.KindPaymentDeclined,
		},
		{
			name:          "insufficient funds",
			paymentMethod: gateway.SandboxInsufficientFundsCard,
			wantKind:      domain.KindInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			intent := h.createIntent(t, "ord-1", tt.metadata)

			_, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{
				PaymentIntentID: intent.ID.String(),
				PaymentMethodID: tt.paymentMethod,
			})
			assertKind(t, err, tt.wantKind)
			if status := domain.AsError(err).HTTPStatus; status != 402 {
				t.Fatalf("expected HTTP 402, got %d", status)
			}
			if h.ledger.transactionCount() != 0 {
				t.Fatalf("expected no transaction for a decline, got %d", h.ledger.transactionCount())
			}

			stored, _ := h.svc.GetIntent(context.Background(), servicePrincipal, intent.ID.String())
			if stored.Status != domain.IntentRequiresPaymentMethod {
				t.Fatalf("expected intent status=requires_payment_method, got %s", stored.Status)
			}
		})
	}
}

func TestConfirmPaymentRetryAfterDecline(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)

	_, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{
		PaymentIntentID: intent.ID.String(),
		PaymentMethodID: gateway.SandboxDeclinedCard,
	})
	assertKind(t, err, domain.KindPaymentDeclined)

	tx, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{
		PaymentIntentID: intent.ID.String(),
		PaymentMethodID: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("expected retry with another method to succeed, got %v", err)
	}
	if tx.Status != domain.TransactionSucceeded {
		t.Fatalf("expected status=succeeded, got %s", tx.Status)
	}
}

func TestConfirmPaymentProcessing(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", domain.Metadata{gateway.SandboxOutcomeKey: "processing"})

	tx := h.confirm(t, intent)
	if tx.Status != domain.TransactionProcessing {
		t.Fatalf("expected status=processing, got %s", tx.Status)
	}
	if tx.ProcessedAt != nil {
		t.Fatalf("expected processedAt to stay empty while processing")
	}
	stored, _ := h.svc.GetIntent(context.Background(), servicePrincipal, intent.ID.String())
	if stored.Status != domain.IntentProcessing {
		t.Fatalf("expected intent status=processing, got %s", stored.Status)
	}
}

func TestConfirmPaymentProcessorUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", domain.Metadata{gateway.SandboxOutcomeKey: "unavailable"})

	_, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{PaymentIntentID: intent.ID.String()})
	assertKind(t, err, domain.KindProcessorUnavailable)
	if h.ledger.transactionCount() != 0 {
		t.Fatalf("expected no transaction, got %d", h.ledger.transactionCount())
	}
}

func TestConfirmPaymentConcurrentCallersShareOneTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)

	const callers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{PaymentIntentID: intent.ID.String()})
			if err != nil {
				t.Errorf("expected confirmation, got %v", err)
				return
			}
			mu.Lock()
			ids[tx.ID.String()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected all callers to see one transaction, got %v", ids)
	}
	if h.ledger.transactionCount() != 1 {
		t.Fatalf("expected exactly one transaction, got %d", h.ledger.transactionCount())
	}
	if got := h.events.count("transaction.succeeded"); got != 1 {
		t.Fatalf("expected one transaction.succeeded event, got %d", got)
	}
}

func TestConfirmPaymentRejectedWhileLockHeldElsewhere(t *testing.T) {
	locker := NewMemoryLocker()
	h := newHarness(t, Config{}, WithConfirmationLocker(locker))
	intent := h.createIntent(t, "ord-1", nil)

	release, acquired, _ := locker.Acquire(context.Background(), "confirm:"+intent.ID.String(), time.Minute)
	if !acquired {
		t.Fatalf("expected to take the confirmation lock")
	}
	defer release()

	_, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{PaymentIntentID: intent.ID.String()})
	assertKind(t, err, domain.KindDuplicateTransaction)
	assertCode(t, err, "CONFIRMATION_IN_PROGRESS")
}

func TestConfirmPaymentExpiredIntent(t *testing.T) {
	h := newHarness(t, Config{IntentTTL: time.Hour})
	intent := h.createIntent(t, "ord-1", nil)
	h.clock.Advance(2 * time.Hour)

	_, err := h.svc.ConfirmPayment(context.Background(), servicePrincipal, domain.ConfirmPaymentRequest{PaymentIntentID: intent.ID.String()})
	assertKind(t, err, domain.KindInvalidState)

	stored, _ := h.svc.GetIntent(context.Background(), servicePrincipal, intent.ID.String())
	if stored.Status != domain.IntentCancelled {
		t.Fatalf("expected expired intent to be cancelled, got %s", stored.Status)
	}
	if h.ledger.transactionCount() != 0 {
		t.Fatalf("expected no transaction, got %d", h.ledger.transactionCount())
	}
}

func TestConfirmPaymentWithSavedMethod(t *testing.T) {
	h := newHarness(t, Config{})
	payer := domain.Principal{UserID: "user_a"}
	intent := h.createIntent(t, "ord-1", domain.Metadata{domain.MetadataUserIDKey: "user_a"})

	method, err := h.svc.CreatePaymentMethod(context.Background(), payer, domain.CreatePaymentMethodRequest{
		Type:                    "Card",
		ProviderPaymentMethodID: gateway.SandboxInsufficientFundsCard,
		IsDefault:               true,
	})
	if err != nil {
		t.Fatalf("expected payment method, got %v", err)
	}
	if method.Type != "card" || method.Provider != gateway.SandboxName {
		t.Fatalf("expected normalized card on sandbox, got %s on %s", method.Type, method.Provider)
	}

	other, err := h.svc.CreatePaymentMethod(context.Background(), domain.Principal{UserID: "user_b"}, domain.CreatePaymentMethodRequest{
		Type:                    "card",
		ProviderPaymentMethodID: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("expected payment method, got %v", err)
	}

	_, err = h.svc.ConfirmPayment(context.Background(), payer, domain.ConfirmPaymentRequest{
		PaymentIntentID: intent.ID.String(),
		PaymentMethodID: other.ID.String(),
	})
	assertKind(t, err, domain.KindPaymentMethodNotFound)

	_, err = h.svc.ConfirmPayment(context.Background(), payer, domain.ConfirmPaymentRequest{
		PaymentIntentID: intent.ID.String(),
		PaymentMethodID: method.ID.String(),
	})
	assertKind(t, err, domain.KindInsufficientFunds)
}

func TestGetTransactionReportsRefundableAmount(t *testing.T) {
	h := newHarness(t, Config{})
	tx := h.confirm(t, h.createIntent(t, "ord-1", nil))

	amount := mustDecimal(t, "20.00")
	if _, err := h.svc.CreateRefund(context.Background(), servicePrincipal, domain.CreateRefundRequest{
		TransactionID: tx.ID.String(),
		Amount:        &amount,
	}); err != nil {
		t.Fatalf("expected refund, got %v", err)
	}

	detail, err := h.svc.GetTransaction(context.Background(), servicePrincipal, tx.ID.String())
	if err != nil {
		t.Fatalf("expected transaction, got %v", err)
	}
	if len(detail.Refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(detail.Refunds))
	}
	if !detail.RefundableAmount.Equal(mustDecimal(t, "29.99")) {
		t.Fatalf("expected refundable=29.99, got %s", detail.RefundableAmount)
	}
}

func TestListTransactionsScopesToUser(t *testing.T) {
	h := newHarness(t, Config{})
	h.confirm(t, h.createIntent(t, "ord-a", domain.Metadata{domain.MetadataUserIDKey: "user_a"}))
	h.confirm(t, h.createIntent(t, "ord-b", domain.Metadata{domain.MetadataUserIDKey: "user_b"}))

	page, err := h.svc.ListTransactions(context.Background(), domain.Principal{UserID: "user_a"}, domain.TransactionFilter{})
	if err != nil {
		t.Fatalf("expected page, got %v", err)
	}
	if page.Pagination.Total != 1 || len(page.Data) != 1 || page.Data[0].ServiceTransactionID != "ord-a" {
		t.Fatalf("expected only user_a's transaction, got %+v", page)
	}
	if page.Pagination.Limit != defaultPageLimit || page.Pagination.Page != 1 {
		t.Fatalf("expected default paging, got %+v", page.Pagination)
	}

	all, err := h.svc.ListTransactions(context.Background(), servicePrincipal, domain.TransactionFilter{Limit: 1000})
	if err != nil {
		t.Fatalf("expected page, got %v", err)
	}
	if all.Pagination.Total != 2 || all.Pagination.Limit != maxPageLimit {
		t.Fatalf("expected both transactions with clamped limit, got %+v", all.Pagination)
	}

	bogus := domain.TransactionStatus("bogus")
	_, err = h.svc.ListTransactions(context.Background(), servicePrincipal, domain.TransactionFilter{Status: &bogus})
	assertKind(t, err, domain.KindValidation)

	start, end := time.Now(), time.Now().Add(-time.Hour)
	_, err = h.svc.ListTransactions(context.Background(), servicePrincipal, domain.TransactionFilter{StartDate: &start, EndDate: &end})
	assertKind(t, err, domain.KindValidation)
}

func TestApplyTransactionOutcome(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", domain.Metadata{gateway.SandboxOutcomeKey: "processing"})
	tx := h.confirm(t, intent)
	ctx := context.Background()

	_, err := h.svc.ApplyTransactionOutcome(ctx, gateway.SandboxName, *tx.ProviderTransactionID, domain.TransactionFailed, nil, nil)
	assertKind(t, err, domain.KindValidation)

	reportedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	updated, err := h.svc.ApplyTransactionOutcome(ctx, gateway.SandboxName, *tx.ProviderTransactionID, domain.TransactionSucceeded, nil, &reportedAt)
	if err != nil {
		t.Fatalf("expected outcome to apply, got %v", err)
	}
	if updated.Status != domain.TransactionSucceeded || updated.ProcessedAt == nil || !updated.ProcessedAt.Equal(reportedAt) {
		t.Fatalf("expected succeeded with processedAt=%v, got %s / %v", reportedAt, updated.Status, updated.ProcessedAt)
	}

	reason := "late decline"
	_, err = h.svc.ApplyTransactionOutcome(ctx, gateway.SandboxName, *tx.ProviderTransactionID, domain.TransactionFailed, &reason, nil)
	assertKind(t, err, domain.KindInvalidState)

	_, err = h.svc.ApplyTransactionOutcome(ctx, gateway.SandboxName, "pi_unknown", domain.TransactionSucceeded, nil, nil)
	assertKind(t, err, domain.KindTransactionNotFound)
}

func TestApplyTransactionOutcomeStampsCurrentTimeWithoutProcessorTime(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", domain.Metadata{gateway.SandboxOutcomeKey: "processing"})
	tx := h.confirm(t, intent)

	updated, err := h.svc.ApplyTransactionOutcome(context.Background(), gateway.SandboxName, *tx.ProviderTransactionID, domain.TransactionSucceeded, nil, nil)
	if err != nil {
		t.Fatalf("expected outcome to apply, got %v", err)
	}
	if updated.ProcessedAt == nil || updated.ProcessedAt.IsZero() {
		t.Fatalf("expected processedAt to be stamped, got %v", updated.ProcessedAt)
	}
}

func TestApplyTransactionOutcomeRejectsRefunded(t *testing.T) {
	h := newHarness(t, Config{})
	intent := h.createIntent(t, "ord-1", nil)
	tx := h.confirm(t, intent)
	if tx.Status != domain.TransactionSucceeded {
		t.Fatalf("expected status=succeeded, got %s", tx.Status)
	}

	_, err := h.svc.ApplyTransactionOutcome(context.Background(), gateway.SandboxName, *tx.ProviderTransactionID, domain.TransactionRefunded, nil, nil)
	assertKind(t, err, domain.KindInvalidState)

	current := h.transaction(t, tx)
	if current.Status != domain.TransactionSucceeded {
		t.Fatalf("expected status=succeeded, got %s", current.Status)
	}
	if n := h.events.count("transaction.refunded"); n != 0 {
		t.Fatalf("expected no transaction.refunded events, got %d", n)
	}
}
