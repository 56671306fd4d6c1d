/**
 * @description
 * This file defines the `Repository` interface, the contract for every ledger
 * operation the payment-service performs. Business logic depends on this
 * interface only, so the PostgreSQL implementation can be swapped for test doubles.
 *
 * @notes
 * - Idempotency lives here: owner-key and webhook-event uniqueness are enforced
 *   by database constraints, never by read-then-write checks in callers.
 * - Status changes are compare-and-swap updates: the row only moves when its
 *   current status is a legal predecessor of the requested one.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrPaymentIntentNotFound    = errors.New("payment intent not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrRefundNotFound           = errors.New("refund not found")
	ErrPaymentMethodNotFound    = errors.New("payment method not found")
	ErrWebhookEventNotFound     = errors.New("webhook event not found")
	ErrDuplicateOwnerKey        = errors.New("duplicate owner service transaction")
	ErrDuplicatePaymentMethod   = errors.New("payment method already saved")
	ErrTransactionNotRefundable = errors.New("transaction is not refundable")
	ErrRefundExceedsTransaction = errors.New("refund exceeds remaining refundable amount")
)

// TransactionTransition describes a compare-and-swap status change for a transaction.
type TransactionTransition struct {
	To            domain.TransactionStatus
	FailureReason *string
	ProcessedAt   *time.Time
}

// RefundTransition describes a compare-and-swap status change for a refund.
type RefundTransition struct {
	To            domain.RefundStatus
	FailureReason *string
	ProcessedAt   *time.Time
}

// RefundTotals sums a transaction's refunds by how they affect its balance.
type RefundTotals struct {
	Reserved  decimal.Decimal
	Succeeded decimal.Decimal
}

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Payment intents
	CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error
	FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	FindPaymentIntentByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.PaymentIntent, error)
	FindPaymentIntentByProviderIntentID(ctx context.Context, provider, providerIntentID string) (*domain.PaymentIntent, error)
	TransitionPaymentIntentStatus(ctx context.Context, id uuid.UUID, to domain.IntentStatus) (*domain.PaymentIntent, bool, error)
	ListStalePaymentIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentIntent, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.Transaction, error)
	FindTransactionByProviderTransactionID(ctx context.Context, provider, providerTransactionID string) (*domain.Transaction, error)
	TransitionTransactionStatus(ctx context.Context, id uuid.UUID, transition TransactionTransition) (*domain.Transaction, bool, error)
	MarkTransactionRefundedIfExhausted(ctx context.Context, id uuid.UUID) (*domain.Transaction, bool, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)
	ListStaleTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error)

	// Refunds
	ReserveRefund(ctx context.Context, refund *domain.Refund) error
	AttachProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (*domain.Refund, error)
	FindRefundByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	FindRefundByProviderRefundID(ctx context.Context, provider, providerRefundID string) (*domain.Refund, error)
	TransitionRefundStatus(ctx context.Context, id uuid.UUID, transition RefundTransition) (*domain.Refund, bool, error)
	ListRefundsByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error)
	GetRefundTotals(ctx context.Context, transactionID uuid.UUID) (RefundTotals, error)
	ListStaleRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Refund, error)

	// Payment methods
	CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error
	FindPaymentMethodByID(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error)
	ListPaymentMethodsByUserID(ctx context.Context, userID string) ([]domain.PaymentMethod, error)

	// Webhook events
	ClaimWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	FindWebhookEventByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	FindWebhookEventByProviderEventID(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error)
}
