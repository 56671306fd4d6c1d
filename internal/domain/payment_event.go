package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entity names used in PaymentEvent types.
const (
	EntityPaymentIntent = "payment_intent"
	EntityTransaction   = "transaction"
	EntityRefund        = "refund"
)

// PaymentEvent is published once for every newly materialized status change,
// for downstream consumers such as ledger reporting and user notification.
type PaymentEvent struct {
	ID                 uuid.UUID       `json:"id"`
	Type               string          `json:"type"`
	EntityID           uuid.UUID       `json:"entityId"`
	Provider           string          `json:"provider"`
	OwnerServiceName   string          `json:"ownerServiceName,omitempty"`
	OwnerTransactionID string          `json:"ownerTransactionId,omitempty"`
	TransactionID      *uuid.UUID      `json:"transactionId,omitempty"`
	UserID             *string         `json:"userId,omitempty"`
	Status             string          `json:"status"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	FailureReason      *string         `json:"failureReason,omitempty"`
	OccurredAt         time.Time       `json:"occurredAt"`
}

// NewIntentEvent describes an intent status change.
func NewIntentEvent(p *PaymentIntent) PaymentEvent {
	return PaymentEvent{
		ID:                 uuid.New(),
		Type:               EntityPaymentIntent + "." + string(p.Status),
		EntityID:           p.ID,
		Provider:           p.Provider,
		OwnerServiceName:   p.ServiceName,
		OwnerTransactionID: p.ServiceTransactionID,
		UserID:             p.UserID,
		Status:             string(p.Status),
		Amount:             p.Amount,
		Currency:           p.Currency,
		OccurredAt:         time.Now().UTC(),
	}
}

// NewTransactionEvent describes a transaction status change.
func NewTransactionEvent(t *Transaction) PaymentEvent {
	return PaymentEvent{
		ID:                 uuid.New(),
		Type:               EntityTransaction + "." + string(t.Status),
		EntityID:           t.ID,
		Provider:           t.Provider,
		OwnerServiceName:   t.ServiceName,
		OwnerTransactionID: t.ServiceTransactionID,
		UserID:             t.UserID,
		Status:             string(t.Status),
		Amount:             t.Amount,
		Currency:           t.Currency,
		FailureReason:      t.FailureReason,
		OccurredAt:         time.Now().UTC(),
	}
}

// NewRefundEvent describes a refund status change.
func NewRefundEvent(r *Refund) PaymentEvent {
	txID := r.TransactionID
	event := PaymentEvent{
		ID:            uuid.New(),
		Type:          EntityRefund + "." + string(r.Status),
		EntityID:      r.ID,
		Provider:      r.Provider,
		TransactionID: &txID,
		Status:        string(r.Status),
		Amount:        r.Amount,
		Currency:      r.Currency,
		OccurredAt:    time.Now().UTC(),
	}
	if reason := r.FailureReason(); reason != "" {
		event.FailureReason = &reason
	}
	return event
}
