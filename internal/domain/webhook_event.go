package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent maps to the `webhook_events` table, the idempotency ledger for
// inbound processor notifications. (Provider, ProviderEventID) is unique.
type WebhookEvent struct {
	ID              uuid.UUID  `json:"id"`
	Provider        string     `json:"provider"`
	ProviderEventID string     `json:"providerEventId"`
	EventType       string     `json:"eventType"`
	Processed       bool       `json:"processed"`
	Payload         []byte     `json:"-"`
	CreatedAt       time.Time  `json:"receivedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

// Normalized webhook event types dispatched by the ingester.
const (
	EventPaymentIntentSucceeded      = "paymentIntent.succeeded"
	EventPaymentIntentFailed         = "paymentIntent.failed"
	EventPaymentIntentCancelled      = "paymentIntent.cancelled"
	EventPaymentIntentProcessing     = "paymentIntent.processing"
	EventPaymentIntentRequiresAction = "paymentIntent.requiresAction"
	EventRefundSucceeded             = "refund.succeeded"
	EventRefundFailed                = "refund.failed"
	EventRefundCancelled             = "refund.cancelled"
	EventRefundUpdated               = "refund.updated"
)

// WebhookIngestResult reports what happened to an inbound notification.
type WebhookIngestResult struct {
	EventID   uuid.UUID `json:"eventId"`
	Duplicate bool      `json:"duplicate"`
	Processed bool      `json:"processed"`
}
