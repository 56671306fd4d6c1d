package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetadataFailureReasonKey holds a refund's failure reason inside its metadata.
const MetadataFailureReasonKey = "failureReason"

// Refund maps to the `refunds` table. A refund reverses part or all of one
// succeeded payment Transaction.
type Refund struct {
	ID               uuid.UUID       `json:"id"`
	TransactionID    uuid.UUID       `json:"transactionId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           RefundStatus    `json:"status"`
	Provider         string          `json:"provider"`
	ProviderRefundID *string         `json:"processorRefundId,omitempty"`
	Reason           *string         `json:"reason,omitempty"`
	Metadata         Metadata        `json:"metadata,omitempty"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// FailureReason returns the recorded failure reason, if any.
func (r *Refund) FailureReason() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetadataFailureReasonKey]
}

// CreateRefundRequest is the DTO for POST /refunds. A nil Amount refunds the full transaction amount.
type CreateRefundRequest struct {
	TransactionID string           `json:"transactionId"`
	Amount        *decimal.Decimal `json:"amount"`
	Reason        string           `json:"reason"`
	Metadata      Metadata         `json:"metadata"`
}
