/**
 * @description
 * Domain models for the transaction ledger: the durable record of an attempted
 * or completed movement of money.
 *
 * @notes
 * - A Transaction is never deleted; Status (with FailureReason/ProcessedAt) is
 *   the only thing that changes after insert.
 * - Transactions relate to intents through the owner key, not a foreign key.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID                    uuid.UUID         `json:"id"`
	UserID                *string           `json:"userId,omitempty"`
	PaymentMethodID       *uuid.UUID        `json:"paymentMethodId,omitempty"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                TransactionStatus `json:"status"`
	Type                  TransactionType   `json:"type"`
	Provider              string            `json:"provider"`
	ProviderTransactionID *string           `json:"processorTransactionId,omitempty"`
	ServiceName           string            `json:"ownerServiceName"`
	ServiceTransactionID  string            `json:"ownerTransactionId"`
	Description           *string           `json:"description,omitempty"`
	Metadata              Metadata          `json:"metadata,omitempty"`
	FailureReason         *string           `json:"failureReason,omitempty"`
	ProcessedAt           *time.Time        `json:"processedAt,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// TransactionWithRefunds is the detail view returned by GET /payments/{id}.
type TransactionWithRefunds struct {
	Transaction
	Refunds          []Refund        `json:"refunds"`
	RefundableAmount decimal.Decimal `json:"refundableAmount"`
}

// TransactionFilter carries the GET /payments query.
type TransactionFilter struct {
	UserID    *string
	Status    *TransactionStatus
	Type      *TransactionType
	Provider  *string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

// Offset returns the row offset for the filter's page.
func (f TransactionFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Pagination describes a page of results.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes page counts for total rows.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// TransactionPage is the GET /payments response body.
type TransactionPage struct {
	Data       []Transaction `json:"data"`
	Pagination Pagination    `json:"pagination"`
}
