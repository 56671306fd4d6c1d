/**
 * @description
 * Domain models for payment intents: the tracked promise to charge an amount
 * before the payer confirms it.
 *
 * @notes
 * - Amounts are fixed-precision decimals in major units; conversion to the
 *   processor's minor unit happens only at the gateway boundary.
 * - (ServiceName, ServiceTransactionID) is the caller's idempotency key.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentIntent maps to the `payment_intents` table.
type PaymentIntent struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               *string         `json:"userId,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               IntentStatus    `json:"status"`
	Provider             string          `json:"provider"`
	ProviderIntentID     *string         `json:"processorIntentId,omitempty"`
	ServiceName          string          `json:"ownerServiceName"`
	ServiceTransactionID string          `json:"ownerTransactionId"`
	ClientSecret         *string         `json:"clientSecret,omitempty"`
	Description          *string         `json:"description,omitempty"`
	Metadata             Metadata        `json:"metadata,omitempty"`
	ExpiresAt            *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// IsExpired reports whether the intent passed its expiry without reaching processing.
func (p *PaymentIntent) IsExpired(now time.Time) bool {
	if p.ExpiresAt == nil || p.Status.IsTerminal() || p.Status == IntentProcessing {
		return false
	}
	return now.After(*p.ExpiresAt)
}

// CreatePaymentIntentRequest is the DTO for POST /payment-intents.
type CreatePaymentIntentRequest struct {
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	OwnerServiceName   string          `json:"ownerServiceName"`
	OwnerTransactionID string          `json:"ownerTransactionId"`
	Description        string          `json:"description"`
	Metadata           Metadata        `json:"metadata"`
}

// ConfirmPaymentRequest is the DTO for POST /payments.
type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	PaymentMethodID string `json:"paymentMethodId"`
}
