package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod maps to the `payment_methods` table: a processor-side
// instrument (card, bank account) saved for a user.
type PaymentMethod struct {
	ID                      uuid.UUID `json:"id"`
	UserID                  string    `json:"userId"`
	Type                    string    `json:"type"`
	Provider                string    `json:"provider"`
	ProviderPaymentMethodID string    `json:"providerPaymentMethodId"`
	IsDefault               bool      `json:"isDefault"`
	Metadata                Metadata  `json:"metadata,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// CreatePaymentMethodRequest is the DTO for POST /payment-methods.
type CreatePaymentMethodRequest struct {
	Type                    string   `json:"type"`
	Provider                string   `json:"provider"`
	ProviderPaymentMethodID string   `json:"providerPaymentMethodId"`
	IsDefault               bool     `json:"isDefault"`
	Metadata                Metadata `json:"metadata"`
}
