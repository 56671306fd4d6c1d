// Package gateway abstracts the external payment processors. Each processor has one adapter;
// callers only see ExternalIntent, ExternalRefund and Event, with amounts in major units.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrDeclined          = errors.New("payment declined by processor")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnavailable       = errors.New("payment processor unavailable")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrUnknownProcessor  = errors.New("unknown payment processor")
	ErrInvalidRequest    = errors.New("processor rejected request")
)

// DeclineError is a money problem reported by the processor. It unwraps to ErrDeclined or
// ErrInsufficientFunds and keeps the processor's reason text.
type DeclineError struct {
	Kind   error
	Code   string
	Reason string
}

func (e *DeclineError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *DeclineError) Unwrap() error { return e.Kind }

// IntentRequest is the input to CreateIntent.
type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundRequest is the input to CreateRefund. A nil Amount refunds the full charge.
type RefundRequest struct {
	ExternalTransactionID string
	Amount                *decimal.Decimal
	Currency              string
	Reason                string
	Metadata              map[string]string
	IdempotencyKey        string
}

// ExternalIntent is the processor's view of a payment intent. Status is the processor's raw
// status string; MapIntentStatus and TransactionStatusFor translate it.
type ExternalIntent struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	ClientSecret    string            `json:"clientSecret,omitempty"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	PaymentMethodID string            `json:"paymentMethodId,omitempty"`
	FailureCode     string            `json:"failureCode,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExternalRefund is the processor's view of a refund.
type ExternalRefund struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentIntentID  string          `json:"paymentIntentId,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	LocalReferenceID string          `json:"localReferenceId,omitempty"`
}

// Event is a verified, normalized processor notification. Type is one of the domain.Event*
// constants, or empty when the processor type has no mapping (RawType keeps the original).
type Event struct {
	ID         string
	Type       string
	RawType    string
	Intent     *ExternalIntent
	Refund     *ExternalRefund
	OccurredAt time.Time
}

// StoredType is the event type recorded in the webhook ledger.
func (e *Event) StoredType() string {
	if e.Type != "" {
		return e.Type
	}
	return e.RawType
}

// Gateway is the contract every processor adapter implements.
type Gateway interface {
	Name() string
	SignatureHeader() string
	CreateIntent(ctx context.Context, req IntentRequest) (*ExternalIntent, error)
	ConfirmIntent(ctx context.Context, externalID, paymentMethodRef string) (*ExternalIntent, error)
	CancelIntent(ctx context.Context, externalID string) (*ExternalIntent, error)
	RetrieveIntent(ctx context.Context, externalID string) (*ExternalIntent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*ExternalRefund, error)
	RetrieveRefund(ctx context.Context, externalRefundID string) (*ExternalRefund, error)
	// VerifyEvent authenticates a raw webhook body against its signature header value.
	VerifyEvent(payload []byte, signature string) (*Event, error)
	// ParseEvent decodes a payload that was verified when it was first received.
	ParseEvent(payload []byte) (*Event, error)
}

// intentStatusTable is the fixed lookup from processor intent statuses to ours.
var intentStatusTable = map[string]domain.IntentStatus{
	"requires_payment_method": domain.IntentRequiresPaymentMethod,
	"requires_confirmation":   domain.IntentRequiresConfirmation,
	"requires_action":         domain.IntentRequiresAction,
	"requires_capture":        domain.IntentProcessing,
	"processing":              domain.IntentProcessing,
	"succeeded":               domain.IntentSucceeded,
	"canceled":                domain.IntentCancelled,
	"cancelled":               domain.IntentCancelled,
}

// MapIntentStatus translates a processor intent status. Unknown statuses report false.
func MapIntentStatus(raw string) (domain.IntentStatus, bool) {
	status, ok := intentStatusTable[strings.ToLower(raw)]
	return status, ok
}

// TransactionStatusFor translates a processor intent status into the status of the
// transaction that records it. requires_payment_method means the attempt failed.
func TransactionStatusFor(raw string) (domain.TransactionStatus, bool) {
	switch strings.ToLower(raw) {
	case "succeeded":
		return domain.TransactionSucceeded, true
	case "processing", "requires_capture":
		return domain.TransactionProcessing, true
	case "requires_action", "requires_confirmation":
		return domain.TransactionPending, true
	case "canceled", "cancelled":
		return domain.TransactionCancelled, true
	case "requires_payment_method":
		return domain.TransactionFailed, true
	}
	return "", false
}

// MapRefundStatus translates a processor refund status.
func MapRefundStatus(raw string) (domain.RefundStatus, bool) {
	switch strings.ToLower(raw) {
	case "pending", "requires_action":
		return domain.RefundPending, true
	case "processing":
		return domain.RefundProcessing, true
	case "succeeded":
		return domain.RefundSucceeded, true
	case "failed":
		return domain.RefundFailed, true
	case "canceled", "cancelled":
		return domain.RefundCancelled, true
	}
	return "", false
}

// Registry resolves processor names to adapters.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry builds a registry. defaultName must be one of the given gateways.
func NewRegistry(defaultName string, gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways)), defaultName: strings.ToLower(defaultName)}
	for _, g := range gateways {
		r.gateways[strings.ToLower(g.Name())] = g
	}
	if _, ok := r.gateways[r.defaultName]; !ok {
		return nil, fmt.Errorf("%w: default processor %q is not configured", ErrUnknownProcessor, defaultName)
	}
	return r, nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return g, nil
}

// Default returns the adapter used for new intents.
func (r *Registry) Default() Gateway {
	return r.gateways[r.defaultName]
}

// Names lists the configured processors in sorted order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.gateways)
	sort.Strings(names)
	return names
}
