package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
)

// SandboxName is the processor name of the in-process sandbox.
const SandboxName = "sandbox"

// SandboxOutcomeKey steers the sandbox: decline, insufficient_funds, unavailable or processing
// on confirmation. SandboxRefundOutcomeKey does the same for refunds: pending, fail or unavailable.
const (
	SandboxOutcomeKey       = "sandbox_outcome"
	SandboxRefundOutcomeKey = "sandbox_refund_outcome"
)

// Payment method references the sandbox always declines.
const (
	SandboxDeclinedCard          = "pm_card_declined"
	SandboxInsufficientFundsCard = "pm_card_insufficient_funds"
)

// SandboxGateway is an in-memory processor used for local development and tests.
// Webhooks are signed with HMAC-SHA256 over the raw body, hex encoded.
type SandboxGateway struct {
	secret string

	mu          sync.Mutex
	intents     map[string]*ExternalIntent
	refunds     map[string]*ExternalRefund
	idempotency map[string]string
}

func NewSandboxGateway(webhookSecret string) *SandboxGateway {
	return &SandboxGateway{
		secret:      webhookSecret,
		intents:     make(map[string]*ExternalIntent),
		refunds:     make(map[string]*ExternalRefund),
		idempotency: make(map[string]string),
	}
}

func (s *SandboxGateway) Name() string            { return SandboxName }
func (s *SandboxGateway) SignatureHeader() string { return "X-Sandbox-Signature" }

func newSandboxID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *SandboxGateway) CreateIntent(ctx context.Context, req IntentRequest) (*ExternalIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if _, err := domain.ToMinor(req.Amount, req.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idempotency[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return cloneIntent(s.intents[id]), nil
	}
	id := newSandboxID("pi")
	intent := &ExternalIntent{
		ID:           id,
		Status:       "requires_payment_method",
		ClientSecret: id + "_secret_" + newSandboxID("cs")[3:19],
		Amount:       req.Amount,
		Currency:     strings.ToUpper(req.Currency),
		Metadata:     copyMetadata(req.Metadata),
	}
	s.intents[id] = intent
	if req.IdempotencyKey != "" {
		s.idempotency[req.IdempotencyKey] = id
	}
	return cloneIntent(intent), nil
}

func (s *SandboxGateway) ConfirmIntent(ctx context.Context, externalID, paymentMethodRef string) (*ExternalIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrInvalidRequest, externalID)
	}
	switch intent.Status {
	case "succeeded", "processing":
		return cloneIntent(intent), nil
	case "canceled":
		return nil, fmt.Errorf("%w: payment intent %q is canceled", ErrInvalidRequest, externalID)
	}

	outcome := intent.Metadata[SandboxOutcomeKey]
	switch paymentMethodRef {
	case SandboxDeclinedCard:
		outcome = "decline"
	case SandboxInsufficientFundsCard:
		outcome = "insufficient_funds"
	}
	if paymentMethodRef != "" {
		intent.PaymentMethodID = paymentMethodRef
	}

	switch outcome {
	case "decline":
		intent.Status = "requires_payment_method"
		intent.FailureCode, intent.FailureReason = "card_declined", "Your card was declined."
		return nil, &DeclineError{Kind: ErrDeclined, Code: intent.FailureCode, Reason: intent.FailureReason}
	case "insufficient_funds":
		intent.Status = "requires_payment_method"
		intent.FailureCode, intent.FailureReason = "card_declined", "Your card has insufficient funds."
		return nil, &DeclineError{Kind: ErrInsufficientFunds, Code: intent.FailureCode, Reason: intent.FailureReason}
	case "unavailable":
		return nil, fmt.Errorf("%w: sandbox outage", ErrUnavailable)
	case "processing":
		intent.Status = "processing"
	default:
		intent.Status = "succeeded"
	}
	intent.FailureCode, intent.FailureReason = "", ""
	return cloneIntent(intent), nil
}

func (s *SandboxGateway) CancelIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrInvalidRequest, externalID)
	}
	if intent.Status == "succeeded" {
		return nil, fmt.Errorf("%w: payment intent %q already succeeded", ErrInvalidRequest, externalID)
	}
	intent.Status = "canceled"
	return cloneIntent(intent), nil
}

func (s *SandboxGateway) RetrieveIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrInvalidRequest, externalID)
	}
	return cloneIntent(intent), nil
}

// SettleIntent moves a processing intent to succeeded or back to requires_payment_method,
// standing in for the processor finishing asynchronously.
func (s *SandboxGateway) SettleIntent(externalID string, succeeded bool) (*ExternalIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrInvalidRequest, externalID)
	}
	if succeeded {
		intent.Status = "succeeded"
	} else {
		intent.Status = "requires_payment_method"
		intent.FailureCode, intent.FailureReason = "card_declined", "Your card was declined."
	}
	return cloneIntent(intent), nil
}

func (s *SandboxGateway) CreateRefund(ctx context.Context, req RefundRequest) (*ExternalRefund, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idempotency[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return cloneRefund(s.refunds[id]), nil
	}
	intent, ok := s.intents[req.ExternalTransactionID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrInvalidRequest, req.ExternalTransactionID)
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("%w: payment intent %q has not succeeded", ErrInvalidRequest, intent.ID)
	}

	amount := intent.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	refunded := decimal.Zero
	for _, r := range s.refunds {
		if r.PaymentIntentID == intent.ID && r.Status != "failed" && r.Status != "canceled" {
			refunded = refunded.Add(r.Amount)
		}
	}
	if amount.Add(refunded).GreaterThan(intent.Amount) {
		return nil, fmt.Errorf("%w: refund of %s exceeds remaining %s", ErrInvalidRequest, amount, intent.Amount.Sub(refunded))
	}

	refund := &ExternalRefund{
		ID:               newSandboxID("re"),
		Amount:           amount,
		Currency:         intent.Currency,
		PaymentIntentID:  intent.ID,
		LocalReferenceID: req.Metadata[refundReferenceKey],
	}
	switch intent.Metadata[SandboxRefundOutcomeKey] {
	case "unavailable":
		return nil, fmt.Errorf("%w: sandbox outage", ErrUnavailable)
	case "pending":
		refund.Status = "pending"
	case "fail":
		refund.Status = "failed"
		refund.FailureReason = "charge_for_pending_refund_disputed"
	default:
		refund.Status = "succeeded"
	}
	s.refunds[refund.ID] = refund
	if req.IdempotencyKey != "" {
		s.idempotency[req.IdempotencyKey] = refund.ID
	}
	return cloneRefund(refund), nil
}

func (s *SandboxGateway) RetrieveRefund(ctx context.Context, externalRefundID string) (*ExternalRefund, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refunds[externalRefundID]
	if !ok {
		return nil, fmt.Errorf("%w: no such refund %q", ErrInvalidRequest, externalRefundID)
	}
	return cloneRefund(refund), nil
}

// SettleRefund finalizes a pending refund.
func (s *SandboxGateway) SettleRefund(externalRefundID string, succeeded bool) (*ExternalRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refunds[externalRefundID]
	if !ok {
		return nil, fmt.Errorf("%w: no such refund %q", ErrInvalidRequest, externalRefundID)
	}
	if succeeded {
		refund.Status = "succeeded"
	} else {
		refund.Status = "failed"
		refund.FailureReason = "expired_or_canceled_card"
	}
	return cloneRefund(refund), nil
}

// sandboxEvent is the sandbox webhook body. Type already uses the normalized event names.
type sandboxEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Intent  *ExternalIntent `json:"intent,omitempty"`
	Refund  *ExternalRefund `json:"refund,omitempty"`
}

// NewSandboxEvent builds a webhook body for the sandbox. Sign it with Sign before delivery.
func NewSandboxEvent(eventID, eventType string, intent *ExternalIntent, refund *ExternalRefund) ([]byte, error) {
	return json.Marshal(sandboxEvent{
		ID:      eventID,
		Type:    eventType,
		Created: time.Now().Unix(),
		Intent:  intent,
		Refund:  refund,
	})
}

// Sign returns the signature header value for payload.
func (s *SandboxGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *SandboxGateway) VerifyEvent(payload []byte, signature string) (*Event, error) {
	if s.secret == "" {
		return nil, fmt.Errorf("%w: sandbox webhook secret is not configured", ErrInvalidSignature)
	}
	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return s.ParseEvent(payload)
}

func (s *SandboxGateway) ParseEvent(payload []byte) (*Event, error) {
	var raw sandboxEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode sandbox event: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("decode sandbox event: missing id")
	}
	event := &Event{
		ID:         raw.ID,
		RawType:    raw.Type,
		Intent:     raw.Intent,
		Refund:     raw.Refund,
		OccurredAt: time.Unix(raw.Created, 0).UTC(),
	}
	switch raw.Type {
	case domain.EventPaymentIntentSucceeded, domain.EventPaymentIntentFailed, domain.EventPaymentIntentCancelled,
		domain.EventPaymentIntentProcessing, domain.EventPaymentIntentRequiresAction:
		if raw.Intent != nil {
			event.Type = raw.Type
		}
	case domain.EventRefundSucceeded, domain.EventRefundFailed, domain.EventRefundCancelled, domain.EventRefundUpdated:
		if raw.Refund != nil {
			event.Type = raw.Type
		}
	}
	return event, nil
}

func cloneIntent(in *ExternalIntent) *ExternalIntent {
	out := *in
	out.Metadata = copyMetadata(in.Metadata)
	return &out
}

func cloneRefund(in *ExternalRefund) *ExternalRefund {
	out := *in
	return &out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
