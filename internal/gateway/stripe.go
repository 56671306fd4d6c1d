package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/transfa/payment-service/internal/domain"
)

// StripeName is the processor name stored on Stripe-backed records.
const StripeName = "stripe"

// StripeConfig configures the Stripe adapter. APIBaseURL and HTTPClient are only set
// when pointing the client somewhere other than api.stripe.com.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	APIBaseURL    string
	HTTPClient    *http.Client
}

// StripeGateway implements Gateway on the Stripe PaymentIntents and Refunds APIs.
type StripeGateway struct {
	client        *client.API
	webhookSecret string
}

// NewStripeGateway creates a Stripe adapter with its own client; no global stripe.Key state is used.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	sc := &client.API{}
	var backends *stripe.Backends
	if cfg.APIBaseURL != "" || cfg.HTTPClient != nil {
		backendCfg := &stripe.BackendConfig{
			HTTPClient:        cfg.HTTPClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if cfg.APIBaseURL != "" {
			backendCfg.URL = stripe.String(cfg.APIBaseURL)
		}
		backends = &stripe.Backends{API: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)}
	}
	sc.Init(cfg.SecretKey, backends)
	return &StripeGateway{client: sc, webhookSecret: cfg.WebhookSecret}
}

func (g *StripeGateway) Name() string            { return StripeName }
func (g *StripeGateway) SignatureHeader() string { return "Stripe-Signature" }

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*ExternalIntent, error) {
	minor, err := domain.ToMinor(req.Amount, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, externalID, paymentMethodRef string) (*ExternalIntent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
	}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.Confirm(externalID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.Cancel(externalID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.Get(externalID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*ExternalRefund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.ExternalTransactionID)}
	if req.Amount != nil {
		minor, err := domain.ToMinor(*req.Amount, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		params.Amount = stripe.Int64(minor)
	}
	if reason := stripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	re, err := g.client.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return refundFromStripe(re), nil
}

func (g *StripeGateway) RetrieveRefund(ctx context.Context, externalRefundID string) (*ExternalRefund, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx

	re, err := g.client.Refunds.Get(externalRefundID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return refundFromStripe(re), nil
}

// VerifyEvent checks the Stripe-Signature header (timestamp tolerance included) before decoding.
func (g *StripeGateway) VerifyEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return eventFromStripe(event)
}

func (g *StripeGateway) ParseEvent(payload []byte) (*Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	return eventFromStripe(event)
}

func eventFromStripe(event stripe.Event) (*Event, error) {
	out := &Event{
		ID:         event.ID,
		RawType:    string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled",
		"payment_intent.processing", "payment_intent.requires_action":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent in event %s: %w", event.ID, err)
		}
		out.Intent = intentFromStripe(&pi)
		out.Type = stripeIntentEventTypes[string(event.Type)]
	case "refund.created", "refund.updated", "refund.failed", "charge.refund.updated":
		var re stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &re); err != nil {
			return nil, fmt.Errorf("decode refund in event %s: %w", event.ID, err)
		}
		out.Refund = refundFromStripe(&re)
		out.Type = refundEventType(out.Refund.Status)
	}
	return out, nil
}

var stripeIntentEventTypes = map[string]string{
	"payment_intent.succeeded":       domain.EventPaymentIntentSucceeded,
	"payment_intent.payment_failed":  domain.EventPaymentIntentFailed,
	"payment_intent.canceled":        domain.EventPaymentIntentCancelled,
	"payment_intent.processing":      domain.EventPaymentIntentProcessing,
	"payment_intent.requires_action": domain.EventPaymentIntentRequiresAction,
}

func refundEventType(status string) string {
	mapped, _ := MapRefundStatus(status)
	switch mapped {
	case domain.RefundSucceeded:
		return domain.EventRefundSucceeded
	case domain.RefundFailed:
		return domain.EventRefundFailed
	case domain.RefundCancelled:
		return domain.EventRefundCancelled
	}
	return domain.EventRefundUpdated
}

func intentFromStripe(pi *stripe.PaymentIntent) *ExternalIntent {
	currency := strings.ToUpper(string(pi.Currency))
	out := &ExternalIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Amount:       domain.FromMinor(pi.Amount, currency),
		Currency:     currency,
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.LastPaymentError != nil {
		out.FailureCode = string(pi.LastPaymentError.Code)
		out.FailureReason = pi.LastPaymentError.Msg
	}
	return out
}

func refundFromStripe(re *stripe.Refund) *ExternalRefund {
	currency := strings.ToUpper(string(re.Currency))
	out := &ExternalRefund{
		ID:            re.ID,
		Status:        string(re.Status),
		Amount:        domain.FromMinor(re.Amount, currency),
		Currency:      currency,
		FailureReason: string(re.FailureReason),
	}
	if re.PaymentIntent != nil {
		out.PaymentIntentID = re.PaymentIntent.ID
	}
	if re.Metadata != nil {
		out.LocalReferenceID = re.Metadata[refundReferenceKey]
	}
	return out
}

// refundReferenceKey is the metadata key carrying the local refund id to the processor.
const refundReferenceKey = "refundId"

// RefundReferenceMetadata returns processor metadata linking a refund back to its local id.
func RefundReferenceMetadata(refundID string) map[string]string {
	return map[string]string{refundReferenceKey: refundID}
}

// stripeRefundReason keeps only reasons Stripe accepts; free text stays in our ledger.
func stripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "duplicate", "fraudulent", "requested_by_customer":
		return strings.ToLower(strings.TrimSpace(reason))
	}
	return ""
}

// mapStripeError converts stripe-go errors into gateway errors so callers never import stripe.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.DeclineCode == stripe.DeclineCodeInsufficientFunds,
			stripeErr.Code == stripe.ErrorCodeBalanceInsufficient:
			return &DeclineError{Kind: ErrInsufficientFunds, Code: string(stripeErr.Code), Reason: stripeErr.Msg}
		case stripeErr.Code == stripe.ErrorCodeCardDeclined,
			stripeErr.Code == stripe.ErrorCodeExpiredCard,
			stripeErr.Code == stripe.ErrorCodeIncorrectCVC,
			stripeErr.Type == stripe.ErrorTypeCard:
			return &DeclineError{Kind: ErrDeclined, Code: string(stripeErr.Code), Reason: stripeErr.Msg}
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.Code == stripe.ErrorCodeRateLimit,
			stripeErr.Code == stripe.ErrorCodeLockTimeout:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %s", ErrInvalidRequest, stripeErr.Msg)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if isRetryableSystemError(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("stripe: %w", err)
}
