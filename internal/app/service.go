/**
 * @description
 * This file contains the core wiring of the payment-service business layer. The `Service`
 * struct coordinates the ledger repository, the processor gateways and the event publisher.
 * The use cases live in sibling files: intents.go (PaymentIntentManager), transactions.go
 * (TransactionRecorder), refunds.go (RefundProcessor) and webhooks.go (WebhookIngester).
 *
 * Key features:
 * - Every status change goes through a compare-and-swap in the repository, so a webhook and a
 *   synchronous processor response can race without corrupting the state machines.
 * - Store and gateway failures are translated into tagged domain errors in one place.
 * - Domain events are published once per materialized status change; a failed publish is
 *   logged and never rolls back the ledger.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - golang.org/x/sync/singleflight: collapses concurrent confirmations of one intent.
 * - internal/domain, internal/store, internal/gateway.
 */

package app

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds the business settings of the Service.
type Config struct {
	DefaultCurrency                string
	IntentTTL                      time.Duration
	ConfirmLockTTL                 time.Duration
	IntentCreateRateLimitPerMinute int
}

// EventPublisher delivers domain events to downstream consumers.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error
}

// Service provides the core business logic for payments.
type Service struct {
	repo     store.Repository
	gateways *gateway.Registry
	events   EventPublisher
	locker   ConfirmationLocker
	limiter  RateLimiter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	confirmGroup singleflight.Group
}

// Option customizes a Service.
type Option func(*Service)

// WithConfirmationLocker replaces the process-local confirmation lock, typically with RedisLocker.
func WithConfirmationLocker(locker ConfirmationLocker) Option {
	return func(s *Service) { s.locker = locker }
}

// WithRateLimiter enables the per-service intent creation limit.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new payment service instance.
func NewService(repo store.Repository, gateways *gateway.Registry, events EventPublisher, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 24 * time.Hour
	}
	if cfg.ConfirmLockTTL <= 0 {
		cfg.ConfirmLockTTL = time.Minute
	}
	s := &Service{
		repo:     repo,
		gateways: gateways,
		events:   events,
		locker:   NewMemoryLocker(),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "payment_service")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(ctx context.Context, event domain.PaymentEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishPaymentEvent(ctx, event); err != nil {
		s.logger.Error("failed to publish payment event",
			zap.String("event_type", event.Type),
			zap.String("entity_id", event.EntityID.String()),
			zap.Error(err),
		)
	}
}

// storeError translates repository sentinels into domain errors.
func storeError(err error) error {
	var de *domain.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return de
	case errors.Is(err, store.ErrPaymentIntentNotFound):
		return domain.NewError(domain.KindPaymentIntentNotFound, "payment intent not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		return domain.NewError(domain.KindTransactionNotFound, "transaction not found")
	case errors.Is(err, store.ErrRefundNotFound):
		return domain.NewError(domain.KindRefundNotFound, "refund not found")
	case errors.Is(err, store.ErrPaymentMethodNotFound):
		return domain.NewError(domain.KindPaymentMethodNotFound, "payment method not found")
	case errors.Is(err, store.ErrWebhookEventNotFound):
		return domain.NewError(domain.KindWebhookEventNotFound, "webhook event not found")
	case errors.Is(err, store.ErrDuplicateOwnerKey):
		return domain.NewError(domain.KindDuplicateTransaction, "a record already exists for this owner transaction")
	case errors.Is(err, store.ErrDuplicatePaymentMethod):
		return domain.NewError(domain.KindDuplicateTransaction, "payment method already saved").WithCode("DUPLICATE_PAYMENT_METHOD")
	case errors.Is(err, store.ErrTransactionNotRefundable):
		return domain.NewError(domain.KindInvalidState, "transaction is not refundable")
	case errors.Is(err, store.ErrRefundExceedsTransaction):
		return domain.NewError(domain.KindRefundExceedsTransaction, "refund exceeds remaining refundable amount")
	}
	return domain.NewError(domain.KindInternal, "internal server error").WithCause(err)
}

// gatewayError separates money problems (402) from infrastructure problems (503).
func gatewayError(err error) error {
	var decline *gateway.DeclineError
	if errors.As(err, &decline) {
		kind, message := domain.KindPaymentDeclined, "payment declined"
		if errors.Is(decline.Kind, gateway.ErrInsufficientFunds) {
			kind, message = domain.KindInsufficientFunds, "insufficient funds"
		}
		if decline.Reason != "" {
			message = decline.Reason
		}
		de := domain.NewError(kind, message).WithCause(err)
		if decline.Code != "" {
			de.WithDetail("declineCode", decline.Code)
		}
		return de
	}

	switch {
	case errors.Is(err, gateway.ErrInsufficientFunds):
		return domain.NewError(domain.KindInsufficientFunds, "insufficient funds").WithCause(err)
	case errors.Is(err, gateway.ErrDeclined):
		return domain.NewError(domain.KindPaymentDeclined, "payment declined").WithCause(err)
	case errors.Is(err, gateway.ErrInvalidSignature):
		return domain.NewError(domain.KindInvalidSignature, "webhook signature verification failed").WithCause(err)
	case errors.Is(err, gateway.ErrUnknownProcessor):
		return domain.NewError(domain.KindValidation, "unknown payment processor").WithCause(err)
	case errors.Is(err, gateway.ErrInvalidRequest):
		return domain.NewError(domain.KindValidation, "payment processor rejected the request").
			WithCode("PROCESSOR_REJECTED_REQUEST").WithCause(err)
	}
	return domain.NewError(domain.KindProcessorUnavailable, "payment processor unavailable").WithCause(err)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
