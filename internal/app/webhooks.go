package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrDispatchFailed marks a stored event whose re-application failed; it stays unprocessed.
	ErrDispatchFailed = errors.New("webhook event dispatch failed")
	// ErrUnreadablePayload marks a stored event whose payload no longer parses.
	ErrUnreadablePayload = errors.New("stored webhook payload cannot be parsed")
)

// IngestWebhook verifies, claims and applies one processor notification.
//
// The claim is an insert against the (provider, provider_event_id) unique index, so of two
// concurrent deliveries exactly one proceeds. Once claimed the call succeeds even when
// dispatch fails; the event then stays unprocessed for re-drive.
func (s *Service) IngestWebhook(ctx context.Context, processor string, payload []byte, signature string) (*domain.WebhookIngestResult, error) {
	gw, err := s.gateways.Get(processor)
	if err != nil {
		return nil, gatewayError(err)
	}
	logger := s.logger.With(zap.String("endpoint", "webhook"), zap.String("provider", gw.Name()))

	event, err := gw.VerifyEvent(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			logger.Warn("webhook signature verification failed", zap.Error(err))
			return nil, domain.NewError(domain.KindInvalidSignature, "webhook signature verification failed").WithCause(err)
		}
		logger.Warn("malformed webhook payload", zap.Error(err))
		return nil, domain.NewError(domain.KindValidation, "malformed webhook payload").WithCause(err)
	}

	record := &domain.WebhookEvent{
		ID:              uuid.New(),
		Provider:        gw.Name(),
		ProviderEventID: event.ID,
		EventType:       event.StoredType(),
		Payload:         payload,
	}
	claimed, err := s.repo.ClaimWebhookEvent(ctx, record)
	if err != nil {
		return nil, storeError(err)
	}
	if !claimed {
		result := &domain.WebhookIngestResult{Duplicate: true}
		if existing, findErr := s.repo.FindWebhookEventByProviderEventID(ctx, gw.Name(), event.ID); findErr == nil {
			result.EventID = existing.ID
			result.Processed = existing.Processed
		}
		logger.Info("duplicate webhook event acknowledged",
			zap.String("provider_event_id", event.ID),
			zap.String("event_type", record.EventType),
		)
		return result, nil
	}

	processed := s.processWebhookEvent(context.WithoutCancel(ctx), record, event)
	return &domain.WebhookIngestResult{EventID: record.ID, Processed: processed}, nil
}

// processWebhookEvent dispatches a claimed event and marks it processed on success.
func (s *Service) processWebhookEvent(ctx context.Context, record *domain.WebhookEvent, event *gateway.Event) bool {
	logger := s.logger.With(
		zap.String("event_id", record.ID.String()),
		zap.String("provider", record.Provider),
		zap.String("provider_event_id", record.ProviderEventID),
		zap.String("event_type", record.EventType),
	)
	if err := s.dispatch(ctx, record.Provider, event); err != nil {
		logger.Error("webhook dispatch failed, event left for re-drive", zap.Error(err))
		return false
	}
	marked, err := s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	if err != nil {
		logger.Error("failed to mark webhook event processed", zap.Error(err))
		return false
	}
	if marked {
		logger.Info("webhook event processed")
	}
	return true
}

// ignorableOutcome reports errors that mean "nothing to apply": stale or out-of-order
// statuses and records this ledger does not know.
func ignorableOutcome(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInvalidState, domain.KindPaymentIntentNotFound, domain.KindTransactionNotFound, domain.KindRefundNotFound:
		return true
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, provider string, event *gateway.Event) error {
	var err error
	switch {
	case event.Type == "":
		s.logger.Info("unhandled webhook event type acknowledged",
			zap.String("provider", provider), zap.String("raw_type", event.RawType))
		return nil
	case strings.HasPrefix(event.Type, "paymentIntent.") && event.Intent != nil:
		err = s.applyIntentSnapshot(ctx, provider, event.Type, event.Intent)
	case strings.HasPrefix(event.Type, "refund.") && event.Refund != nil:
		_, err = s.ApplyRefundOutcome(ctx, provider, event.Refund)
	default:
		s.logger.Info("webhook event without applicable object acknowledged",
			zap.String("provider", provider), zap.String("event_type", event.Type))
		return nil
	}
	if err != nil && ignorableOutcome(err) {
		s.logger.Info("webhook outcome not applied",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("reason", err.Error()),
		)
		return nil
	}
	return err
}

// intentEventStatus is the processor status implied by a normalized intent event. The
// event type wins over the embedded object, which may lag behind it.
var intentEventStatus = map[string]string{
	domain.EventPaymentIntentSucceeded:      "succeeded",
	domain.EventPaymentIntentFailed:         "requires_payment_method",
	domain.EventPaymentIntentCancelled:      "canceled",
	domain.EventPaymentIntentProcessing:     "processing",
	domain.EventPaymentIntentRequiresAction: "requires_action",
}

// applyIntentSnapshot brings the intent and its transaction in line with a processor intent.
// When the processor reports money moving for an intent that has no transaction yet (the
// client never confirmed through this service, or its confirmation response was lost), the
// transaction is recorded here.
func (s *Service) applyIntentSnapshot(ctx context.Context, provider, eventType string, ext *gateway.ExternalIntent) error {
	raw := ext.Status
	if implied, ok := intentEventStatus[eventType]; ok {
		raw = implied
	}
	txStatus, txKnown := gateway.TransactionStatusFor(raw)
	intentStatus, intentKnown := gateway.MapIntentStatus(raw)
	if !txKnown && !intentKnown {
		s.logger.Warn("unknown processor intent status ignored",
			zap.String("provider", provider), zap.String("processor_status", raw))
		return nil
	}

	intent, err := s.repo.FindPaymentIntentByProviderIntentID(ctx, provider, ext.ID)
	if err != nil && !errors.Is(err, store.ErrPaymentIntentNotFound) {
		return storeError(err)
	}

	tx, err := s.repo.FindTransactionByProviderTransactionID(ctx, provider, ext.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTransactionNotFound):
		tx = nil
	default:
		return storeError(err)
	}

	if tx == nil && intent != nil && txKnown &&
		(txStatus == domain.TransactionSucceeded || txStatus == domain.TransactionProcessing) {
		recorded, created, err := s.recordConfirmation(ctx, intent, ext, txStatus, nil)
		if err != nil {
			return err
		}
		if created {
			tx = nil
		} else {
			tx = recorded
		}
	}

	if tx != nil && txKnown {
		var reason *string
		if txStatus == domain.TransactionFailed {
			reason = optionalString(ext.FailureReason)
			if reason == nil {
				reason = optionalString("payment failed at processor")
			}
		}
		if _, _, err := s.transitionTransaction(ctx, tx, txStatus, reason, nil); err != nil && !ignorableOutcome(err) {
			return err
		}
	}

	if intent == nil {
		if tx == nil {
			return domain.Errorf(domain.KindPaymentIntentNotFound, "no payment intent for processor intent %s", ext.ID)
		}
		return nil
	}
	if intentKnown {
		if _, _, err := s.transitionIntent(ctx, intent, intentStatus); err != nil && !ignorableOutcome(err) {
			return err
		}
	}
	return nil
}

// Redrive re-applies one stored webhook event from its verified payload.
func (s *Service) Redrive(ctx context.Context, rawID string) (*domain.WebhookIngestResult, error) {
	id, err := parseID(rawID, "webhook event")
	if err != nil {
		return nil, err
	}
	record, err := s.repo.FindWebhookEventByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if record.Processed {
		return &domain.WebhookIngestResult{EventID: record.ID, Processed: true}, nil
	}
	if err := s.redriveRecord(ctx, record); err != nil {
		return nil, err
	}
	return &domain.WebhookIngestResult{EventID: record.ID, Processed: true}, nil
}

func (s *Service) redriveRecord(ctx context.Context, record *domain.WebhookEvent) error {
	gw, err := s.gateways.Get(record.Provider)
	if err != nil {
		return gatewayError(err)
	}
	event, err := gw.ParseEvent(record.Payload)
	if err != nil {
		return domain.NewError(domain.KindInternal, ErrUnreadablePayload.Error()).
			WithCause(fmt.Errorf("%w: %v", ErrUnreadablePayload, err))
	}
	if !s.processWebhookEvent(ctx, record, event) {
		return domain.NewError(domain.KindInternal, ErrDispatchFailed.Error()).
			WithDetail("eventId", record.ID.String()).
			WithCause(ErrDispatchFailed)
	}
	return nil
}

// RedriveUnprocessed re-applies up to limit unprocessed events received more than olderThan ago.
func (s *Service) RedriveUnprocessed(ctx context.Context, olderThan time.Duration, limit int) error {
	events, err := s.repo.ListUnprocessedWebhookEvents(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return fmt.Errorf("list unprocessed webhook events: %w", err)
	}
	var result *multierror.Error
	for i := range events {
		if err := s.redriveRecord(ctx, &events[i]); err != nil {
			result = multierror.Append(result, fmt.Errorf("webhook event %s: %w", events[i].ID, err))
		}
	}
	return result.ErrorOrNil()
}
