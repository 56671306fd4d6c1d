package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/store"
	"go.uber.org/zap"
)

const (
	maxOwnerFieldLength  = 255
	maxDescriptionLength = 1000
	intentCreateScope    = "intent_create"
)

// Processor metadata keys linking a processor intent back to this ledger.
const (
	metadataIntentIDKey           = "paymentIntentId"
	metadataOwnerServiceKey       = "ownerServiceName"
	metadataOwnerTransactionIDKey = "ownerTransactionId"
)

func duplicateIntentError(existing *domain.PaymentIntent) error {
	err := domain.NewError(domain.KindDuplicateTransaction, "a payment intent already exists for this owner transaction").
		WithCode("DUPLICATE_INTENT")
	if existing != nil {
		err.WithDetail("paymentIntentId", existing.ID.String())
	}
	return err
}

// CreateIntent opens a processor intent and records it locally in status created.
// A second request for the same owner key fails with DUPLICATE_INTENT.
func (s *Service) CreateIntent(ctx context.Context, principal domain.Principal, req domain.CreatePaymentIntentRequest) (*domain.PaymentIntent, error) {
	serviceName := strings.TrimSpace(req.OwnerServiceName)
	serviceTxID := strings.TrimSpace(req.OwnerTransactionID)
	if serviceName == "" || serviceTxID == "" {
		return nil, domain.NewError(domain.KindValidation, "ownerServiceName and ownerTransactionId are required")
	}
	if len(serviceName) > maxOwnerFieldLength || len(serviceTxID) > maxOwnerFieldLength {
		return nil, domain.Errorf(domain.KindValidation, "ownerServiceName and ownerTransactionId must not exceed %d characters", maxOwnerFieldLength)
	}
	currency := domain.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if err := domain.ValidateCurrency(currency); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}
	if err := domain.ValidateAmount(req.Amount, currency); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}
	description := strings.TrimSpace(req.Description)
	if len(description) > maxDescriptionLength {
		return nil, domain.Errorf(domain.KindValidation, "description must not exceed %d characters", maxDescriptionLength)
	}

	var userID *string
	if principal.UserID != "" {
		userID = optionalString(principal.UserID)
	} else if id, ok := req.Metadata.UserID(); ok {
		userID = &id
	}

	if err := s.checkIntentRateLimit(ctx, serviceName); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindPaymentIntentByOwnerKey(ctx, serviceName, serviceTxID)
	if err == nil {
		return nil, duplicateIntentError(existing)
	}
	if !errors.Is(err, store.ErrPaymentIntentNotFound) {
		return nil, storeError(err)
	}

	// Once the processor has been asked, the call and the ledger write finish even if the
	// client goes away.
	ctx = context.WithoutCancel(ctx)

	gw := s.gateways.Default()
	intentID := uuid.New()
	processorMetadata := req.Metadata.Clone()
	if processorMetadata == nil {
		processorMetadata = domain.Metadata{}
	}
	processorMetadata[metadataIntentIDKey] = intentID.String()
	processorMetadata[metadataOwnerServiceKey] = serviceName
	processorMetadata[metadataOwnerTransactionIDKey] = serviceTxID

	ext, err := gw.CreateIntent(ctx, gateway.IntentRequest{
		Amount:         req.Amount,
		Currency:       currency,
		Description:    description,
		Metadata:       processorMetadata,
		IdempotencyKey: serviceName + ":" + serviceTxID,
	})
	if err != nil {
		s.logger.Warn("processor intent creation failed",
			zap.String("provider", gw.Name()),
			zap.String("owner_service", serviceName),
			zap.String("owner_transaction_id", serviceTxID),
			zap.Error(err),
		)
		return nil, gatewayError(err)
	}

	expiresAt := s.now().UTC().Add(s.cfg.IntentTTL)
	intent := &domain.PaymentIntent{
		ID:                   intentID,
		UserID:               userID,
		Amount:               req.Amount,
		Currency:             currency,
		Status:               domain.IntentCreated,
		Provider:             gw.Name(),
		ProviderIntentID:     optionalString(ext.ID),
		ServiceName:          serviceName,
		ServiceTransactionID: serviceTxID,
		ClientSecret:         optionalString(ext.ClientSecret),
		Description:          optionalString(description),
		Metadata:             req.Metadata.Clone(),
		ExpiresAt:            &expiresAt,
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		if errors.Is(err, store.ErrDuplicateOwnerKey) {
			winner, _ := s.repo.FindPaymentIntentByOwnerKey(ctx, serviceName, serviceTxID)
			return nil, duplicateIntentError(winner)
		}
		return nil, storeError(err)
	}

	s.logger.Info("payment intent created",
		zap.String("intent_id", intent.ID.String()),
		zap.String("provider", intent.Provider),
		zap.String("owner_service", serviceName),
		zap.String("owner_transaction_id", serviceTxID),
	)
	s.publish(ctx, domain.NewIntentEvent(intent))
	return intent, nil
}

func (s *Service) checkIntentRateLimit(ctx context.Context, serviceName string) error {
	limit := s.cfg.IntentCreateRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, intentCreateScope, serviceName, limit, time.Minute)
	if err != nil {
		// The owner-key constraint still holds without the limiter.
		s.logger.Warn("intent rate limiter unavailable", zap.String("owner_service", serviceName), zap.Error(err))
		return nil
	}
	if count > limit {
		return domain.Errorf(domain.KindRateLimited, "too many payment intents for %s, retry later", serviceName).
			WithDetail("retryAfterSeconds", retryAfter)
	}
	return nil
}

func parseID(raw, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.Errorf(domain.KindValidation, "invalid %s id", what)
	}
	return id, nil
}

// loadIntent returns the intent if principal may see it. Others' intents read as not found.
func (s *Service) loadIntent(ctx context.Context, principal domain.Principal, rawID string) (*domain.PaymentIntent, error) {
	id, err := parseID(rawID, "payment intent")
	if err != nil {
		return nil, err
	}
	intent, err := s.repo.FindPaymentIntentByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if !principal.Owns(intent.UserID) {
		return nil, domain.NewError(domain.KindPaymentIntentNotFound, "payment intent not found")
	}
	return intent, nil
}

// GetIntent returns one payment intent.
func (s *Service) GetIntent(ctx context.Context, principal domain.Principal, id string) (*domain.PaymentIntent, error) {
	return s.loadIntent(ctx, principal, id)
}

// CancelIntent cancels the intent at the processor and then locally. Cancelling an already
// cancelled intent returns it unchanged.
func (s *Service) CancelIntent(ctx context.Context, principal domain.Principal, id string) (*domain.PaymentIntent, error) {
	intent, err := s.loadIntent(ctx, principal, id)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case domain.IntentCancelled:
		return intent, nil
	case domain.IntentSucceeded:
		return nil, domain.NewError(domain.KindInvalidState, "payment intent has already succeeded").
			WithDetail("status", string(intent.Status))
	}

	tx, err := s.repo.FindTransactionByOwnerKey(ctx, intent.ServiceName, intent.ServiceTransactionID)
	if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, storeError(err)
	}
	if tx != nil && (tx.Status == domain.TransactionProcessing || tx.Status == domain.TransactionSucceeded) {
		return nil, domain.NewError(domain.KindInvalidState, "payment for this intent is already in progress").
			WithDetail("transactionId", tx.ID.String())
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.cancelAtProcessor(ctx, intent); err != nil {
		return nil, err
	}

	updated, _, err := s.transitionIntent(ctx, intent, domain.IntentCancelled)
	if err != nil {
		return nil, err
	}
	if tx != nil && tx.Status == domain.TransactionPending {
		if _, _, err := s.transitionTransaction(ctx, tx, domain.TransactionCancelled, nil, nil); err != nil {
			s.logger.Warn("failed to cancel pending transaction of cancelled intent",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}
	}
	return updated, nil
}

// cancelAtProcessor cancels the processor side of intent. A processor that already
// considers the intent cancelled is treated as success.
func (s *Service) cancelAtProcessor(ctx context.Context, intent *domain.PaymentIntent) error {
	if intent.ProviderIntentID == nil {
		return nil
	}
	gw, err := s.gateways.Get(intent.Provider)
	if err != nil {
		return gatewayError(err)
	}
	_, err = gw.CancelIntent(ctx, *intent.ProviderIntentID)
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrInvalidRequest) {
		current, readErr := gw.RetrieveIntent(ctx, *intent.ProviderIntentID)
		if readErr == nil {
			if status, ok := gateway.MapIntentStatus(current.Status); ok && status == domain.IntentCancelled {
				return nil
			}
			return domain.NewError(domain.KindInvalidState, "payment intent can no longer be cancelled at the processor").
				WithDetail("processorStatus", current.Status).WithCause(err)
		}
	}
	return gatewayError(err)
}

// UpdateIntentStatus applies a status to an intent. Re-applying the current status is a
// no-op; moving backward or out of a terminal status fails with InvalidState.
func (s *Service) UpdateIntentStatus(ctx context.Context, id uuid.UUID, status domain.IntentStatus) (*domain.PaymentIntent, error) {
	if !status.Valid() {
		return nil, domain.Errorf(domain.KindValidation, "unknown payment intent status %q", status)
	}
	intent, err := s.repo.FindPaymentIntentByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	updated, _, err := s.transitionIntent(ctx, intent, status)
	return updated, err
}

func (s *Service) transitionIntent(ctx context.Context, intent *domain.PaymentIntent, to domain.IntentStatus) (*domain.PaymentIntent, bool, error) {
	switch domain.ClassifyIntentTransition(intent.Status, to) {
	case domain.TransitionNoop:
		return intent, false, nil
	case domain.TransitionRejected:
		return intent, false, rejectedTransition("payment intent", string(intent.Status), string(to))
	}

	updated, changed, err := s.repo.TransitionPaymentIntentStatus(ctx, intent.ID, to)
	if err != nil {
		return nil, false, storeError(err)
	}
	if !changed {
		// Another writer moved the row first.
		if updated.Status == to {
			return updated, false, nil
		}
		return updated, false, rejectedTransition("payment intent", string(updated.Status), string(to))
	}

	s.logger.Info("payment intent status changed",
		zap.String("intent_id", updated.ID.String()),
		zap.String("from", string(intent.Status)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, domain.NewIntentEvent(updated))
	return updated, true, nil
}

func rejectedTransition(entity, from, to string) error {
	return domain.Errorf(domain.KindInvalidState, "%s cannot move from %s to %s", entity, from, to).
		WithDetail("status", from).
		WithDetail("requestedStatus", to)
}
