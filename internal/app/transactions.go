package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ConfirmPayment confirms an intent at the processor and records the resulting transaction.
// Confirmation is idempotent per intent: once a transaction exists for the intent's owner key
// it is returned without contacting the processor again.
func (s *Service) ConfirmPayment(ctx context.Context, principal domain.Principal, req domain.ConfirmPaymentRequest) (*domain.Transaction, error) {
	intent, err := s.loadIntent(ctx, principal, req.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.existingTransaction(ctx, intent); err != nil || existing != nil {
		return existing, err
	}

	// Concurrent confirmations of one intent in this process share a single attempt.
	result, err, _ := s.confirmGroup.Do(intent.ID.String(), func() (interface{}, error) {
		return s.confirmLocked(context.WithoutCancel(ctx), principal, intent.ID, req.PaymentMethodID)
	})
	if err != nil {
		return nil, err
	}
	tx := *result.(*domain.Transaction)
	return &tx, nil
}

func (s *Service) existingTransaction(ctx context.Context, intent *domain.PaymentIntent) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByOwnerKey(ctx, intent.ServiceName, intent.ServiceTransactionID)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return tx, nil
}

func (s *Service) confirmLocked(ctx context.Context, principal domain.Principal, intentID uuid.UUID, paymentMethodRef string) (*domain.Transaction, error) {
	logger := s.logger.With(zap.String("intent_id", intentID.String()))

	release, acquired, err := s.locker.Acquire(ctx, "confirm:"+intentID.String(), s.cfg.ConfirmLockTTL)
	switch {
	case err != nil:
		logger.Warn("confirmation lock unavailable, relying on ledger constraints", zap.Error(err))
	case !acquired:
		return nil, domain.NewError(domain.KindDuplicateTransaction, "confirmation already in progress for this payment intent").
			WithCode("CONFIRMATION_IN_PROGRESS")
	default:
		defer release()
	}

	// Re-read under the lock; the previous holder may have finished.
	intent, err := s.repo.FindPaymentIntentByID(ctx, intentID)
	if err != nil {
		return nil, storeError(err)
	}
	if existing, err := s.existingTransaction(ctx, intent); err != nil || existing != nil {
		return existing, err
	}

	if intent.Status == domain.IntentCancelled {
		return nil, domain.NewError(domain.KindInvalidState, "payment intent is cancelled").
			WithDetail("status", string(intent.Status))
	}
	if intent.IsExpired(s.now()) {
		s.expireIntent(ctx, intent)
		return nil, domain.NewError(domain.KindInvalidState, "payment intent has expired").
			WithDetail("expiresAt", intent.ExpiresAt)
	}
	if intent.ProviderIntentID == nil {
		return nil, domain.NewError(domain.KindInvalidState, "payment intent has no processor reference")
	}

	gw, err := s.gateways.Get(intent.Provider)
	if err != nil {
		return nil, gatewayError(err)
	}
	methodID, ref, err := s.resolvePaymentMethod(ctx, principal, intent, paymentMethodRef)
	if err != nil {
		return nil, err
	}

	ext, err := s.confirmAtProcessor(ctx, gw, *intent.ProviderIntentID, ref)
	if err != nil {
		logger.Warn("processor confirmation failed", zap.String("provider", gw.Name()), zap.Error(err))
		if errors.Is(err, gateway.ErrDeclined) || errors.Is(err, gateway.ErrInsufficientFunds) {
			s.syncIntentStatus(ctx, intent, domain.IntentRequiresPaymentMethod)
		}
		return nil, gatewayError(err)
	}

	status, ok := gateway.TransactionStatusFor(ext.Status)
	if !ok {
		logger.Warn("unknown processor intent status, recording as pending", zap.String("processor_status", ext.Status))
		status = domain.TransactionPending
	}
	switch status {
	case domain.TransactionFailed:
		// A decline is not recorded so the payer may retry with another method.
		s.syncIntentStatus(ctx, intent, domain.IntentRequiresPaymentMethod)
		reason := ext.FailureReason
		if reason == "" {
			reason = "payment declined"
		}
		de := domain.NewError(domain.KindPaymentDeclined, reason)
		if ext.FailureCode != "" {
			de.WithDetail("declineCode", ext.FailureCode)
		}
		return nil, de
	case domain.TransactionCancelled:
		s.syncIntentStatus(ctx, intent, domain.IntentCancelled)
		return nil, domain.NewError(domain.KindInvalidState, "payment intent was cancelled at the processor")
	}

	tx, _, err := s.recordConfirmation(ctx, intent, ext, status, methodID)
	if err != nil {
		return nil, err
	}
	if mapped, ok := gateway.MapIntentStatus(ext.Status); ok {
		s.syncIntentStatus(ctx, intent, mapped)
	}
	return tx, nil
}

// confirmAtProcessor confirms externalID. When the processor refuses because the intent has
// already moved on (a previous attempt timed out after it was applied), the current state is
// read back instead.
func (s *Service) confirmAtProcessor(ctx context.Context, gw gateway.Gateway, externalID, paymentMethodRef string) (*gateway.ExternalIntent, error) {
	ext, err := gw.ConfirmIntent(ctx, externalID, paymentMethodRef)
	if err == nil || !errors.Is(err, gateway.ErrInvalidRequest) {
		return ext, err
	}
	current, readErr := gw.RetrieveIntent(ctx, externalID)
	if readErr != nil {
		return nil, err
	}
	if status, ok := gateway.TransactionStatusFor(current.Status); ok &&
		(status == domain.TransactionSucceeded || status == domain.TransactionProcessing) {
		return current, nil
	}
	return nil, err
}

// resolvePaymentMethod accepts either a saved payment method id or a raw processor
// reference. Saved methods must belong to the payer and to the intent's processor.
func (s *Service) resolvePaymentMethod(ctx context.Context, principal domain.Principal, intent *domain.PaymentIntent, raw string) (*uuid.UUID, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, raw, nil
	}

	method, err := s.repo.FindPaymentMethodByID(ctx, id)
	if err != nil {
		return nil, "", storeError(err)
	}
	owner := intent.UserID
	if principal.UserID != "" {
		owner = &principal.UserID
	}
	if owner == nil || method.UserID != *owner {
		return nil, "", domain.NewError(domain.KindPaymentMethodNotFound, "payment method not found")
	}
	if !strings.EqualFold(method.Provider, intent.Provider) {
		return nil, "", domain.NewError(domain.KindValidation, "payment method belongs to a different processor").
			WithDetail("provider", method.Provider)
	}
	return &method.ID, method.ProviderPaymentMethodID, nil
}

// syncIntentStatus moves the intent forward if that is still legal; stale moves are logged.
func (s *Service) syncIntentStatus(ctx context.Context, intent *domain.PaymentIntent, to domain.IntentStatus) {
	if _, _, err := s.transitionIntent(ctx, intent, to); err != nil {
		s.logger.Info("payment intent status not applied",
			zap.String("intent_id", intent.ID.String()),
			zap.String("requested_status", string(to)),
			zap.Error(err),
		)
	}
}

// expireIntent cancels an intent whose expiry has passed, at the processor first.
func (s *Service) expireIntent(ctx context.Context, intent *domain.PaymentIntent) {
	if err := s.cancelAtProcessor(ctx, intent); err != nil {
		s.logger.Warn("failed to cancel expired intent at processor",
			zap.String("intent_id", intent.ID.String()), zap.Error(err))
		return
	}
	s.syncIntentStatus(ctx, intent, domain.IntentCancelled)
}

// recordConfirmation writes the one transaction of an intent. When the owner key already has
// a transaction, that row is returned instead and created is false.
func (s *Service) recordConfirmation(ctx context.Context, intent *domain.PaymentIntent, ext *gateway.ExternalIntent, status domain.TransactionStatus, paymentMethodID *uuid.UUID) (*domain.Transaction, bool, error) {
	tx := &domain.Transaction{
		ID:                    uuid.New(),
		UserID:                intent.UserID,
		PaymentMethodID:       paymentMethodID,
		Amount:                intent.Amount,
		Currency:              intent.Currency,
		Status:                status,
		Type:                  domain.TransactionTypePayment,
		Provider:              intent.Provider,
		ProviderTransactionID: optionalString(ext.ID),
		ServiceName:           intent.ServiceName,
		ServiceTransactionID:  intent.ServiceTransactionID,
		Description:           intent.Description,
		Metadata:              intent.Metadata.Clone(),
	}
	if status.IsTerminal() {
		now := s.now().UTC()
		tx.ProcessedAt = &now
	}

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateOwnerKey) {
			existing, findErr := s.repo.FindTransactionByOwnerKey(ctx, intent.ServiceName, intent.ServiceTransactionID)
			if findErr != nil {
				return nil, false, storeError(findErr)
			}
			return existing, false, nil
		}
		return nil, false, storeError(err)
	}

	s.logger.Info("transaction recorded",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("intent_id", intent.ID.String()),
		zap.String("status", string(tx.Status)),
		zap.String("provider", tx.Provider),
	)
	s.publish(ctx, domain.NewTransactionEvent(tx))
	return tx, true, nil
}

// ApplyTransactionOutcome applies a processor-reported status to the transaction with the
// given processor reference. failed requires a reason. A terminal outcome is stamped with
// processedAt when the processor reports one, otherwise with the current time.
func (s *Service) ApplyTransactionOutcome(ctx context.Context, provider, providerTransactionID string, status domain.TransactionStatus, failureReason *string, processedAt *time.Time) (*domain.Transaction, error) {
	if !status.Valid() {
		return nil, domain.Errorf(domain.KindValidation, "unknown transaction status %q", status)
	}
	// refunded is reached only once refunds exhaust the amount.
	if status == domain.TransactionRefunded {
		return nil, domain.NewError(domain.KindInvalidState, "a transaction becomes refunded only through its refunds")
	}
	if status == domain.TransactionFailed && (failureReason == nil || strings.TrimSpace(*failureReason) == "") {
		return nil, domain.NewError(domain.KindValidation, "a failed outcome requires a failure reason")
	}
	tx, err := s.repo.FindTransactionByProviderTransactionID(ctx, provider, providerTransactionID)
	if err != nil {
		return nil, storeError(err)
	}
	if processedAt != nil {
		at := processedAt.UTC()
		processedAt = &at
	}
	updated, _, err := s.transitionTransaction(ctx, tx, status, failureReason, processedAt)
	return updated, err
}

func (s *Service) transitionTransaction(ctx context.Context, tx *domain.Transaction, to domain.TransactionStatus, failureReason *string, processedAt *time.Time) (*domain.Transaction, bool, error) {
	switch domain.ClassifyTransactionTransition(tx.Status, to) {
	case domain.TransitionNoop:
		return tx, false, nil
	case domain.TransitionRejected:
		return tx, false, rejectedTransition("transaction", string(tx.Status), string(to))
	}

	if to.IsTerminal() && processedAt == nil {
		now := s.now().UTC()
		processedAt = &now
	}
	updated, changed, err := s.repo.TransitionTransactionStatus(ctx, tx.ID, store.TransactionTransition{
		To:            to,
		FailureReason: failureReason,
		ProcessedAt:   processedAt,
	})
	if err != nil {
		return nil, false, storeError(err)
	}
	if !changed {
		if updated.Status == to {
			return updated, false, nil
		}
		return updated, false, rejectedTransition("transaction", string(updated.Status), string(to))
	}

	s.logger.Info("transaction status changed",
		zap.String("transaction_id", updated.ID.String()),
		zap.String("from", string(tx.Status)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, domain.NewTransactionEvent(updated))
	return updated, true, nil
}

// loadTransaction returns the transaction if principal may see it.
func (s *Service) loadTransaction(ctx context.Context, principal domain.Principal, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if !principal.Owns(tx.UserID) {
		return nil, domain.NewError(domain.KindTransactionNotFound, "transaction not found")
	}
	return tx, nil
}

// GetTransaction returns a transaction with its refunds and remaining refundable amount.
func (s *Service) GetTransaction(ctx context.Context, principal domain.Principal, rawID string) (*domain.TransactionWithRefunds, error) {
	id, err := parseID(rawID, "transaction")
	if err != nil {
		return nil, err
	}
	tx, err := s.loadTransaction(ctx, principal, id)
	if err != nil {
		return nil, err
	}
	refunds, err := s.repo.ListRefundsByTransactionID(ctx, tx.ID)
	if err != nil {
		return nil, storeError(err)
	}
	if refunds == nil {
		refunds = []domain.Refund{}
	}

	refundable := decimal.Zero
	if tx.Status == domain.TransactionSucceeded && tx.Type == domain.TransactionTypePayment {
		totals, err := s.repo.GetRefundTotals(ctx, tx.ID)
		if err != nil {
			return nil, storeError(err)
		}
		refundable = decimal.Max(tx.Amount.Sub(totals.Reserved), decimal.Zero)
	}
	return &domain.TransactionWithRefunds{
		Transaction:      *tx,
		Refunds:          refunds,
		RefundableAmount: refundable,
	}, nil
}

// ListTransactions returns one page of transactions. Principals with a user id only see their own.
func (s *Service) ListTransactions(ctx context.Context, principal domain.Principal, filter domain.TransactionFilter) (*domain.TransactionPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultPageLimit
	case filter.Limit > maxPageLimit:
		filter.Limit = maxPageLimit
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, domain.Errorf(domain.KindValidation, "unknown transaction status %q", *filter.Status)
	}
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, domain.Errorf(domain.KindValidation, "unknown transaction type %q", *filter.Type)
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return nil, domain.NewError(domain.KindValidation, "startDate must not be after endDate")
	}
	if scoped := principal.ScopedUserID(); scoped != nil {
		filter.UserID = scoped
	}

	transactions, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	return &domain.TransactionPage{
		Data:       transactions,
		Pagination: domain.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}
