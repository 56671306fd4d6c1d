package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/store"
	"go.uber.org/zap"
)

const maxRefundReasonLength = 500

// CreateRefund reverses part or all of a succeeded payment.
//
// The refund is reserved as pending before the processor is called: the reservation re-sums
// the transaction's refunds under a row lock, so concurrent requests cannot jointly exceed the
// amount. The processor call happens outside that lock and the row then mirrors its answer.
// A processor timeout leaves the reservation pending for the reconciler, which re-issues it
// with the same idempotency key.
func (s *Service) CreateRefund(ctx context.Context, principal domain.Principal, req domain.CreateRefundRequest) (*domain.Refund, error) {
	txID, err := parseID(req.TransactionID, "transaction")
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > maxRefundReasonLength {
		return nil, domain.Errorf(domain.KindValidation, "reason must not exceed %d characters", maxRefundReasonLength)
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}

	tx, err := s.loadTransaction(ctx, principal, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionSucceeded || tx.Type != domain.TransactionTypePayment {
		return nil, domain.NewError(domain.KindInvalidState, "only succeeded payments can be refunded").
			WithDetail("status", string(tx.Status)).
			WithDetail("type", string(tx.Type))
	}
	if tx.ProviderTransactionID == nil {
		return nil, domain.NewError(domain.KindInvalidState, "transaction has no processor reference")
	}

	amount := tx.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() {
		return nil, domain.NewError(domain.KindRefundExceedsTransaction, "refund amount must be greater than zero")
	}
	if err := domain.ValidateAmount(amount, tx.Currency); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}

	gw, err := s.gateways.Get(tx.Provider)
	if err != nil {
		return nil, gatewayError(err)
	}

	refund := &domain.Refund{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		Amount:        amount,
		Currency:      tx.Currency,
		Status:        domain.RefundPending,
		Provider:      tx.Provider,
		Reason:        optionalString(reason),
		Metadata:      req.Metadata.Clone(),
	}
	if err := s.repo.ReserveRefund(ctx, refund); err != nil {
		if errors.Is(err, store.ErrRefundExceedsTransaction) {
			return nil, s.overRefundError(ctx, tx)
		}
		return nil, storeError(err)
	}
	logger := s.logger.With(zap.String("refund_id", refund.ID.String()), zap.String("transaction_id", tx.ID.String()))
	logger.Info("refund reserved", zap.String("amount", amount.String()))
	s.publish(ctx, domain.NewRefundEvent(refund))

	ctx = context.WithoutCancel(ctx)
	ext, err := s.issueRefund(ctx, gw, tx, refund)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			logger.Warn("processor unavailable, refund left pending for reconciliation", zap.Error(err))
			return refund, nil
		}
		logger.Warn("processor rejected refund", zap.Error(err))
		failure := refundFailureReason(err)
		if _, _, finalizeErr := s.finalizeRefund(ctx, refund, domain.RefundFailed, &failure); finalizeErr != nil {
			logger.Error("failed to release rejected refund reservation", zap.Error(finalizeErr))
		}
		return nil, gatewayError(err)
	}
	return s.applyRefundSnapshot(ctx, refund, ext)
}

func (s *Service) overRefundError(ctx context.Context, tx *domain.Transaction) error {
	de := domain.NewError(domain.KindRefundExceedsTransaction, "refund exceeds remaining refundable amount")
	if totals, err := s.repo.GetRefundTotals(ctx, tx.ID); err == nil {
		de.WithDetail("refundableAmount", tx.Amount.Sub(totals.Reserved))
	}
	return de
}

func refundFailureReason(err error) string {
	var decline *gateway.DeclineError
	if errors.As(err, &decline) && decline.Reason != "" {
		return decline.Reason
	}
	return "processor rejected refund"
}

func (s *Service) issueRefund(ctx context.Context, gw gateway.Gateway, tx *domain.Transaction, refund *domain.Refund) (*gateway.ExternalRefund, error) {
	metadata := refund.Metadata.Clone()
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	for k, v := range gateway.RefundReferenceMetadata(refund.ID.String()) {
		metadata[k] = v
	}
	reason := ""
	if refund.Reason != nil {
		reason = *refund.Reason
	}
	amount := refund.Amount
	return gw.CreateRefund(ctx, gateway.RefundRequest{
		ExternalTransactionID: *tx.ProviderTransactionID,
		Amount:                &amount,
		Currency:              refund.Currency,
		Reason:                reason,
		Metadata:              metadata,
		IdempotencyKey:        "refund:" + refund.ID.String(),
	})
}

// applyRefundSnapshot links the processor refund and moves the local row to its status.
func (s *Service) applyRefundSnapshot(ctx context.Context, refund *domain.Refund, ext *gateway.ExternalRefund) (*domain.Refund, error) {
	if refund.ProviderRefundID == nil && ext.ID != "" {
		attached, err := s.repo.AttachProviderRefundID(ctx, refund.ID, ext.ID)
		if err != nil {
			return nil, storeError(err)
		}
		refund = attached
	}

	status, ok := gateway.MapRefundStatus(ext.Status)
	if !ok {
		s.logger.Warn("unknown processor refund status ignored",
			zap.String("refund_id", refund.ID.String()),
			zap.String("processor_status", ext.Status),
		)
		return refund, nil
	}
	var failure *string
	if status == domain.RefundFailed || status == domain.RefundCancelled {
		reason := ext.FailureReason
		if reason == "" {
			reason = "refund " + string(status) + " by processor"
		}
		failure = &reason
	}
	updated, _, err := s.finalizeRefund(ctx, refund, status, failure)
	return updated, err
}

// finalizeRefund applies a refund status. Once a refund is succeeded the parent transaction
// is moved to refunded if its succeeded refunds now cover the full amount; that check runs
// on every call so a re-driven event completes an interrupted settlement.
func (s *Service) finalizeRefund(ctx context.Context, refund *domain.Refund, to domain.RefundStatus, failureReason *string) (*domain.Refund, bool, error) {
	current, changed, err := s.transitionRefund(ctx, refund, to, failureReason)
	if err != nil {
		return current, false, err
	}
	if current.Status == domain.RefundSucceeded {
		if err := s.settleRefundedTransaction(ctx, current.TransactionID); err != nil {
			return current, changed, err
		}
	}
	return current, changed, nil
}

func (s *Service) transitionRefund(ctx context.Context, refund *domain.Refund, to domain.RefundStatus, failureReason *string) (*domain.Refund, bool, error) {
	switch domain.ClassifyRefundTransition(refund.Status, to) {
	case domain.TransitionNoop:
		return refund, false, nil
	case domain.TransitionRejected:
		return refund, false, rejectedTransition("refund", string(refund.Status), string(to))
	}

	transition := store.RefundTransition{To: to, FailureReason: failureReason}
	if to.IsTerminal() {
		now := s.now().UTC()
		transition.ProcessedAt = &now
	}
	updated, changed, err := s.repo.TransitionRefundStatus(ctx, refund.ID, transition)
	if err != nil {
		return nil, false, storeError(err)
	}
	if !changed {
		if updated.Status == to {
			return updated, false, nil
		}
		return updated, false, rejectedTransition("refund", string(updated.Status), string(to))
	}

	s.logger.Info("refund status changed",
		zap.String("refund_id", updated.ID.String()),
		zap.String("from", string(refund.Status)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, domain.NewRefundEvent(updated))
	return updated, true, nil
}

func (s *Service) settleRefundedTransaction(ctx context.Context, transactionID uuid.UUID) error {
	tx, changed, err := s.repo.MarkTransactionRefundedIfExhausted(ctx, transactionID)
	if err != nil {
		return storeError(err)
	}
	if changed {
		s.logger.Info("transaction fully refunded", zap.String("transaction_id", tx.ID.String()))
		s.publish(ctx, domain.NewTransactionEvent(tx))
	}
	return nil
}

// ApplyRefundOutcome applies a processor refund snapshot, found by processor refund id or,
// before that id has been attached locally, by the local reference carried in its metadata.
func (s *Service) ApplyRefundOutcome(ctx context.Context, provider string, ext *gateway.ExternalRefund) (*domain.Refund, error) {
	refund, err := s.repo.FindRefundByProviderRefundID(ctx, provider, ext.ID)
	if errors.Is(err, store.ErrRefundNotFound) && ext.LocalReferenceID != "" {
		if localID, parseErr := uuid.Parse(ext.LocalReferenceID); parseErr == nil {
			refund, err = s.repo.FindRefundByID(ctx, localID)
			if err == nil && !strings.EqualFold(refund.Provider, provider) {
				err = store.ErrRefundNotFound
			}
		}
	}
	if err != nil {
		return nil, storeError(err)
	}
	return s.applyRefundSnapshot(ctx, refund, ext)
}

// GetRefund returns a refund visible to principal through its parent transaction.
func (s *Service) GetRefund(ctx context.Context, principal domain.Principal, rawID string) (*domain.Refund, error) {
	id, err := parseID(rawID, "refund")
	if err != nil {
		return nil, err
	}
	refund, err := s.repo.FindRefundByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if _, err := s.loadTransaction(ctx, principal, refund.TransactionID); err != nil {
		if domain.IsKind(err, domain.KindTransactionNotFound) {
			return nil, domain.NewError(domain.KindRefundNotFound, "refund not found")
		}
		return nil, err
	}
	return refund, nil
}
