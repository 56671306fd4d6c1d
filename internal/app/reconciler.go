package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcilerConfig sizes one reconciliation pass.
type ReconcilerConfig struct {
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// Reconciler finds intents, transactions and refunds that stopped moving, asks the processor
// what really happened, and applies the answer through the same monotonic transitions the
// webhook path uses. It covers lost webhooks and processor timeouts.
type Reconciler struct {
	svc    *Service
	cfg    ReconcilerConfig
	logger *zap.Logger
}

func NewReconciler(svc *Service, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Reconciler{svc: svc, cfg: cfg, logger: logger.With(zap.String("component", "reconciler"))}
}

// Run performs one pass. Per-item failures are collected; one bad record never stops the rest.
func (r *Reconciler) Run(ctx context.Context) error {
	cutoff := r.svc.now().Add(-r.cfg.StaleAfter)
	steps := []struct {
		name string
		run  func(context.Context, time.Time) error
	}{
		{"payment intents", r.reconcileIntents},
		{"transactions", r.reconcileTransactions},
		{"refunds", r.reconcileRefunds},
	}

	var result *multierror.Error
	for _, step := range steps {
		if err := step.run(ctx, cutoff); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return result.ErrorOrNil()
}

// forEach runs fn over items with at most limit in flight and aggregates every failure.
func forEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, *T) error) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	g.SetLimit(limit)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (r *Reconciler) reconcileIntents(ctx context.Context, cutoff time.Time) error {
	intents, err := r.svc.repo.ListStalePaymentIntents(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	return forEach(ctx, r.cfg.Concurrency, intents, r.reconcileIntent)
}

func (r *Reconciler) reconcileIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	logger := r.logger.With(zap.String("intent_id", intent.ID.String()))

	tx, err := r.svc.existingTransaction(ctx, intent)
	if err != nil {
		return err
	}
	// A transaction that ended in failure or cancellation closes the intent for good.
	if tx != nil && (tx.Status == domain.TransactionFailed || tx.Status == domain.TransactionCancelled) {
		logger.Info("cancelling intent whose transaction ended", zap.String("transaction_status", string(tx.Status)))
		if err := r.svc.cancelAtProcessor(ctx, intent); err != nil {
			return fmt.Errorf("intent %s: %w", intent.ID, err)
		}
		r.svc.syncIntentStatus(ctx, intent, domain.IntentCancelled)
		return nil
	}

	gw, err := r.svc.gateways.Get(intent.Provider)
	if err != nil {
		return fmt.Errorf("intent %s: %w", intent.ID, err)
	}
	ext, err := gw.RetrieveIntent(ctx, *intent.ProviderIntentID)
	if err != nil {
		return fmt.Errorf("intent %s: retrieve: %w", intent.ID, err)
	}

	txStatus, _ := gateway.TransactionStatusFor(ext.Status)
	moving := txStatus == domain.TransactionSucceeded || txStatus == domain.TransactionProcessing
	if !moving && intent.IsExpired(r.svc.now()) {
		logger.Info("expiring payment intent")
		r.svc.expireIntent(ctx, intent)
		return nil
	}

	if err := r.svc.applyIntentSnapshot(ctx, intent.Provider, "", ext); err != nil && !ignorableOutcome(err) {
		return fmt.Errorf("intent %s: %w", intent.ID, err)
	}
	return nil
}

func (r *Reconciler) reconcileTransactions(ctx context.Context, cutoff time.Time) error {
	transactions, err := r.svc.repo.ListStaleTransactions(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	return forEach(ctx, r.cfg.Concurrency, transactions, r.reconcileTransaction)
}

func (r *Reconciler) reconcileTransaction(ctx context.Context, tx *domain.Transaction) error {
	gw, err := r.svc.gateways.Get(tx.Provider)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	ext, err := gw.RetrieveIntent(ctx, *tx.ProviderTransactionID)
	if err != nil {
		return fmt.Errorf("transaction %s: retrieve: %w", tx.ID, err)
	}
	if err := r.svc.applyIntentSnapshot(ctx, tx.Provider, "", ext); err != nil && !ignorableOutcome(err) {
		return fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (r *Reconciler) reconcileRefunds(ctx context.Context, cutoff time.Time) error {
	refunds, err := r.svc.repo.ListStaleRefunds(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	return forEach(ctx, r.cfg.Concurrency, refunds, r.reconcileRefund)
}

// reconcileRefund re-issues a reservation the processor never acknowledged, using the same
// idempotency key, or reads back a refund the processor already knows.
func (r *Reconciler) reconcileRefund(ctx context.Context, refund *domain.Refund) error {
	gw, err := r.svc.gateways.Get(refund.Provider)
	if err != nil {
		return fmt.Errorf("refund %s: %w", refund.ID, err)
	}

	var ext *gateway.ExternalRefund
	if refund.ProviderRefundID == nil {
		tx, err := r.svc.repo.FindTransactionByID(ctx, refund.TransactionID)
		if err != nil {
			return fmt.Errorf("refund %s: %w", refund.ID, storeError(err))
		}
		ext, err = r.svc.issueRefund(ctx, gw, tx, refund)
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				return fmt.Errorf("refund %s: re-issue: %w", refund.ID, err)
			}
			failure := refundFailureReason(err)
			r.logger.Warn("processor rejected re-issued refund", zap.String("refund_id", refund.ID.String()), zap.Error(err))
			_, _, err = r.svc.finalizeRefund(ctx, refund, domain.RefundFailed, &failure)
			return err
		}
	} else {
		ext, err = gw.RetrieveRefund(ctx, *refund.ProviderRefundID)
		if err != nil {
			return fmt.Errorf("refund %s: retrieve: %w", refund.ID, err)
		}
	}

	if _, err := r.svc.applyRefundSnapshot(ctx, refund, ext); err != nil && !ignorableOutcome(err) {
		return fmt.Errorf("refund %s: %w", refund.ID, err)
	}
	return nil
}
