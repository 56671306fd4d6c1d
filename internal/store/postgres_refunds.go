package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/transfa/payment-service/internal/domain"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func refundTotals(ctx context.Context, q rowQuerier, transactionID uuid.UUID) (RefundTotals, error) {
	var reserved, succeeded pgtype.Numeric
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status IN ('pending', 'processing', 'succeeded')), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'succeeded'), 0)
		FROM refunds WHERE transaction_id = $1`, transactionID).Scan(&reserved, &succeeded)
	if err != nil {
		return RefundTotals{}, err
	}
	var totals RefundTotals
	if totals.Reserved, err = fromNumeric(reserved); err != nil {
		return RefundTotals{}, err
	}
	if totals.Succeeded, err = fromNumeric(succeeded); err != nil {
		return RefundTotals{}, err
	}
	return totals, nil
}

// ReserveRefund inserts a refund row after re-checking the refundable balance under a row
// lock on the parent transaction. Pending and processing refunds count against the balance,
// so concurrent requests can never jointly exceed the transaction amount.
func (r *PostgresRepository) ReserveRefund(ctx context.Context, refund *domain.Refund) error {
	row, err := refundRowFrom(refund)
	if err != nil {
		return err
	}

	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbTx.Rollback(ctx)

	// Use FOR UPDATE to serialize refunds of the same transaction.
	rows, err := dbTx.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, refund.TransactionID)
	if err != nil {
		return err
	}
	parent, err := collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
	if err != nil {
		return err
	}
	if parent.Status != domain.TransactionSucceeded || parent.Type != domain.TransactionTypePayment {
		return ErrTransactionNotRefundable
	}

	totals, err := refundTotals(ctx, dbTx, refund.TransactionID)
	if err != nil {
		return err
	}
	if refund.Amount.GreaterThan(parent.Amount.Sub(totals.Reserved)) {
		return ErrRefundExceedsTransaction
	}

	query := `
		INSERT INTO refunds (id, transaction_id, amount, currency, status, provider, provider_refund_id, reason, metadata, processed_at)
		VALUES (@id, @transaction_id, @amount, @currency, @status, @provider, @provider_refund_id, @reason, @metadata::jsonb, @processed_at)
		RETURNING created_at, updated_at`
	if err := dbTx.QueryRow(ctx, query, row.insertArgs()).Scan(&refund.CreatedAt, &refund.UpdatedAt); err != nil {
		return err
	}
	return dbTx.Commit(ctx)
}

// AttachProviderRefundID links a reserved refund to the processor's refund id. It is a no-op
// when the refund already carries an id.
func (r *PostgresRepository) AttachProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (*domain.Refund, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE refunds SET provider_refund_id = $2, updated_at = NOW()
		 WHERE id = $1 AND provider_refund_id IS NULL
		 RETURNING `+refundColumns,
		id, providerRefundID)
	if err != nil {
		return nil, err
	}
	refund, err := collectOne[refundRow, domain.Refund](rows, ErrRefundNotFound)
	if errors.Is(err, ErrRefundNotFound) {
		return r.FindRefundByID(ctx, id)
	}
	return refund, err
}

func (r *PostgresRepository) FindRefundByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	rows, err := r.db.Query(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return collectOne[refundRow, domain.Refund](rows, ErrRefundNotFound)
}

func (r *PostgresRepository) FindRefundByProviderRefundID(ctx context.Context, provider, providerRefundID string) (*domain.Refund, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE provider = $1 AND provider_refund_id = $2 ORDER BY created_at ASC LIMIT 1`,
		provider, providerRefundID)
	if err != nil {
		return nil, err
	}
	return collectOne[refundRow, domain.Refund](rows, ErrRefundNotFound)
}

// TransitionRefundStatus is the compare-and-swap status update for refunds. A failure
// reason is merged into the refund's metadata.
func (r *PostgresRepository) TransitionRefundStatus(ctx context.Context, id uuid.UUID, transition RefundTransition) (*domain.Refund, bool, error) {
	query := `
		UPDATE refunds SET
			status = @to,
			metadata = CASE
				WHEN @failure_reason::text IS NULL THEN metadata
				ELSE jsonb_set(metadata, '{` + domain.MetadataFailureReasonKey + `}', to_jsonb(@failure_reason::text))
			END,
			processed_at = COALESCE(@processed_at::timestamptz, processed_at),
			updated_at = NOW()
		WHERE id = @id AND status = ANY(@from::text[])
		RETURNING ` + refundColumns
	rows, err := r.db.Query(ctx, query, pgx.NamedArgs{
		"id":             id,
		"to":             string(transition.To),
		"from":           statusStrings(domain.RefundPredecessors(transition.To)),
		"failure_reason": transition.FailureReason,
		"processed_at":   transition.ProcessedAt,
	})
	if err != nil {
		return nil, false, err
	}
	refund, err := collectOne[refundRow, domain.Refund](rows, ErrRefundNotFound)
	if errors.Is(err, ErrRefundNotFound) {
		current, findErr := r.FindRefundByID(ctx, id)
		return current, false, findErr
	}
	if err != nil {
		return nil, false, err
	}
	return refund, true, nil
}

func (r *PostgresRepository) ListRefundsByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE transaction_id = $1 ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectAll[refundRow, domain.Refund](rows)
}

func (r *PostgresRepository) GetRefundTotals(ctx context.Context, transactionID uuid.UUID) (RefundTotals, error) {
	return refundTotals(ctx, r.db, transactionID)
}

// ListStaleRefunds returns pending or processing refunds not updated since updatedBefore.
func (r *PostgresRepository) ListStaleRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Refund, error) {
	query := `
		SELECT ` + refundColumns + ` FROM refunds
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectAll[refundRow, domain.Refund](rows)
}
