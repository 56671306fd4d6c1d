package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-service/internal/domain"
)

// CreateTransaction records a confirmed intent. The (service_name, service_transaction_id)
// constraint turns a retried confirmation into ErrDuplicateOwnerKey.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	row, err := transactionRowFrom(tx)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transactions (id, user_id, payment_method_id, amount, currency, status, type, provider,
			provider_transaction_id, service_name, service_transaction_id, description, metadata, failure_reason, processed_at)
		VALUES (@id, @user_id, @payment_method_id, @amount, @currency, @status, @type, @provider,
			@provider_transaction_id, @service_name, @service_transaction_id, @description, @metadata::jsonb,
			@failure_reason, @processed_at)
		RETURNING created_at, updated_at`
	err = r.db.QueryRow(ctx, query, row.insertArgs()).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOwnerKey
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
}

func (r *PostgresRepository) FindTransactionByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE service_name = $1 AND service_transaction_id = $2`,
		serviceName, serviceTransactionID)
	if err != nil {
		return nil, err
	}
	return collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
}

func (r *PostgresRepository) FindTransactionByProviderTransactionID(ctx context.Context, provider, providerTransactionID string) (*domain.Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_transaction_id = $2
		 ORDER BY created_at ASC LIMIT 1`,
		provider, providerTransactionID)
	if err != nil {
		return nil, err
	}
	return collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
}

// TransitionTransactionStatus is the compare-and-swap status update for transactions.
// failure_reason and processed_at are only overwritten when supplied.
func (r *PostgresRepository) TransitionTransactionStatus(ctx context.Context, id uuid.UUID, transition TransactionTransition) (*domain.Transaction, bool, error) {
	query := `
		UPDATE transactions SET
			status = @to,
			failure_reason = COALESCE(@failure_reason::text, failure_reason),
			processed_at = COALESCE(@processed_at::timestamptz, processed_at),
			updated_at = NOW()
		WHERE id = @id AND status = ANY(@from::text[])
		RETURNING ` + transactionColumns
	rows, err := r.db.Query(ctx, query, pgx.NamedArgs{
		"id":             id,
		"to":             string(transition.To),
		"from":           statusStrings(domain.TransactionPredecessors(transition.To)),
		"failure_reason": transition.FailureReason,
		"processed_at":   transition.ProcessedAt,
	})
	if err != nil {
		return nil, false, err
	}
	tx, err := collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
	if errors.Is(err, ErrTransactionNotFound) {
		current, findErr := r.FindTransactionByID(ctx, id)
		return current, false, findErr
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// MarkTransactionRefundedIfExhausted moves a succeeded payment to refunded once its
// succeeded refunds cover the full amount. The transaction row is locked while summing.
func (r *PostgresRepository) MarkTransactionRefundedIfExhausted(ctx context.Context, id uuid.UUID) (*domain.Transaction, bool, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer dbTx.Rollback(ctx)

	rows, err := dbTx.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, false, err
	}
	current, err := collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
	if err != nil {
		return nil, false, err
	}
	if current.Status != domain.TransactionSucceeded {
		return current, false, dbTx.Commit(ctx)
	}

	totals, err := refundTotals(ctx, dbTx, id)
	if err != nil {
		return nil, false, err
	}
	if totals.Succeeded.LessThan(current.Amount) {
		return current, false, dbTx.Commit(ctx)
	}

	rows, err = dbTx.Query(ctx,
		`UPDATE transactions SET status = 'refunded', updated_at = NOW() WHERE id = $1 AND status = 'succeeded' RETURNING `+transactionColumns,
		id)
	if err != nil {
		return nil, false, err
	}
	updated, err := collectOne[transactionRow, domain.Transaction](rows, ErrTransactionNotFound)
	if err != nil {
		return nil, false, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// ListTransactions returns one page of transactions matching filter plus the total match count.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	conditions := []string{"TRUE"}
	args := pgx.NamedArgs{}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = @user_id")
		args["user_id"] = *filter.UserID
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = @status")
		args["status"] = string(*filter.Status)
	}
	if filter.Type != nil {
		conditions = append(conditions, "type = @type")
		args["type"] = string(*filter.Type)
	}
	if filter.Provider != nil {
		conditions = append(conditions, "provider = @provider")
		args["provider"] = *filter.Provider
	}
	if filter.StartDate != nil {
		conditions = append(conditions, "created_at >= @start_date")
		args["start_date"] = *filter.StartDate
	}
	if filter.EndDate != nil {
		conditions = append(conditions, "created_at <= @end_date")
		args["end_date"] = *filter.EndDate
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+where, args).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args["limit"] = filter.Limit
	args["offset"] = filter.Offset()
	rows, err := r.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT @limit OFFSET @offset`,
		args)
	if err != nil {
		return nil, 0, err
	}
	transactions, err := collectAll[transactionRow, domain.Transaction](rows)
	if err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// ListStaleTransactions returns pending or processing transactions not updated since updatedBefore.
func (r *PostgresRepository) ListStaleTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status IN ('pending', 'processing')
		  AND provider_transaction_id IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectAll[transactionRow, domain.Transaction](rows)
}
