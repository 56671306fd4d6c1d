/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * and the payment intent queries. Transactions, refunds, payment methods and
 * webhook events live in sibling files of this package.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, row collection and named arguments.
 * - github.com/samber/lo: status set conversions for compare-and-swap predicates.
 * - internal/domain: the ledger's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/transfa/payment-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is the concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func statusStrings[S ~string](statuses []S) []string {
	return lo.Map(statuses, func(s S, _ int) string { return string(s) })
}

// CreatePaymentIntent inserts a new intent. A second intent for the same owner key fails with ErrDuplicateOwnerKey.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	row, err := paymentIntentRowFrom(intent)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO payment_intents (id, user_id, amount, currency, status, provider, provider_intent_id,
			service_name, service_transaction_id, client_secret, description, metadata, expires_at)
		VALUES (@id, @user_id, @amount, @currency, @status, @provider, @provider_intent_id,
			@service_name, @service_transaction_id, @client_secret, @description, @metadata::jsonb, @expires_at)
		RETURNING created_at, updated_at`
	err = r.db.QueryRow(ctx, query, row.insertArgs()).Scan(&intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOwnerKey
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentIntentColumns+` FROM payment_intents WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return collectOne[paymentIntentRow, domain.PaymentIntent](rows, ErrPaymentIntentNotFound)
}

func (r *PostgresRepository) FindPaymentIntentByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.PaymentIntent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentIntentColumns+` FROM payment_intents WHERE service_name = $1 AND service_transaction_id = $2`,
		serviceName, serviceTransactionID)
	if err != nil {
		return nil, err
	}
	return collectOne[paymentIntentRow, domain.PaymentIntent](rows, ErrPaymentIntentNotFound)
}

func (r *PostgresRepository) FindPaymentIntentByProviderIntentID(ctx context.Context, provider, providerIntentID string) (*domain.PaymentIntent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentIntentColumns+` FROM payment_intents WHERE provider = $1 AND provider_intent_id = $2
		 ORDER BY created_at ASC LIMIT 1`,
		provider, providerIntentID)
	if err != nil {
		return nil, err
	}
	return collectOne[paymentIntentRow, domain.PaymentIntent](rows, ErrPaymentIntentNotFound)
}

// TransitionPaymentIntentStatus moves an intent to `to` only when its current status is a
// legal predecessor. It returns the row as it stands afterwards and whether it changed.
func (r *PostgresRepository) TransitionPaymentIntentStatus(ctx context.Context, id uuid.UUID, to domain.IntentStatus) (*domain.PaymentIntent, bool, error) {
	query := `
		UPDATE payment_intents SET status = @to, updated_at = NOW()
		WHERE id = @id AND status = ANY(@from::text[])
		RETURNING ` + paymentIntentColumns
	rows, err := r.db.Query(ctx, query, pgx.NamedArgs{
		"id":   id,
		"to":   string(to),
		"from": statusStrings(domain.IntentPredecessors(to)),
	})
	if err != nil {
		return nil, false, err
	}
	intent, err := collectOne[paymentIntentRow, domain.PaymentIntent](rows, ErrPaymentIntentNotFound)
	if errors.Is(err, ErrPaymentIntentNotFound) {
		current, findErr := r.FindPaymentIntentByID(ctx, id)
		return current, false, findErr
	}
	if err != nil {
		return nil, false, err
	}
	return intent, true, nil
}

// ListStalePaymentIntents returns open intents with a processor reference that have not moved since updatedBefore.
func (r *PostgresRepository) ListStalePaymentIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentIntent, error) {
	query := `
		SELECT ` + paymentIntentColumns + ` FROM payment_intents
		WHERE status NOT IN ('succeeded', 'cancelled')
		  AND provider_intent_id IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectAll[paymentIntentRow, domain.PaymentIntent](rows)
}
