package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

// CreatePaymentMethod saves a processor instrument for a user. Saving it as default clears
// the user's previous default in the same transaction.
func (r *PostgresRepository) CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error {
	row, err := paymentMethodRowFrom(method)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if method.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE payment_methods SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_default`,
			method.UserID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO payment_methods (id, user_id, type, provider, provider_payment_method_id, is_default, metadata)
		VALUES (@id, @user_id, @type, @provider, @provider_payment_method_id, @is_default, @metadata::jsonb)
		RETURNING created_at, updated_at`
	if err := tx.QueryRow(ctx, query, row.insertArgs()).Scan(&method.CreatedAt, &method.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePaymentMethod
		}
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindPaymentMethodByID(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return collectOne[paymentMethodRow, domain.PaymentMethod](rows, ErrPaymentMethodNotFound)
}

func (r *PostgresRepository) ListPaymentMethodsByUserID(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE user_id = $1 ORDER BY is_default DESC, created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	return collectAll[paymentMethodRow, domain.PaymentMethod](rows)
}
