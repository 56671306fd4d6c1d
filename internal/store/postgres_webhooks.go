package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-service/internal/domain"
)

// ClaimWebhookEvent is the atomic insert-if-absent against UNIQUE(provider, provider_event_id).
// It returns false when another delivery already claimed the event; exactly one concurrent
// caller wins.
func (r *PostgresRepository) ClaimWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	row := webhookEventRowFrom(event)
	query := `
		INSERT INTO webhook_events (id, provider, provider_event_id, event_type, processed, payload)
		VALUES (@id, @provider, @provider_event_id, @event_type, @processed, @payload)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query, row.insertArgs()).Scan(&event.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) FindWebhookEventByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return collectOne[webhookEventRow, domain.WebhookEvent](rows, ErrWebhookEventNotFound)
}

func (r *PostgresRepository) FindWebhookEventByProviderEventID(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE provider = $1 AND provider_event_id = $2`,
		provider, providerEventID)
	if err != nil {
		return nil, err
	}
	return collectOne[webhookEventRow, domain.WebhookEvent](rows, ErrWebhookEventNotFound)
}

// MarkWebhookEventProcessed flips processed once; it reports whether this call did it.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = NOW() WHERE id = $1 AND processed = FALSE`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnprocessedWebhookEvents returns claimed events whose dispatch never completed.
func (r *PostgresRepository) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		 WHERE processed = FALSE AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		receivedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectAll[webhookEventRow, domain.WebhookEvent](rows)
}
