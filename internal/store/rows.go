package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/transfa/payment-service/internal/domain"
)

// Each ledger entity has exactly one row type. Every read path scans through
// pgx.RowToStructByName into it and every write path builds its arguments from it.

const paymentIntentColumns = `id, user_id, amount, currency, status, provider, provider_intent_id,
	service_name, service_transaction_id, client_secret, description, metadata, expires_at, created_at, updated_at`

const transactionColumns = `id, user_id, payment_method_id, amount, currency, status, type, provider,
	provider_transaction_id, service_name, service_transaction_id, description, metadata, failure_reason,
	processed_at, created_at, updated_at`

const refundColumns = `id, transaction_id, amount, currency, status, provider, provider_refund_id, reason,
	metadata, processed_at, created_at, updated_at`

const paymentMethodColumns = `id, user_id, type, provider, provider_payment_method_id, is_default, metadata,
	created_at, updated_at`

const webhookEventColumns = `id, provider, provider_event_id, event_type, processed, payload, created_at, processed_at`

type paymentIntentRow struct {
	ID                   uuid.UUID      `db:"id"`
	UserID               *string        `db:"user_id"`
	Amount               pgtype.Numeric `db:"amount"`
	Currency             string         `db:"currency"`
	Status               string         `db:"status"`
	Provider             string         `db:"provider"`
	ProviderIntentID     *string        `db:"provider_intent_id"`
	ServiceName          string         `db:"service_name"`
	ServiceTransactionID string         `db:"service_transaction_id"`
	ClientSecret         *string        `db:"client_secret"`
	Description          *string        `db:"description"`
	Metadata             []byte         `db:"metadata"`
	ExpiresAt            *time.Time     `db:"expires_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func paymentIntentRowFrom(p *domain.PaymentIntent) (paymentIntentRow, error) {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return paymentIntentRow{}, err
	}
	return paymentIntentRow{
		ID:                   p.ID,
		UserID:               p.UserID,
		Amount:               toNumeric(p.Amount),
		Currency:             p.Currency,
		Status:               string(p.Status),
		Provider:             p.Provider,
		ProviderIntentID:     p.ProviderIntentID,
		ServiceName:          p.ServiceName,
		ServiceTransactionID: p.ServiceTransactionID,
		ClientSecret:         p.ClientSecret,
		Description:          p.Description,
		Metadata:             meta,
		ExpiresAt:            p.ExpiresAt,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}, nil
}

func (r paymentIntentRow) toDomain() (*domain.PaymentIntent, error) {
	amount, err := fromNumeric(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("payment intent %s amount: %w", r.ID, err)
	}
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("payment intent %s metadata: %w", r.ID, err)
	}
	return &domain.PaymentIntent{
		ID:                   r.ID,
		UserID:               r.UserID,
		Amount:               amount,
		Currency:             r.Currency,
		Status:               domain.IntentStatus(r.Status),
		Provider:             r.Provider,
		ProviderIntentID:     r.ProviderIntentID,
		ServiceName:          r.ServiceName,
		ServiceTransactionID: r.ServiceTransactionID,
		ClientSecret:         r.ClientSecret,
		Description:          r.Description,
		Metadata:             meta,
		ExpiresAt:            r.ExpiresAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}, nil
}

func (r paymentIntentRow) insertArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":                     r.ID,
		"user_id":                r.UserID,
		"amount":                 r.Amount,
		"currency":               r.Currency,
		"status":                 r.Status,
		"provider":               r.Provider,
		"provider_intent_id":     r.ProviderIntentID,
		"service_name":           r.ServiceName,
		"service_transaction_id": r.ServiceTransactionID,
		"client_secret":          r.ClientSecret,
		"description":            r.Description,
		"metadata":               string(r.Metadata),
		"expires_at":             r.ExpiresAt,
	}
}

type transactionRow struct {
	ID                    uuid.UUID      `db:"id"`
	UserID                *string        `db:"user_id"`
	PaymentMethodID       *uuid.UUID     `db:"payment_method_id"`
	Amount                pgtype.Numeric `db:"amount"`
	Currency              string         `db:"currency"`
	Status                string         `db:"status"`
	Type                  string         `db:"type"`
	Provider              string         `db:"provider"`
	ProviderTransactionID *string        `db:"provider_transaction_id"`
	ServiceName           string         `db:"service_name"`
	ServiceTransactionID  string         `db:"service_transaction_id"`
	Description           *string        `db:"description"`
	Metadata              []byte         `db:"metadata"`
	FailureReason         *string        `db:"failure_reason"`
	ProcessedAt           *time.Time     `db:"processed_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func transactionRowFrom(t *domain.Transaction) (transactionRow, error) {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return transactionRow{}, err
	}
	return transactionRow{
		ID:                    t.ID,
		UserID:                t.UserID,
		PaymentMethodID:       t.PaymentMethodID,
		Amount:                toNumeric(t.Amount),
		Currency:              t.Currency,
		Status:                string(t.Status),
		Type:                  string(t.Type),
		Provider:              t.Provider,
		ProviderTransactionID: t.ProviderTransactionID,
		ServiceName:           t.ServiceName,
		ServiceTransactionID:  t.ServiceTransactionID,
		Description:           t.Description,
		Metadata:              meta,
		FailureReason:         t.FailureReason,
		ProcessedAt:           t.ProcessedAt,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
	}, nil
}

func (r transactionRow) toDomain() (*domain.Transaction, error) {
	amount, err := fromNumeric(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", r.ID, err)
	}
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("transaction %s metadata: %w", r.ID, err)
	}
	return &domain.Transaction{
		ID:                    r.ID,
		UserID:                r.UserID,
		PaymentMethodID:       r.PaymentMethodID,
		Amount:                amount,
		Currency:              r.Currency,
		Status:                domain.TransactionStatus(r.Status),
		Type:                  domain.TransactionType(r.Type),
		Provider:              r.Provider,
		ProviderTransactionID: r.ProviderTransactionID,
		ServiceName:           r.ServiceName,
		ServiceTransactionID:  r.ServiceTransactionID,
		Description:           r.Description,
		Metadata:              meta,
		FailureReason:         r.FailureReason,
		ProcessedAt:           r.ProcessedAt,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}, nil
}

func (r transactionRow) insertArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":                      r.ID,
		"user_id":                 r.UserID,
		"payment_method_id":       r.PaymentMethodID,
		"amount":                  r.Amount,
		"currency":                r.Currency,
		"status":                  r.Status,
		"type":                    r.Type,
		"provider":                r.Provider,
		"provider_transaction_id": r.ProviderTransactionID,
		"service_name":            r.ServiceName,
		"service_transaction_id":  r.ServiceTransactionID,
		"description":             r.Description,
		"metadata":                string(r.Metadata),
		"failure_reason":          r.FailureReason,
		"processed_at":            r.ProcessedAt,
	}
}

type refundRow struct {
	ID               uuid.UUID      `db:"id"`
	TransactionID    uuid.UUID      `db:"transaction_id"`
	Amount           pgtype.Numeric `db:"amount"`
	Currency         string         `db:"currency"`
	Status           string         `db:"status"`
	Provider         string         `db:"provider"`
	ProviderRefundID *string        `db:"provider_refund_id"`
	Reason           *string        `db:"reason"`
	Metadata         []byte         `db:"metadata"`
	ProcessedAt      *time.Time     `db:"processed_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func refundRowFrom(r *domain.Refund) (refundRow, error) {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return refundRow{}, err
	}
	return refundRow{
		ID:               r.ID,
		TransactionID:    r.TransactionID,
		Amount:           toNumeric(r.Amount),
		Currency:         r.Currency,
		Status:           string(r.Status),
		Provider:         r.Provider,
		ProviderRefundID: r.ProviderRefundID,
		Reason:           r.Reason,
		Metadata:         meta,
		ProcessedAt:      r.ProcessedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func (r refundRow) toDomain() (*domain.Refund, error) {
	amount, err := fromNumeric(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("refund %s amount: %w", r.ID, err)
	}
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("refund %s metadata: %w", r.ID, err)
	}
	return &domain.Refund{
		ID:               r.ID,
		TransactionID:    r.TransactionID,
		Amount:           amount,
		Currency:         r.Currency,
		Status:           domain.RefundStatus(r.Status),
		Provider:         r.Provider,
		ProviderRefundID: r.ProviderRefundID,
		Reason:           r.Reason,
		Metadata:         meta,
		ProcessedAt:      r.ProcessedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func (r refundRow) insertArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":                 r.ID,
		"transaction_id":     r.TransactionID,
		"amount":             r.Amount,
		"currency":           r.Currency,
		"status":             r.Status,
		"provider":           r.Provider,
		"provider_refund_id": r.ProviderRefundID,
		"reason":             r.Reason,
		"metadata":           string(r.Metadata),
		"processed_at":       r.ProcessedAt,
	}
}

type paymentMethodRow struct {
	ID                      uuid.UUID `db:"id"`
	UserID                  string    `db:"user_id"`
	Type                    string    `db:"type"`
	Provider                string    `db:"provider"`
	ProviderPaymentMethodID string    `db:"provider_payment_method_id"`
	IsDefault               bool      `db:"is_default"`
	Metadata                []byte    `db:"metadata"`
	CreatedAt               time.Time `db:"created_at"`
	UpdatedAt               time.Time `db:"updated_at"`
}

func paymentMethodRowFrom(m *domain.PaymentMethod) (paymentMethodRow, error) {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return paymentMethodRow{}, err
	}
	return paymentMethodRow{
		ID:                      m.ID,
		UserID:                  m.UserID,
		Type:                    m.Type,
		Provider:                m.Provider,
		ProviderPaymentMethodID: m.ProviderPaymentMethodID,
		IsDefault:               m.IsDefault,
		Metadata:                meta,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}, nil
}

func (r paymentMethodRow) toDomain() (*domain.PaymentMethod, error) {
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("payment method %s metadata: %w", r.ID, err)
	}
	return &domain.PaymentMethod{
		ID:                      r.ID,
		UserID:                  r.UserID,
		Type:                    r.Type,
		Provider:                r.Provider,
		ProviderPaymentMethodID: r.ProviderPaymentMethodID,
		IsDefault:               r.IsDefault,
		Metadata:                meta,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}, nil
}

func (r paymentMethodRow) insertArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":                         r.ID,
		"user_id":                    r.UserID,
		"type":                       r.Type,
		"provider":                   r.Provider,
		"provider_payment_method_id": r.ProviderPaymentMethodID,
		"is_default":                 r.IsDefault,
		"metadata":                   string(r.Metadata),
	}
}

type webhookEventRow struct {
	ID              uuid.UUID  `db:"id"`
	Provider        string     `db:"provider"`
	ProviderEventID string     `db:"provider_event_id"`
	EventType       string     `db:"event_type"`
	Processed       bool       `db:"processed"`
	Payload         []byte     `db:"payload"`
	CreatedAt       time.Time  `db:"created_at"`
	ProcessedAt     *time.Time `db:"processed_at"`
}

func webhookEventRowFrom(e *domain.WebhookEvent) webhookEventRow {
	return webhookEventRow{
		ID:              e.ID,
		Provider:        e.Provider,
		ProviderEventID: e.ProviderEventID,
		EventType:       e.EventType,
		Processed:       e.Processed,
		Payload:         e.Payload,
		CreatedAt:       e.CreatedAt,
		ProcessedAt:     e.ProcessedAt,
	}
}

func (r webhookEventRow) toDomain() (*domain.WebhookEvent, error) {
	return &domain.WebhookEvent{
		ID:              r.ID,
		Provider:        r.Provider,
		ProviderEventID: r.ProviderEventID,
		EventType:       r.EventType,
		Processed:       r.Processed,
		Payload:         r.Payload,
		CreatedAt:       r.CreatedAt,
		ProcessedAt:     r.ProcessedAt,
	}, nil
}

func (r webhookEventRow) insertArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":                r.ID,
		"provider":          r.Provider,
		"provider_event_id": r.ProviderEventID,
		"event_type":        r.EventType,
		"processed":         r.Processed,
		"payload":           r.Payload,
	}
}

func encodeMetadata(m domain.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}
	var m domain.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// collectOne scans a single row into T and converts it to its domain form.
func collectOne[T interface{ toDomain() (*D, error) }, D any](rows pgx.Rows, notFound error) (*D, error) {
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return row.toDomain()
}

// collectAll scans every row into T and converts them to their domain form.
func collectAll[T interface{ toDomain() (*D, error) }, D any](rows pgx.Rows) ([]D, error) {
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return nil, err
	}
	out := make([]D, 0, len(scanned))
	for _, row := range scanned {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, nil
}
