package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

// memoryLedger is an in-memory store.Repository with the same uniqueness, compare-and-swap
// and locked-reservation semantics as the Postgres implementation.
type memoryLedger struct {
	mu sync.Mutex

	intents      map[uuid.UUID]domain.PaymentIntent
	transactions map[uuid.UUID]domain.Transaction
	refunds      map[uuid.UUID]domain.Refund
	refundOrder  []uuid.UUID
	methods      map[uuid.UUID]domain.PaymentMethod
	webhooks     map[uuid.UUID]domain.WebhookEvent

	// findIntentByProviderErr, when set, fails FindPaymentIntentByProviderIntentID.
	findIntentByProviderErr error
}

var _ store.Repository = (*memoryLedger)(nil)

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		intents:      make(map[uuid.UUID]domain.PaymentIntent),
		transactions: make(map[uuid.UUID]domain.Transaction),
		refunds:      make(map[uuid.UUID]domain.Refund),
		methods:      make(map[uuid.UUID]domain.PaymentMethod),
		webhooks:     make(map[uuid.UUID]domain.WebhookEvent),
	}
}

func snapshotIntent(p domain.PaymentIntent) *domain.PaymentIntent {
	p.Metadata = p.Metadata.Clone()
	return &p
}

func snapshotTransaction(t domain.Transaction) *domain.Transaction {
	t.Metadata = t.Metadata.Clone()
	return &t
}

func snapshotRefund(r domain.Refund) *domain.Refund {
	r.Metadata = r.Metadata.Clone()
	return &r
}

func (l *memoryLedger) setFindIntentByProviderErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.findIntentByProviderErr = err
}

// Payment intents

func (l *memoryLedger) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.intents {
		if existing.ServiceName == intent.ServiceName && existing.ServiceTransactionID == intent.ServiceTransactionID {
			return store.ErrDuplicateOwnerKey
		}
	}
	now := time.Now().UTC()
	intent.CreatedAt, intent.UpdatedAt = now, now
	l.intents[intent.ID] = *snapshotIntent(*intent)
	return nil
}

func (l *memoryLedger) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	intent, ok := l.intents[id]
	if !ok {
		return nil, store.ErrPaymentIntentNotFound
	}
	return snapshotIntent(intent), nil
}

func (l *memoryLedger) FindPaymentIntentByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.PaymentIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, intent := range l.intents {
		if intent.ServiceName == serviceName && intent.ServiceTransactionID == serviceTransactionID {
			return snapshotIntent(intent), nil
		}
	}
	return nil, store.ErrPaymentIntentNotFound
}

func (l *memoryLedger) FindPaymentIntentByProviderIntentID(ctx context.Context, provider, providerIntentID string) (*domain.PaymentIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findIntentByProviderErr != nil {
		return nil, l.findIntentByProviderErr
	}
	for _, intent := range l.intents {
		if intent.Provider == provider && intent.ProviderIntentID != nil && *intent.ProviderIntentID == providerIntentID {
			return snapshotIntent(intent), nil
		}
	}
	return nil, store.ErrPaymentIntentNotFound
}

func (l *memoryLedger) TransitionPaymentIntentStatus(ctx context.Context, id uuid.UUID, to domain.IntentStatus) (*domain.PaymentIntent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	intent, ok := l.intents[id]
	if !ok {
		return nil, false, store.ErrPaymentIntentNotFound
	}
	if !lo.Contains(domain.IntentPredecessors(to), intent.Status) {
		return snapshotIntent(intent), false, nil
	}
	intent.Status = to
	intent.UpdatedAt = time.Now().UTC()
	l.intents[id] = intent
	return snapshotIntent(intent), true, nil
}

func (l *memoryLedger) ListStalePaymentIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.PaymentIntent
	for _, intent := range l.intents {
		if !intent.Status.IsTerminal() && intent.ProviderIntentID != nil && intent.UpdatedAt.Before(updatedBefore) {
			out = append(out, *snapshotIntent(intent))
		}
	}
	return lo.Slice(out, 0, limit), nil
}

// Transactions

func (l *memoryLedger) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.transactions {
		if existing.ServiceName == tx.ServiceName && existing.ServiceTransactionID == tx.ServiceTransactionID {
			return store.ErrDuplicateOwnerKey
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	l.transactions[tx.ID] = *snapshotTransaction(*tx)
	return nil
}

func (l *memoryLedger) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return snapshotTransaction(tx), nil
}

func (l *memoryLedger) FindTransactionByOwnerKey(ctx context.Context, serviceName, serviceTransactionID string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.transactions {
		if tx.ServiceName == serviceName && tx.ServiceTransactionID == serviceTransactionID {
			return snapshotTransaction(tx), nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (l *memoryLedger) FindTransactionByProviderTransactionID(ctx context.Context, provider, providerTransactionID string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.transactions {
		if tx.Provider == provider && tx.ProviderTransactionID != nil && *tx.ProviderTransactionID == providerTransactionID {
			return snapshotTransaction(tx), nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (l *memoryLedger) TransitionTransactionStatus(ctx context.Context, id uuid.UUID, transition store.TransactionTransition) (*domain.Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[id]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	if !lo.Contains(domain.TransactionPredecessors(transition.To), tx.Status) {
		return snapshotTransaction(tx), false, nil
	}
	tx.Status = transition.To
	if transition.FailureReason != nil {
		reason := *transition.FailureReason
		tx.FailureReason = &reason
	}
	if transition.ProcessedAt != nil {
		at := *transition.ProcessedAt
		tx.ProcessedAt = &at
	}
	tx.UpdatedAt = time.Now().UTC()
	l.transactions[id] = tx
	return snapshotTransaction(tx), true, nil
}

func (l *memoryLedger) totalsLocked(transactionID uuid.UUID) store.RefundTotals {
	totals := store.RefundTotals{Reserved: decimal.Zero, Succeeded: decimal.Zero}
	for _, refund := range l.refunds {
		if refund.TransactionID != transactionID {
			continue
		}
		if refund.Status.ReservesBalance() {
			totals.Reserved = totals.Reserved.Add(refund.Amount)
		}
		if refund.Status == domain.RefundSucceeded {
			totals.Succeeded = totals.Succeeded.Add(refund.Amount)
		}
	}
	return totals
}

func (l *memoryLedger) MarkTransactionRefundedIfExhausted(ctx context.Context, id uuid.UUID) (*domain.Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[id]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionSucceeded || l.totalsLocked(id).Succeeded.LessThan(tx.Amount) {
		return snapshotTransaction(tx), false, nil
	}
	tx.Status = domain.TransactionRefunded
	tx.UpdatedAt = time.Now().UTC()
	l.transactions[id] = tx
	return snapshotTransaction(tx), true, nil
}

func (l *memoryLedger) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	matches := lo.Filter(lo.Values(l.transactions), func(tx domain.Transaction, _ int) bool {
		switch {
		case filter.UserID != nil && (tx.UserID == nil || *tx.UserID != *filter.UserID):
			return false
		case filter.Status != nil && tx.Status != *filter.Status:
			return false
		case filter.Type != nil && tx.Type != *filter.Type:
			return false
		case filter.Provider != nil && tx.Provider != *filter.Provider:
			return false
		case filter.StartDate != nil && tx.CreatedAt.Before(*filter.StartDate):
			return false
		case filter.EndDate != nil && tx.CreatedAt.After(*filter.EndDate):
			return false
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return lo.Slice(matches, filter.Offset(), filter.Offset()+filter.Limit), len(matches), nil
}

func (l *memoryLedger) ListStaleTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range l.transactions {
		open := tx.Status == domain.TransactionPending || tx.Status == domain.TransactionProcessing
		if open && tx.ProviderTransactionID != nil && tx.UpdatedAt.Before(updatedBefore) {
			out = append(out, *snapshotTransaction(tx))
		}
	}
	return lo.Slice(out, 0, limit), nil
}

// Refunds

func (l *memoryLedger) ReserveRefund(ctx context.Context, refund *domain.Refund) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	parent, ok := l.transactions[refund.TransactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if parent.Status != domain.TransactionSucceeded || parent.Type != domain.TransactionTypePayment {
		return store.ErrTransactionNotRefundable
	}
	if refund.Amount.GreaterThan(parent.Amount.Sub(l.totalsLocked(parent.ID).Reserved)) {
		return store.ErrRefundExceedsTransaction
	}
	now := time.Now().UTC()
	refund.CreatedAt, refund.UpdatedAt = now, now
	l.refunds[refund.ID] = *snapshotRefund(*refund)
	l.refundOrder = append(l.refundOrder, refund.ID)
	return nil
}

func (l *memoryLedger) AttachProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (*domain.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	refund, ok := l.refunds[id]
	if !ok {
		return nil, store.ErrRefundNotFound
	}
	if refund.ProviderRefundID == nil {
		ref := providerRefundID
		refund.ProviderRefundID = &ref
		refund.UpdatedAt = time.Now().UTC()
		l.refunds[id] = refund
	}
	return snapshotRefund(refund), nil
}

func (l *memoryLedger) FindRefundByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	refund, ok := l.refunds[id]
	if !ok {
		return nil, store.ErrRefundNotFound
	}
	return snapshotRefund(refund), nil
}

func (l *memoryLedger) FindRefundByProviderRefundID(ctx context.Context, provider, providerRefundID string) (*domain.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, refund := range l.refunds {
		if refund.Provider == provider && refund.ProviderRefundID != nil && *refund.ProviderRefundID == providerRefundID {
			return snapshotRefund(refund), nil
		}
	}
	return nil, store.ErrRefundNotFound
}

func (l *memoryLedger) TransitionRefundStatus(ctx context.Context, id uuid.UUID, transition store.RefundTransition) (*domain.Refund, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	refund, ok := l.refunds[id]
	if !ok {
		return nil, false, store.ErrRefundNotFound
	}
	if !lo.Contains(domain.RefundPredecessors(transition.To), refund.Status) {
		return snapshotRefund(refund), false, nil
	}
	refund.Status = transition.To
	if transition.FailureReason != nil {
		refund.Metadata = refund.Metadata.Clone()
		if refund.Metadata == nil {
			refund.Metadata = domain.Metadata{}
		}
		refund.Metadata[domain.MetadataFailureReasonKey] = *transition.FailureReason
	}
	if transition.ProcessedAt != nil {
		at := *transition.ProcessedAt
		refund.ProcessedAt = &at
	}
	refund.UpdatedAt = time.Now().UTC()
	l.refunds[id] = refund
	return snapshotRefund(refund), true, nil
}

func (l *memoryLedger) ListRefundsByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Refund
	for _, id := range l.refundOrder {
		if refund := l.refunds[id]; refund.TransactionID == transactionID {
			out = append(out, *snapshotRefund(refund))
		}
	}
	return out, nil
}

func (l *memoryLedger) GetRefundTotals(ctx context.Context, transactionID uuid.UUID) (store.RefundTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalsLocked(transactionID), nil
}

func (l *memoryLedger) ListStaleRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Refund
	for _, id := range l.refundOrder {
		refund := l.refunds[id]
		open := refund.Status == domain.RefundPending || refund.Status == domain.RefundProcessing
		if open && refund.UpdatedAt.Before(updatedBefore) {
			out = append(out, *snapshotRefund(refund))
		}
	}
	return lo.Slice(out, 0, limit), nil
}

// Payment methods

func (l *memoryLedger) CreatePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, existing := range l.methods {
		if existing.UserID == method.UserID && existing.ProviderPaymentMethodID == method.ProviderPaymentMethodID {
			return store.ErrDuplicatePaymentMethod
		}
		if method.IsDefault && existing.UserID == method.UserID && existing.IsDefault {
			existing.IsDefault = false
			l.methods[id] = existing
		}
	}
	now := time.Now().UTC()
	method.CreatedAt, method.UpdatedAt = now, now
	copied := *method
	copied.Metadata = method.Metadata.Clone()
	l.methods[method.ID] = copied
	return nil
}

func (l *memoryLedger) FindPaymentMethodByID(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	method, ok := l.methods[id]
	if !ok {
		return nil, store.ErrPaymentMethodNotFound
	}
	return &method, nil
}

func (l *memoryLedger) ListPaymentMethodsByUserID(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := lo.Filter(lo.Values(l.methods), func(m domain.PaymentMethod, _ int) bool { return m.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].IsDefault && !out[j].IsDefault })
	return out, nil
}

// Webhook events

func (l *memoryLedger) ClaimWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.webhooks {
		if existing.Provider == event.Provider && existing.ProviderEventID == event.ProviderEventID {
			return false, nil
		}
	}
	event.CreatedAt = time.Now().UTC()
	l.webhooks[event.ID] = *event
	return true, nil
}

func (l *memoryLedger) FindWebhookEventByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.webhooks[id]
	if !ok {
		return nil, store.ErrWebhookEventNotFound
	}
	return &event, nil
}

func (l *memoryLedger) FindWebhookEventByProviderEventID(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.webhooks {
		if event.Provider == provider && event.ProviderEventID == providerEventID {
			return &event, nil
		}
	}
	return nil, store.ErrWebhookEventNotFound
}

func (l *memoryLedger) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.webhooks[id]
	if !ok || event.Processed {
		return false, nil
	}
	now := time.Now().UTC()
	event.Processed, event.ProcessedAt = true, &now
	l.webhooks[id] = event
	return true, nil
}

func (l *memoryLedger) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.WebhookEvent
	for _, event := range l.webhooks {
		if !event.Processed && event.CreatedAt.Before(receivedBefore) {
			out = append(out, event)
		}
	}
	return lo.Slice(out, 0, limit), nil
}

// Inspection helpers

func (l *memoryLedger) transactionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transactions)
}

func (l *memoryLedger) intentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.intents)
}

func (l *memoryLedger) webhookCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.webhooks)
}
