package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Timeouts bounds processor calls. Intent covers create, confirm, cancel and refund
// operations; Read covers retrievals.
type Timeouts struct {
	Intent time.Duration
	Read   time.Duration
}

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
)

// timedGateway applies Timeouts to every call and retries the operations that are safe
// to repeat: reads, and creations that carry an idempotency key. Confirm and cancel
// are issued exactly once.
type timedGateway struct {
	next     Gateway
	timeouts Timeouts
	logger   *zap.Logger
}

// WithTimeouts decorates g with bounded, partially retried calls. A deadline expiry
// surfaces as ErrUnavailable.
func WithTimeouts(g Gateway, timeouts Timeouts, logger *zap.Logger) Gateway {
	return &timedGateway{
		next:     g,
		timeouts: timeouts,
		logger:   logger.With(zap.String("component", "gateway"), zap.String("provider", g.Name())),
	}
}

func (t *timedGateway) Name() string            { return t.next.Name() }
func (t *timedGateway) SignatureHeader() string { return t.next.SignatureHeader() }

func (t *timedGateway) CreateIntent(ctx context.Context, req IntentRequest) (*ExternalIntent, error) {
	return withRetry(ctx, t, "create_intent", t.timeouts.Intent, req.IdempotencyKey != "", func(ctx context.Context) (*ExternalIntent, error) {
		return t.next.CreateIntent(ctx, req)
	})
}

func (t *timedGateway) ConfirmIntent(ctx context.Context, externalID, paymentMethodRef string) (*ExternalIntent, error) {
	return withRetry(ctx, t, "confirm_intent", t.timeouts.Intent, false, func(ctx context.Context) (*ExternalIntent, error) {
		return t.next.ConfirmIntent(ctx, externalID, paymentMethodRef)
	})
}

func (t *timedGateway) CancelIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	return withRetry(ctx, t, "cancel_intent", t.timeouts.Intent, false, func(ctx context.Context) (*ExternalIntent, error) {
		return t.next.CancelIntent(ctx, externalID)
	})
}

func (t *timedGateway) RetrieveIntent(ctx context.Context, externalID string) (*ExternalIntent, error) {
	return withRetry(ctx, t, "retrieve_intent", t.timeouts.Read, true, func(ctx context.Context) (*ExternalIntent, error) {
		return t.next.RetrieveIntent(ctx, externalID)
	})
}

func (t *timedGateway) CreateRefund(ctx context.Context, req RefundRequest) (*ExternalRefund, error) {
	return withRetry(ctx, t, "create_refund", t.timeouts.Intent, req.IdempotencyKey != "", func(ctx context.Context) (*ExternalRefund, error) {
		return t.next.CreateRefund(ctx, req)
	})
}

func (t *timedGateway) RetrieveRefund(ctx context.Context, externalRefundID string) (*ExternalRefund, error) {
	return withRetry(ctx, t, "retrieve_refund", t.timeouts.Read, true, func(ctx context.Context) (*ExternalRefund, error) {
		return t.next.RetrieveRefund(ctx, externalRefundID)
	})
}

func (t *timedGateway) VerifyEvent(payload []byte, signature string) (*Event, error) {
	return t.next.VerifyEvent(payload, signature)
}

func (t *timedGateway) ParseEvent(payload []byte) (*Event, error) {
	return t.next.ParseEvent(payload)
}

// withRetry runs call under one overall deadline. Retryable failures are repeated with
// exponential backoff while retry is allowed and the deadline has room.
func withRetry[T any](ctx context.Context, t *timedGateway, op string, timeout time.Duration, retry bool, call func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	backoff := initialBackoff
	var (
		result T
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = call(ctx)
		if err == nil {
			return result, nil
		}
		if !retry || attempt >= maxAttempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		t.logger.Warn("retrying processor call",
			zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	return result, unavailableOnDeadline(err)
}

func unavailableOnDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
