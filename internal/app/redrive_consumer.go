package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"go.uber.org/zap"
)

// RedriveCommand is the body of an operator re-drive message.
type RedriveCommand struct {
	EventID string `json:"eventId"`
}

// RedriveConsumer handles re-drive commands from RabbitMQ.
type RedriveConsumer struct {
	svc    *Service
	logger *zap.Logger
}

func NewRedriveConsumer(svc *Service, logger *zap.Logger) *RedriveConsumer {
	return &RedriveConsumer{svc: svc, logger: logger.With(zap.String("component", "redrive_consumer"))}
}

// HandleMessage returns true to ack. Malformed commands, unknown events and dispatch failures
// are acked: the scheduled re-drive keeps retrying unprocessed events. Only infrastructure
// errors are nacked for redelivery.
func (c *RedriveConsumer) HandleMessage(body []byte) bool {
	var cmd RedriveCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		c.logger.Warn("failed to unmarshal redrive command", zap.Error(err))
		return true
	}
	if strings.TrimSpace(cmd.EventID) == "" {
		c.logger.Warn("redrive command without event id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.svc.Redrive(ctx, cmd.EventID)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindValidation, domain.KindWebhookEventNotFound:
			c.logger.Warn("redrive command rejected", zap.String("event_id", cmd.EventID), zap.Error(err))
			return true
		}
		if errors.Is(err, ErrDispatchFailed) || errors.Is(err, ErrUnreadablePayload) {
			// The event stays unprocessed for the scheduled job.
			c.logger.Warn("redrive dispatch failed", zap.String("event_id", cmd.EventID), zap.Error(err))
			return true
		}
		c.logger.Error("redrive command failed", zap.String("event_id", cmd.EventID), zap.Error(err))
		return false
	}

	c.logger.Info("webhook event redriven", zap.String("event_id", result.EventID.String()), zap.Bool("processed", result.Processed))
	return true
}
