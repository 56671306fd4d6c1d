/**
 * @description
 * Cron scheduler for the background jobs: webhook re-drive and processor reconciliation.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	redriveMinAge    = time.Minute
	redriveBatchSize = 100
	jobTimeout       = 4 * time.Minute
)

// SchedulerConfig holds the cron specs of the jobs.
type SchedulerConfig struct {
	WebhookRedriveSchedule string
	ReconcileSchedule      string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	svc        *Service
	reconciler *Reconciler
	logger     *zap.Logger
	config     SchedulerConfig
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a new scheduler instance. A job still running when its next tick
// arrives is skipped rather than stacked.
func NewScheduler(svc *Service, reconciler *Reconciler, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	logger = logger.With(zap.String("component", "scheduler"))
	adapter := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(adapter), cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)))

	return &Scheduler{
		cron:       c,
		svc:        svc,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.WebhookRedriveSchedule, s.RedriveWebhooks); err != nil {
		s.logger.Error("failed to schedule webhook redrive job", zap.Error(err))
	} else {
		s.logger.Info("scheduled webhook redrive job", zap.String("schedule", s.config.WebhookRedriveSchedule))
	}

	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.Reconcile); err != nil {
		s.logger.Error("failed to schedule reconciliation job", zap.Error(err))
	} else {
		s.logger.Info("scheduled reconciliation job", zap.String("schedule", s.config.ReconcileSchedule))
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RedriveWebhooks re-applies webhook events left unprocessed.
func (s *Scheduler) RedriveWebhooks() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.svc.RedriveUnprocessed(ctx, redriveMinAge, redriveBatchSize); err != nil {
		s.logger.Error("webhook redrive job finished with errors", zap.String("job", "webhook_redrive"), zap.Error(err))
	}
}

// Reconcile runs one reconciliation pass.
func (s *Scheduler) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.reconciler.Run(ctx); err != nil {
		s.logger.Error("reconciliation job finished with errors", zap.String("job", "reconcile"), zap.Error(err))
	}
}
