/**
 * @description
 * Cron scheduler setup for the settlement sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/pennybot/deposit-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the recurring ledger maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *SettlementJobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *SettlementJobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.SettlementJobSchedule, s.jobs.RunSettlement); err != nil {
		s.logger.Error("failed to schedule settlement job", "error", err)
	} else {
		s.logger.Info("scheduled settlement job", "schedule", s.config.SettlementJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
