// Package sweeper runs the periodic cleanup of expired vault entries. The
// relational backend has no native expiry, so rows past their expires_at are
// removed by a background job. The Redis backend expires keys natively and
// reports DeleteExpired as a no-op, which makes the sweep harmless to run
// against either backend.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/metrics"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// DefaultInterval is how often the sweep runs unless overridden.
const DefaultInterval = 15 * time.Minute

// Sweeper wraps gocron and deletes expired vault entries on an interval.
// The zero value is not usable, create instances with New.
type Sweeper struct {
	cron     gocron.Scheduler
	store    vault.Store
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Sweeper over the given store. Call Start to begin sweeping.
func New(store vault.Store, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron:     s,
		store:    store,
		interval: interval,
		logger:   logger.Named("sweeper"),
	}, nil
}

// Start schedules the sweep job and starts the underlying scheduler. Runs in
// singleton mode so a slow sweep is never overlapped by the next tick.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for expiry sweep: %w", err)
	}

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying scheduler, waiting for a running
// sweep to complete before returning.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper shutdown error: %w", err)
	}
	s.logger.Info("expiry sweeper stopped")
	return nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.store.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}

	metrics.ExpiredSweeps.Add(float64(removed))
	if removed > 0 {
		s.logger.Info("expired vault entries removed", zap.Int64("count", removed))
	}
}
