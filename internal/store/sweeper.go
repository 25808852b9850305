package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionSweeper periodically deletes ended sessions older than the
// configured retention window.
type RetentionSweeper struct {
	store    Store
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewRetentionSweeper creates a sweeper. schedule is a cron expression;
// empty means hourly.
func NewRetentionSweeper(store Store, maxAge time.Duration, schedule string, logger *slog.Logger) *RetentionSweeper {
	if schedule == "" {
		schedule = "@hourly"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the sweep. Returns an error for a bad cron expression.
func (s *RetentionSweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep deletes expired sessions once.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	removed, err := s.store.DeleteSessionsEndedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed sessions", "count", removed, "cutoff", cutoff)
	}
}
