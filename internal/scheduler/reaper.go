package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"taskworker/internal/exitcode"
	"taskworker/internal/metrics"
	"taskworker/internal/taskstore"
)

// ReapStore is the part of the task store the reaper needs
type ReapStore interface {
	ReapStale(ctx context.Context, staleAfter time.Duration, message string) (taskstore.ReapResult, error)
}

// Reaper periodically cleans up after workers that died. A running task whose heartbeat
// stopped is failed, and a waiting task whose claim stopped being renewed is released.
type Reaper struct {
	store      ReapStore
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	metrics    metrics.WorkerMetrics
	logger     zerolog.Logger
}

func NewReaper(store ReapStore, schedule string, staleAfter time.Duration, m metrics.WorkerMetrics, logger zerolog.Logger) *Reaper {
	// Create cron with seconds precision
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
	)
	if m == nil {
		m = metrics.NopMetrics{}
	}

	return &Reaper{
		store:      store,
		cron:       c,
		schedule:   schedule,
		staleAfter: staleAfter,
		metrics:    m,
		logger:     logger.With().Str("component", "reaper").Logger(),
	}
}

// ReapOnce runs a single pass
func (r *Reaper) ReapOnce(ctx context.Context) (taskstore.ReapResult, error) {
	result, err := r.store.ReapStale(ctx, r.staleAfter, exitcode.ProcessKilledByWTM.Message())
	if err != nil {
		return result, err
	}

	r.metrics.TasksReaped(result.Failed, result.Released)
	if result.Failed > 0 || result.Released > 0 {
		r.logger.Info().
			Int64("failed", result.Failed).
			Int64("released", result.Released).
			Msg("Reaped stale tasks")
	}
	return result, nil
}

// Run schedules the reaper and blocks until ctx is canceled
func (r *Reaper) Run(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Could not reap stale tasks")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}

	r.logger.Info().
		Str("schedule", r.schedule).
		Dur("stale_after", r.staleAfter).
		Msg("Reaper started")
	r.cron.Start()

	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop removes the schedule and waits for a running pass to finish
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reaper stopped")
}
