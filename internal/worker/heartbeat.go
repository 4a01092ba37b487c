package worker

import (
	"context"
	"math"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"taskworker/internal/models"
)

// HeartbeatStore is the part of the task store the heartbeat writes to
type HeartbeatStore interface {
	Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error)
}

// HeartbeatValue is the value written for a task that has been running for elapsed. Up to
// the floor the floor itself is written, above it the rounded seconds.
func HeartbeatValue(elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= models.HeartbeatFloor {
		return models.HeartbeatFloor
	}
	return math.Round(secs)
}

// ProgressReporter writes the elapsed running time of a task on every tick while the task
// executes. Writes are guarded on the running phase, so a heartbeat can never overwrite a
// terminal outcome even if it reaches the store late.
type ProgressReporter struct {
	store    HeartbeatStore
	interval time.Duration
	logger   zerolog.Logger

	// OnFailure, when set, is called for every failed heartbeat write
	OnFailure func()
}

func NewProgressReporter(store HeartbeatStore, interval time.Duration, logger zerolog.Logger) *ProgressReporter {
	return &ProgressReporter{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Heartbeat is one running reporter loop
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start begins reporting for taskID. The caller must Stop the returned Heartbeat.
func (r *ProgressReporter) Start(ctx context.Context, taskID int64, startedAt time.Time) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{cancel: cancel, done: make(chan struct{})}
	go r.run(ctx, taskID, startedAt, hb.done)
	return hb
}

// Stop signals the loop and blocks until it has exited. No heartbeat write happens after
// Stop returns. It is safe to call more than once.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

func (r *ProgressReporter) run(ctx context.Context, taskID int64, startedAt time.Time, done chan<- struct{}) {
	defer close(done)

	logger := r.logger.With().Int64("task_id", taskID).Logger()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a tick and Stop may be ready together, Stop wins
			if ctx.Err() != nil {
				return
			}

			value := HeartbeatValue(time.Since(startedAt))
			ok, err := r.store.Update(ctx, taskID, models.TaskUpdate{
				HeartbeatSeconds: null.FloatFrom(value),
				RequirePhase:     models.PhaseRunning,
			})
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				logger.Error().Err(err).Msg("Could not update task heartbeat")
				if r.OnFailure != nil {
					r.OnFailure()
				}
			case !ok:
				logger.Debug().Msg("Task is no longer running, heartbeat skipped")
			default:
				logger.Trace().Float64("heartbeat_seconds", value).Msg("Heartbeat")
			}
		}
	}
}
