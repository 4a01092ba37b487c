package worker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskworker/internal/models"
	"taskworker/internal/taskstore"
	"taskworker/internal/worker"
)

func TestHeartbeatValue(t *testing.T) {
	tests := []struct {
		elapsed  time.Duration
		expected float64
	}{
		{0, models.HeartbeatFloor},
		{1500 * time.Millisecond, models.HeartbeatFloor},
		{2 * time.Second, models.HeartbeatFloor},
		{2400 * time.Millisecond, 2},
		{2600 * time.Millisecond, 3},
		{95 * time.Second, 95},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, worker.HeartbeatValue(tt.elapsed))
		})
	}
}

// slowStore delays heartbeat writes and records when each write finished
type slowStore struct {
	taskstore.Store
	delay time.Duration

	mu         sync.Mutex
	heartbeats []time.Time
}

func (s *slowStore) Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error) {
	if upd.HeartbeatSeconds.Valid {
		time.Sleep(s.delay)
		defer func() {
			s.mu.Lock()
			s.heartbeats = append(s.heartbeats, time.Now())
			s.mu.Unlock()
		}()
	}
	return s.Store.Update(ctx, id, upd)
}

func (s *slowStore) writes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.heartbeats...)
}

func runningTask(t *testing.T) (taskstore.Store, int64) {
	t.Helper()
	store, err := taskstore.NewBolt(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	id, err := store.Enqueue(ctx, models.NewTask{Type: 7})
	require.NoError(t, err)
	ok, err := store.Update(ctx, id, models.TaskUpdate{Phase: models.PhaseRunning})
	require.NoError(t, err)
	require.True(t, ok)
	return store, id
}

func TestProgressReporter_WritesHeartbeat(t *testing.T) {
	store, id := runningTask(t)
	reporter := worker.NewProgressReporter(store, 10*time.Millisecond, zerolog.Nop())

	hb := reporter.Start(context.Background(), id, time.Now())
	assert.Eventually(t, func() bool {
		task, err := store.GetByID(context.Background(), id)
		return err == nil && task.HeartbeatSeconds == models.HeartbeatFloor
	}, time.Second, 10*time.Millisecond)
	hb.Stop()
	hb.Stop()

	task, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRunning, task.Phase, "the heartbeat never touches the phase")
}

func TestProgressReporter_NoWriteAfterStop(t *testing.T) {
	base, id := runningTask(t)
	store := &slowStore{Store: base, delay: 50 * time.Millisecond}
	reporter := worker.NewProgressReporter(store, 5*time.Millisecond, zerolog.Nop())

	hb := reporter.Start(context.Background(), id, time.Now().Add(-time.Minute))
	require.Eventually(t, func() bool { return len(store.writes()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	hb.Stop()
	stoppedAt := time.Now()

	ok, err := base.Update(context.Background(), id, models.TaskUpdate{
		Phase:      models.PhaseSucceeded,
		Message:    null.StringFrom("Finished"),
		FinishedAt: null.TimeFrom(stoppedAt),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// give a leaked tick time to land
	time.Sleep(150 * time.Millisecond)

	for _, at := range store.writes() {
		assert.False(t, at.After(stoppedAt), "heartbeat written after Stop returned")
	}

	task, err := base.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSucceeded, task.Phase)
	assert.Equal(t, models.LegacyStatusSucceeded, task.LegacyStatus())
}

func TestProgressReporter_SkipsTerminalTask(t *testing.T) {
	store, id := runningTask(t)
	ctx := context.Background()

	_, err := store.Update(ctx, id, models.TaskUpdate{Phase: models.PhaseFailed})
	require.NoError(t, err)

	reporter := worker.NewProgressReporter(store, 5*time.Millisecond, zerolog.Nop())
	hb := reporter.Start(ctx, id, time.Now().Add(-time.Hour))
	time.Sleep(50 * time.Millisecond)
	hb.Stop()

	task, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, task.Phase)
	assert.Zero(t, task.HeartbeatSeconds, "guarded heartbeat writes do not reach a finished task")
}
