package scheduler_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"taskworker/internal/events"
	"taskworker/internal/models"
	"taskworker/internal/scheduler"
	"taskworker/internal/taskstore"
	"taskworker/internal/worker"
)

const (
	servedType = 7
	workerID   = "worker-1"
	validJSON  = `{"main_image_file": "/in/main.tif"}`
)

// fakeHandler requires main_image_file and runs exec for every task
type fakeHandler struct {
	exec func(ctx context.Context, task *models.Task, params models.Params) (worker.Outcome, error)

	mu  sync.Mutex
	ids []int64
}

func (f *fakeHandler) Name() string {
	return "fake"
}

func (f *fakeHandler) RequiredParams() []string {
	return []string{"main_image_file"}
}

func (f *fakeHandler) Execute(ctx context.Context, task *models.Task, params models.Params) (worker.Outcome, error) {
	f.mu.Lock()
	f.ids = append(f.ids, task.ID)
	f.mu.Unlock()

	if f.exec == nil {
		return worker.Outcome{Output: `{}`}, nil
	}
	return f.exec(ctx, task, params)
}

func (f *fakeHandler) executed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// recordingStore remembers every update that was applied
type recordingStore struct {
	*taskstore.Bolt

	mu      sync.Mutex
	applied []models.TaskUpdate
}

func (r *recordingStore) Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error) {
	ok, err := r.Bolt.Update(ctx, id, upd)
	if ok {
		r.mu.Lock()
		r.applied = append(r.applied, upd)
		r.mu.Unlock()
	}
	return ok, err
}

func (r *recordingStore) updates() []models.TaskUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TaskUpdate(nil), r.applied...)
}

func newStore(t *testing.T) *taskstore.Bolt {
	t.Helper()
	store, err := taskstore.NewBolt(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueue(t *testing.T, store taskstore.Store, taskType int, params string, dependency int64) int64 {
	t.Helper()
	task := models.NewTask{Type: taskType, Params: null.StringFrom(params)}
	if dependency != 0 {
		task.DependencyRef = null.IntFrom(dependency)
	}
	id, err := store.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return id
}

// markRunning makes the task look like it is executed by another worker
func markRunning(t *testing.T, store taskstore.Store, id int64) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimByID(ctx, id, "other-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := store.Update(ctx, id, models.TaskUpdate{Phase: models.PhaseRunning})
	require.NoError(t, err)
	require.True(t, ok)
}

func getTask(t *testing.T, store taskstore.Store, id int64) *models.Task {
	t.Helper()
	task, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func fastOptions() scheduler.Options {
	return scheduler.Options{
		WorkerID:           workerID,
		TaskType:           servedType,
		PollInterval:       10 * time.Millisecond,
		DependencyInterval: 10 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		RetryDelay:         time.Millisecond,
	}
}

func newScheduler(store scheduler.TaskStore, handler worker.Handler) *scheduler.Scheduler {
	return scheduler.New(store, handler, fastOptions(), zerolog.Nop())
}

// runLoop starts the worker loop and returns a function that stops it and waits for it
func runLoop(t *testing.T, s *scheduler.Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("worker loop did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}
