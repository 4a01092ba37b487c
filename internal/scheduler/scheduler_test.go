package scheduler_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskworker/internal/exitcode"
	"taskworker/internal/models"
	"taskworker/internal/scheduler"
	"taskworker/internal/worker"
)

func TestRunTask_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params null.String
	}{
		{"empty value", null.StringFrom(`{"main_image_file": "  "}`)},
		{"missing key", null.StringFrom(`{"template_image_file": "/in/t.png"}`)},
		{"malformed", null.StringFrom(`{"main_image_file": `)},
		{"no params", null.String{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{Bolt: newStore(t)}
			id, err := store.Enqueue(context.Background(), models.NewTask{Type: servedType, Params: tt.params})
			require.NoError(t, err)

			handler := &fakeHandler{}
			code, err := newScheduler(store, handler).RunTask(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, exitcode.InvalidModuleParameters, code)

			got := getTask(t, store, id)
			assert.Equal(t, models.PhaseFailed, got.Phase)
			assert.Equal(t, "Invalid module parameters", got.Message.String)
			assert.Equal(t, models.LegacyStatusFailed, got.LegacyStatus())
			assert.False(t, got.StartedAt.Valid)
			assert.True(t, got.FinishedAt.Valid)
			assert.Empty(t, handler.executed())

			// no heartbeat and no running transition, only the terminal write
			updates := store.updates()
			require.Len(t, updates, 1)
			assert.Equal(t, models.PhaseFailed, updates[0].Phase)
		})
	}
}

func TestRunTask_Success(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{Bolt: newStore(t)}
	id := enqueue(t, store, servedType, validJSON, 0)

	var seenPhase models.Phase
	var seenHeartbeat float64
	handler := &fakeHandler{
		exec: func(ctx context.Context, task *models.Task, params models.Params) (worker.Outcome, error) {
			assert.Equal(t, "/in/main.tif", params.String("main_image_file"))

			current, err := store.GetByID(ctx, task.ID)
			require.NoError(t, err)
			seenPhase = current.Phase
			seenHeartbeat = current.HeartbeatSeconds

			// long enough for a few heartbeats
			time.Sleep(50 * time.Millisecond)
			return worker.Outcome{
				Output: `[{"id":"001"}]`,
				Note:   "2 candidate files could not be transferred",
			}, nil
		},
	}

	code, err := newScheduler(store, handler).RunTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, exitcode.Finished, code)
	assert.Equal(t, []int64{id}, handler.executed())

	assert.Equal(t, models.PhaseRunning, seenPhase)
	assert.GreaterOrEqual(t, seenHeartbeat, models.HeartbeatFloor)

	got := getTask(t, store, id)
	assert.Equal(t, models.PhaseSucceeded, got.Phase)
	assert.Equal(t, `[{"id":"001"}]`, got.Output.String)
	assert.Equal(t, "Finished; 2 candidate files could not be transferred", got.Message.String)
	assert.Equal(t, models.LegacyStatusSucceeded, got.LegacyStatus())
	assert.True(t, got.StartedAt.Valid)
	assert.True(t, got.FinishedAt.Valid)
	assert.True(t, got.ClaimedBy(workerID))

	var terminal int
	for _, upd := range store.updates() {
		if upd.Phase.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal write")
}

func TestRunTask_NoWriteAfterFinalize(t *testing.T) {
	store := &recordingStore{Bolt: newStore(t)}
	id := enqueue(t, store, servedType, validJSON, 0)

	handler := &fakeHandler{
		exec: func(context.Context, *models.Task, models.Params) (worker.Outcome, error) {
			time.Sleep(40 * time.Millisecond)
			return worker.Outcome{Output: `{}`}, nil
		},
	}

	code, err := newScheduler(store, handler).RunTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, exitcode.Finished, code)

	before := getTask(t, store, id)
	updates := store.updates()
	require.NotEmpty(t, updates)
	assert.Equal(t, models.PhaseSucceeded, updates[len(updates)-1].Phase, "the terminal write is the last one")

	// heartbeat ticks every 5ms, give a late one every chance to land
	time.Sleep(30 * time.Millisecond)

	after := getTask(t, store, id)
	assert.Equal(t, before, after)
	assert.Len(t, store.updates(), len(updates))
}

func TestRunTask_Failures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		panics        bool
		expectedCode  exitcode.Code
		messagePrefix string
	}{
		{
			name:          "download",
			err:           fmt.Errorf("%w: main image: not found", worker.ErrDownload),
			expectedCode:  exitcode.FTPDownloadError,
			messagePrefix: "FTP download error: download failed: main image",
		},
		{
			name:          "upload",
			err:           fmt.Errorf("%w: result image", worker.ErrUpload),
			expectedCode:  exitcode.FTPUploadError,
			messagePrefix: "FTP upload error: upload failed",
		},
		{
			name:          "processing",
			err:           fmt.Errorf("%w: no result image", worker.ErrProcessing),
			expectedCode:  exitcode.ProcessingError,
			messagePrefix: "Processing error: processing failed: no result image",
		},
		{
			name:          "unclassified",
			err:           fmt.Errorf("disk full"),
			expectedCode:  exitcode.OthersError,
			messagePrefix: "Others error: disk full",
		},
		{
			name:          "panic",
			panics:        true,
			expectedCode:  exitcode.ProcessingError,
			messagePrefix: "Processing error: processing failed: handler fake panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			id := enqueue(t, store, servedType, validJSON, 0)

			handler := &fakeHandler{
				exec: func(context.Context, *models.Task, models.Params) (worker.Outcome, error) {
					if tt.panics {
						var m map[string]int
						m["boom"]++
					}
					return worker.Outcome{Output: `{"partial":true}`}, tt.err
				},
			}

			code, err := newScheduler(store, handler).RunTask(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, code)

			got := getTask(t, store, id)
			assert.Equal(t, models.PhaseFailed, got.Phase)
			assert.True(t, strings.HasPrefix(got.Message.String, tt.messagePrefix), got.Message.String)
			assert.NotContains(t, got.Message.String, "\n")
			assert.False(t, got.Output.Valid, "failed tasks have no output")
			assert.True(t, got.StartedAt.Valid)
		})
	}
}

func TestRunTask_Rejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	otherType := enqueue(t, store, servedType+1, validJSON, 0)
	finished := enqueue(t, store, servedType, validJSON, 0)
	ok, err := store.Update(ctx, finished, models.TaskUpdate{Phase: models.PhaseSucceeded})
	require.NoError(t, err)
	require.True(t, ok)
	taken := enqueue(t, store, servedType, validJSON, 0)
	_, err = store.ClaimByID(ctx, taken, "other-worker")
	require.NoError(t, err)

	handler := &fakeHandler{}
	s := newScheduler(store, handler)

	for _, id := range []int64{404, otherType, finished, taken} {
		code, err := s.RunTask(ctx, id)
		assert.Error(t, err, "task %d", id)
		assert.Equal(t, exitcode.InvalidTaskID, code, "task %d", id)
	}
	assert.Empty(t, handler.executed())
	assert.Equal(t, models.PhaseSucceeded, getTask(t, store, finished).Phase)
}

func TestRunTask_TaskConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled type", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutTaskConfig(ctx, models.TaskConfig{Name: "object_finder", Type: servedType}))
		id := enqueue(t, store, servedType, validJSON, 0)

		code, err := newScheduler(store, &fakeHandler{}).RunTask(ctx, id)
		assert.ErrorIs(t, err, scheduler.ErrTaskTypeDisabled)
		assert.Equal(t, exitcode.InvalidConfiguration, code)
		assert.Equal(t, models.PhaseWaiting, getTask(t, store, id).Phase)
	})

	t.Run("declared params are required", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutTaskConfig(ctx, models.TaskConfig{
			Name:   "object_finder",
			Type:   servedType,
			Enable: true,
			Params: null.StringFrom(`[{"type":"string","name":"region","text":"","default":""},{"type":"string","name":"ratio","text":"","default":"0.75"}]`),
		}))
		without := enqueue(t, store, servedType, validJSON, 0)
		with := enqueue(t, store, servedType, `{"main_image_file": "/in/main.tif", "region": "north"}`, 0)

		handler := &fakeHandler{}
		s := newScheduler(store, handler)

		code, err := s.RunTask(ctx, without)
		require.NoError(t, err)
		assert.Equal(t, exitcode.InvalidModuleParameters, code)

		code, err = s.RunTask(ctx, with)
		require.NoError(t, err)
		assert.Equal(t, exitcode.Finished, code)
		assert.Equal(t, []int64{with}, handler.executed())
	})
}

func TestRunTask_StoreUnreachable(t *testing.T) {
	store := newStore(t)
	id := enqueue(t, store, servedType, validJSON, 0)
	require.NoError(t, store.Close())

	code, err := newScheduler(store, &fakeHandler{}).RunTask(context.Background(), id)
	assert.ErrorIs(t, err, scheduler.ErrInfrastructure)
	assert.Equal(t, exitcode.CannotConnectToDatabase, code)
	assert.Equal(t, exitcode.CannotConnectToDatabase, scheduler.StartupCode(err))
}

func TestRunTask_DependencyCycleProceeds(t *testing.T) {
	store := newStore(t)
	first := enqueue(t, store, servedType, validJSON, 2)
	second := enqueue(t, store, servedType, validJSON, first)
	require.Equal(t, int64(2), second)

	handler := &fakeHandler{}
	code, err := newScheduler(store, handler).RunTask(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, exitcode.Finished, code)
	assert.Equal(t, []int64{first}, handler.executed())
}

func TestRunTask_MissingDependencyIsSatisfied(t *testing.T) {
	store := newStore(t)
	id := enqueue(t, store, servedType, validJSON, 9999)

	code, err := newScheduler(store, &fakeHandler{}).RunTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, exitcode.Finished, code)
}

func TestRunTask_ShutdownWhileWaiting(t *testing.T) {
	store := newStore(t)
	dependency := enqueue(t, store, servedType+1, validJSON, 0)
	markRunning(t, store, dependency)
	id := enqueue(t, store, servedType, validJSON, dependency)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		code exitcode.Code
		err  error
	}
	done := make(chan result, 1)
	handler := &fakeHandler{}
	go func() {
		code, err := newScheduler(store, handler).RunTask(ctx, id)
		done <- result{code, err}
	}()

	require.Eventually(t, func() bool {
		return getTask(t, store, id).ClaimedBy(workerID)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, exitcode.ProcessKilledByWTM, res.code)

	got := getTask(t, store, id)
	assert.Equal(t, models.PhaseWaiting, got.Phase)
	assert.False(t, got.WorkerID.Valid, "claim is released")
	assert.Empty(t, handler.executed())
}

func TestRun_WaitsOnDependencyHoldingOneTask(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// the dependency is of another type and held by another worker
	dependency := enqueue(t, store, servedType+1, validJSON, 0)
	markRunning(t, store, dependency)
	blocked := enqueue(t, store, servedType, validJSON, dependency)
	free := enqueue(t, store, servedType, validJSON, 0)

	handler := &fakeHandler{}
	stop := runLoop(t, newScheduler(store, handler))

	require.Eventually(t, func() bool {
		return getTask(t, store, blocked).ClaimedBy(workerID)
	}, 2*time.Second, 5*time.Millisecond)

	// several dependency cycles go by without executing anything or claiming another task
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, handler.executed())
	assert.Equal(t, models.PhaseWaiting, getTask(t, store, blocked).Phase)
	assert.False(t, getTask(t, store, free).WorkerID.Valid)

	ok, err := store.Update(ctx, dependency, models.TaskUpdate{Phase: models.PhaseSucceeded})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return getTask(t, store, free).Phase == models.PhaseSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, models.PhaseSucceeded, getTask(t, store, blocked).Phase)
	assert.Equal(t, []int64{blocked, free}, handler.executed())
}

func TestRun_FailureDoesNotStopLoop(t *testing.T) {
	store := newStore(t)
	bad := enqueue(t, store, servedType, `{}`, 0)
	broken := enqueue(t, store, servedType, validJSON, 0)
	good := enqueue(t, store, servedType, validJSON, 0)

	handler := &fakeHandler{
		exec: func(_ context.Context, task *models.Task, _ models.Params) (worker.Outcome, error) {
			if task.ID == broken {
				return worker.Outcome{}, fmt.Errorf("%w: matcher crashed", worker.ErrProcessing)
			}
			return worker.Outcome{Output: `{}`}, nil
		},
	}
	stop := runLoop(t, newScheduler(store, handler))

	require.Eventually(t, func() bool {
		return getTask(t, store, good).Phase == models.PhaseSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, models.PhaseFailed, getTask(t, store, bad).Phase)
	assert.Equal(t, models.PhaseFailed, getTask(t, store, broken).Phase)
	assert.Equal(t, []int64{broken, good}, handler.executed())
}

func TestRun_WokenByNotify(t *testing.T) {
	store := newStore(t)
	opts := fastOptions()
	opts.PollInterval = time.Hour
	s := scheduler.New(store, &fakeHandler{}, opts, zerolog.Nop())
	runLoop(t, s)

	// let the loop go idle on an empty queue
	time.Sleep(20 * time.Millisecond)
	id := enqueue(t, store, servedType, validJSON, 0)
	require.NoError(t, s.Notify(context.Background()))

	require.Eventually(t, func() bool {
		return getTask(t, store, id).Phase == models.PhaseSucceeded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_StartupFailure(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())

	err := newScheduler(store, &fakeHandler{}).Run(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrInfrastructure)
}

func TestNew_GeneratesWorkerID(t *testing.T) {
	opts := fastOptions()
	opts.WorkerID = ""
	s := scheduler.New(newStore(t), &fakeHandler{}, opts, zerolog.Nop())
	assert.Len(t, s.WorkerID(), 36)
}

func TestStartupCode(t *testing.T) {
	assert.Equal(t, exitcode.Finished, scheduler.StartupCode(nil))
	assert.Equal(t, exitcode.CannotConnectToDatabase, scheduler.StartupCode(fmt.Errorf("x: %w", scheduler.ErrInfrastructure)))
	assert.Equal(t, exitcode.InvalidConfiguration, scheduler.StartupCode(scheduler.ErrTaskTypeDisabled))
	assert.Equal(t, exitcode.GeneralError, scheduler.StartupCode(fmt.Errorf("other")))
}
