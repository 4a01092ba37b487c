package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"taskworker/internal/events"
	"taskworker/internal/exitcode"
	"taskworker/internal/metrics"
	"taskworker/internal/models"
	"taskworker/internal/queue"
	"taskworker/internal/worker"
)

var (
	// ErrInfrastructure means the task store cannot be reached. It is fatal at startup.
	ErrInfrastructure = errors.New("task store unavailable")

	// ErrTaskTypeDisabled means the task config of the served type is switched off
	ErrTaskTypeDisabled = errors.New("task type is disabled")
)

// TaskStore is the part of the task store the scheduler drives
type TaskStore interface {
	Ping(ctx context.Context) error
	ClaimNextWaiting(ctx context.Context, taskType int, workerID string) (*models.Task, error)
	ClaimByID(ctx context.Context, id int64, workerID string) (*models.Task, error)
	GetByID(ctx context.Context, id int64) (*models.Task, error)
	Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error)
	GetTaskConfig(ctx context.Context, taskType int) (*models.TaskConfig, error)
}

type Options struct {
	// WorkerID identifies this process in claims. A random id is used when empty.
	WorkerID string

	TaskType           int
	PollInterval       time.Duration
	DependencyInterval time.Duration
	HeartbeatInterval  time.Duration
	MaxDependencyDepth int

	// FinalizeAttempts bounds the retries of the terminal write
	FinalizeAttempts int
	RetryDelay       time.Duration

	// PublishTimeout bounds the terminal event publish so a dead broker cannot hold the loop
	PublishTimeout time.Duration

	Waker   queue.Waker
	Events  events.Publisher
	Metrics metrics.WorkerMetrics
}

func (o *Options) setDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.DependencyInterval <= 0 {
		o.DependencyInterval = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.FinalizeAttempts <= 0 {
		o.FinalizeAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.Waker == nil {
		o.Waker = queue.NewChannelWaker()
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NopMetrics{}
	}
}

// Scheduler is the worker loop serving one task type. It holds at most one task at a time:
// claim, wait on the dependency, execute with a heartbeat, then write the outcome once.
type Scheduler struct {
	store    TaskStore
	handler  worker.Handler
	gate     *DependencyGate
	reporter *worker.ProgressReporter
	opts     Options
	logger   zerolog.Logger

	required []string
}

func New(store TaskStore, handler worker.Handler, opts Options, logger zerolog.Logger) *Scheduler {
	opts.setDefaults()
	logger = logger.With().
		Str("worker_id", opts.WorkerID).
		Int("task_type", opts.TaskType).
		Logger()

	reporter := worker.NewProgressReporter(store, opts.HeartbeatInterval, logger)
	reporter.OnFailure = opts.Metrics.HeartbeatFailed

	return &Scheduler{
		store:    store,
		handler:  handler,
		gate:     NewDependencyGate(store, opts.MaxDependencyDepth, logger),
		reporter: reporter,
		opts:     opts,
		logger:   logger,
	}
}

// WorkerID is the id written into the claims of this scheduler
func (s *Scheduler) WorkerID() string {
	return s.opts.WorkerID
}

// Notify wakes an idle loop serving the same task type
func (s *Scheduler) Notify(ctx context.Context) error {
	return s.opts.Waker.Notify(ctx, s.opts.TaskType)
}

// Prepare checks that the store is reachable and loads the task config of the served type.
// Parameters the config declares without a default are required on top of the handler's own.
func (s *Scheduler) Prepare(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}

	required := slices.Clone(s.handler.RequiredParams())

	conf, err := s.store.GetTaskConfig(ctx, s.opts.TaskType)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if conf == nil {
		s.logger.Info().Msg("No task config for the task type, using the handler parameters")
	} else {
		if !conf.Enable {
			return fmt.Errorf("%w: %s (type %d)", ErrTaskTypeDisabled, conf.Name, conf.Type)
		}

		declared, err := conf.RequiredParams()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring the params schema of the task config")
		}
		for _, name := range declared {
			if !slices.Contains(required, name) {
				required = append(required, name)
			}
		}
	}

	s.required = required
	s.logger.Info().
		Str("handler", s.handler.Name()).
		Strs("required_params", required).
		Msg("Scheduler prepared")
	return nil
}

// StartupCode maps an error returned by Prepare onto the process exit code
func StartupCode(err error) exitcode.Code {
	switch {
	case err == nil:
		return exitcode.Finished
	case errors.Is(err, ErrInfrastructure):
		return exitcode.CannotConnectToDatabase
	case errors.Is(err, ErrTaskTypeDisabled):
		return exitcode.InvalidConfiguration
	default:
		return exitcode.GeneralError
	}
}

// Run polls for tasks until ctx is canceled. Only a startup failure is returned; the failure
// of a single task is recorded on the task and the loop carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Prepare(ctx); err != nil {
		return err
	}

	s.logger.Info().Msg("Worker started")
	for ctx.Err() == nil {
		task, err := s.store.ClaimNextWaiting(ctx, s.opts.TaskType, s.opts.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error().Err(err).Msg("Could not claim task")
			s.idle(ctx)
			continue
		}
		if task == nil {
			s.idle(ctx)
			continue
		}

		s.opts.Metrics.TaskClaimed()
		code := s.process(ctx, task)
		s.logger.Debug().
			Int64("task_id", task.ID).
			Stringer("code", code).
			Msg("Task handled")
	}

	s.logger.Info().Msg("Worker stopped")
	return nil
}

// RunTask handles a single task by id and returns its outcome code. The task must be of the
// served type and still waiting.
func (s *Scheduler) RunTask(ctx context.Context, id int64) (exitcode.Code, error) {
	if err := s.Prepare(ctx); err != nil {
		return StartupCode(err), err
	}

	task, err := s.store.GetByID(ctx, id)
	if err != nil {
		return exitcode.CannotConnectToDatabase, err
	}
	if task == nil {
		return exitcode.InvalidTaskID, fmt.Errorf("task %d does not exist", id)
	}
	if task.Type != s.opts.TaskType {
		return exitcode.InvalidTaskID, fmt.Errorf("task %d is of type %d, not %d", id, task.Type, s.opts.TaskType)
	}
	if task.Phase != models.PhaseWaiting {
		return exitcode.InvalidTaskID, fmt.Errorf("task %d is already %s", id, task.Phase)
	}

	claimed, err := s.store.ClaimByID(ctx, id, s.opts.WorkerID)
	if err != nil {
		return exitcode.CannotConnectToDatabase, err
	}
	if claimed == nil {
		return exitcode.InvalidTaskID, fmt.Errorf("task %d is claimed by another worker", id)
	}

	s.opts.Metrics.TaskClaimed()
	return s.process(ctx, claimed), nil
}

// idle waits for a wake up or the poll interval, whichever comes first
func (s *Scheduler) idle(ctx context.Context) {
	woke, err := s.opts.Waker.Wait(ctx, s.opts.TaskType, s.opts.PollInterval)
	if err == nil {
		if woke {
			s.logger.Debug().Msg("Woken up by enqueue")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.logger.Warn().Err(err).Msg("Wake up channel failed, sleeping instead")
	sleep(ctx, s.opts.PollInterval)
}

// process takes a claimed task through to its terminal write
func (s *Scheduler) process(ctx context.Context, task *models.Task) exitcode.Code {
	logger := s.logger.With().Int64("task_id", task.ID).Logger()
	logger.Info().Msg("Task claimed")

	if _, err := s.validate(task); err != nil {
		logger.Warn().Err(err).Msg("Task has invalid parameters")
		return s.finalize(ctx, task, models.PhaseWaiting, exitcode.InvalidModuleParameters, worker.Outcome{}, nil, nil)
	}

	task, code, ok := s.awaitDependency(ctx, task)
	if !ok {
		return code
	}

	// the task was re-read while waiting
	params, err := s.validate(task)
	if err != nil {
		logger.Warn().Err(err).Msg("Task has invalid parameters")
		return s.finalize(ctx, task, models.PhaseWaiting, exitcode.InvalidModuleParameters, worker.Outcome{}, nil, nil)
	}

	// from here on the work runs to completion even when the worker is asked to stop
	workCtx := context.WithoutCancel(ctx)

	startedAt := time.Now()
	applied, err := s.store.Update(workCtx, task.ID, models.TaskUpdate{
		Phase:            models.PhaseRunning,
		HeartbeatSeconds: null.FloatFrom(models.HeartbeatFloor),
		StartedAt:        null.TimeFrom(startedAt),
		RequirePhase:     models.PhaseWaiting,
		RequireWorker:    s.opts.WorkerID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Could not mark task as running")
		s.release(workCtx, task)
		return exitcode.OthersError
	}
	if !applied {
		logger.Warn().Msg("Task was taken away before it could start")
		return exitcode.InvalidTaskID
	}

	hb := s.reporter.Start(workCtx, task.ID, startedAt)
	out, err := worker.Execute(workCtx, s.handler, task, params)
	s.opts.Metrics.ProcessingLatency(time.Since(startedAt))
	if out.TransferFailures > 0 {
		s.opts.Metrics.TransferFailures(out.TransferFailures)
	}

	return s.finalize(workCtx, task, models.PhaseRunning, worker.Classify(err), out, err, hb)
}

// validate parses the task parameters and checks that every required one is set
func (s *Scheduler) validate(task *models.Task) (models.Params, error) {
	if !task.Params.Valid {
		return nil, fmt.Errorf("%w: no parameters", worker.ErrInvalidParameters)
	}
	params, err := models.ParseParams(task.Params.String)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", worker.ErrInvalidParameters, err)
	}
	if missing := params.Missing(s.required...); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", worker.ErrInvalidParameters, strings.Join(missing, ", "))
	}
	return params, nil
}

// awaitDependency holds the claimed task until the dependency gate lets it run. The claim
// is renewed on every cycle, which also re-reads the task. When ok is false the task must
// not be executed and code says why.
func (s *Scheduler) awaitDependency(ctx context.Context, task *models.Task) (_ *models.Task, code exitcode.Code, ok bool) {
	logger := s.logger.With().Int64("task_id", task.ID).Logger()

	for waited := false; ; waited = true {
		verdict, err := s.gate.Check(ctx, task)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Could not check dependency")
		case verdict.Runnable():
			if waited {
				logger.Info().Stringer("verdict", verdict).Msg("Dependency resolved")
			}
			return task, exitcode.Finished, true
		default:
			if !waited {
				logger.Info().Int64("dependency_ref", task.DependencyRef.Int64).Msg("Waiting on dependency")
			}
			s.opts.Metrics.DependencyWait()
		}

		if !sleep(ctx, s.opts.DependencyInterval) {
			logger.Info().Msg("Stopped while waiting on dependency, releasing task")
			s.release(context.WithoutCancel(ctx), task)
			return nil, exitcode.ProcessKilledByWTM, false
		}

		refreshed, err := s.store.ClaimByID(ctx, task.ID, s.opts.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				s.release(context.WithoutCancel(ctx), task)
				return nil, exitcode.ProcessKilledByWTM, false
			}
			logger.Warn().Err(err).Msg("Could not renew claim")
			continue
		}
		if refreshed == nil {
			logger.Warn().Msg("Task is gone or no longer ours, dropping it")
			return nil, exitcode.InvalidTaskID, false
		}
		task = refreshed
	}
}

// release hands a waiting task back to the queue
func (s *Scheduler) release(ctx context.Context, task *models.Task) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.store.Update(ctx, task.ID, models.TaskUpdate{
		ReleaseClaim:  true,
		RequirePhase:  models.PhaseWaiting,
		RequireWorker: s.opts.WorkerID,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Could not release task")
	}
}

// finalize stops the heartbeat, waits for it to exit, and only then writes the outcome. The
// write is guarded on the phase the task is expected to be in, so it happens at most once.
func (s *Scheduler) finalize(ctx context.Context, task *models.Task, from models.Phase, code exitcode.Code, out worker.Outcome, cause error, hb *worker.Heartbeat) exitcode.Code {
	if hb != nil {
		hb.Stop()
	}
	ctx = context.WithoutCancel(ctx)

	logger := s.logger.With().
		Int64("task_id", task.ID).
		Stringer("code", code).
		Logger()

	finishedAt := time.Now()
	upd := models.TaskUpdate{
		Phase:         models.PhaseFailed,
		Message:       null.StringFrom(outcomeMessage(code, out, cause)),
		FinishedAt:    null.TimeFrom(finishedAt),
		RequirePhase:  from,
		RequireWorker: s.opts.WorkerID,
	}
	if code.Succeeded() {
		upd.Phase = models.PhaseSucceeded
		upd.Output = null.StringFrom(out.Output)
	}

	var applied bool
	attempts, err := tryRun(s.opts.FinalizeAttempts, s.opts.RetryDelay, func() error {
		var err error
		applied, err = s.store.Update(ctx, task.ID, upd)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("Could not record task outcome")
		return code
	}
	if !applied {
		logger.Warn().Msg("Task changed while running, outcome not recorded")
		return code
	}

	if code.Succeeded() {
		logger.Info().Msg("Task succeeded")
	} else {
		logger.Warn().Err(cause).Msg("Task failed")
	}

	s.opts.Metrics.TaskFinished(code)
	s.publish(ctx, logger, events.Event{
		TaskID:     task.ID,
		TaskType:   task.Type,
		Phase:      upd.Phase,
		Code:       code,
		Message:    upd.Message.String,
		WorkerID:   s.opts.WorkerID,
		FinishedAt: finishedAt,
	})
	return code
}

func (s *Scheduler) publish(ctx context.Context, logger zerolog.Logger, event events.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	if err := s.opts.Events.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("Could not publish task event")
	}
}

// outcomeMessage is the table message of code followed by the first line of the detail.
// Invalid parameters always get the bare table message.
func outcomeMessage(code exitcode.Code, out worker.Outcome, cause error) string {
	msg := code.Message()
	switch {
	case code == exitcode.InvalidModuleParameters:
		return msg
	case code.Succeeded():
		if out.Note != "" {
			return msg + "; " + out.Note
		}
		return msg
	case cause != nil:
		detail, _, _ := strings.Cut(cause.Error(), "\n")
		return msg + ": " + detail
	default:
		return msg
	}
}

// tryRun runs f up to maxAttempts times, waiting a little longer after each failure
func tryRun(maxAttempts int, delay time.Duration, f func() error) (numAttempts int, lastErr error) {
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		if attempts < maxAttempts {
			time.Sleep(time.Duration(attempts) * delay)
		}
	}

	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// sleep returns false if ctx was canceled before d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
