package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"taskworker/internal/models"
)

const taskColumns = `id, type, creator, task_param, phase, heartbeat_seconds, dependency_ref, worker_id,
       task_output, task_message, started_at, finished_at, created_at, updated_at`

const configColumns = `id, name, type, params, outputs, options, start_by, enable, content_html, sort_order,
       created_at, updated_at`

// Postgres implements Store on the `avt_tasks` and `task_config` tables
type Postgres struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

func NewPostgres(db *sqlx.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.With().Str("component", "taskstore").Logger()}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// ClaimNextWaiting locks the oldest candidate row with SKIP LOCKED so that concurrent workers
// never block on, or claim, the same task.
func (p *Postgres) ClaimNextWaiting(ctx context.Context, taskType int, workerID string) (*models.Task, error) {
	query := `
UPDATE avt_tasks
SET worker_id = $2,
    updated_at = NOW()
WHERE id = (SELECT id
            FROM avt_tasks
            WHERE type = $1
              AND phase = 'waiting'
              AND worker_id IS NULL
            ORDER BY created_at, id
            LIMIT 1 FOR UPDATE SKIP LOCKED)
RETURNING ` + taskColumns

	task, err := p.getTask(ctx, query, taskType, workerID)
	if err != nil {
		return nil, fmt.Errorf("could not claim task of type %d: %w", taskType, err)
	}
	return task, nil
}

func (p *Postgres) ClaimByID(ctx context.Context, id int64, workerID string) (*models.Task, error) {
	query := `
UPDATE avt_tasks
SET worker_id = $2,
    updated_at = NOW()
WHERE id = $1
  AND phase = 'waiting'
  AND (worker_id IS NULL OR worker_id = $2)
RETURNING ` + taskColumns

	task, err := p.getTask(ctx, query, id, workerID)
	if err != nil {
		return nil, fmt.Errorf("could not claim task %d: %w", id, err)
	}
	return task, nil
}

func (p *Postgres) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	task, err := p.getTask(ctx, `SELECT `+taskColumns+` FROM avt_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", id, err)
	}
	return task, nil
}

func (p *Postgres) getTask(ctx context.Context, query string, args ...any) (*models.Task, error) {
	var task models.Task
	if err := p.db.GetContext(ctx, &task, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (p *Postgres) Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error) {
	query, args := buildUpdate(id, upd)

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("could not update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not update task %d: %w", id, err)
	}
	return n > 0, nil
}

// buildUpdate renders a TaskUpdate into a single UPDATE statement. Only the set fields are
// written; guards become extra WHERE conditions.
func buildUpdate(id int64, upd models.TaskUpdate) (string, []any) {
	args := []any{id}
	sets := []string{"updated_at = NOW()"}
	where := []string{"id = $1"}

	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Phase != "" {
		sets = append(sets, "phase = "+param(string(upd.Phase)))
	}
	if upd.HeartbeatSeconds.Valid {
		sets = append(sets, "heartbeat_seconds = "+param(upd.HeartbeatSeconds.Float64))
	}
	if upd.Output.Valid {
		sets = append(sets, "task_output = "+param(upd.Output.String))
	}
	if upd.Message.Valid {
		sets = append(sets, "task_message = "+param(upd.Message.String))
	}
	if upd.StartedAt.Valid {
		sets = append(sets, "started_at = "+param(upd.StartedAt.Time))
	}
	if upd.FinishedAt.Valid {
		sets = append(sets, "finished_at = "+param(upd.FinishedAt.Time))
	}
	if upd.ReleaseClaim {
		sets = append(sets, "worker_id = NULL")
	}

	if upd.RequirePhase != "" {
		where = append(where, "phase = "+param(string(upd.RequirePhase)))
	}
	if upd.RequireWorker != "" {
		where = append(where, "worker_id = "+param(upd.RequireWorker))
	}

	query := fmt.Sprintf("UPDATE avt_tasks SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	return query, args
}

func (p *Postgres) GetTaskConfig(ctx context.Context, taskType int) (*models.TaskConfig, error) {
	var conf models.TaskConfig
	err := p.db.GetContext(ctx, &conf, `SELECT `+configColumns+` FROM task_config WHERE type = $1 ORDER BY id LIMIT 1`, taskType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get config of task type %d: %w", taskType, err)
	}
	return &conf, nil
}

func (p *Postgres) Enqueue(ctx context.Context, task models.NewTask) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
INSERT INTO avt_tasks (type, creator, task_param, dependency_ref)
VALUES ($1, $2, $3, $4)
RETURNING id`,
		task.Type, task.Creator, task.Params, task.DependencyRef,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not enqueue task of type %d: %w", task.Type, err)
	}
	return id, nil
}

func (p *Postgres) ReapStale(ctx context.Context, staleAfter time.Duration, message string) (ReapResult, error) {
	var result ReapResult

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer p.rollbackTx(tx)

	res, err := tx.ExecContext(ctx, `
UPDATE avt_tasks
SET phase = 'failed',
    task_message = $2,
    finished_at = NOW(),
    updated_at = NOW()
WHERE phase = 'running'
  AND updated_at < NOW() - MAKE_INTERVAL(secs => $1)`, staleAfter.Seconds(), message)
	if err != nil {
		return result, fmt.Errorf("could not fail stale running tasks: %w", err)
	}
	if result.Failed, err = res.RowsAffected(); err != nil {
		return result, err
	}

	res, err = tx.ExecContext(ctx, `
UPDATE avt_tasks
SET worker_id = NULL,
    updated_at = NOW()
WHERE phase = 'waiting'
  AND worker_id IS NOT NULL
  AND updated_at < NOW() - MAKE_INTERVAL(secs => $1)`, staleAfter.Seconds())
	if err != nil {
		return result, fmt.Errorf("could not release stale claims: %w", err)
	}
	if result.Released, err = res.RowsAffected(); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return ReapResult{}, fmt.Errorf("could not commit reap: %w", err)
	}
	return result, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		p.logger.Error().Err(err).Msg("Could not rollback transaction")
	}
}
