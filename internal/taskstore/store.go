package taskstore

import (
	"context"
	"time"

	"taskworker/internal/models"
)

// Store is the durable task queue shared by every worker process.
//
// Claims are exclusive: a task returned by ClaimNextWaiting or ClaimByID is owned by the
// claiming worker until it is finalized or its claim is released, and no other worker can
// claim it in the meantime. Lookups return a nil task and a nil error when the row does not
// exist; errors are reserved for storage faults.
type Store interface {
	// Ping checks that the underlying storage is reachable
	Ping(ctx context.Context) error

	// ClaimNextWaiting claims the oldest unclaimed waiting task of the given type
	ClaimNextWaiting(ctx context.Context, taskType int, workerID string) (*models.Task, error)

	// ClaimByID claims a specific waiting task, or re-confirms an existing claim held by
	// the same worker
	ClaimByID(ctx context.Context, id int64, workerID string) (*models.Task, error)

	GetByID(ctx context.Context, id int64) (*models.Task, error)

	// Update applies a partial update and refreshes updated_at. It returns false when the row
	// does not exist or the update's guards do not match.
	Update(ctx context.Context, id int64, upd models.TaskUpdate) (bool, error)

	// GetTaskConfig returns the configuration of a task type, or nil if there is none
	GetTaskConfig(ctx context.Context, taskType int) (*models.TaskConfig, error)

	Enqueue(ctx context.Context, task models.NewTask) (int64, error)

	// ReapStale fails running tasks and releases waiting claims whose last update is older
	// than staleAfter. message is recorded on the failed tasks.
	ReapStale(ctx context.Context, staleAfter time.Duration, message string) (ReapResult, error)

	Close() error
}

// ReapResult counts the rows touched by Store.ReapStale
type ReapResult struct {
	Failed   int64
	Released int64
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Bolt)(nil)
)
