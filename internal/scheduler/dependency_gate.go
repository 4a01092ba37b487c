package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"taskworker/internal/models"
)

// DefaultMaxDependencyDepth bounds the dependency chain walked when looking for a cycle
const DefaultMaxDependencyDepth = 32

// Verdict is the decision of the DependencyGate for one poll cycle
type Verdict int

const (
	// Ready means the task has no unfinished dependency
	Ready Verdict = iota

	// Wait means the dependency has not reached a terminal phase yet
	Wait

	// ProceedAnyway means the dependency chain leads back to the task itself. Waiting would
	// never end, so the task runs as if it were ready.
	ProceedAnyway
)

func (v Verdict) String() string {
	switch v {
	case Ready:
		return "ready"
	case Wait:
		return "wait"
	case ProceedAnyway:
		return "proceed-anyway"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Runnable is true for the verdicts that let the task start
func (v Verdict) Runnable() bool {
	return v == Ready || v == ProceedAnyway
}

// TaskGetter reads tasks by id
type TaskGetter interface {
	GetByID(ctx context.Context, id int64) (*models.Task, error)
}

// DependencyGate decides whether a task may start based on the task it references. The
// referenced task changes asynchronously, so the gate holds no state and must be consulted on
// every poll cycle.
type DependencyGate struct {
	store    TaskGetter
	maxDepth int
	logger   zerolog.Logger
}

func NewDependencyGate(store TaskGetter, maxDepth int, logger zerolog.Logger) *DependencyGate {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDependencyDepth
	}
	return &DependencyGate{
		store:    store,
		maxDepth: maxDepth,
		logger:   logger.With().Str("component", "dependency_gate").Logger(),
	}
}

// Check returns the verdict for task. A reference to a task that no longer exists counts as
// satisfied. On a store error the verdict is Wait along with the error.
func (g *DependencyGate) Check(ctx context.Context, task *models.Task) (Verdict, error) {
	depID, ok := task.DependsOn()
	if !ok {
		return Ready, nil
	}

	dep, err := g.store.GetByID(ctx, depID)
	if err != nil {
		return Wait, fmt.Errorf("could not check dependency %d of task %d: %w", depID, task.ID, err)
	}
	if dep == nil {
		g.logger.Debug().
			Int64("task_id", task.ID).
			Int64("dependency_ref", depID).
			Msg("Dependency does not exist, treating it as satisfied")
		return Ready, nil
	}
	if dep.Phase.IsTerminal() {
		return Ready, nil
	}

	cycle, err := g.leadsBackTo(ctx, task.ID, dep)
	if err != nil {
		return Wait, err
	}
	if cycle {
		g.logger.Warn().
			Int64("task_id", task.ID).
			Int64("dependency_ref", depID).
			Msg("Dependency chain leads back to the task, proceeding without it")
		return ProceedAnyway, nil
	}
	return Wait, nil
}

// leadsBackTo follows the unfinished dependency chain starting at dep and reports whether it
// reaches origin within maxDepth hops. A chain that ends, reaches a finished task, or loops
// without origin is not a cycle of origin.
func (g *DependencyGate) leadsBackTo(ctx context.Context, origin int64, dep *models.Task) (bool, error) {
	seen := map[int64]bool{dep.ID: true}
	current := dep

	for range g.maxDepth {
		next, ok := current.DependsOn()
		if !ok {
			return false, nil
		}
		if next == origin {
			return true, nil
		}
		if seen[next] {
			return false, nil
		}
		seen[next] = true

		task, err := g.store.GetByID(ctx, next)
		if err != nil {
			return false, fmt.Errorf("could not walk dependency chain of task %d: %w", origin, err)
		}
		if task == nil || task.Phase.IsTerminal() {
			return false, nil
		}
		current = task
	}
	return false, nil
}
