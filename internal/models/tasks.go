package models

import (
	"math"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models under the `avt_tasks` table

type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Valid checks that the phase is one of the known phases
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseRunning, PhaseSucceeded, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the phase is final. A task in a terminal phase is never
// executed again.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// HeartbeatFloor is the smallest heartbeat value ever written for a running task. It keeps
// the legacy status projection of a running task outside the terminal values 0 and 1.
const HeartbeatFloor = 2.0

// Legacy status values as read by consumers of the old single `task_stat` column
const (
	LegacyStatusFailed    = 0.0
	LegacyStatusSucceeded = 1.0
	LegacyStatusWaiting   = -1.0
)

// Task is a model representing a row of the `avt_tasks` table
type Task struct {
	ID               int64       `db:"id" json:"id"`
	Type             int         `db:"type" json:"type"`
	Creator          null.String `db:"creator" json:"creator"`
	Params           null.String `db:"task_param" json:"params"`
	Phase            Phase       `db:"phase" json:"phase"`
	HeartbeatSeconds float64     `db:"heartbeat_seconds" json:"heartbeatSeconds"`
	DependencyRef    null.Int    `db:"dependency_ref" json:"dependencyRef"`
	WorkerID         null.String `db:"worker_id" json:"workerId"`
	Output           null.String `db:"task_output" json:"output"`
	Message          null.String `db:"task_message" json:"message"`
	StartedAt        null.Time   `db:"started_at" json:"startedAt"`
	FinishedAt       null.Time   `db:"finished_at" json:"finishedAt"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updatedAt"`
}

// DependsOn returns the id of the task that must finish before this one can run. The
// second value is false when the task has no dependency (absent or <= 0).
func (t *Task) DependsOn() (int64, bool) {
	if !t.DependencyRef.Valid || t.DependencyRef.Int64 <= 0 {
		return 0, false
	}
	return t.DependencyRef.Int64, true
}

// ClaimedBy reports whether the task is currently claimed by the given worker
func (t *Task) ClaimedBy(workerID string) bool {
	return t.WorkerID.Valid && t.WorkerID.String == workerID
}

// LegacyStatus projects phase and heartbeat back onto the single overloaded status number
// older consumers read: 0 failed, 1 succeeded, elapsed seconds while running.
func (t *Task) LegacyStatus() float64 {
	switch t.Phase {
	case PhaseFailed:
		return LegacyStatusFailed
	case PhaseSucceeded:
		return LegacyStatusSucceeded
	case PhaseRunning:
		return math.Max(t.HeartbeatSeconds, HeartbeatFloor)
	default:
		return LegacyStatusWaiting
	}
}

// NewTask holds the fields a producer supplies when enqueuing a task
type NewTask struct {
	Type          int         `json:"type"`
	Creator       null.String `json:"creator"`
	Params        null.String `json:"params"`
	DependencyRef null.Int    `json:"dependencyRef"`
}

// TaskUpdate is a partial update of a Task. Zero or invalid fields are left untouched.
// RequirePhase and RequireWorker are guards: when set, the update only applies if the
// stored row matches them, and a mismatch is reported the same way as a missing row.
type TaskUpdate struct {
	Phase            Phase
	HeartbeatSeconds null.Float
	Output           null.String
	Message          null.String
	StartedAt        null.Time
	FinishedAt       null.Time
	ReleaseClaim     bool

	RequirePhase  Phase
	RequireWorker string
}

// Apply copies the update onto the task, refreshing UpdatedAt. It does not check guards.
func (u TaskUpdate) Apply(t *Task, now time.Time) {
	if u.Phase != "" {
		t.Phase = u.Phase
	}
	if u.HeartbeatSeconds.Valid {
		t.HeartbeatSeconds = u.HeartbeatSeconds.Float64
	}
	if u.Output.Valid {
		t.Output = u.Output
	}
	if u.Message.Valid {
		t.Message = u.Message
	}
	if u.StartedAt.Valid {
		t.StartedAt = u.StartedAt
	}
	if u.FinishedAt.Valid {
		t.FinishedAt = u.FinishedAt
	}
	if u.ReleaseClaim {
		t.WorkerID = null.String{}
	}
	t.UpdatedAt = now
}

// Matches checks the update's guards against the current state of the task
func (u TaskUpdate) Matches(t *Task) bool {
	if u.RequirePhase != "" && t.Phase != u.RequirePhase {
		return false
	}
	if u.RequireWorker != "" && !t.ClaimedBy(u.RequireWorker) {
		return false
	}
	return true
}
