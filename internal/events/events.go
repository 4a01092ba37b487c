package events

import (
	"context"
	"time"

	"taskworker/internal/exitcode"
	"taskworker/internal/models"
)

// Event announces that a task reached a terminal phase
type Event struct {
	TaskID     int64         `json:"task_id"`
	TaskType   int           `json:"task_type"`
	Phase      models.Phase  `json:"phase"`
	Code       exitcode.Code `json:"code"`
	Message    string        `json:"message"`
	WorkerID   string        `json:"worker_id"`
	FinishedAt time.Time     `json:"finished_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error {
	return nil
}
