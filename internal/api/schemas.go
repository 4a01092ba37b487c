package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guregu/null/v6"
	"taskworker/internal/models"
)

// TaskView is a task as served by the API. LegacyStatus is the single status number older
// consumers read.
type TaskView struct {
	*models.Task
	LegacyStatus float64 `json:"legacy_status"`
}

func newTaskView(task *models.Task) TaskView {
	return TaskView{Task: task, LegacyStatus: task.LegacyStatus()}
}

type CreateTask struct {
	Type          int             `json:"type"`
	Creator       null.String     `json:"creator"`
	Params        json.RawMessage `json:"params"`
	DependencyRef null.Int        `json:"dependencyRef"`
}

func (c *CreateTask) validate() error {
	var errs []error

	if c.Type <= 0 {
		errs = append(errs, errors.New("type must be > 0"))
	}

	if len(c.Params) == 0 {
		errs = append(errs, errors.New("params is empty"))
	} else if _, err := models.ParseParams(string(c.Params)); err != nil {
		errs = append(errs, fmt.Errorf("params: %w", err))
	}

	if c.DependencyRef.Valid && c.DependencyRef.Int64 <= 0 {
		errs = append(errs, errors.New("dependencyRef must be > 0 when set"))
	}

	if c.Creator.Valid {
		c.Creator.String = strings.TrimSpace(c.Creator.String)
	}

	return errors.Join(errs...)
}

func (c *CreateTask) toNewTask() models.NewTask {
	return models.NewTask{
		Type:          c.Type,
		Creator:       c.Creator,
		Params:        null.StringFrom(string(c.Params)),
		DependencyRef: c.DependencyRef,
	}
}
