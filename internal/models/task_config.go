package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// TaskConfig is a model representing the `task_config` table. It describes one task type and
// is never written by the worker.
type TaskConfig struct {
	ID          int64       `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Type        int         `db:"type" json:"type"`
	Params      null.String `db:"params" json:"params"`
	Outputs     null.String `db:"outputs" json:"outputs"`
	Options     null.String `db:"options" json:"options"`
	StartBy     null.String `db:"start_by" json:"startBy"`
	Enable      bool        `db:"enable" json:"enable"`
	ContentHTML null.String `db:"content_html" json:"contentHtml"`
	Order       null.Float  `db:"sort_order" json:"order"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

// ParamSpec is one entry of the parameter schema held in TaskConfig.Params
type ParamSpec struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	Default string `json:"default"`
}

// ParamSpecs decodes the parameter schema. A config without a schema has no specs.
func (c *TaskConfig) ParamSpecs() ([]ParamSpec, error) {
	if !c.Params.Valid || c.Params.String == "" {
		return nil, nil
	}

	var specs []ParamSpec
	if err := json.Unmarshal([]byte(c.Params.String), &specs); err != nil {
		return nil, fmt.Errorf("could not parse params schema of task config %q: %w", c.Name, err)
	}
	return specs, nil
}

// RequiredParams lists the declared parameters that have no default value
func (c *TaskConfig) RequiredParams() ([]string, error) {
	specs, err := c.ParamSpecs()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, s := range specs {
		if s.Name != "" && s.Default == "" {
			names = append(names, s.Name)
		}
	}
	return names, nil
}
