package task

import (
	"encoding/json"
	"time"
)

// Task is a user-defined program that reacts to inputs, either a declarative
// state machine or a sandboxed script.
type Task struct {
	ID              string    `json:"id" db:"id"`
	OrgID           string    `json:"org_id" db:"org_id"`
	Name            string    `json:"name" db:"name"`
	Alias           string    `json:"alias,omitempty" db:"alias"`
	Description     string    `json:"description,omitempty" db:"description"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	Config          Config    `json:"config"`
	State           State     `json:"state"`
	SuccessCount    int64     `json:"success_count" db:"success_count"`
	FailureCount    int64     `json:"failure_count" db:"failure_count"`
	LastTriggered   time.Time `json:"last_triggered,omitempty" db:"last_triggered"`
	TemplateVersion int64     `json:"template_version" db:"template_version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Trigger is a named event channel attached to a task, bound to an input
// schema. The LocalID is the name task configs refer to.
type Trigger struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"task_id" db:"task_id"`
	InputID     string          `json:"input_id" db:"input_id"`
	LocalID     string          `json:"local_id" db:"local_id"`
	LastPayload json.RawMessage `json:"last_payload,omitempty" db:"last_payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TaskAction is a task's local name for an action, with optional template
// overrides and an account binding.
type TaskAction struct {
	TaskID         string         `json:"task_id" db:"task_id"`
	LocalID        string         `json:"local_id" db:"local_id"`
	ActionID       string         `json:"action_id" db:"action_id"`
	Name           string         `json:"name" db:"name"`
	AccountID      string         `json:"account_id,omitempty" db:"account_id"`
	ActionTemplate map[string]any `json:"action_template,omitempty"`
}

// Invocation is one action emitted by an evaluation, destined for the
// stage-2 queue.
type Invocation struct {
	TaskActionLocalID string          `json:"task_action_local_id"`
	Payload           json.RawMessage `json:"payload"`
}
