package inputs

import (
	"encoding/json"
	"time"
)

// Input is a schema plus identity for events the system accepts.
type Input struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description,omitempty" db:"description"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty" db:"payload_schema"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LogStatus is the lifecycle status of an input or action log entry.
type LogStatus string

const (
	StatusPending LogStatus = "pending"
	StatusRunning LogStatus = "running"
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
)

// Terminal reports whether the status is final.
func (s LogStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// InputLog is the immutable-once-terminal record of one event delivery.
type InputLog struct {
	ID                string          `json:"id" db:"id"`
	TaskID            string          `json:"task_id" db:"task_id"`
	TaskTriggerID     string          `json:"task_trigger_id" db:"task_trigger_id"`
	TriggerLocalID    string          `json:"trigger_local_id" db:"trigger_local_id"`
	Status            LogStatus       `json:"status" db:"status"`
	Error             string          `json:"error,omitempty" db:"error"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	QueueJobID        string          `json:"queue_job_id" db:"queue_job_id"`
	PeriodicTriggerID string          `json:"periodic_trigger_id,omitempty" db:"periodic_trigger_id"`
	ScheduledFor      time.Time       `json:"scheduled_for,omitempty" db:"scheduled_for"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// ActionLog records one action invocation authored by an input.
type ActionLog struct {
	ID                string          `json:"id" db:"id"`
	InputLogID        string          `json:"inputs_log_id" db:"inputs_log_id"`
	TaskID            string          `json:"task_id" db:"task_id"`
	TaskActionLocalID string          `json:"task_action_local_id" db:"task_action_local_id"`
	Status            LogStatus       `json:"status" db:"status"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	Result            json.RawMessage `json:"result,omitempty" db:"result"`
	Error             string          `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Schedule is the periodic trigger schedule wire format,
// {"type":"Cron","data":"<expression>"}.
type Schedule struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// PeriodicTrigger injects synthetic inputs on a cron schedule.
type PeriodicTrigger struct {
	ID            string          `json:"id" db:"id"`
	TaskTriggerID string          `json:"task_trigger_id" db:"task_trigger_id"`
	Name          string          `json:"name" db:"name"`
	Schedule      Schedule        `json:"schedule"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	Enabled       bool            `json:"enabled" db:"enabled"`
	NextFireAt    time.Time       `json:"next_fire_at,omitempty" db:"next_fire_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// NotifyEvent names a lifecycle event fanned out by the notifier.
type NotifyEvent string

const (
	EventInputArrived   NotifyEvent = "input_arrived"
	EventInputProcessed NotifyEvent = "input_processed"
	EventActionStarted  NotifyEvent = "action_started"
	EventActionSuccess  NotifyEvent = "action_success"
	EventActionError    NotifyEvent = "action_error"
)

// NotifyEndpoint is an outbound webhook destination.
type NotifyEndpoint struct {
	ID        string    `json:"id" db:"id"`
	OrgID     string    `json:"org_id" db:"org_id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NotifyListener subscribes an endpoint to lifecycle events of one object.
// An empty ObjectID or Event matches everything in the org.
type NotifyListener struct {
	ID         string      `json:"id" db:"id"`
	OrgID      string      `json:"org_id" db:"org_id"`
	ObjectID   string      `json:"object_id,omitempty" db:"object_id"`
	Event      NotifyEvent `json:"event,omitempty" db:"event"`
	EndpointID string      `json:"endpoint_id" db:"endpoint_id"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// Notification is one lifecycle event instance handed to the notifier.
type Notification struct {
	Event      NotifyEvent     `json:"event"`
	OrgID      string          `json:"org_id"`
	TaskID     string          `json:"task_id,omitempty"`
	ObjectID   string          `json:"object_id,omitempty"`
	InputLogID string          `json:"inputs_log_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
