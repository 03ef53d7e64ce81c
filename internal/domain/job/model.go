package job

import (
	"encoding/json"
	"time"
)

// Stage identifies one of the two logical queues.
type Stage string

const (
	// StageInput is the input-processing queue.
	StageInput Stage = "stage1_input"
	// StageAction is the action-execution queue.
	StageAction Stage = "stage2_action"
)

// Valid reports whether the stage names a known queue.
func (s Stage) Valid() bool {
	return s == StageInput || s == StageAction
}

// Job is one durable queue entry. Workers hold a lease on a dequeued job,
// never ownership; an expired lease returns the job to the runnable set.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Stage       Stage           `json:"stage" db:"stage"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	EarliestRun time.Time       `json:"earliest_run_at" db:"earliest_run_at"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	LeaseExpiry time.Time       `json:"lease_expiry,omitempty" db:"lease_expiry"`
	EnqueuedAt  time.Time       `json:"enqueued_at" db:"enqueued_at"`
}

// InputPayload is the stage-1 job payload.
type InputPayload struct {
	InputLogID string `json:"inputs_log_id"`
}

// ActionPayload is the stage-2 job payload.
type ActionPayload struct {
	ActionLogID string `json:"actions_log_id"`
}

// DeadLetter retains an exhausted job's payload and last error.
type DeadLetter struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Stage     Stage           `json:"stage" db:"stage"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Attempts  int             `json:"attempts" db:"attempts"`
	LastError string          `json:"last_error" db:"last_error"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
