package executor

import (
	"context"
	"encoding/json"
)

// InputEnqueuer accepts a synthetic input event for a task trigger. The
// engine's intake implements it; the indirection keeps the executor package
// free of queue wiring.
type InputEnqueuer interface {
	EnqueueInput(ctx context.Context, taskTriggerID string, payload json.RawMessage) (string, error)
}

// SendInputExecutor enqueues a new stage-1 input, letting tasks chain.
//
// Template fields: task_trigger_id, payload.
type SendInputExecutor struct {
	intake InputEnqueuer
}

// NewSendInputExecutor creates the executor over the given intake.
func NewSendInputExecutor(intake InputEnqueuer) *SendInputExecutor {
	return &SendInputExecutor{intake: intake}
}

func (e *SendInputExecutor) ID() string { return "send_input" }

func (e *SendInputExecutor) Execute(ctx context.Context, template map[string]any) (json.RawMessage, error) {
	triggerID := stringField(template, "task_trigger_id")
	if triggerID == "" {
		// Accept the schema-level name too.
		triggerID = stringField(template, "input_id")
	}
	if triggerID == "" {
		return nil, Permanentf("send_input executor: task_trigger_id is required")
	}

	var payload json.RawMessage = []byte("null")
	if raw, ok := template["payload"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, Permanentf("send_input executor: encode payload: %v", err)
		}
		payload = encoded
	}

	jobID, err := e.intake.EnqueueInput(ctx, triggerID, payload)
	if err != nil {
		return nil, Transientf("send_input executor: %v", err)
	}
	return json.Marshal(map[string]string{"job_id": jobID})
}
