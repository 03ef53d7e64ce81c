package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ergohq/ergo/internal/domain/task"
)

// TaskStore implementation

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return task.Task{}, err
	}
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return task.Task{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, org_id, name, alias, description, enabled, config, state,
			success_count, failure_count, last_triggered, template_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.ID, t.OrgID, t.Name, toNullString(t.Alias), t.Description, t.Enabled, configJSON, stateJSON,
		t.SuccessCount, t.FailureCount, toNullTime(t.LastTriggered), t.TemplateVersion, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return task.Task{}, translateErr(err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t task.Task) (task.Task, error) {
	existing, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return task.Task{}, err
	}

	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return task.Task{}, err
	}
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return task.Task{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET org_id = $2, name = $3, alias = $4, description = $5, enabled = $6, config = $7,
			state = $8, success_count = $9, failure_count = $10, last_triggered = $11,
			template_version = $12, updated_at = $13
		WHERE id = $1
	`, t.ID, t.OrgID, t.Name, toNullString(t.Alias), t.Description, t.Enabled, configJSON,
		stateJSON, t.SuccessCount, t.FailureCount, toNullTime(t.LastTriggered), t.TemplateVersion, t.UpdatedAt)
	if err != nil {
		return task.Task{}, translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return task.Task{}, sql.ErrNoRows
	}
	return t, nil
}

const taskColumns = `id, org_id, name, alias, description, enabled, config, state,
	success_count, failure_count, last_triggered, template_version, created_at, updated_at`

func scanTask(row sqlx.ColScanner) (task.Task, error) {
	var (
		t             task.Task
		alias         sql.NullString
		configRaw     []byte
		stateRaw      []byte
		lastTriggered sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &alias, &t.Description, &t.Enabled, &configRaw, &stateRaw,
		&t.SuccessCount, &t.FailureCount, &lastTriggered, &t.TemplateVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return task.Task{}, err
	}
	t.Alias = fromNullString(alias)
	t.LastTriggered = fromNullTime(lastTriggered)
	if err := json.Unmarshal(configRaw, &t.Config); err != nil {
		return task.Task{}, err
	}
	if err := json.Unmarshal(stateRaw, &t.State); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)

	t, err := scanTask(row)
	if err != nil {
		return task.Task{}, translateErr(err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, orgID string) ([]task.Task, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE $1 = '' OR org_id = $1
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	// Triggers and action bindings cascade via foreign keys.
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) CreateTaskTrigger(ctx context.Context, trg task.Trigger) (task.Trigger, error) {
	if trg.ID == "" {
		trg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	trg.CreatedAt = now
	trg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_triggers (id, task_id, input_id, local_id, last_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, trg.ID, trg.TaskID, trg.InputID, trg.LocalID, []byte(trg.LastPayload), trg.CreatedAt, trg.UpdatedAt)
	if err != nil {
		return task.Trigger{}, translateErr(err)
	}
	return trg, nil
}

func scanTaskTrigger(row sqlx.ColScanner) (task.Trigger, error) {
	var (
		trg        task.Trigger
		payloadRaw []byte
	)
	if err := row.Scan(&trg.ID, &trg.TaskID, &trg.InputID, &trg.LocalID, &payloadRaw, &trg.CreatedAt, &trg.UpdatedAt); err != nil {
		return task.Trigger{}, err
	}
	trg.LastPayload = payloadRaw
	return trg, nil
}

func (s *Store) GetTaskTrigger(ctx context.Context, id string) (task.Trigger, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, task_id, input_id, local_id, last_payload, created_at, updated_at
		FROM task_triggers
		WHERE id = $1
	`, id)

	trg, err := scanTaskTrigger(row)
	if err != nil {
		return task.Trigger{}, translateErr(err)
	}
	return trg, nil
}

func (s *Store) GetTaskTriggerByLocalID(ctx context.Context, taskID, localID string) (task.Trigger, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, task_id, input_id, local_id, last_payload, created_at, updated_at
		FROM task_triggers
		WHERE task_id = $1 AND local_id = $2
	`, taskID, localID)

	trg, err := scanTaskTrigger(row)
	if err != nil {
		return task.Trigger{}, translateErr(err)
	}
	return trg, nil
}

func (s *Store) ListTaskTriggers(ctx context.Context, taskID string) ([]task.Trigger, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, task_id, input_id, local_id, last_payload, created_at, updated_at
		FROM task_triggers
		WHERE task_id = $1
		ORDER BY local_id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.Trigger
	for rows.Next() {
		trg, err := scanTaskTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, trg)
	}
	return result, rows.Err()
}

func (s *Store) UpsertTaskAction(ctx context.Context, ta task.TaskAction) (task.TaskAction, error) {
	templateJSON, err := json.Marshal(ta.ActionTemplate)
	if err != nil {
		return task.TaskAction{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_actions (task_id, local_id, action_id, name, account_id, action_template)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, local_id)
		DO UPDATE SET action_id = $3, name = $4, account_id = $5, action_template = $6
	`, ta.TaskID, ta.LocalID, ta.ActionID, ta.Name, toNullString(ta.AccountID), templateJSON)
	if err != nil {
		return task.TaskAction{}, translateErr(err)
	}
	return ta, nil
}

func scanTaskAction(row sqlx.ColScanner) (task.TaskAction, error) {
	var (
		ta          task.TaskAction
		accountID   sql.NullString
		templateRaw []byte
	)
	if err := row.Scan(&ta.TaskID, &ta.LocalID, &ta.ActionID, &ta.Name, &accountID, &templateRaw); err != nil {
		return task.TaskAction{}, err
	}
	ta.AccountID = fromNullString(accountID)
	if len(templateRaw) > 0 {
		_ = json.Unmarshal(templateRaw, &ta.ActionTemplate)
	}
	return ta, nil
}

func (s *Store) GetTaskAction(ctx context.Context, taskID, localID string) (task.TaskAction, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT task_id, local_id, action_id, name, account_id, action_template
		FROM task_actions
		WHERE task_id = $1 AND local_id = $2
	`, taskID, localID)

	ta, err := scanTaskAction(row)
	if err != nil {
		return task.TaskAction{}, translateErr(err)
	}
	return ta, nil
}

func (s *Store) ListTaskActions(ctx context.Context, taskID string) ([]task.TaskAction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT task_id, local_id, action_id, name, account_id, action_template
		FROM task_actions
		WHERE task_id = $1
		ORDER BY local_id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.TaskAction
	for rows.Next() {
		ta, err := scanTaskAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ta)
	}
	return result, rows.Err()
}
