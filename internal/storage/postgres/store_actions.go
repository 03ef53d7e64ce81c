package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ergohq/ergo/internal/domain/action"
	"github.com/ergohq/ergo/internal/domain/inputs"
)

// ActionStore implementation

func (s *Store) CreateAction(ctx context.Context, a action.Action) (action.Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	templateJSON, err := json.Marshal(a.ExecutorTemplate)
	if err != nil {
		return action.Action{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, name, executor_id, executor_template, template_fields,
			account_required, account_types, postprocess_script, timeout, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.Name, a.ExecutorID, templateJSON, []byte(a.TemplateFields),
		a.AccountRequired, pq.Array(a.AccountTypes), toNullString(a.PostprocessScript), a.TimeoutSeconds, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return action.Action{}, translateErr(err)
	}
	return a, nil
}

func (s *Store) UpdateAction(ctx context.Context, a action.Action) (action.Action, error) {
	existing, err := s.GetAction(ctx, a.ID)
	if err != nil {
		return action.Action{}, err
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()

	templateJSON, err := json.Marshal(a.ExecutorTemplate)
	if err != nil {
		return action.Action{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE actions
		SET name = $2, executor_id = $3, executor_template = $4, template_fields = $5,
			account_required = $6, account_types = $7, postprocess_script = $8, timeout = $9, updated_at = $10
		WHERE id = $1
	`, a.ID, a.Name, a.ExecutorID, templateJSON, []byte(a.TemplateFields),
		a.AccountRequired, pq.Array(a.AccountTypes), toNullString(a.PostprocessScript), a.TimeoutSeconds, a.UpdatedAt)
	if err != nil {
		return action.Action{}, translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return action.Action{}, sql.ErrNoRows
	}
	return a, nil
}

const actionColumns = `id, name, executor_id, executor_template, template_fields,
	account_required, account_types, postprocess_script, timeout, created_at, updated_at`

func scanAction(row sqlx.ColScanner) (action.Action, error) {
	var (
		a           action.Action
		templateRaw []byte
		fieldsRaw   []byte
		types       pq.StringArray
		postprocess sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.ExecutorID, &templateRaw, &fieldsRaw,
		&a.AccountRequired, &types, &postprocess, &a.TimeoutSeconds, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return action.Action{}, err
	}
	if err := json.Unmarshal(templateRaw, &a.ExecutorTemplate); err != nil {
		return action.Action{}, err
	}
	a.TemplateFields = fieldsRaw
	a.AccountTypes = types
	a.PostprocessScript = fromNullString(postprocess)
	return a, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (action.Action, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE id = $1
	`, id)

	a, err := scanAction(row)
	if err != nil {
		return action.Action{}, translateErr(err)
	}
	return a, nil
}

func (s *Store) ListActions(ctx context.Context) ([]action.Action, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []action.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// InputStore implementation

func (s *Store) CreateInput(ctx context.Context, in inputs.Input) (inputs.Input, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inputs (id, name, description, payload_schema, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, in.ID, in.Name, in.Description, []byte(in.PayloadSchema), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return inputs.Input{}, translateErr(err)
	}
	return in, nil
}

func (s *Store) GetInput(ctx context.Context, id string) (inputs.Input, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, description, payload_schema, created_at, updated_at
		FROM inputs
		WHERE id = $1
	`, id)

	var (
		in        inputs.Input
		schemaRaw []byte
	)
	if err := row.Scan(&in.ID, &in.Name, &in.Description, &schemaRaw, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return inputs.Input{}, translateErr(err)
	}
	in.PayloadSchema = schemaRaw
	return in, nil
}

func (s *Store) ListInputs(ctx context.Context) ([]inputs.Input, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, description, payload_schema, created_at, updated_at
		FROM inputs
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []inputs.Input
	for rows.Next() {
		var (
			in        inputs.Input
			schemaRaw []byte
		)
		if err := rows.Scan(&in.ID, &in.Name, &in.Description, &schemaRaw, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.PayloadSchema = schemaRaw
		result = append(result, in)
	}
	return result, rows.Err()
}
