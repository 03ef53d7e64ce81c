package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/storage"
)

// LogStore implementation

func (s *Store) CreatePendingInput(ctx context.Context, log inputs.InputLog, qj job.Job) (inputs.InputLog, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	log.Status = inputs.StatusPending
	log.QueueJobID = qj.ID
	log.CreatedAt = now
	log.UpdatedAt = now
	qj.EnqueuedAt = now

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// The unique index over (periodic_trigger_id, scheduled_for) turns a
		// re-injected periodic instance into ErrDuplicate.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inputs_log (id, task_id, task_trigger_id, trigger_local_id, status, error,
				payload, queue_job_id, periodic_trigger_id, scheduled_for, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, log.ID, log.TaskID, log.TaskTriggerID, log.TriggerLocalID, log.Status, toNullString(log.Error),
			[]byte(log.Payload), log.QueueJobID, toNullString(log.PeriodicTriggerID), toNullTime(log.ScheduledFor),
			log.CreatedAt, log.UpdatedAt); err != nil {
			return translateErr(err)
		}
		if err := insertQueueJob(ctx, tx, qj); err != nil {
			return translateErr(err)
		}
		return nil
	})
	if err != nil {
		return inputs.InputLog{}, err
	}
	return log, nil
}

const inputLogColumns = `id, task_id, task_trigger_id, trigger_local_id, status, error,
	payload, queue_job_id, periodic_trigger_id, scheduled_for, created_at, updated_at`

func scanInputLog(row sqlx.ColScanner) (inputs.InputLog, error) {
	var (
		log          inputs.InputLog
		errMsg       sql.NullString
		payloadRaw   []byte
		periodicID   sql.NullString
		scheduledFor sql.NullTime
	)
	if err := row.Scan(&log.ID, &log.TaskID, &log.TaskTriggerID, &log.TriggerLocalID, &log.Status, &errMsg,
		&payloadRaw, &log.QueueJobID, &periodicID, &scheduledFor, &log.CreatedAt, &log.UpdatedAt); err != nil {
		return inputs.InputLog{}, err
	}
	log.Error = fromNullString(errMsg)
	log.Payload = payloadRaw
	log.PeriodicTriggerID = fromNullString(periodicID)
	log.ScheduledFor = fromNullTime(scheduledFor)
	return log, nil
}

func (s *Store) GetInputLog(ctx context.Context, id string) (inputs.InputLog, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+inputLogColumns+`
		FROM inputs_log
		WHERE id = $1
	`, id)

	log, err := scanInputLog(row)
	if err != nil {
		return inputs.InputLog{}, translateErr(err)
	}
	return log, nil
}

func (s *Store) ListInputLogs(ctx context.Context, taskID string, limit int) ([]inputs.InputLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+inputLogColumns+`
		FROM inputs_log
		WHERE $1 = '' OR task_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []inputs.InputLog
	for rows.Next() {
		log, err := scanInputLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, log)
	}
	return result, rows.Err()
}

func (s *Store) MarkInputLogError(ctx context.Context, id, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inputs_log
		SET status = $2, error = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ('success', 'error')
	`, id, inputs.StatusError, errMsg, time.Now().UTC())
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ApplyEvaluation(ctx context.Context, res storage.EvaluationResult) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		status := inputs.StatusSuccess
		var counterCol string
		if res.Succeeded {
			counterCol = "success_count"
		} else {
			status = inputs.StatusError
			counterCol = "failure_count"
		}

		// Terminalize the log first; zero rows means a stale redelivery whose
		// first commit already took effect.
		result, err := tx.ExecContext(ctx, `
			UPDATE inputs_log
			SET status = $2, error = $3, updated_at = $4
			WHERE id = $1 AND status NOT IN ('success', 'error')
		`, res.InputLogID, status, toNullString(res.InputError), now)
		if err != nil {
			return translateErr(err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}

		if res.NewState != nil {
			stateJSON, err := json.Marshal(*res.NewState)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET state = $2, `+counterCol+` = `+counterCol+` + 1, last_triggered = $3, updated_at = $4
				WHERE id = $1
			`, res.TaskID, stateJSON, toNullTime(res.TriggeredAt), now); err != nil {
				return translateErr(err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET `+counterCol+` = `+counterCol+` + 1, last_triggered = $2, updated_at = $3
				WHERE id = $1
			`, res.TaskID, toNullTime(res.TriggeredAt), now); err != nil {
				return translateErr(err)
			}
		}

		for _, al := range res.ActionLogs {
			if al.ID == "" {
				al.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO actions_log (id, inputs_log_id, task_id, task_action_local_id, status,
					payload, result, error, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, al.ID, al.InputLogID, al.TaskID, al.TaskActionLocalID, inputs.StatusPending,
				[]byte(al.Payload), []byte(al.Result), toNullString(al.Error), now, now); err != nil {
				return translateErr(err)
			}
		}

		for _, qj := range res.QueueJobs {
			if err := insertQueueJob(ctx, tx, qj); err != nil {
				return translateErr(err)
			}
		}
		return nil
	})
}

const actionLogColumns = `id, inputs_log_id, task_id, task_action_local_id, status,
	payload, result, error, created_at, updated_at`

func scanActionLog(row sqlx.ColScanner) (inputs.ActionLog, error) {
	var (
		al         inputs.ActionLog
		payloadRaw []byte
		resultRaw  []byte
		errMsg     sql.NullString
	)
	if err := row.Scan(&al.ID, &al.InputLogID, &al.TaskID, &al.TaskActionLocalID, &al.Status,
		&payloadRaw, &resultRaw, &errMsg, &al.CreatedAt, &al.UpdatedAt); err != nil {
		return inputs.ActionLog{}, err
	}
	al.Payload = payloadRaw
	al.Result = resultRaw
	al.Error = fromNullString(errMsg)
	return al, nil
}

func (s *Store) GetActionLog(ctx context.Context, id string) (inputs.ActionLog, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+actionLogColumns+`
		FROM actions_log
		WHERE id = $1
	`, id)

	al, err := scanActionLog(row)
	if err != nil {
		return inputs.ActionLog{}, translateErr(err)
	}
	return al, nil
}

func (s *Store) ListActionLogs(ctx context.Context, inputLogID string) ([]inputs.ActionLog, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+actionLogColumns+`
		FROM actions_log
		WHERE $1 = '' OR inputs_log_id = $1
		ORDER BY created_at
	`, inputLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []inputs.ActionLog
	for rows.Next() {
		al, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, al)
	}
	return result, rows.Err()
}

func (s *Store) SetActionLogStatus(ctx context.Context, id string, status inputs.LogStatus, result []byte, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions_log
		SET status = $2, result = COALESCE($3, result), error = $4, updated_at = $5
		WHERE id = $1 AND status NOT IN ('success', 'error')
	`, id, status, result, toNullString(errMsg), time.Now().UTC())
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Already terminal or missing; terminal logs are immutable.
		return nil
	}
	return nil
}
