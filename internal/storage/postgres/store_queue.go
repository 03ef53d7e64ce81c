package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ergohq/ergo/internal/domain/job"
)

// QueueStore implementation

func insertQueueJob(ctx context.Context, tx *sqlx.Tx, qj job.Job) error {
	if qj.EnqueuedAt.IsZero() {
		qj.EnqueuedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, stage, payload, earliest_run_at, attempts, max_attempts, lease_expiry, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, qj.ID, qj.Stage, []byte(qj.Payload), qj.EarliestRun.UTC(), qj.Attempts, qj.MaxAttempts,
		toNullTime(qj.LeaseExpiry), qj.EnqueuedAt)
	return err
}

func (s *Store) CreateQueueJob(ctx context.Context, qj job.Job) (job.Job, error) {
	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	qj.EnqueuedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertQueueJob(ctx, tx, qj)
	})
	if err != nil {
		return job.Job{}, translateErr(err)
	}
	return qj, nil
}

const queueJobColumns = `id, stage, payload, earliest_run_at, attempts, max_attempts, lease_expiry, enqueued_at`

func scanQueueJob(row sqlx.ColScanner) (job.Job, error) {
	var (
		qj          job.Job
		payloadRaw  []byte
		leaseExpiry sql.NullTime
	)
	if err := row.Scan(&qj.ID, &qj.Stage, &payloadRaw, &qj.EarliestRun, &qj.Attempts, &qj.MaxAttempts,
		&leaseExpiry, &qj.EnqueuedAt); err != nil {
		return job.Job{}, err
	}
	qj.Payload = payloadRaw
	qj.LeaseExpiry = fromNullTime(leaseExpiry)
	return qj, nil
}

func (s *Store) GetQueueJob(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+queueJobColumns+`
		FROM queue_jobs
		WHERE id = $1
	`, id)

	qj, err := scanQueueJob(row)
	if err != nil {
		return job.Job{}, translateErr(err)
	}
	return qj, nil
}

func (s *Store) UpdateQueueJob(ctx context.Context, qj job.Job) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET earliest_run_at = $2, attempts = $3, lease_expiry = $4
		WHERE id = $1
	`, qj.ID, qj.EarliestRun.UTC(), qj.Attempts, toNullTime(qj.LeaseExpiry))
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteQueueJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, id)
	return translateErr(err)
}

func (s *Store) ListQueueJobs(ctx context.Context, stage job.Stage) ([]job.Job, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+queueJobColumns+`
		FROM queue_jobs
		WHERE $1 = '' OR stage = $1
		ORDER BY enqueued_at
	`, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []job.Job
	for rows.Next() {
		qj, err := scanQueueJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, qj)
	}
	return result, rows.Err()
}

func (s *Store) CreateDeadLetter(ctx context.Context, dl job.DeadLetter) (job.DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	dl.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, job_id, stage, payload, attempts, last_error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, dl.ID, dl.JobID, dl.Stage, []byte(dl.Payload), dl.Attempts, dl.LastError, dl.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, dl.JobID)
		return err
	})
	if err != nil {
		return job.DeadLetter{}, translateErr(err)
	}
	return dl, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, stage job.Stage, limit int) ([]job.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, job_id, stage, payload, attempts, last_error, created_at
		FROM dead_letters
		WHERE $1 = '' OR stage = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []job.DeadLetter
	for rows.Next() {
		var (
			dl         job.DeadLetter
			payloadRaw []byte
		)
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.Stage, &payloadRaw, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Payload = payloadRaw
		result = append(result, dl)
	}
	return result, rows.Err()
}
