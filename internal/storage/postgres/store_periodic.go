package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/storage"
)

// PeriodicStore implementation

func (s *Store) CreatePeriodicTrigger(ctx context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error) {
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pt.CreatedAt = now
	pt.UpdatedAt = now

	scheduleJSON, err := json.Marshal(pt.Schedule)
	if err != nil {
		return inputs.PeriodicTrigger{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_triggers (id, task_trigger_id, name, schedule, payload, enabled, next_fire_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pt.ID, pt.TaskTriggerID, pt.Name, scheduleJSON, []byte(pt.Payload), pt.Enabled,
		toNullTime(pt.NextFireAt), pt.CreatedAt, pt.UpdatedAt)
	if err != nil {
		return inputs.PeriodicTrigger{}, translateErr(err)
	}
	return pt, nil
}

func (s *Store) UpdatePeriodicTrigger(ctx context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error) {
	existing, err := s.GetPeriodicTrigger(ctx, pt.ID)
	if err != nil {
		return inputs.PeriodicTrigger{}, err
	}
	pt.CreatedAt = existing.CreatedAt
	pt.UpdatedAt = time.Now().UTC()

	scheduleJSON, err := json.Marshal(pt.Schedule)
	if err != nil {
		return inputs.PeriodicTrigger{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_triggers
		SET task_trigger_id = $2, name = $3, schedule = $4, payload = $5, enabled = $6, next_fire_at = $7, updated_at = $8
		WHERE id = $1
	`, pt.ID, pt.TaskTriggerID, pt.Name, scheduleJSON, []byte(pt.Payload), pt.Enabled,
		toNullTime(pt.NextFireAt), pt.UpdatedAt)
	if err != nil {
		return inputs.PeriodicTrigger{}, translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return inputs.PeriodicTrigger{}, sql.ErrNoRows
	}
	return pt, nil
}

const periodicColumns = `id, task_trigger_id, name, schedule, payload, enabled, next_fire_at, created_at, updated_at`

func scanPeriodic(row sqlx.ColScanner) (inputs.PeriodicTrigger, error) {
	var (
		pt          inputs.PeriodicTrigger
		scheduleRaw []byte
		payloadRaw  []byte
		nextFire    sql.NullTime
	)
	if err := row.Scan(&pt.ID, &pt.TaskTriggerID, &pt.Name, &scheduleRaw, &payloadRaw, &pt.Enabled,
		&nextFire, &pt.CreatedAt, &pt.UpdatedAt); err != nil {
		return inputs.PeriodicTrigger{}, err
	}
	if err := json.Unmarshal(scheduleRaw, &pt.Schedule); err != nil {
		return inputs.PeriodicTrigger{}, err
	}
	pt.Payload = payloadRaw
	pt.NextFireAt = fromNullTime(nextFire)
	return pt, nil
}

func (s *Store) GetPeriodicTrigger(ctx context.Context, id string) (inputs.PeriodicTrigger, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+periodicColumns+`
		FROM periodic_triggers
		WHERE id = $1
	`, id)

	pt, err := scanPeriodic(row)
	if err != nil {
		return inputs.PeriodicTrigger{}, translateErr(err)
	}
	return pt, nil
}

func (s *Store) ListDuePeriodicTriggers(ctx context.Context, horizon time.Time) ([]inputs.PeriodicTrigger, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+periodicColumns+`
		FROM periodic_triggers
		WHERE enabled AND (next_fire_at IS NULL OR next_fire_at <= $1)
		ORDER BY next_fire_at NULLS FIRST
	`, horizon.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []inputs.PeriodicTrigger
	for rows.Next() {
		pt, err := scanPeriodic(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pt)
	}
	return result, rows.Err()
}

func (s *Store) SetPeriodicNextFire(ctx context.Context, id string, next time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_triggers
		SET next_fire_at = $2, updated_at = $3
		WHERE id = $1
	`, id, next.UTC(), time.Now().UTC())
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DisablePeriodicTrigger(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_triggers
		SET enabled = FALSE, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// NotifyStore implementation

func (s *Store) CreateNotifyEndpoint(ctx context.Context, ep inputs.NotifyEndpoint) (inputs.NotifyEndpoint, error) {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	ep.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_endpoints (id, org_id, name, url, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ep.ID, ep.OrgID, ep.Name, ep.URL, ep.Enabled, ep.CreatedAt)
	if err != nil {
		return inputs.NotifyEndpoint{}, translateErr(err)
	}
	return ep, nil
}

func (s *Store) CreateNotifyListener(ctx context.Context, l inputs.NotifyListener) (inputs.NotifyListener, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_listeners (id, org_id, object_id, event, endpoint_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.OrgID, toNullString(l.ObjectID), toNullString(string(l.Event)), l.EndpointID, l.CreatedAt)
	if err != nil {
		return inputs.NotifyListener{}, translateErr(err)
	}
	return l, nil
}

func (s *Store) GetNotifyEndpoint(ctx context.Context, id string) (inputs.NotifyEndpoint, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, org_id, name, url, enabled, created_at
		FROM notify_endpoints
		WHERE id = $1
	`, id)

	var ep inputs.NotifyEndpoint
	if err := row.Scan(&ep.ID, &ep.OrgID, &ep.Name, &ep.URL, &ep.Enabled, &ep.CreatedAt); err != nil {
		return inputs.NotifyEndpoint{}, translateErr(err)
	}
	return ep, nil
}

func (s *Store) MatchNotifyListeners(ctx context.Context, orgID, objectID string, event inputs.NotifyEvent) ([]inputs.NotifyListener, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, org_id, object_id, event, endpoint_id, created_at
		FROM notify_listeners
		WHERE org_id = $1
			AND (object_id IS NULL OR object_id = $2)
			AND (event IS NULL OR event = $3)
		ORDER BY created_at
	`, orgID, objectID, string(event))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []inputs.NotifyListener
	for rows.Next() {
		var (
			l        inputs.NotifyListener
			objID    sql.NullString
			eventStr sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.OrgID, &objID, &eventStr, &l.EndpointID, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ObjectID = fromNullString(objID)
		l.Event = inputs.NotifyEvent(fromNullString(eventStr))
		result = append(result, l)
	}
	return result, rows.Err()
}
