package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gymflow/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// EnsureSchema creates the job table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  payload BLOB,
  run_at DATETIME NOT NULL,
  misfire_grace INTEGER NOT NULL DEFAULT 3600,
  state TEXT NOT NULL CHECK(state IN ('pending','running','executed','failed','missed','canceled')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_id, state);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	// Put registers a job, replacing any existing job with the same id so
	// rescheduling is idempotent under retries of the scheduling call.
	Put(ctx context.Context, j domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	ListForEntity(ctx context.Context, entityID string) ([]domain.Job, error)
	// Cancel removes a pending job. False means it already ran, was already
	// canceled, or never existed; that is not an error.
	Cancel(ctx context.Context, id string) (bool, error)
	CancelForEntity(ctx context.Context, entityID string) (int, error)
	Due(ctx context.Context, now time.Time) ([]domain.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string, state domain.JobState, errStr string) error
	// RecoverStale requeues jobs left in 'running' by a crash so they run
	// again after restart (at-least-once execution).
	RecoverStale(ctx context.Context) (int, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Put(ctx context.Context, j domain.Job) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, entity_id, payload, run_at, misfire_grace, state, last_error, created_at, updated_at)
VALUES (?,?,?,?,?,?, 'pending', '', ?, ?)
ON CONFLICT(id) DO UPDATE SET
  kind=excluded.kind,
  entity_id=excluded.entity_id,
  payload=excluded.payload,
  run_at=excluded.run_at,
  misfire_grace=excluded.misfire_grace,
  state='pending',
  last_error='',
  updated_at=excluded.updated_at`,
		j.ID, j.Kind, j.EntityID, j.Payload, j.RunAt.UTC(), int(j.MisfireGrace.Seconds()), now, now)
	return err
}

const jobColumns = `id, kind, entity_id, payload, run_at, misfire_grace, state, last_error, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (domain.Job, error) {
	var j domain.Job
	var grace int64
	err := row.Scan(&j.ID, &j.Kind, &j.EntityID, &j.Payload, &j.RunAt, &grace, &j.State, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.MisfireGrace = time.Duration(grace) * time.Second
	return j, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

func (s *sqliteStore) List(ctx context.Context) ([]domain.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY run_at`)
}

func (s *sqliteStore) ListForEntity(ctx context.Context, entityID string) ([]domain.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE entity_id=? ORDER BY run_at`, entityID)
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state='pending' AND run_at <= ? ORDER BY run_at`, now.UTC())
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state='canceled', updated_at=? WHERE id=? AND state='pending'`, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) CancelForEntity(ctx context.Context, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state='canceled', updated_at=? WHERE entity_id=? AND state='pending'`, time.Now().UTC(), entityID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) MarkRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state='running', updated_at=? WHERE id=?`, time.Now().UTC(), id)
	return err
}

func (s *sqliteStore) MarkDone(ctx context.Context, id string, state domain.JobState, errStr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state=?, last_error=?, updated_at=? WHERE id=?`,
		state, errStr, time.Now().UTC(), id)
	return err
}

func (s *sqliteStore) RecoverStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state='pending', updated_at=? WHERE state='running'`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE state IN ('executed','failed','missed','canceled') AND updated_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
