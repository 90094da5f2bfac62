// Package store persists jobs, the practice tables the handlers read and the ops
// tables they write, in Postgres through pgx.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"practice-ops/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, priority, tenant_id, payload, status, attempts, max_attempts, next_run_at,
	last_error, result, idempotency_key, worker_id, created_at, updated_at`

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job, and a boolean indicating if an existing job was reused via idempotency.
func (s *Store) CreateJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	payload := jsonOrEmpty(p.Payload)

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, priority, tenant_id, payload, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, id, p.Type, p.Priority, p.TenantID, []byte(payload), models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, errors.Wrap(err, "insert job")
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			e := now.Add(p.IdempotencyTTL)
			expires = &e
		}
		// An expired key is taken over; a live one wins and our insert is rolled back.
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, errors.Wrap(err, "insert idempotency key")
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, errors.Wrap(err, "rollback after idempotency conflict")
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, errors.Wrap(err, "commit")
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Priority:       p.Priority,
		TenantID:       p.TenantID,
		Payload:        payload,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, errors.Wrap(err, "query idempotency key")
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	var job models.Job
	var payload, result []byte
	var lastErr, idem, worker pgtype.Text
	if err := row.Scan(&job.ID, &job.Type, &job.Priority, &job.TenantID, &payload, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.NextRunAt, &lastErr, &result, &idem, &worker, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, errors.Wrapf(models.ErrNotFound, "job %s", id)
		}
		return models.Job{}, errors.Wrap(err, "scan job")
	}
	job.Payload = payload
	if result != nil {
		job.Result = result
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	job.WorkerID = textPtr(worker)
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error {
	return s.execOne(ctx, "job "+id, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
}

// SetWorkerID records which worker picked the job up.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	return s.execOne(ctx, "job "+id, `UPDATE jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1`, id, workerID)
}

// MarkSuccess transitions a job to succeeded and stores the handler result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	return s.execOne(ctx, "job "+id, `
		UPDATE jobs SET status = $2, result = $3, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusSucceeded, jsonOrNil(result))
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.execOne(ctx, "job "+id, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCancelled)
}

// MarkDeadLetter flags a job as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error {
	return s.execOne(ctx, "job "+id, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, attempts, lastError)
}

// UpdateAttempts updates attempts and next_run_at after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.execOne(ctx, "job "+id, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
}

// AppendJobEvent adds a row to the job's event log.
func (s *Store) AppendJobEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return errors.Wrap(err, "append job event")
}

// ListJobEvents returns a job's event log oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "query job events")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobEvent, error) {
		var e models.JobEvent
		err := row.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded)
		return e, err
	})
}

func (s *Store) CountJobsByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM jobs WHERE tenant_id = $1 GROUP BY status`, tenantID)
}

func (s *Store) CountDeadLettersSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE tenant_id = $1 AND status = $2 AND updated_at >= $3
	`, tenantID, models.StatusDeadLetter, since).Scan(&n)
	return n, errors.Wrap(err, "count dead letters")
}

func (s *Store) OldestQueuedJobCreatedAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var ts pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM jobs WHERE tenant_id = $1 AND status = $2
	`, tenantID, models.StatusQueued).Scan(&ts); err != nil {
		return nil, errors.Wrap(err, "oldest queued job")
	}
	return timePtr(ts), nil
}

// execOne runs a statement that must touch a row; a miss is models.ErrNotFound.
func (s *Store) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s", what)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(models.ErrNotFound, what)
	}
	return nil
}

// execConditional reports whether a guarded update matched a row.
func (s *Store) execConditional(ctx context.Context, what, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, errors.Wrapf(err, "update %s", what)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) countBy(ctx context.Context, sql string, args ...any) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[status] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate counts")
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// jsonOrNil maps an empty document to SQL NULL.
func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
