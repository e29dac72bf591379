package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

// ErrNotFound is returned for reads of jobs that do not exist or are not
// visible to the requesting tenant.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of jobs, audit events and
// queue health snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, tenant_id, user_id, queue, routing_key, scope_key, payload, status, progress,
	parent_job_id, total_items, synced_items, attempts, max_attempts, priority, last_error, result,
	created_at, started_at, completed_at`

// CreateJob inserts a job row. When the job carries a scope key, the insert
// races through the partial unique index over active (tenant, scope) rows:
// created=false means another active job already holds the scope.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (bool, error) {
	payload := job.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, tenant_id, user_id, queue, routing_key, scope_key, payload, status, progress,
			parent_job_id, total_items, synced_items, attempts, max_attempts, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, 0, 0, $12, $13, $14)
		ON CONFLICT (tenant_id, scope_key)
			WHERE scope_key IS NOT NULL AND status IN ('queued', 'processing')
			DO NOTHING
	`, job.ID, job.Type, job.TenantID, job.UserID, job.Queue, job.RoutingKey, job.ScopeKey, payload,
		job.Status, job.ParentJobID, job.TotalItems, job.MaxAttempts, job.Priority, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveJobForScope returns the non-terminal job currently holding a scope.
func (s *Store) ActiveJobForScope(ctx context.Context, tenantID, scopeKey string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND scope_key = $2 AND status IN ('queued', 'processing')
		LIMIT 1
	`, tenantID, scopeKey)
	return scanJob(row)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobForTenant fetches a job by id, enforcing tenant isolation: a job
// belonging to another tenant reads as not found.
func (s *Store) GetJobForTenant(ctx context.Context, id, tenantID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanJob(row)
}

// ListChildren returns all children of a parent, oldest first.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = $1 ORDER BY created_at
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkStarted transitions queued -> processing. applied=false means the job
// was missing or no longer queued, which callers treat as a recoverable
// inconsistency under at-least-once delivery.
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4
	`, id, models.StatusProcessing, at, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark started: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProgress writes a leaf job's progress, refusing terminal rows.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, progress)
	if err != nil {
		return false, fmt.Errorf("set progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted transitions a non-terminal job to completed with progress 100.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 100, result = $3, completed_at = $4, last_error = NULL
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, models.StatusCompleted, result, at)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions a non-terminal job to failed, preserving the last
// failure reason.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, completed_at = $4
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, models.StatusFailed, lastError, at)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueForRetry moves a processing job back to queued with its new attempt
// count after a transient failure.
func (s *Store) RequeueForRetry(ctx context.Context, id string, attempts int, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, started_at = NULL
		WHERE id = $1 AND status = $5
	`, id, models.StatusQueued, attempts, lastError, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("requeue for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueLost returns a processing job to queued after its broker lease
// expired, without charging an attempt: lease expiry is redelivery, not a
// failure.
func (s *Store) RequeueLost(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NULL
		WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("requeue lost: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled transitions a non-terminal job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, models.StatusCancelled, at)
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTotalItems records the resolved scope size on a parent before
// decomposition.
func (s *Store) SetTotalItems(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET total_items = $2 WHERE id = $1`, id, total)
	return err
}

// AddSyncedItems atomically bumps a job's synced-item counter and, for rows
// with a known total, rederives progress in the same statement. Children on
// separate workers race through this concurrently; the single UPDATE keeps
// the counter consistent without read-modify-write.
func (s *Store) AddSyncedItems(ctx context.Context, id string, delta int) (synced, total, progress int, applied bool, err error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			synced_items = synced_items + $2,
			progress = CASE WHEN total_items > 0
				THEN LEAST(100, ((synced_items + $2) * 100) / total_items)
				ELSE progress END
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING synced_items, total_items, progress
	`, id, delta)
	if scanErr := row.Scan(&synced, &total, &progress); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, 0, 0, false, nil
		}
		return 0, 0, 0, false, fmt.Errorf("add synced items: %w", scanErr)
	}
	return synced, total, progress, true, nil
}

// QueueStatusCounts returns completed and failed totals for a queue.
func (s *Store) QueueStatusCounts(ctx context.Context, queue string) (completed, failed int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM jobs WHERE queue = $1
	`, queue).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("queue status counts: %w", err)
	}
	return completed, failed, nil
}

// CompletedSince counts jobs on a queue completed after the cutoff, used for
// throughput sampling.
func (s *Store) CompletedSince(ctx context.Context, queue string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE queue = $1 AND status = 'completed' AND completed_at >= $2
	`, queue, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("completed since: %w", err)
	}
	return n, nil
}

// QueueTimings returns average processing and queue-wait milliseconds over
// jobs completed on a queue since the cutoff.
func (s *Store) QueueTimings(ctx context.Context, queue string, since time.Time) (avgProcessingMS, avgWaitMS float64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (started_at - created_at)) * 1000), 0)
		FROM jobs
		WHERE queue = $1 AND status = 'completed' AND started_at IS NOT NULL AND completed_at >= $2
	`, queue, since).Scan(&avgProcessingMS, &avgWaitMS)
	if err != nil {
		return 0, 0, fmt.Errorf("queue timings: %w", err)
	}
	return avgProcessingMS, avgWaitMS, nil
}

// PurgeExpired enforces the retention policies: jobs, audit events and health
// snapshots each expire independently.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, jobTTL, eventTTL, snapshotTTL time.Duration) (jobs, events, snapshots int64, err error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, now.Add(-jobTTL))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("purge jobs: %w", err)
	}
	jobs = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, now.Add(-eventTTL))
	if err != nil {
		return jobs, 0, 0, fmt.Errorf("purge audit events: %w", err)
	}
	events = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM queue_health WHERE sampled_at < $1`, now.Add(-snapshotTTL))
	if err != nil {
		return jobs, events, 0, fmt.Errorf("purge health snapshots: %w", err)
	}
	return jobs, events, tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		scopeKey  pgtype.Text
		userID    string
		parentID  pgtype.Text
		lastErr   pgtype.Text
		result    []byte
		payload   []byte
		startedAt pgtype.Timestamptz
		doneAt    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.TenantID, &userID, &job.Queue, &job.RoutingKey, &scopeKey,
		&payload, &job.Status, &job.Progress, &parentID, &job.TotalItems, &job.SyncedItems,
		&job.Attempts, &job.MaxAttempts, &job.Priority, &lastErr, &result,
		&job.CreatedAt, &startedAt, &doneAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.UserID = userID
	job.Payload = payload
	job.Result = result
	job.ScopeKey = textPtr(scopeKey)
	job.ParentJobID = textPtr(parentID)
	job.LastError = textPtr(lastErr)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
