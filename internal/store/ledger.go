package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

// The audit ledger is append-only: one row per transition, never updated.

// AppendEvent inserts one audit event.
func (s *Store) AppendEvent(ctx context.Context, ev models.AuditEvent) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (job_id, tenant_id, kind, entity_id, progress, attempt, error, prev_status, new_status, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.JobID, ev.TenantID, ev.Kind, ev.EntityID, ev.Progress, ev.Attempt, ev.Error,
		ev.PrevStatus, ev.NewStatus, metadata, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Timeline returns a job's full event history, ascending by time.
func (s *Store) Timeline(ctx context.Context, jobID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, tenant_id, kind, entity_id, progress, attempt, error, prev_status, new_status, metadata, occurred_at
		FROM audit_events WHERE job_id = $1 ORDER BY occurred_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RecentEvents returns a tenant's latest events, newest first, optionally
// restricted to a set of kinds.
func (s *Store) RecentEvents(ctx context.Context, tenantID string, limit int, kinds []string) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if len(kinds) > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT id, job_id, tenant_id, kind, entity_id, progress, attempt, error, prev_status, new_status, metadata, occurred_at
			FROM audit_events WHERE tenant_id = $1 AND kind = ANY($2)
			ORDER BY occurred_at DESC, id DESC LIMIT $3
		`, tenantID, kinds, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, job_id, tenant_id, kind, entity_id, progress, attempt, error, prev_status, new_status, metadata, occurred_at
			FROM audit_events WHERE tenant_id = $1
			ORDER BY occurred_at DESC, id DESC LIMIT $2
		`, tenantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// PerformanceMetrics aggregates processing/wait timings over jobs completed
// in the window.
type PerformanceMetrics struct {
	AvgProcessingMS float64 `json:"avgProcessingMs"`
	AvgWaitMS       float64 `json:"avgWaitMs"`
	MinProcessingMS float64 `json:"minProcessingMs"`
	MaxProcessingMS float64 `json:"maxProcessingMs"`
	Count           int64   `json:"count"`
}

// TenantPerformance computes completion timings for one tenant since a cutoff.
func (s *Store) TenantPerformance(ctx context.Context, tenantID string, since time.Time) (PerformanceMetrics, error) {
	var m PerformanceMetrics
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (started_at - created_at)) * 1000), 0),
			COALESCE(MIN(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0),
			COALESCE(MAX(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0),
			COUNT(*)
		FROM jobs
		WHERE tenant_id = $1 AND status = 'completed' AND started_at IS NOT NULL AND completed_at >= $2
	`, tenantID, since).Scan(&m.AvgProcessingMS, &m.AvgWaitMS, &m.MinProcessingMS, &m.MaxProcessingMS, &m.Count)
	if err != nil {
		return PerformanceMetrics{}, fmt.Errorf("tenant performance: %w", err)
	}
	return m, nil
}

// ErrorGroup is one distinct error string with its frequency and the jobs it
// affected. Grouping is by exact string; no fuzzy clustering.
type ErrorGroup struct {
	Error    string    `json:"error"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
	JobIDs   []string  `json:"jobIds"`
}

// ErrorAnalysis returns the top error messages by frequency across failed and
// retry events since the cutoff.
func (s *Store) ErrorAnalysis(ctx context.Context, tenantID string, since time.Time, topN int) ([]ErrorGroup, error) {
	if topN <= 0 {
		topN = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT error, COUNT(*), MAX(occurred_at), ARRAY_AGG(DISTINCT job_id)
		FROM audit_events
		WHERE tenant_id = $1 AND error IS NOT NULL AND kind IN ('failed', 'retry') AND occurred_at >= $2
		GROUP BY error
		ORDER BY COUNT(*) DESC, MAX(occurred_at) DESC
		LIMIT $3
	`, tenantID, since, topN)
	if err != nil {
		return nil, fmt.Errorf("query error analysis: %w", err)
	}
	defer rows.Close()

	var out []ErrorGroup
	for rows.Next() {
		var g ErrorGroup
		if err := rows.Scan(&g.Error, &g.Count, &g.LastSeen, &g.JobIDs); err != nil {
			return nil, fmt.Errorf("scan error group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ScanEventTimes returns completion timestamps of scan events for one entity
// since the cutoff, oldest first. Used by the cooldown gate.
func (s *Store) ScanEventTimes(ctx context.Context, tenantID, entityID string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT occurred_at FROM audit_events
		WHERE tenant_id = $1 AND entity_id = $2 AND kind = 'completed' AND occurred_at >= $3
		ORDER BY occurred_at
	`, tenantID, entityID, since)
	if err != nil {
		return nil, fmt.Errorf("query scan events: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan event time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ScanEventTimesBatch is ScanEventTimes over many entities in one query.
func (s *Store) ScanEventTimesBatch(ctx context.Context, tenantID string, entityIDs []string, since time.Time) (map[string][]time.Time, error) {
	out := make(map[string][]time.Time, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, occurred_at FROM audit_events
		WHERE tenant_id = $1 AND entity_id = ANY($2) AND kind = 'completed' AND occurred_at >= $3
		ORDER BY occurred_at
	`, tenantID, entityIDs, since)
	if err != nil {
		return nil, fmt.Errorf("query scan events batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			t  time.Time
		)
		if err := rows.Scan(&id, &t); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out[id] = append(out[id], t)
	}
	return out, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev       models.AuditEvent
			entity   pgtype.Text
			progress pgtype.Int4
			attempt  pgtype.Int4
			errMsg   pgtype.Text
			prev     pgtype.Text
			next     pgtype.Text
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.TenantID, &ev.Kind, &entity, &progress, &attempt,
			&errMsg, &prev, &next, &metadata, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.EntityID = textPtr(entity)
		ev.Error = textPtr(errMsg)
		ev.PrevStatus = textPtr(prev)
		ev.NewStatus = textPtr(next)
		if progress.Valid {
			v := int(progress.Int32)
			ev.Progress = &v
		}
		if attempt.Valid {
			v := int(attempt.Int32)
			ev.Attempt = &v
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
