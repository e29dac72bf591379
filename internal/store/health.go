package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

const snapshotColumns = `id, queue, waiting, processing, completed, failed, consumers,
	avg_processing_ms, avg_wait_ms, throughput_per_min, healthy, issues, sampled_at`

// InsertSnapshot persists one health sample.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.QueueHealthSnapshot) error {
	issues, err := json.Marshal(snap.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_health (queue, waiting, processing, completed, failed, consumers,
			avg_processing_ms, avg_wait_ms, throughput_per_min, healthy, issues, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, snap.Queue, snap.Waiting, snap.Processing, snap.Completed, snap.Failed, snap.Consumers,
		snap.AvgProcessingMS, snap.AvgWaitMS, snap.ThroughputPerMin, snap.Healthy, issues, snap.SampledAt)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent sample for one queue.
func (s *Store) LatestSnapshot(ctx context.Context, queue string) (models.QueueHealthSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM queue_health
		WHERE queue = $1 ORDER BY sampled_at DESC, id DESC LIMIT 1
	`, queue)
	return scanSnapshot(row)
}

// LatestSnapshots returns the most recent sample for every known queue.
func (s *Store) LatestSnapshots(ctx context.Context) ([]models.QueueHealthSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (queue) `+snapshotColumns+`
		FROM queue_health ORDER BY queue, sampled_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// SnapshotTrend returns samples for one queue since the cutoff, oldest first.
func (s *Store) SnapshotTrend(ctx context.Context, queue string, since time.Time) ([]models.QueueHealthSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM queue_health
		WHERE queue = $1 AND sampled_at >= $2 ORDER BY sampled_at, id
	`, queue, since)
	if err != nil {
		return nil, fmt.Errorf("query snapshot trend: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// HourlyPerformance is one hour-bucketed aggregate of health samples.
type HourlyPerformance struct {
	Hour            time.Time `json:"hour"`
	AvgThroughput   float64   `json:"avgThroughputPerMin"`
	AvgProcessingMS float64   `json:"avgProcessingMs"`
	AvgWaitMS       float64   `json:"avgWaitMs"`
	HealthyPercent  float64   `json:"healthyPercent"`
	Samples         int64     `json:"samples"`
}

// PerformanceTrend buckets a queue's samples by hour with a healthy
// percentage per bucket.
func (s *Store) PerformanceTrend(ctx context.Context, queue string, since time.Time) ([]HourlyPerformance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('hour', sampled_at) AS hour,
			AVG(throughput_per_min),
			AVG(avg_processing_ms),
			AVG(avg_wait_ms),
			100.0 * COUNT(*) FILTER (WHERE healthy) / COUNT(*),
			COUNT(*)
		FROM queue_health
		WHERE queue = $1 AND sampled_at >= $2
		GROUP BY hour ORDER BY hour
	`, queue, since)
	if err != nil {
		return nil, fmt.Errorf("query performance trend: %w", err)
	}
	defer rows.Close()

	var out []HourlyPerformance
	for rows.Next() {
		var h HourlyPerformance
		if err := rows.Scan(&h.Hour, &h.AvgThroughput, &h.AvgProcessingMS, &h.AvgWaitMS, &h.HealthyPercent, &h.Samples); err != nil {
			return nil, fmt.Errorf("scan hourly performance: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanSnapshot(row pgx.Row) (models.QueueHealthSnapshot, error) {
	var (
		snap   models.QueueHealthSnapshot
		issues []byte
	)
	err := row.Scan(&snap.ID, &snap.Queue, &snap.Waiting, &snap.Processing, &snap.Completed, &snap.Failed,
		&snap.Consumers, &snap.AvgProcessingMS, &snap.AvgWaitMS, &snap.ThroughputPerMin,
		&snap.Healthy, &issues, &snap.SampledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueHealthSnapshot{}, ErrNotFound
		}
		return models.QueueHealthSnapshot{}, fmt.Errorf("scan health snapshot: %w", err)
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &snap.Issues); err != nil {
			return models.QueueHealthSnapshot{}, fmt.Errorf("unmarshal issues: %w", err)
		}
	}
	return snap, nil
}

func collectSnapshots(rows pgx.Rows) ([]models.QueueHealthSnapshot, error) {
	var out []models.QueueHealthSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
