package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/store"
)

// Heartbeats older than this do not count as live consumers.
const consumerWindow = 30 * time.Second

// Monitor samples broker and store state for each known queue on a fixed
// interval and persists one QueueHealthSnapshot per queue per tick. It is
// purely observational and never mutates job state.
type Monitor struct {
	store    *store.Store
	broker   *queue.Broker
	queues   []string
	interval time.Duration
}

// NewMonitor wires the health monitor for a set of queues.
func NewMonitor(st *store.Store, b *queue.Broker, queues []string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{store: st, broker: b, queues: queues, interval: interval}
}

// Run samples until context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sampleAll(ctx)
		}
	}
}

func (m *Monitor) sampleAll(ctx context.Context) {
	for _, q := range m.queues {
		snap, err := m.Sample(ctx, q)
		if err != nil {
			log.Printf("sample queue %s: %v", q, err)
			continue
		}
		if err := m.store.InsertSnapshot(ctx, snap); err != nil {
			log.Printf("persist snapshot for %s: %v", q, err)
		}
	}
}

// Sample takes one snapshot of a queue without persisting it.
func (m *Monitor) Sample(ctx context.Context, queueName string) (models.QueueHealthSnapshot, error) {
	now := time.Now().UTC()

	waiting, err := m.broker.Waiting(ctx, queueName)
	if err != nil {
		return models.QueueHealthSnapshot{}, fmt.Errorf("waiting depth: %w", err)
	}
	processing, err := m.broker.Processing(ctx, queueName)
	if err != nil {
		return models.QueueHealthSnapshot{}, fmt.Errorf("processing depth: %w", err)
	}
	consumers, err := m.broker.ConsumerCount(ctx, queueName, now, consumerWindow)
	if err != nil {
		return models.QueueHealthSnapshot{}, fmt.Errorf("consumer count: %w", err)
	}
	completed, failed, err := m.store.QueueStatusCounts(ctx, queueName)
	if err != nil {
		return models.QueueHealthSnapshot{}, err
	}
	avgProcessing, avgWait, err := m.store.QueueTimings(ctx, queueName, now.Add(-time.Hour))
	if err != nil {
		return models.QueueHealthSnapshot{}, err
	}
	recent, err := m.store.CompletedSince(ctx, queueName, now.Add(-m.interval))
	if err != nil {
		return models.QueueHealthSnapshot{}, err
	}

	snap := models.QueueHealthSnapshot{
		Queue:            queueName,
		Waiting:          waiting,
		Processing:       processing,
		Completed:        completed,
		Failed:           failed,
		Consumers:        consumers,
		AvgProcessingMS:  avgProcessing,
		AvgWaitMS:        avgWait,
		ThroughputPerMin: float64(recent) / m.interval.Minutes(),
		SampledAt:        now,
	}
	snap.Healthy, snap.Issues = Classify(snap)
	return snap, nil
}

// Classify evaluates every health heuristic; a queue is healthy iff none
// triggers.
func Classify(s models.QueueHealthSnapshot) (bool, []string) {
	var issues []string
	if float64(s.Failed) > float64(s.Completed)*0.1 {
		issues = append(issues, "High failure rate")
	}
	if s.Waiting > 1000 {
		issues = append(issues, "High message backlog")
	}
	if s.Consumers == 0 && s.Waiting > 0 {
		issues = append(issues, "No active consumers")
	}
	return len(issues) == 0, issues
}

// LatestHealth returns the most recent snapshot for one queue.
func (m *Monitor) LatestHealth(ctx context.Context, queueName string) (models.QueueHealthSnapshot, error) {
	return m.store.LatestSnapshot(ctx, queueName)
}

// AllQueuesHealth returns every queue's most recent snapshot.
func (m *Monitor) AllQueuesHealth(ctx context.Context) ([]models.QueueHealthSnapshot, error) {
	return m.store.LatestSnapshots(ctx)
}

// Trend returns ordered snapshots for a queue over the trailing hours.
func (m *Monitor) Trend(ctx context.Context, queueName string, hours int) ([]models.QueueHealthSnapshot, error) {
	if hours <= 0 {
		hours = 24
	}
	return m.store.SnapshotTrend(ctx, queueName, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
}

// PerformanceTrend returns hourly-bucketed aggregates with a healthy
// percentage per bucket.
func (m *Monitor) PerformanceTrend(ctx context.Context, queueName string, hours int) ([]store.HourlyPerformance, error) {
	if hours <= 0 {
		hours = 24
	}
	return m.store.PerformanceTrend(ctx, queueName, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
}

// UnhealthyQueues returns the queues whose latest snapshot is unhealthy.
func (m *Monitor) UnhealthyQueues(ctx context.Context) ([]models.QueueHealthSnapshot, error) {
	latest, err := m.store.LatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.QueueHealthSnapshot
	for _, snap := range latest {
		if !snap.Healthy {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Overview is the operator-facing health rollup.
type Overview struct {
	Overall  string                       `json:"overall"`
	PerQueue []models.QueueHealthSnapshot `json:"perQueue"`
}

// Overall rolls per-queue health into one of healthy, degraded or unhealthy.
func (m *Monitor) Overall(ctx context.Context) (Overview, error) {
	latest, err := m.store.LatestSnapshots(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Overview{}, err
	}
	unhealthy := 0
	for _, snap := range latest {
		if !snap.Healthy {
			unhealthy++
		}
	}
	overall := "healthy"
	switch {
	case len(latest) == 0 || unhealthy == 0:
	case unhealthy*2 < len(latest):
		overall = "degraded"
	default:
		overall = "unhealthy"
	}
	return Overview{Overall: overall, PerQueue: latest}, nil
}
