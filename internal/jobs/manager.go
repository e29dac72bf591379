package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/telemetry"
)

// Store is the persistence surface the lifecycle manager drives. The pgx
// store implements it; tests substitute storetest.Store.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (bool, error)
	ActiveJobForScope(ctx context.Context, tenantID, scopeKey string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobForTenant(ctx context.Context, id, tenantID string) (models.Job, error)
	ListChildren(ctx context.Context, parentID string) ([]models.Job, error)
	MarkStarted(ctx context.Context, id string, at time.Time) (bool, error)
	SetProgress(ctx context.Context, id string, progress int) (bool, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error)
	RequeueForRetry(ctx context.Context, id string, attempts int, lastError string) (bool, error)
	MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, ev models.AuditEvent) error
	Timeline(ctx context.Context, jobID string) ([]models.AuditEvent, error)
}

// Manager owns job creation, state transitions and progress. All transitions
// go through conditional updates in the store, so a redelivered message that
// hits an already-terminal job logs and no-ops instead of double-applying.
type Manager struct {
	store            Store
	broker           *queue.Broker
	progressMinDelta int
	onChildTerminal  func(ctx context.Context, childID string) error
}

// NewManager wires the lifecycle manager. progressMinDelta bounds progress
// event volume: changes smaller than the delta are persisted but not evented.
func NewManager(st Store, b *queue.Broker, progressMinDelta int) *Manager {
	if progressMinDelta <= 0 {
		progressMinDelta = 5
	}
	return &Manager{store: st, broker: b, progressMinDelta: progressMinDelta}
}

// OnChildTerminal registers the fold to run when a batch child reaches a
// terminal state outside the worker path, such as direct cancellation.
// Without it a parent whose last pending child is cancelled through the API
// would never leave processing.
func (m *Manager) OnChildTerminal(fn func(ctx context.Context, childID string) error) {
	m.onChildTerminal = fn
}

// SubmitRequest collects the inputs for a new top-level job. ScopeRef names
// the tenant-specific target (connection or marketplace) used for the
// one-active-job-per-scope guard.
type SubmitRequest struct {
	Type        models.JobType
	TenantID    string
	UserID      string
	ScopeRef    string
	Payload     any
	Priority    int
	MaxAttempts int
}

// Submit persists a queued job and publishes it to the broker. It fails with
// a ConflictError when a non-terminal job already holds the scope; the unique
// index makes this safe against concurrent submissions.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	scopeKey := fmt.Sprintf("%s|%s", req.ScopeRef, req.Type.Family())
	job := models.Job{
		ID:          uuid.New().String(),
		Type:        req.Type,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Queue:       QueueForType(req.Type),
		RoutingKey:  RoutingKeyForPriority(req.Priority),
		ScopeKey:    &scopeKey,
		Payload:     payload,
		Status:      models.StatusQueued,
		MaxAttempts: req.MaxAttempts,
		Priority:    req.Priority,
		CreatedAt:   time.Now().UTC(),
	}

	created, err := m.store.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}
	if !created {
		existing, err := m.store.ActiveJobForScope(ctx, req.TenantID, scopeKey)
		if err != nil {
			// The holder finished between our insert and this read; surface a
			// retryable conflict with what we know.
			return models.Job{}, &ConflictError{}
		}
		return models.Job{}, &ConflictError{ExistingJobID: existing.ID, Status: existing.Status}
	}

	m.appendEvent(ctx, models.AuditEvent{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Kind:       models.EventCreated,
		NewStatus:  strPtr(models.StatusQueued),
		OccurredAt: job.CreatedAt,
	})

	if err := m.broker.Publish(ctx, job.Queue, job.RoutingKey, job.ID); err != nil {
		msg := err.Error()
		_, _ = m.store.MarkFailed(ctx, job.ID, "publish: "+msg, time.Now().UTC())
		return models.Job{}, fmt.Errorf("publish job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	return job, nil
}

// MarkStarted transitions queued -> processing and records queue wait time.
// A missing or already-terminal job is a recoverable inconsistency under
// at-least-once delivery: logged, never surfaced.
func (m *Manager) MarkStarted(ctx context.Context, jobID string) {
	now := time.Now().UTC()
	applied, err := m.store.MarkStarted(ctx, jobID, now)
	if err != nil {
		log.Printf("mark started %s: %v", jobID, err)
		return
	}
	if !applied {
		log.Printf("mark started %s: job missing or not queued, ignoring", jobID)
		return
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	m.appendEvent(ctx, models.AuditEvent{
		JobID:      jobID,
		TenantID:   job.TenantID,
		Kind:       models.EventStarted,
		PrevStatus: strPtr(models.StatusQueued),
		NewStatus:  strPtr(models.StatusProcessing),
		Metadata:   map[string]string{"queue_wait_ms": fmt.Sprintf("%d", job.QueueWaitTime().Milliseconds())},
		OccurredAt: now,
	})
}

// UpdateProgress writes a leaf job's progress. Values are clamped to [0,100];
// a decrease is a ProgressRegression warning and the value is ignored. A
// progress event is emitted only when the value moved by at least the
// configured delta, or reached 100.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("update progress %s: %v", jobID, err)
		return
	}
	if models.IsTerminal(job.Status) {
		log.Printf("update progress %s: job already %s, ignoring", jobID, job.Status)
		return
	}
	if progress < job.Progress {
		log.Printf("ProgressRegression on %s: %d -> %d ignored", jobID, job.Progress, progress)
		return
	}
	if progress == job.Progress {
		return
	}
	if _, err := m.store.SetProgress(ctx, jobID, progress); err != nil {
		log.Printf("set progress %s: %v", jobID, err)
		return
	}
	if progress-job.Progress >= m.progressMinDelta || progress == 100 {
		m.appendEvent(ctx, models.AuditEvent{
			JobID:      jobID,
			TenantID:   job.TenantID,
			Kind:       models.EventProgress,
			Progress:   &progress,
			OccurredAt: time.Now().UTC(),
		})
	}
}

// MarkCompleted transitions a job to completed with progress 100.
func (m *Manager) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) {
	now := time.Now().UTC()
	applied, err := m.store.MarkCompleted(ctx, jobID, result, now)
	if err != nil {
		log.Printf("mark completed %s: %v", jobID, err)
		return
	}
	if !applied {
		log.Printf("mark completed %s: job missing or terminal, ignoring", jobID)
		return
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	hundred := 100
	m.appendEvent(ctx, models.AuditEvent{
		JobID:      jobID,
		TenantID:   job.TenantID,
		Kind:       models.EventCompleted,
		Progress:   &hundred,
		NewStatus:  strPtr(models.StatusCompleted),
		Metadata:   map[string]string{"processing_ms": fmt.Sprintf("%d", job.ProcessingTime().Milliseconds())},
		OccurredAt: now,
	})
	telemetry.JobsCompleted.Inc()
}

// MarkFailed records a failure. Transient failures below the attempt budget
// requeue the job with a retry event; exhausted or fatal failures move it to
// failed with the error preserved.
func (m *Manager) MarkFailed(ctx context.Context, jobID, errMsg string, fatal bool) {
	now := time.Now().UTC()
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("mark failed %s: %v", jobID, err)
		return
	}
	if models.IsTerminal(job.Status) {
		log.Printf("mark failed %s: job already %s, ignoring", jobID, job.Status)
		return
	}

	attempts := job.Attempts + 1
	if !fatal && attempts < job.MaxAttempts {
		applied, err := m.store.RequeueForRetry(ctx, jobID, attempts, errMsg)
		if err != nil || !applied {
			log.Printf("requeue %s: applied=%v err=%v", jobID, applied, err)
			return
		}
		m.appendEvent(ctx, models.AuditEvent{
			JobID:      jobID,
			TenantID:   job.TenantID,
			Kind:       models.EventRetry,
			Attempt:    &attempts,
			Error:      &errMsg,
			PrevStatus: strPtr(models.StatusProcessing),
			NewStatus:  strPtr(models.StatusQueued),
			OccurredAt: now,
		})
		if err := m.broker.Publish(ctx, job.Queue, job.RoutingKey, jobID); err != nil {
			log.Printf("republish %s: %v", jobID, err)
		}
		telemetry.JobsRetried.Inc()
		return
	}

	applied, err := m.store.MarkFailed(ctx, jobID, errMsg, now)
	if err != nil || !applied {
		log.Printf("mark failed %s: applied=%v err=%v", jobID, applied, err)
		return
	}
	meta := map[string]string(nil)
	if fatal {
		meta = map[string]string{"non_retryable": "true"}
	}
	m.appendEvent(ctx, models.AuditEvent{
		JobID:      jobID,
		TenantID:   job.TenantID,
		Kind:       models.EventFailed,
		Attempt:    &attempts,
		Error:      &errMsg,
		PrevStatus: strPtr(job.Status),
		NewStatus:  strPtr(models.StatusFailed),
		Metadata:   meta,
		OccurredAt: now,
	})
	telemetry.JobsFailed.Inc()
}

// Cancel transitions a non-terminal job to cancelled, removes it from the
// ready queue and raises the cancellation flag. For a parent it best-effort
// cancels the children too; workers notice the flag at item boundaries.
// Cancelling an already-terminal job is an idempotent no-op.
func (m *Manager) Cancel(ctx context.Context, jobID, tenantID string) error {
	job, err := m.store.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		return nil
	}
	m.cancelOne(ctx, job)

	if job.ParentJobID != nil && m.onChildTerminal != nil {
		if err := m.onChildTerminal(ctx, job.ID); err != nil {
			log.Printf("fold cancelled child %s into parent: %v", job.ID, err)
		}
	}

	if job.Type.IsParent() {
		children, err := m.store.ListChildren(ctx, jobID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if models.IsTerminal(child.Status) {
				continue
			}
			m.cancelOne(ctx, child)
		}
	}
	return nil
}

func (m *Manager) cancelOne(ctx context.Context, job models.Job) {
	now := time.Now().UTC()
	applied, err := m.store.MarkCancelled(ctx, job.ID, now)
	if err != nil {
		log.Printf("cancel %s: %v", job.ID, err)
		return
	}
	if !applied {
		return
	}
	m.appendEvent(ctx, models.AuditEvent{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Kind:       models.EventCancelled,
		PrevStatus: strPtr(job.Status),
		NewStatus:  strPtr(models.StatusCancelled),
		OccurredAt: now,
	})
	if err := m.broker.RemoveFromReady(ctx, job.Queue, job.ID); err != nil {
		log.Printf("remove %s from ready: %v", job.ID, err)
	}
	if err := m.broker.SignalCancel(ctx, job.ID); err != nil {
		log.Printf("signal cancel %s: %v", job.ID, err)
	}
	telemetry.JobsCancelled.Inc()
}

// Timeline returns a job's event history for its owning tenant.
func (m *Manager) Timeline(ctx context.Context, jobID, tenantID string) ([]models.AuditEvent, error) {
	if _, err := m.store.GetJobForTenant(ctx, jobID, tenantID); err != nil {
		return nil, err
	}
	return m.store.Timeline(ctx, jobID)
}

func (m *Manager) appendEvent(ctx context.Context, ev models.AuditEvent) {
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("append %s event for %s: %v", ev.Kind, ev.JobID, err)
	}
}

// QueueForType maps job types onto broker queues.
func QueueForType(t models.JobType) string {
	if t.Family() == "scan" {
		return "scan"
	}
	return "sync"
}

// RoutingKeyForPriority partitions a queue by priority; lower means more
// urgent.
func RoutingKeyForPriority(priority int) string {
	switch {
	case priority < 0:
		return "high"
	case priority > 0:
		return "low"
	}
	return "default"
}

func strPtr(s string) *string { return &s }
