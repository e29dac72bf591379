// Package storetest provides an in-memory stand-in for the Postgres store.
// It mirrors the conditional-update semantics of the SQL layer (terminal rows
// refuse transitions, scope uniqueness applies to active rows only) so
// lifecycle and coordination logic can be tested without a database.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/store"
)

// Store holds jobs and audit events in memory behind a mutex.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	events []models.AuditEvent
	nextID int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[string]models.Job)}
}

func (s *Store) CreateJob(_ context.Context, job models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ScopeKey != nil {
		for _, j := range s.jobs {
			if j.TenantID == job.TenantID && j.ScopeKey != nil && *j.ScopeKey == *job.ScopeKey && !models.IsTerminal(j.Status) {
				return false, nil
			}
		}
	}
	s.jobs[job.ID] = job
	return true, nil
}

func (s *Store) ActiveJobForScope(_ context.Context, tenantID, scopeKey string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.ScopeKey != nil && *j.ScopeKey == scopeKey && !models.IsTerminal(j.Status) {
			return j, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (s *Store) GetJobForTenant(_ context.Context, id, tenantID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.ParentJobID != nil && *j.ParentJobID == parentID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *Store) MarkStarted(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusQueued {
		return false, nil
	}
	t := at
	j.Status = models.StatusProcessing
	j.StartedAt = &t
	s.jobs[id] = j
	return true, nil
}

func (s *Store) SetProgress(_ context.Context, id string, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return false, nil
	}
	j.Progress = progress
	s.jobs[id] = j
	return true, nil
}

func (s *Store) MarkCompleted(_ context.Context, id string, result json.RawMessage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return false, nil
	}
	t := at
	j.Status = models.StatusCompleted
	j.Progress = 100
	j.Result = result
	j.CompletedAt = &t
	j.LastError = nil
	s.jobs[id] = j
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id, lastError string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return false, nil
	}
	t := at
	j.Status = models.StatusFailed
	j.LastError = &lastError
	j.CompletedAt = &t
	s.jobs[id] = j
	return true, nil
}

func (s *Store) RequeueForRetry(_ context.Context, id string, attempts int, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false, nil
	}
	j.Status = models.StatusQueued
	j.Attempts = attempts
	j.LastError = &lastError
	j.StartedAt = nil
	s.jobs[id] = j
	return true, nil
}

func (s *Store) RequeueLost(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false, nil
	}
	j.Status = models.StatusQueued
	j.StartedAt = nil
	s.jobs[id] = j
	return true, nil
}

func (s *Store) MarkCancelled(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return false, nil
	}
	t := at
	j.Status = models.StatusCancelled
	j.CompletedAt = &t
	s.jobs[id] = j
	return true, nil
}

func (s *Store) SetTotalItems(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.TotalItems = total
	s.jobs[id] = j
	return nil
}

func (s *Store) AddSyncedItems(_ context.Context, id string, delta int) (synced, total, progress int, applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return 0, 0, 0, false, nil
	}
	j.SyncedItems += delta
	if j.TotalItems > 0 {
		p := j.SyncedItems * 100 / j.TotalItems
		if p > 100 {
			p = 100
		}
		j.Progress = p
	}
	s.jobs[id] = j
	return j.SyncedItems, j.TotalItems, j.Progress, true, nil
}

func (s *Store) AppendEvent(_ context.Context, ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return nil
}

func (s *Store) Timeline(_ context.Context, jobID string) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].OccurredAt.Equal(out[b].OccurredAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].OccurredAt.Before(out[b].OccurredAt)
	})
	return out, nil
}
