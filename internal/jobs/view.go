package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/models"
)

// ProgressView is the item-level progress block returned to pollers.
type ProgressView struct {
	Current     int `json:"current"`
	Total       int `json:"total"`
	Percentage  int `json:"percentage"`
	TotalItems  int `json:"totalItems,omitempty"`
	SyncedItems int `json:"syncedItems,omitempty"`
}

// ChildView summarizes one batch child under a parent.
type ChildView struct {
	JobID    string         `json:"jobId"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	JobType  models.JobType `json:"jobType"`
}

// StatusView is the status-query response shape. Clients poll this on an
// interval; there is no push channel.
type StatusView struct {
	JobID       string          `json:"jobId"`
	JobType     models.JobType  `json:"jobType"`
	Status      string          `json:"status"`
	Progress    ProgressView    `json:"progress"`
	ETA         string          `json:"eta"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	ChildJobs   []ChildView     `json:"childJobs,omitempty"`
}

// GetStatus assembles the status view for a job, enforcing tenant isolation
// on the read.
func (m *Manager) GetStatus(ctx context.Context, jobID, tenantID string) (StatusView, error) {
	job, err := m.store.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		JobID:   job.ID,
		JobType: job.Type,
		Status:  job.Status,
		Progress: ProgressView{
			Current:     job.SyncedItems,
			Total:       job.TotalItems,
			Percentage:  job.Progress,
			TotalItems:  job.TotalItems,
			SyncedItems: job.SyncedItems,
		},
		ETA:         estimateETA(job, time.Now()),
		Result:      job.Result,
		Error:       job.LastError,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	if job.Type.IsParent() {
		children, err := m.store.ListChildren(ctx, jobID)
		if err != nil {
			return StatusView{}, err
		}
		for _, child := range children {
			view.ChildJobs = append(view.ChildJobs, ChildView{
				JobID:    child.ID,
				Status:   child.Status,
				Progress: child.Progress,
				JobType:  child.Type,
			})
		}
	}
	return view, nil
}

// estimateETA extrapolates remaining time from elapsed time and progress.
// Until the job is running with measurable progress there is nothing to
// extrapolate from.
func estimateETA(job models.Job, now time.Time) string {
	if models.IsTerminal(job.Status) {
		return ""
	}
	if job.StartedAt == nil || job.Progress <= 0 {
		return "Calculating..."
	}
	elapsed := now.Sub(*job.StartedAt)
	if elapsed <= 0 {
		return "Calculating..."
	}
	remaining := time.Duration(float64(elapsed) * float64(100-job.Progress) / float64(job.Progress))
	return remaining.Round(time.Second).String()
}
