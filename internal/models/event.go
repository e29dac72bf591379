package models

import "time"

// Audit event kinds, one per lifecycle transition.
const (
	EventCreated        = "created"
	EventStarted        = "started"
	EventProgress       = "progress"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventRetry          = "retry"
	EventCancelled      = "cancelled"
	EventBatchInitiated = "batch_initiated"
)

// AuditEvent is one immutable fact about a job's history. Rows are appended
// once per transition and never updated; they expire on a shorter retention
// window than the job itself.
type AuditEvent struct {
	ID         int64             `json:"id"`
	JobID      string            `json:"jobId"`
	TenantID   string            `json:"tenantId"`
	Kind       string            `json:"kind"`
	EntityID   *string           `json:"entityId,omitempty"`
	Progress   *int              `json:"progress,omitempty"`
	Attempt    *int              `json:"attempt,omitempty"`
	Error      *string           `json:"error,omitempty"`
	PrevStatus *string           `json:"prevStatus,omitempty"`
	NewStatus  *string           `json:"newStatus,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
