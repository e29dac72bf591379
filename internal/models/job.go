package models

import (
	"encoding/json"
	"time"
)

// Job statuses persisted in Postgres. completed, failed and cancelled are
// terminal: a job in one of them never transitions again.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobType enumerates the schedulable work kinds.
type JobType string

const (
	TypeSyncParent   JobType = "SYNC_PARENT"
	TypeSyncBatch    JobType = "SYNC_BATCH"
	TypeScanParent   JobType = "SCAN_PARENT"
	TypeScanBatch    JobType = "SCAN_BATCH"
	TypeSingleUpdate JobType = "SINGLE_UPDATE"
)

// Family groups parent/batch variants for scope-conflict checks: two sync
// requests for the same connection collide, a sync and a scan do not.
func (t JobType) Family() string {
	switch t {
	case TypeSyncParent, TypeSyncBatch:
		return "sync"
	case TypeScanParent, TypeScanBatch:
		return "scan"
	case TypeSingleUpdate:
		return "update"
	}
	return string(t)
}

// IsParent reports whether the type decomposes into batch children.
func (t JobType) IsParent() bool {
	return t == TypeSyncParent || t == TypeScanParent
}

// BatchVariant returns the child type for a parent type.
func (t JobType) BatchVariant() JobType {
	switch t {
	case TypeSyncParent:
		return TypeSyncBatch
	case TypeScanParent:
		return TypeScanBatch
	}
	return t
}

// Job is one schedulable unit of work persisted in Postgres.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"jobType"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId,omitempty"`
	Queue       string          `json:"queue"`
	RoutingKey  string          `json:"routingKey"`
	ScopeKey    *string         `json:"-"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	ParentJobID *string         `json:"parentJobId,omitempty"`
	TotalItems  int             `json:"totalItems"`
	SyncedItems int             `json:"syncedItems"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Priority    int             `json:"priority"`
	LastError   *string         `json:"lastError,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// QueueWaitTime is the time the job spent queued before pickup, zero until
// the job has started.
func (j Job) QueueWaitTime() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return j.StartedAt.Sub(j.CreatedAt)
}

// ProcessingTime is the time between pickup and the terminal transition,
// zero while either endpoint is unset.
func (j Job) ProcessingTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
