package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
)

// Store is the persistence surface the coordinator drives. The pgx store
// implements it; tests substitute storetest.Store.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListChildren(ctx context.Context, parentID string) ([]models.Job, error)
	SetTotalItems(ctx context.Context, id string, total int) error
	AddSyncedItems(ctx context.Context, id string, delta int) (synced, total, progress int, applied bool, err error)
	MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, ev models.AuditEvent) error
}

// Coordinator decomposes parent jobs into fixed-size batch children and folds
// child state back into parent progress. The fold is driven by item counts,
// not batch completion: batch sizes can be uneven and pollers want item-level
// ETAs.
type Coordinator struct {
	store     Store
	broker    *queue.Broker
	manager   *jobs.Manager
	batchSize int
}

// NewCoordinator wires the decomposition/aggregation coordinator.
func NewCoordinator(st Store, b *queue.Broker, m *jobs.Manager, batchSize int) *Coordinator {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Coordinator{store: st, broker: b, manager: m, batchSize: batchSize}
}

// Decompose partitions the resolved candidate ids into child jobs under the
// parent and publishes them. A zero-item scope completes the parent
// immediately with no children. Returns the number of children created.
func (c *Coordinator) Decompose(ctx context.Context, parent models.Job, ids []string) (int, error) {
	if len(ids) == 0 {
		result, _ := json.Marshal(map[string]int{"totalItems": 0, "batches": 0})
		c.manager.MarkCompleted(ctx, parent.ID, result)
		return 0, nil
	}

	if err := c.store.SetTotalItems(ctx, parent.ID, len(ids)); err != nil {
		return 0, fmt.Errorf("set total items: %w", err)
	}

	size := c.batchSize
	if override := batchSizeOverride(parent); override > 0 {
		size = override
	}
	batches := Partition(ids, size)
	childIDs := make([]string, 0, len(batches))

	for i, slice := range batches {
		payload, err := childPayload(parent, slice, i+1, len(batches))
		if err != nil {
			return 0, err
		}
		child := models.Job{
			ID:          uuid.New().String(),
			Type:        parent.Type.BatchVariant(),
			TenantID:    parent.TenantID,
			UserID:      parent.UserID,
			Queue:       parent.Queue,
			RoutingKey:  parent.RoutingKey,
			Payload:     payload,
			Status:      models.StatusQueued,
			ParentJobID: &parent.ID,
			TotalItems:  len(slice),
			MaxAttempts: parent.MaxAttempts,
			Priority:    parent.Priority,
			CreatedAt:   time.Now().UTC(),
		}
		if _, err := c.store.CreateJob(ctx, child); err != nil {
			return 0, fmt.Errorf("create batch %d: %w", i+1, err)
		}
		if err := c.store.AppendEvent(ctx, models.AuditEvent{
			JobID:      child.ID,
			TenantID:   child.TenantID,
			Kind:       models.EventCreated,
			NewStatus:  strPtr(models.StatusQueued),
			OccurredAt: child.CreatedAt,
		}); err != nil {
			log.Printf("append created event for batch %s: %v", child.ID, err)
		}
		if err := c.broker.Publish(ctx, child.Queue, child.RoutingKey, child.ID); err != nil {
			return 0, fmt.Errorf("publish batch %d: %w", i+1, err)
		}
		childIDs = append(childIDs, child.ID)
	}

	if err := c.store.AppendEvent(ctx, models.AuditEvent{
		JobID:    parent.ID,
		TenantID: parent.TenantID,
		Kind:     models.EventBatchInitiated,
		Metadata: map[string]string{
			"child_job_ids": strings.Join(childIDs, ","),
			"total_batches": strconv.Itoa(len(batches)),
			"total_items":   strconv.Itoa(len(ids)),
		},
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("append batch_initiated event for %s: %v", parent.ID, err)
	}
	return len(batches), nil
}

// ReportItems records that a child finished delta more of its items. Both the
// child's and the parent's counters move through single atomic UPDATEs, so
// children on separate workers never lose increments.
func (c *Coordinator) ReportItems(ctx context.Context, child models.Job, delta int) {
	if delta <= 0 {
		return
	}
	if _, _, _, _, err := c.store.AddSyncedItems(ctx, child.ID, delta); err != nil {
		log.Printf("report items on child %s: %v", child.ID, err)
	}
	if child.ParentJobID == nil {
		return
	}
	if _, _, _, _, err := c.store.AddSyncedItems(ctx, *child.ParentJobID, delta); err != nil {
		log.Printf("report items on parent %s: %v", *child.ParentJobID, err)
	}
}

// ChildFinished folds a child's terminal state into the parent. The parent
// completes only when every child is terminal; a failed child fails the
// parent with a summary of which batches failed, but completed batches' work
// is preserved. Children finish in any order; the terminal check is
// idempotent because the parent transition is a conditional update.
func (c *Coordinator) ChildFinished(ctx context.Context, childID string) error {
	child, err := c.store.GetJob(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentJobID == nil || !models.IsTerminal(child.Status) {
		return nil
	}
	parent, err := c.store.GetJob(ctx, *child.ParentJobID)
	if err != nil {
		return err
	}
	if models.IsTerminal(parent.Status) {
		return nil
	}

	children, err := c.store.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}

	var failed, cancelled []models.Job
	for _, ch := range children {
		switch ch.Status {
		case models.StatusFailed:
			failed = append(failed, ch)
		case models.StatusCancelled:
			cancelled = append(cancelled, ch)
		case models.StatusCompleted:
		default:
			// A child is still pending; surface current derived progress and
			// wait for the next terminal child. Re-read the parent so the
			// evented value includes increments applied since the first read.
			fresh, err := c.store.GetJob(ctx, parent.ID)
			if err != nil {
				return err
			}
			progress := fresh.Progress
			if err := c.store.AppendEvent(ctx, models.AuditEvent{
				JobID:      parent.ID,
				TenantID:   parent.TenantID,
				Kind:       models.EventProgress,
				Progress:   &progress,
				OccurredAt: time.Now().UTC(),
			}); err != nil {
				log.Printf("append progress event for %s: %v", parent.ID, err)
			}
			return nil
		}
	}

	switch {
	case len(failed) > 0:
		c.manager.MarkFailed(ctx, parent.ID, failureSummary(parent, failed), true)
	case len(cancelled) > 0:
		if _, err := c.store.MarkCancelled(ctx, parent.ID, time.Now().UTC()); err != nil {
			return err
		}
	default:
		result, _ := json.Marshal(map[string]int{
			"totalItems":  parent.TotalItems,
			"syncedItems": parent.SyncedItems,
			"batches":     len(children),
		})
		c.manager.MarkCompleted(ctx, parent.ID, result)
	}
	return nil
}

// failureSummary names the failed batches and preserves partial progress in
// the parent's error string.
func failureSummary(parent models.Job, failed []models.Job) string {
	nums := make([]string, 0, len(failed))
	var firstErr string
	for _, ch := range failed {
		nums = append(nums, strconv.Itoa(batchNumber(ch)))
		if firstErr == "" && ch.LastError != nil {
			firstErr = *ch.LastError
		}
	}
	msg := fmt.Sprintf("batches %s failed; %d of %d items synced", strings.Join(nums, ","), parent.SyncedItems, parent.TotalItems)
	if firstErr != "" {
		msg += "; last error: " + firstErr
	}
	return msg
}

func batchNumber(child models.Job) int {
	decoded, err := models.DecodePayload(child.Type, child.Payload)
	if err != nil {
		return 0
	}
	switch p := decoded.(type) {
	case models.SyncBatchPayload:
		return p.BatchNumber
	case models.ScanBatchPayload:
		return p.BatchNumber
	}
	return 0
}

func batchSizeOverride(parent models.Job) int {
	decoded, err := models.DecodePayload(parent.Type, parent.Payload)
	if err != nil {
		return 0
	}
	switch p := decoded.(type) {
	case models.SyncParentPayload:
		return p.BatchSize
	case models.ScanParentPayload:
		return p.BatchSize
	}
	return 0
}

func childPayload(parent models.Job, slice []string, number, total int) (json.RawMessage, error) {
	decoded, err := models.DecodePayload(parent.Type, parent.Payload)
	if err != nil {
		return nil, err
	}
	var child any
	switch p := decoded.(type) {
	case models.SyncParentPayload:
		child = models.SyncBatchPayload{
			ConnectionID:  p.ConnectionID,
			MarketplaceID: p.MarketplaceID,
			ProductIDs:    slice,
			BatchNumber:   number,
			TotalBatches:  total,
		}
	case models.ScanParentPayload:
		child = models.ScanBatchPayload{
			ConnectionID:   p.ConnectionID,
			ProductIDs:     slice,
			PromptTemplate: p.PromptTemplate,
			BatchNumber:    number,
			TotalBatches:   total,
		}
	default:
		return nil, fmt.Errorf("job type %s does not decompose", parent.Type)
	}
	raw, err := json.Marshal(child)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return raw, nil
}

func strPtr(s string) *string { return &s }
