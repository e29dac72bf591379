package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/connectors"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
)

// How many items a sync batch processes between cancellation checks and
// progress writes.
const syncStride = 10

// SyncHandler runs marketplace catalog synchronization: the parent resolves
// its scope and decomposes, batches fetch and apply their slice item by item.
type SyncHandler struct {
	market  connectors.Marketplace
	batches *batch.Coordinator
	manager *jobs.Manager
	broker  *queue.Broker
}

// NewSyncHandler wires the sync job family.
func NewSyncHandler(market connectors.Marketplace, c *batch.Coordinator, m *jobs.Manager, b *queue.Broker) *SyncHandler {
	return &SyncHandler{market: market, batches: c, manager: m, broker: b}
}

// HandleParent resolves the candidate id list for the scope and decomposes it
// into batch children. The parent stays processing until the children finish;
// a zero-item scope completes it immediately inside Decompose.
func (h *SyncHandler) HandleParent(ctx context.Context, job models.Job) (Result, error) {
	decoded, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, connectors.Fatal(err)
	}
	p := decoded.(models.SyncParentPayload)
	if p.Filter.ExcludesAll() {
		return Result{}, connectors.Fatal(fmt.Errorf("filter excludes all products"))
	}

	ids, err := h.market.ListProductIDs(ctx, p.ConnectionID, p.Filter)
	if err != nil {
		return Result{}, fmt.Errorf("resolve scope: %w", err)
	}
	if _, err := h.batches.Decompose(ctx, job, ids); err != nil {
		return Result{}, fmt.Errorf("decompose: %w", err)
	}
	return Result{}, nil
}

// HandleBatch applies this batch's slice of items. Items are processed in
// order and counted one by one; a retried attempt resumes past the items the
// previous attempt already synced, so parent counters never double-count. The
// first collaborator error ends the attempt and is surfaced for the
// manager's retry accounting.
func (h *SyncHandler) HandleBatch(ctx context.Context, job models.Job) (Result, error) {
	decoded, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, connectors.Fatal(err)
	}
	p := decoded.(models.SyncBatchPayload)

	start := job.SyncedItems
	if start >= len(p.ProductIDs) {
		return batchResult(len(p.ProductIDs))
	}

	items, err := h.market.FetchItems(ctx, p.ConnectionID, p.ProductIDs[start:])
	if err != nil {
		return Result{}, fmt.Errorf("fetch batch %d: %w", p.BatchNumber, err)
	}

	for i, item := range items {
		if i%syncStride == 0 && h.cancelled(ctx, job) {
			return Result{}, nil
		}
		if err := h.market.ApplyUpdate(ctx, p.ConnectionID, item); err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", item.ID, err)
		}
		h.batches.ReportItems(ctx, job, 1)

		done := start + i + 1
		if done%syncStride == 0 || done == len(p.ProductIDs) {
			h.manager.UpdateProgress(ctx, job.ID, done*100/len(p.ProductIDs))
		}
	}
	return batchResult(len(p.ProductIDs))
}

// HandleSingle applies one direct field update outside any batch hierarchy.
func (h *SyncHandler) HandleSingle(ctx context.Context, job models.Job) (Result, error) {
	decoded, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, connectors.Fatal(err)
	}
	p := decoded.(models.SingleUpdatePayload)

	item := connectors.Item{ID: p.ProductID, Fields: p.Fields}
	if err := h.market.ApplyUpdate(ctx, p.ConnectionID, item); err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", p.ProductID, err)
	}
	out, _ := json.Marshal(map[string]string{"productId": p.ProductID})
	return Result{Completed: true, Output: out}, nil
}

// cancelled checks the job's own flag and, for children, the parent's.
func (h *SyncHandler) cancelled(ctx context.Context, job models.Job) bool {
	if h.broker.IsCancelled(ctx, job.ID) {
		return true
	}
	return job.ParentJobID != nil && h.broker.IsCancelled(ctx, *job.ParentJobID)
}

func batchResult(items int) (Result, error) {
	out, err := json.Marshal(map[string]int{"items": items})
	if err != nil {
		return Result{}, err
	}
	return Result{Completed: true, Output: out}, nil
}
