package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/connectors"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
)

const defaultPrompt = "Optimize the listing copy for product {id}"

// ScanHandler runs AI content-optimization scans. Each scanned item writes a
// per-entity completed event to the ledger; the cooldown gate counts those
// events on later submissions.
type ScanHandler struct {
	generator     connectors.TextGenerator
	market        connectors.Marketplace
	batches       *batch.Coordinator
	manager       *jobs.Manager
	broker        *queue.Broker
	store         Store
	minConfidence float64
}

// NewScanHandler wires the scan job family.
func NewScanHandler(gen connectors.TextGenerator, market connectors.Marketplace, c *batch.Coordinator, m *jobs.Manager, b *queue.Broker, st Store, minConfidence float64) *ScanHandler {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &ScanHandler{
		generator:     gen,
		market:        market,
		batches:       c,
		manager:       m,
		broker:        b,
		store:         st,
		minConfidence: minConfidence,
	}
}

// HandleParent decomposes the cooldown-gated candidate list. The list was
// resolved before submission, so there is no scope resolution here.
func (h *ScanHandler) HandleParent(ctx context.Context, job models.Job) (Result, error) {
	decoded, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, connectors.Fatal(err)
	}
	p := decoded.(models.ScanParentPayload)
	if _, err := h.batches.Decompose(ctx, job, p.ProductIDs); err != nil {
		return Result{}, fmt.Errorf("decompose: %w", err)
	}
	return Result{}, nil
}

// HandleBatch generates optimized copy for each product in the slice and
// writes it back. Generation is the expensive call, so cancellation is
// checked at every item boundary. Low-confidence output fails the attempt the
// same way a transient collaborator error does.
func (h *ScanHandler) HandleBatch(ctx context.Context, job models.Job) (Result, error) {
	decoded, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, connectors.Fatal(err)
	}
	p := decoded.(models.ScanBatchPayload)

	template := p.PromptTemplate
	if template == "" {
		template = defaultPrompt
	}

	start := job.SyncedItems
	for i, id := range p.ProductIDs[start:] {
		if h.cancelled(ctx, job) {
			return Result{}, nil
		}

		prompt := strings.ReplaceAll(template, "{id}", id)
		text, confidence, err := h.generator.Generate(ctx, prompt)
		if err != nil {
			return Result{}, fmt.Errorf("generate for %s: %w", id, err)
		}
		if confidence < h.minConfidence {
			return Result{}, fmt.Errorf("low-confidence output (%.2f) for %s", confidence, id)
		}

		item := connectors.Item{ID: id, Fields: map[string]string{"description": text}}
		if err := h.market.ApplyUpdate(ctx, p.ConnectionID, item); err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", id, err)
		}

		h.batches.ReportItems(ctx, job, 1)
		h.recordScan(ctx, job, id)
		h.manager.UpdateProgress(ctx, job.ID, (start+i+1)*100/len(p.ProductIDs))
	}
	return batchResult(len(p.ProductIDs))
}

// recordScan appends the per-entity completed event the cooldown gate counts.
func (h *ScanHandler) recordScan(ctx context.Context, job models.Job, entityID string) {
	if err := h.store.AppendEvent(ctx, models.AuditEvent{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Kind:       models.EventCompleted,
		EntityID:   &entityID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("record scan of %s: %v", entityID, err)
	}
}

func (h *ScanHandler) cancelled(ctx context.Context, job models.Job) bool {
	if h.broker.IsCancelled(ctx, job.ID) {
		return true
	}
	return job.ParentJobID != nil && h.broker.IsCancelled(ctx, *job.ParentJobID)
}
