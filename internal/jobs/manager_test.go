package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/store/storetest"
)

func newTestManager(t *testing.T) (*Manager, *storetest.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := queue.NewBrokerWithClient(client, []string{"high", "default", "low"}, 30*time.Second)
	st := storetest.New()
	return NewManager(st, broker, 5), st
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	job, err := m.Submit(ctx, SubmitRequest{
		Type:        models.TypeSingleUpdate,
		TenantID:    "t1",
		ScopeRef:    "conn-1|prod-1",
		Payload:     models.SingleUpdatePayload{ConnectionID: "conn-1", ProductID: "prod-1"},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Three transient failures: the first two requeue, the third exhausts the
	// attempt budget.
	for i := 0; i < 3; i++ {
		m.MarkStarted(ctx, job.ID)
		m.MarkFailed(ctx, job.ID, "marketplace 503", false)
	}

	final, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.StatusFailed {
		t.Fatalf("expected failed after 3 attempts, got %s", final.Status)
	}
	if final.LastError == nil || *final.LastError != "marketplace 503" {
		t.Fatalf("last error must be preserved, got %v", final.LastError)
	}

	events, err := st.Timeline(ctx, job.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	retries, failures := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case models.EventRetry:
			retries++
		case models.EventFailed:
			failures++
		}
	}
	if retries != 2 || failures != 1 {
		t.Fatalf("expected 2 retry + 1 failed events, got %d retry %d failed", retries, failures)
	}
}

func TestFatalFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	job, err := m.Submit(ctx, SubmitRequest{
		Type:        models.TypeSingleUpdate,
		TenantID:    "t1",
		ScopeRef:    "conn-1|prod-1",
		Payload:     models.SingleUpdatePayload{ConnectionID: "conn-1", ProductID: "prod-1"},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.MarkStarted(ctx, job.ID)
	m.MarkFailed(ctx, job.ID, "auth rejected", true)

	final, _ := st.GetJob(ctx, job.ID)
	if final.Status != models.StatusFailed {
		t.Fatalf("fatal failure must fail on first attempt, got %s", final.Status)
	}
	events, _ := st.Timeline(ctx, job.ID)
	for _, ev := range events {
		if ev.Kind == models.EventRetry {
			t.Fatalf("fatal failure must not emit retry events")
		}
	}
}

func TestSubmitScopeConflict(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	req := SubmitRequest{
		Type:     models.TypeSyncParent,
		TenantID: "t1",
		ScopeRef: "conn-1|shopify",
		Payload:  models.SyncParentPayload{ConnectionID: "conn-1", MarketplaceID: "shopify"},
	}
	first, err := m.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err = m.Submit(ctx, req)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ExistingJobID != first.ID || conflict.Status != models.StatusQueued {
		t.Fatalf("conflict must name the holder, got %+v", conflict)
	}

	// Same scope ref, different family: no collision.
	if _, err := m.Submit(ctx, SubmitRequest{
		Type:     models.TypeScanParent,
		TenantID: "t1",
		ScopeRef: "conn-1|shopify",
		Payload:  models.ScanParentPayload{ConnectionID: "conn-1", ProductIDs: []string{"p-1"}},
	}); err != nil {
		t.Fatalf("scan on the same connection must not conflict with sync: %v", err)
	}
}
