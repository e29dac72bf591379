package worker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/config"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/store/storetest"
)

func newTestProcessor(t *testing.T, cfg config.Config) (*Processor, *queue.Broker, *storetest.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := queue.NewBrokerWithClient(client, cfg.RoutingKeys, cfg.VisibilityTimeout)
	st := storetest.New()
	manager := jobs.NewManager(st, broker, 5)
	coordinator := batch.NewCoordinator(st, broker, manager, 50)
	manager.OnChildTerminal(coordinator.ChildFinished)
	return NewProcessor(cfg, broker, st, manager, coordinator, "worker-test"), broker, st
}

func TestSlowHandlerKeepsLease(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Queues:             []string{"sync"},
		RoutingKeys:        []string{"high", "default", "low"},
		VisibilityTimeout:  200 * time.Millisecond,
		WorkerPollInterval: 10 * time.Millisecond,
		JobTimeout:         5 * time.Second,
	}
	p, broker, st := newTestProcessor(t, cfg)

	release := make(chan struct{})
	p.RegisterHandler(models.TypeSingleUpdate, func(ctx context.Context, job models.Job) (Result, error) {
		<-release
		return Result{Completed: true}, nil
	})

	job := models.Job{
		ID:          "job-1",
		Type:        models.TypeSingleUpdate,
		TenantID:    "t1",
		Queue:       "sync",
		RoutingKey:  "default",
		Status:      models.StatusQueued,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := broker.Publish(ctx, "sync", "default", job.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id, _ := broker.Consume(ctx, "sync"); id != job.ID {
		t.Fatalf("expected %s consumed", job.ID)
	}

	done := make(chan struct{})
	go func() {
		p.handle(ctx, "sync", job.ID)
		close(done)
	}()

	// Run well past the original visibility window while the handler is
	// still working, then make sure no reclaimer can steal the job.
	time.Sleep(3 * cfg.VisibilityTimeout)
	ids, err := broker.ReclaimExpired(ctx, "sync", time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("live job must hold its lease past the visibility window, reclaimed %v", ids)
	}
	if id, _ := broker.Consume(ctx, "sync"); id != "" {
		t.Fatalf("live job must not be redelivered mid-run, got %q", id)
	}

	close(release)
	<-done

	final, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	inflight, _ := broker.Processing(ctx, "sync")
	if inflight != 0 {
		t.Fatalf("job must be acked after handling, %d still leased", inflight)
	}
}

func TestHandleRedeliveredTerminalJobAcksQuietly(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Queues:            []string{"sync"},
		RoutingKeys:       []string{"high", "default", "low"},
		VisibilityTimeout: 30 * time.Second,
		JobTimeout:        time.Second,
	}
	p, broker, st := newTestProcessor(t, cfg)

	called := false
	p.RegisterHandler(models.TypeSingleUpdate, func(ctx context.Context, job models.Job) (Result, error) {
		called = true
		return Result{Completed: true}, nil
	})

	job := models.Job{
		ID:          "job-1",
		Type:        models.TypeSingleUpdate,
		TenantID:    "t1",
		Queue:       "sync",
		RoutingKey:  "default",
		Status:      models.StatusCompleted,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	_ = broker.Publish(ctx, "sync", "default", job.ID)
	if id, _ := broker.Consume(ctx, "sync"); id != job.ID {
		t.Fatalf("expected %s consumed", job.ID)
	}

	p.handle(ctx, "sync", job.ID)

	if called {
		t.Fatalf("handler must not run for a terminal job")
	}
	inflight, _ := broker.Processing(ctx, "sync")
	if inflight != 0 {
		t.Fatalf("redelivered terminal job must still be acked, %d leased", inflight)
	}
}
