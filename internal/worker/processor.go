package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/config"
	"github.com/rackoot/racky.app-sub003/internal/connectors"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/store"
	"github.com/rackoot/racky.app-sub003/internal/telemetry"
)

// Result is a handler's outcome. Completed=false with a nil error means the
// job stays open past this message: parents wait for their children, and a
// cancelled job just acks.
type Result struct {
	Completed bool
	Output    json.RawMessage
}

// Handler executes one job of a given type.
type Handler func(ctx context.Context, job models.Job) (Result, error)

// Store is the slice of the persistence layer the worker path needs. The pgx
// store implements it; tests substitute storetest.Store.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	RequeueLost(ctx context.Context, id string) (bool, error)
	AppendEvent(ctx context.Context, ev models.AuditEvent) error
}

// Processor drives the worker loop: consume under lease, run the handler
// inside a wall-clock budget, and hand the outcome to the lifecycle manager.
// Retry accounting lives entirely in the manager; handlers never retry
// internally.
type Processor struct {
	cfg      config.Config
	broker   *queue.Broker
	store    Store
	manager  *jobs.Manager
	batches  *batch.Coordinator
	handlers map[models.JobType]Handler
	workerID string
}

// NewProcessor wires a processor with an id used for consumer heartbeats.
func NewProcessor(cfg config.Config, b *queue.Broker, st Store, m *jobs.Manager, c *batch.Coordinator, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		broker:   b,
		store:    st,
		manager:  m,
		batches:  c,
		handlers: make(map[models.JobType]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run consumes from every configured queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked := false
		for _, q := range p.cfg.Queues {
			now := time.Now()
			if err := p.broker.Heartbeat(ctx, q, p.workerID, now); err != nil {
				log.Printf("heartbeat %s: %v", q, err)
			}
			p.reclaim(ctx, q, now)
			if depth, err := p.broker.Waiting(ctx, q); err == nil {
				telemetry.QueueDepth.WithLabelValues(q).Set(float64(depth))
			}

			jobID, err := p.broker.Consume(ctx, q)
			if err != nil || jobID == "" {
				continue
			}
			worked = true
			p.handle(ctx, q, jobID)
		}

		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// reclaim re-enqueues jobs whose lease expired (a worker died mid-job) and
// moves their rows back to queued without charging an attempt: redelivery is
// the at-least-once contract, not a failure.
func (p *Processor) reclaim(ctx context.Context, q string, now time.Time) {
	reclaimed, err := p.broker.ReclaimExpired(ctx, q, now, 100)
	if err != nil {
		log.Printf("reclaim %s: %v", q, err)
		return
	}
	for _, id := range reclaimed {
		if _, err := p.store.RequeueLost(ctx, id); err != nil {
			log.Printf("requeue lost job %s: %v", id, err)
		}
		telemetry.InFlight.Dec()
	}
}

func (p *Processor) handle(ctx context.Context, q, jobID string) {
	// Every path below acks: terminal outcomes are recorded in the store, and
	// retries are republished by the manager, so the original message is done.
	defer func() {
		if err := p.broker.Ack(ctx, q, jobID); err != nil {
			log.Printf("ack %s: %v", jobID, err)
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("load job %s: %v", jobID, err)
		}
		return
	}
	// Redelivered message for a finished or cancelled job: observe and no-op.
	if models.IsTerminal(job.Status) || p.broker.IsCancelled(ctx, jobID) {
		return
	}

	p.manager.MarkStarted(ctx, jobID)
	job, err = p.store.GetJob(ctx, jobID)
	if err != nil || job.Status != models.StatusProcessing {
		return
	}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	// The handler can legitimately run far past the visibility window, so the
	// lease must be extended for the duration or another worker's reclaim
	// would redeliver a live job and double-apply its items.
	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go p.keepLeaseAlive(leaseCtx, q, jobID)

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	res, err := p.dispatch(jobCtx, job)
	cancel()

	switch {
	case err != nil:
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("job exceeded %s budget", p.cfg.JobTimeout)
		}
		p.manager.MarkFailed(ctx, job.ID, msg, connectors.IsFatal(err))
	case res.Completed:
		p.manager.MarkCompleted(ctx, job.ID, res.Output)
	}

	if job.ParentJobID != nil {
		if err := p.batches.ChildFinished(ctx, job.ID); err != nil {
			log.Printf("fold child %s into parent: %v", job.ID, err)
		}
	}
}

// keepLeaseAlive renews the visibility lease on a fixed cadence until the
// handler finishes.
func (p *Processor) keepLeaseAlive(ctx context.Context, q, jobID string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.ExtendLease(ctx, q, jobID, p.cfg.VisibilityTimeout); err != nil {
				log.Printf("extend lease %s: %v", jobID, err)
			}
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) (Result, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Result{}, connectors.Fatal(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	return handler(ctx, job)
}
