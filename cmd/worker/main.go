package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/config"
	"github.com/rackoot/racky.app-sub003/internal/connectors"
	"github.com/rackoot/racky.app-sub003/internal/health"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/models"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/store"
	"github.com/rackoot/racky.app-sub003/internal/telemetry"
	workerproc "github.com/rackoot/racky.app-sub003/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	broker := queue.NewBroker(cfg)
	manager := jobs.NewManager(st, broker, cfg.ProgressMinDelta)
	coordinator := batch.NewCoordinator(st, broker, manager, cfg.BatchSize)
	manager.OnChildTerminal(coordinator.ChildFinished)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	// TODO: swap the simulated collaborators for the real marketplace and
	// generation clients once their services are reachable from this repo.
	market := connectors.NewSimulatedMarketplace()
	generator := connectors.SimulatedGenerator{}

	processor := workerproc.NewProcessor(cfg, broker, st, manager, coordinator, workerID)
	syncHandler := workerproc.NewSyncHandler(market, coordinator, manager, broker)
	scanHandler := workerproc.NewScanHandler(generator, market, coordinator, manager, broker, st, cfg.MinConfidence)
	processor.RegisterHandler(models.TypeSyncParent, syncHandler.HandleParent)
	processor.RegisterHandler(models.TypeSyncBatch, syncHandler.HandleBatch)
	processor.RegisterHandler(models.TypeSingleUpdate, syncHandler.HandleSingle)
	processor.RegisterHandler(models.TypeScanParent, scanHandler.HandleParent)
	processor.RegisterHandler(models.TypeScanBatch, scanHandler.HandleBatch)

	monitor := health.NewMonitor(st, broker, cfg.Queues, cfg.HealthInterval)
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("health monitor stopped: %v", err)
		}
	}()

	go runPurger(ctx, cfg, st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with queues=%v visibility=%s", workerID, cfg.Queues, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}

// runPurger enforces the retention policies on a timer.
func runPurger(ctx context.Context, cfg config.Config, st *store.Store) {
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobsN, events, snaps, err := st.PurgeExpired(ctx, time.Now().UTC(), cfg.JobRetention, cfg.EventRetention, cfg.SnapshotRetention)
			if err != nil {
				log.Printf("purge expired: %v", err)
				continue
			}
			if jobsN+events+snaps > 0 {
				log.Printf("purged %d jobs, %d events, %d snapshots", jobsN, events, snaps)
			}
		}
	}
}
