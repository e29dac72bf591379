package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rackoot/racky.app-sub003/internal/api"
	"github.com/rackoot/racky.app-sub003/internal/batch"
	"github.com/rackoot/racky.app-sub003/internal/config"
	"github.com/rackoot/racky.app-sub003/internal/cooldown"
	"github.com/rackoot/racky.app-sub003/internal/health"
	"github.com/rackoot/racky.app-sub003/internal/jobs"
	"github.com/rackoot/racky.app-sub003/internal/queue"
	"github.com/rackoot/racky.app-sub003/internal/ratelimit"
	"github.com/rackoot/racky.app-sub003/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	gate := cooldown.NewGate(st, cfg.CooldownWindow, cfg.CooldownMaxScans)
	monitor := health.NewMonitor(st, broker, cfg.Queues, cfg.HealthInterval)

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, manager, gate, monitor, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
