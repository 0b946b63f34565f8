package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/node3/marketplace/pkg/api"
	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/config"
	"github.com/node3/marketplace/pkg/lifecycle"
	"github.com/node3/marketplace/pkg/logging"
	"github.com/node3/marketplace/pkg/metrics"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/queue"
	"github.com/node3/marketplace/pkg/registry"
	"github.com/node3/marketplace/pkg/scheduler"
	"github.com/node3/marketplace/pkg/settlement"
	"github.com/node3/marketplace/pkg/shutdown"
	"github.com/node3/marketplace/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: ./marketplace.yaml)")
	port := flag.String("port", "", "listen port (overrides config)")
	dbType := flag.String("db", "", "store type: memory, sqlite, postgres (overrides config)")
	dbDSN := flag.String("dsn", "", "store DSN or path (overrides config)")
	flag.Parse()

	log.Println("Starting node3 Marketplace")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dbType != "" {
		cfg.StoreType = *dbType
	}
	if *dbDSN != "" {
		cfg.StoreDSN = *dbDSN
	}

	switch {
	case cfg.AdminKeyHash != "":
		log.Println("Admin authentication: bcrypt hash")
	case cfg.AdminKey != "":
		log.Println("WARNING: Plaintext admin_key configured; prefer admin_key_hash (generate with `n3ctl config hash-key`)")
	default:
		log.Println("WARNING: No admin key configured (NODE3_ADMIN_KEY_HASH); admin endpoints disabled")
	}

	// Store
	dataStore, err := store.New(store.Config{Type: cfg.StoreType, DSN: cfg.StoreDSN})
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	log.Printf("Store: %s (%s)", cfg.StoreType, cfg.StoreDSN)

	clk := clock.New()

	// Registry and queue are caches over the store; rebuild them first
	reg := registry.New(dataStore, clk, registry.Config{
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		DefaultMaxConcurrent: cfg.DefaultMaxConcurrent,
	})
	if err := reg.Rebuild(); err != nil {
		log.Fatalf("Failed to rebuild registry: %v", err)
	}

	jobQueue := queue.New()
	queued, err := dataStore.GetJobsInState(models.JobStateQueued)
	if err != nil {
		log.Fatalf("Failed to load queued jobs: %v", err)
	}
	jobQueue.Rebuild(queued)
	log.Printf("Queue rebuilt from store: %d jobs", jobQueue.Len())

	// Settlement pool. The on-chain transport is an external adapter; this
	// binary ships with the dry-run settler, which confirms payments
	// locally. A real Settler plugs in here.
	var settler settlement.Settler = settlement.DryRun{}
	log.Println("Settlement mode: dry-run (no on-chain transport configured)")
	pool := settlement.NewPool(settler, dataStore, clk, settlement.Config{
		Workers: cfg.SettlementWorkers,
		Backoff: cfg.SettlementBackoff,
	})
	pool.Start()

	// Lifecycle controller and scheduler
	ctrl := lifecycle.NewController(dataStore, reg, jobQueue, pool, clk, lifecycle.Config{
		MaxRetries:           cfg.MaxRetries,
		PriorityHighReward:   cfg.PriorityHighReward,
		PriorityNormalReward: cfg.PriorityNormalReward,
		MarketplaceWallet:    cfg.MarketplaceWallet,
	})
	sched := scheduler.New(dataStore, reg, jobQueue, ctrl, pool, clk, scheduler.Config{
		RebalanceInterval: cfg.RebalanceInterval,
		TimeoutBuffer:     cfg.TimeoutBuffer,
	})
	sched.Start()

	// API server
	handler := api.NewHandler(dataStore, reg, ctrl, sched, cfg.AdminKeyHash, cfg.AdminKey)
	router := mux.NewRouter()
	router.Use(api.LoggingMiddleware(logging.New("api", logging.INFO, false)))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Metrics server on its own listener
	exporter := metrics.NewExporter(dataStore, sched)
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", exporter).Methods("GET")
	metricsSrv := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("Metrics listening on :%s", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Marketplace listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown: drain HTTP, stop scheduler and settlements, close store
	mgr := shutdown.New(30 * time.Second)
	mgr.Register(func(ctx context.Context) error { return dataStore.Close() })
	mgr.Register(func(ctx context.Context) error { pool.Stop(); return nil })
	mgr.Register(func(ctx context.Context) error { sched.Stop(); return nil })
	mgr.Register(func(ctx context.Context) error { return metricsSrv.Shutdown(ctx) })
	mgr.Register(func(ctx context.Context) error { return srv.Shutdown(ctx) })

	mgr.Wait()
	mgr.Shutdown()
}
