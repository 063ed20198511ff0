package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/db"
	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/executor"
	"github.com/knowhub/research-orchestrator/internal/httpapi"
	"github.com/knowhub/research-orchestrator/internal/models"
	"github.com/knowhub/research-orchestrator/internal/search"
	"github.com/knowhub/research-orchestrator/internal/sequence"
	"github.com/knowhub/research-orchestrator/internal/service"
	"github.com/knowhub/research-orchestrator/internal/timeline"
	"github.com/knowhub/research-orchestrator/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	dbClient, err := db.NewClient(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Budget levels support hot reload when a budget file is present.
	budgets := config.NewBudgetRegistry(cfg.Research.Budget, logger)
	if budgetFile := os.Getenv("BUDGET_CONFIG_PATH"); budgetFile != "" {
		if err := budgets.Watch(budgetFile); err != nil {
			logger.Warn("Budget hot reload disabled", zap.Error(err))
		}
	}
	defer budgets.Close()

	seq := sequence.NewGenerator(dbClient)
	store := timeline.NewStore(dbClient, rdb, seq, logger)
	hub := eventhub.NewHub(store, logger)
	pub := workflow.NewPublisher(store, hub)

	lifecycle := models.NewLifecycle(models.NewFactory(logger))
	searcher := search.NewTavilyClient(cfg.Search, logger)

	pipeline := workflow.NewPipeline(lifecycle, searcher, pub, seq, hub, dbClient, logger)

	perBatch := time.Duration(cfg.Research.Async.TaskTimeoutMinutes) * time.Minute
	pool := executor.New(cfg.Research.Async.MaxPoolSize, cfg.Research.Async.QueueCapacity, perBatch, logger)

	svc := service.NewResearch(dbClient, store, lifecycle, budgets,
		cfg.Research.Model, pipeline, pool, pub, logger)

	mux := http.NewServeMux()
	httpapi.NewHandler(svc, hub, logger).RegisterRoutes(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Research orchestrator listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("Executor shutdown timed out", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
