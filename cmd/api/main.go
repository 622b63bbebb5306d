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

	"github.com/timmy/stratum/internal/api"
	"github.com/timmy/stratum/internal/config"
	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/extract"
	"github.com/timmy/stratum/internal/logger"
	"github.com/timmy/stratum/internal/merge"
	"github.com/timmy/stratum/internal/pipeline"
	"github.com/timmy/stratum/internal/repository"
	"github.com/timmy/stratum/internal/scheduler"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.NewDefault()
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize database")
	}
	store := repository.NewStore(db)

	// Initialize extraction client
	extractor := extract.NewClient(&extract.Config{
		Model:   cfg.Extractor.Model,
		APIKey:  cfg.Extractor.APIKey,
		BaseURL: cfg.Extractor.BaseURL,
		Timeout: cfg.Extractor.Timeout,
		Retry: extract.RetryPolicy{
			MaxAttempts: cfg.Extractor.RetryAttempts,
			Backoff:     cfg.Extractor.RetryBackoff,
		},
	})

	// Initialize pipeline
	pipe := pipeline.New(store, extractor, appLog, pipeline.Config{
		ChunkSize:          cfg.Pipeline.ChunkSize,
		ChunkOverlap:       cfg.Pipeline.ChunkOverlap,
		SiteTextLimit:      cfg.Pipeline.SiteTextLimit,
		ExtractWorkers:     cfg.Pipeline.ExtractWorkers,
		KeepPreamble:       cfg.Pipeline.KeepPreamble,
		FailOnMandatoryGap: cfg.Pipeline.FailOnMandatoryGap,
		Merge:              mergePolicy(cfg),
	})

	// Initialize scheduler
	sched := scheduler.New(store, pipe, appLog, &scheduler.Config{
		Workers: cfg.Scheduler.Workers,
	})
	defer sched.Close()

	// Requeue jobs left pending by a previous process
	ctx := context.Background()
	pending, err := store.Jobs.ListByStatus(ctx, domain.JobStatusPending)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to list pending jobs")
	}
	for i := range pending {
		if err := sched.Requeue(ctx, &pending[i]); err != nil {
			appLog.WithError(err).WithField(logger.FieldJobID, pending[i].ID).
				Warn("Failed to requeue pending job")
		}
	}
	if len(pending) > 0 {
		appLog.WithField("count", len(pending)).Info("Requeued pending jobs")
	}

	// Setup router
	router := api.SetupRouter(sched, store, appLog, &cfg.Server)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLog.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Fatal("Server forced to shutdown")
	}

	appLog.Info("Server exited")
}

func mergePolicy(cfg *config.Config) merge.Policy {
	return merge.Policy{
		KeepOrphans:       cfg.Merge.KeepOrphans,
		NumericTolerance:  cfg.Merge.NumericTolerance,
		DescriptiveFields: cfg.Merge.DescriptiveFields,
	}
}
