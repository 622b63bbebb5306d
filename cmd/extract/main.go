package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/stratum/internal/config"
	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/extract"
	"github.com/timmy/stratum/internal/logger"
	"github.com/timmy/stratum/internal/merge"
	"github.com/timmy/stratum/internal/pipeline"
	"github.com/timmy/stratum/internal/repository"
	"github.com/timmy/stratum/internal/scheduler"
	"github.com/timmy/stratum/internal/source"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "stratum-extract",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	siteTemplate := flag.String("site-template", "", "Path to the site template spreadsheet")
	periodTemplate := flag.String("period-template", "", "Path to the period template spreadsheet")
	potteryTemplate := flag.String("pottery-template", "", "Path to the pottery template spreadsheet")
	jadeTemplate := flag.String("jade-template", "", "Path to the jade template spreadsheet")
	workers := flag.Int("workers", 0, "Concurrent jobs; 0 uses the configured value")
	scan := flag.Bool("scan", false, "Treat arguments as root directories and discover report folders under them")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	var reports []string
	if *scan {
		for _, root := range flag.Args() {
			folders, err := source.Discover(root)
			if err != nil {
				appLogger.WithError(err).WithField("root", root).Fatal("Failed to scan for report folders")
			}
			for _, folder := range folders {
				reports = append(reports, folder.Path)
			}
		}
	} else {
		for _, path := range flag.Args() {
			if _, err := source.Describe(path); err != nil {
				appLogger.WithError(err).Fatal("Invalid report folder")
			}
			reports = append(reports, path)
		}
	}
	if len(reports) == 0 {
		appLogger.Fatal("At least one report folder is required")
	}

	templates := domain.TemplateRefs{}
	for kind, path := range map[string]string{
		domain.KindSite:    *siteTemplate,
		domain.KindPeriod:  *periodTemplate,
		domain.KindPottery: *potteryTemplate,
		domain.KindJade:    *jadeTemplate,
	} {
		if path != "" {
			templates[kind] = path
		}
	}
	if len(templates) == 0 {
		appLogger.Fatal("At least one template is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}

	appLogger.WithFields(logger.Fields{
		"reports": len(reports),
		"kinds":   len(templates),
		"workers": cfg.Scheduler.Workers,
	}).Info("Starting extraction")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
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

	// Initialize pipeline and scheduler
	pipe := pipeline.New(store, extractor, appLogger, pipeline.Config{
		ChunkSize:          cfg.Pipeline.ChunkSize,
		ChunkOverlap:       cfg.Pipeline.ChunkOverlap,
		SiteTextLimit:      cfg.Pipeline.SiteTextLimit,
		ExtractWorkers:     cfg.Pipeline.ExtractWorkers,
		KeepPreamble:       cfg.Pipeline.KeepPreamble,
		FailOnMandatoryGap: cfg.Pipeline.FailOnMandatoryGap,
		Merge: merge.Policy{
			KeepOrphans:       cfg.Merge.KeepOrphans,
			NumericTolerance:  cfg.Merge.NumericTolerance,
			DescriptiveFields: cfg.Merge.DescriptiveFields,
		},
	})
	sched := scheduler.New(store, pipe, appLogger, &scheduler.Config{
		Workers: cfg.Scheduler.Workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Submit one job per report folder
	jobIDs := make([]string, 0, len(reports))
	for _, report := range reports {
		job, err := sched.Submit(ctx, report, templates)
		if err != nil {
			appLogger.WithError(err).WithField("report", report).Fatal("Failed to submit job")
		}
		jobIDs = append(jobIDs, job.ID)
	}

	// Handle graceful shutdown: cancel whatever is still live
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		for _, id := range jobIDs {
			_ = sched.Cancel(context.Background(), id)
		}
	}()

	// Close drains the queue and waits for running jobs to finish
	sched.Close()

	// Report outcomes
	failed := 0
	for _, id := range jobIDs {
		job, err := store.Jobs.GetByID(context.Background(), id)
		if err != nil {
			appLogger.WithError(err).WithField(logger.FieldJobID, id).Error("Failed to load job result")
			failed++
			continue
		}
		entry := appLogger.WithFields(logger.Fields{
			logger.FieldJobID:       job.ID,
			logger.FieldDocumentRef: job.DocumentRef,
			"status":                string(job.Status),
			"records":               job.Counts,
			"images":                job.ImageCount,
		})
		if job.Status == domain.JobStatusCompleted {
			entry.Info("Job completed")
		} else {
			entry.WithField("notes", job.Notes).Error("Job did not complete")
			failed++
		}
	}

	if failed > 0 {
		appLogger.WithField("failed", failed).Error("Extraction finished with failures")
		os.Exit(1)
	}
	appLogger.Info("Extraction completed")
}
