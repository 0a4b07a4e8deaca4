// Package main runs the worker service: a pool of workers leasing items
// from the priority queues and executing scrapes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/app"
	"github.com/newswire/scrapequeue/internal/config"
	"github.com/newswire/scrapequeue/internal/dispatcher"
	"github.com/newswire/scrapequeue/internal/logging"
	"github.com/newswire/scrapequeue/internal/metrics"
	"github.com/newswire/scrapequeue/internal/scrape"
	"github.com/newswire/scrapequeue/internal/scraper"
	"github.com/newswire/scrapequeue/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LoggingDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger.Named("app"))
	if err != nil {
		logger.Fatal("service init failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		services.Close(closeCtx)
	}()

	articleScraper := scraper.New(scraper.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.ScrapeTimeout(),
	})
	retry := scrape.NewBackoffPolicy(cfg.MaxRetryAttempts, cfg.RetryBaseDelay())
	workerCfg := worker.Config{
		PopTimeout:    cfg.PollInterval(),
		ScrapeTimeout: cfg.ScrapeTimeout(),
	}

	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workers = append(workers, worker.New(
			services.Queue,
			services.Store,
			services.Bus,
			articleScraper,
			services.Clock,
			retry,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	logger.Info("worker pool started", zap.Int("workers", cfg.WorkerCount))
	dispatcher.New(workers).Run(ctx)
	logger.Info("shutdown complete")
}
