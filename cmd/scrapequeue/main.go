// Package main runs the API service: HTTP + WebSocket surface, submission
// pipeline, cancellation, and the update broadcaster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/api"
	"github.com/newswire/scrapequeue/internal/app"
	"github.com/newswire/scrapequeue/internal/broadcast"
	"github.com/newswire/scrapequeue/internal/config"
	"github.com/newswire/scrapequeue/internal/dedup"
	"github.com/newswire/scrapequeue/internal/jobs"
	"github.com/newswire/scrapequeue/internal/logging"
	"github.com/newswire/scrapequeue/internal/metrics"
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

	deduplicator := dedup.New(services.Store, services.IDs, logger.Named("dedup"))
	jobsService := jobs.New(
		services.Store,
		services.Queue,
		services.Bus,
		deduplicator,
		services.IDs,
		services.Clock,
		logger.Named("jobs"),
	)
	broadcaster := broadcast.New(services.Bus, cfg.SubscriberBufferLen, logger.Named("broadcast"))

	apiServer := api.NewServer(jobsService, broadcaster, services.Queue, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("broadcaster started")
		if err := broadcaster.Run(ctx); err != nil {
			logger.Error("broadcaster error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
