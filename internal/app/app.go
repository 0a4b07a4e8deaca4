// Package app initializes and holds long-lived backend services, acting as
// a dependency injection container shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	busmemory "github.com/newswire/scrapequeue/internal/bus/memory"
	busredis "github.com/newswire/scrapequeue/internal/bus/redis"
	"github.com/newswire/scrapequeue/internal/clock/system"
	"github.com/newswire/scrapequeue/internal/config"
	iduuid "github.com/newswire/scrapequeue/internal/id/uuid"
	queuememory "github.com/newswire/scrapequeue/internal/queue/memory"
	queueredis "github.com/newswire/scrapequeue/internal/queue/redis"
	"github.com/newswire/scrapequeue/internal/scrape"
	storememory "github.com/newswire/scrapequeue/internal/store/memory"
	storemongo "github.com/newswire/scrapequeue/internal/store/mongo"
)

// App holds the shared, long-lived services for one process. The memory
// backends only span a single process; multi-process deployments need the
// redis/mongo backends.
type App struct {
	Store scrape.Store
	Queue scrape.Queue
	Bus   scrape.Bus
	IDs   scrape.IDGenerator
	Clock scrape.Clock

	logger      *zap.Logger
	redisClient *redis.Client
	mongoStore  *storemongo.Store
}

// New initializes backends per configuration, failing fast when a critical
// service cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		IDs:    iduuid.New(),
		Clock:  system.New(),
		logger: logger,
	}

	switch cfg.StoreBackend {
	case config.BackendMongo:
		logger.Info("connecting to MongoDB", zap.String("db", cfg.MongoDBName))
		store, err := storemongo.Connect(ctx, cfg.MongoURL, cfg.MongoDBName, a.IDs, a.Clock)
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		a.mongoStore = store
		a.Store = store
	case config.BackendMemory:
		logger.Info("using in-memory store")
		a.Store = storememory.New(a.IDs, a.Clock)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to Redis")
		a.redisClient = client
		a.Queue = queueredis.New(client)
		a.Bus = busredis.New(client, logger.Named("bus"))
	case config.BackendMemory:
		logger.Info("using in-memory queue and bus")
		a.Queue = queuememory.New()
		a.Bus = busmemory.New()
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	return a, nil
}

// Close tears down backend connections.
func (a *App) Close(ctx context.Context) {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("close redis client failed", zap.Error(err))
		}
	}
	if a.mongoStore != nil {
		if err := a.mongoStore.Close(ctx); err != nil {
			a.logger.Warn("close mongo client failed", zap.Error(err))
		}
	}
}
