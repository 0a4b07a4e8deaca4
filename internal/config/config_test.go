package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, "mongodb://localhost:27017", cfg.MongoURL)
	require.Equal(t, "job_scheduler", cfg.MongoDBName)
	require.Equal(t, 8000, cfg.APIPort)
	require.Equal(t, 3, cfg.MaxRetryAttempts)
	require.Equal(t, 30*time.Second, cfg.ScrapeTimeout())
	require.Equal(t, time.Second, cfg.RetryBaseDelay())
	require.Equal(t, time.Second, cfg.PollInterval())
	require.Equal(t, 30*time.Second, cfg.WSHeartbeat())
	require.Equal(t, BackendRedis, cfg.QueueBackend)
	require.Equal(t, BackendMongo, cfg.StoreBackend)
	require.Equal(t, 4, cfg.WorkerCount)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://queue.internal:6380")
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("API_PORT", "9100")
	t.Setenv("SCRAPE_TIMEOUT", "10")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "redis://queue.internal:6380", cfg.RedisURL)
	require.Equal(t, 5, cfg.MaxRetryAttempts)
	require.Equal(t, 9100, cfg.APIPort)
	require.Equal(t, 10*time.Second, cfg.ScrapeTimeout())
	require.Equal(t, BackendMemory, cfg.QueueBackend)
	require.Equal(t, BackendMemory, cfg.StoreBackend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := Config{
		RedisURL:         "redis://localhost:6379",
		MongoURL:         "mongodb://localhost:27017",
		APIPort:          8000,
		QueueBackend:     BackendMemory,
		StoreBackend:     BackendMemory,
		MaxRetryAttempts: 3,
		ScrapeTimeoutSec: 30,
		WorkerCount:      4,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.APIPort = 0
	require.Error(t, bad.Validate())

	bad = base
	bad.MaxRetryAttempts = 0
	require.Error(t, bad.Validate())

	bad = base
	bad.QueueBackend = "kafka"
	require.Error(t, bad.Validate())

	bad = base
	bad.QueueBackend = BackendRedis
	bad.RedisURL = ""
	require.Error(t, bad.Validate())

	bad = base
	bad.StoreBackend = BackendMongo
	bad.MongoURL = ""
	require.Error(t, bad.Validate())
}
