package redis

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/testutil"
)

// TestRedisAdapter_Integration tests the Redis adapter with a real Redis instance
// using testcontainers.
func TestRedisAdapter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.InfoLevel,
		Format: logger.JSONFormat,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	cfg := Config{
		URL:              connStr,
		MaxConns:         10,
		OperationTimeout: 5 * time.Second,
	}

	t.Run("ConnectionAndHealthCheck", func(t *testing.T) {
		adapter, err := NewRedisAdapter(cfg, log)
		if err != nil {
			t.Fatalf("Failed to create adapter: %v", err)
		}
		defer adapter.Close()

		if err := adapter.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		if err := adapter.HealthCheck(ctx); err != nil {
			t.Errorf("Health check failed: %v", err)
		}
	})

	t.Run("GracefulShutdown", func(t *testing.T) {
		adapter, err := NewRedisAdapter(cfg, log)
		if err != nil {
			t.Fatalf("Failed to create adapter: %v", err)
		}
		if err := adapter.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if err := adapter.Ping(ctx); err == nil {
			t.Error("Expected ping to fail after close, but it succeeded")
		}
	})
}
