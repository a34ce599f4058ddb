// Package factory builds a mutex.Executor and Engine from configuration.
package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/nimburion/docmutex/pkg/config"
	"github.com/nimburion/docmutex/pkg/mutex"
	dynamoexec "github.com/nimburion/docmutex/pkg/mutex/dynamodb"
	"github.com/nimburion/docmutex/pkg/mutex/memory"
	mongoexec "github.com/nimburion/docmutex/pkg/mutex/mongodb"
	pgexec "github.com/nimburion/docmutex/pkg/mutex/postgres"
	redisexec "github.com/nimburion/docmutex/pkg/mutex/redis"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/store"
	dynamostore "github.com/nimburion/docmutex/pkg/store/dynamodb"
	mongostore "github.com/nimburion/docmutex/pkg/store/mongodb"
	pgstore "github.com/nimburion/docmutex/pkg/store/postgres"
	redisstore "github.com/nimburion/docmutex/pkg/store/redis"
)

// NewExecutor connects to the configured store and binds the collection.
// With cfg.AutoCreate the backing table is created when missing.
func NewExecutor(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (mutex.Executor, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Type == config.StoreTypeMemory {
		return memory.New(cfg.Collection), nil
	}

	adapter, err := store.NewStorageAdapter(cfg, log)
	if err != nil {
		return nil, err
	}

	exec, err := bind(ctx, adapter, cfg, log)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	log.Info("store executor ready", "store", cfg.Type, "collection", cfg.Collection)
	return exec, nil
}

func bind(ctx context.Context, adapter store.Adapter, cfg config.StoreConfig, log logger.Logger) (mutex.Executor, error) {
	switch a := adapter.(type) {
	case *mongostore.MongoDBAdapter:
		return mongoexec.NewExecutor(ctx, a, cfg.Collection, log)
	case *redisstore.RedisAdapter:
		return redisexec.NewExecutor(a, cfg.Collection, cfg.KeyPrefix, log)
	case *pgstore.PostgreSQLAdapter:
		exec, err := pgexec.NewExecutor(a, cfg.Collection, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoCreate {
			if err := exec.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return exec, nil
	case *dynamostore.DynamoDBAdapter:
		exec, err := dynamoexec.NewExecutor(a, cfg.Collection, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoCreate {
			if err := exec.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		return exec, nil
	default:
		return nil, fmt.Errorf("no executor for adapter %T", adapter)
	}
}

// EngineConfig converts the mutex section of the configuration.
func EngineConfig(cfg config.MutexConfig) mutex.Config {
	return mutex.Config{
		AliveInterval:      cfg.AliveInterval,
		LeaseTTL:           cfg.LeaseTTL,
		AcquireMinInterval: cfg.AcquireMinInterval,
		AcquireMaxInterval: cfg.AcquireMaxInterval,
		OperationTimeout:   cfg.OperationTimeout,
	}
}

// NewEngine builds the executor and the engine on top of it.
func NewEngine(ctx context.Context, cfg *config.Config, log logger.Logger) (*mutex.Engine, error) {
	exec, err := NewExecutor(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}
	engine, err := mutex.NewEngine(exec, EngineConfig(cfg.Mutex), log)
	if err != nil {
		_ = exec.Close()
		return nil, err
	}
	return engine, nil
}

// NodeID returns the configured lease owner, falling back to the hostname.
func NodeID(cfg config.MutexConfig) (string, error) {
	if cfg.NodeID != "" {
		return cfg.NodeID, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve node id: %w", err)
	}
	return host, nil
}
