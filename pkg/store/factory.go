package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/docmutex/pkg/config"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/store/dynamodb"
	"github.com/nimburion/docmutex/pkg/store/mongodb"
	"github.com/nimburion/docmutex/pkg/store/postgres"
	"github.com/nimburion/docmutex/pkg/store/redis"
)

// Cosa fa: seleziona e inizializza lo storage adapter in base alla config.
// Cosa NON fa: non gestisce fallback tra provider diversi; "memory" non ha adapter.
// Esempio minimo: adp, err := store.NewStorageAdapter(cfg.Store, log)
func NewStorageAdapter(cfg config.StoreConfig, log logger.Logger) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.StoreTypePostgres:
		return postgres.NewPostgreSQLAdapter(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnectTimeout:  cfg.ConnectTimeout,
			QueryTimeout:    cfg.OperationTimeout,
		}, log)
	case config.StoreTypeMongoDB:
		return mongodb.NewMongoDBAdapter(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.DatabaseName,
			ConnectTimeout:   cfg.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeRedis:
		return redis.NewRedisAdapter(redis.Config{
			URL:              cfg.URL,
			MaxConns:         cfg.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeDynamoDB:
		return dynamodb.NewDynamoDBAdapter(dynamodb.Config{
			Region:           cfg.Region,
			Endpoint:         cfg.Endpoint,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			SessionToken:     cfg.SessionToken,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported store.type %q (supported: postgres, mongodb, redis, dynamodb)", cfg.Type)
	}
}
