package config

import "time"

// Store type constants
const (
	// StoreTypeMemory keeps records in process; useful for tests and demos
	StoreTypeMemory = "memory"
	// StoreTypeMongoDB represents MongoDB
	StoreTypeMongoDB = "mongodb"
	// StoreTypeRedis represents Redis
	StoreTypeRedis = "redis"
	// StoreTypePostgres represents PostgreSQL with a JSONB payload column
	StoreTypePostgres = "postgres"
	// StoreTypeDynamoDB represents AWS DynamoDB
	StoreTypeDynamoDB = "dynamodb"
)

// SupportedStoreTypes lists every accepted store.type value.
var SupportedStoreTypes = []string{
	StoreTypeMemory,
	StoreTypeMongoDB,
	StoreTypeRedis,
	StoreTypePostgres,
	StoreTypeDynamoDB,
}

// Config is the root configuration structure for docmutex
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Store         StoreConfig         `mapstructure:"store"`
	Mutex         MutexConfig         `mapstructure:"mutex"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects the document store holding the leased records.
// Fields not relevant to the selected type are ignored.
type StoreConfig struct {
	Type       string `mapstructure:"type" flag:"store-type" flag_usage:"store backend (memory, mongodb, redis, postgres, dynamodb)"`
	Collection string `mapstructure:"collection" flag:"collection" flag_usage:"collection holding the leased records"`
	// AutoCreate creates the table/index backing the collection at startup.
	AutoCreate bool `mapstructure:"auto_create"`

	URL              string        `mapstructure:"url" secret:"true" flag:"store-url" flag_usage:"store connection URL"`
	DatabaseName     string        `mapstructure:"database_name"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	MaxConns         int           `mapstructure:"max_conns"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" secret:"true"`
	SecretAccessKey string `mapstructure:"secret_access_key" secret:"true"`
	SessionToken    string `mapstructure:"session_token" secret:"true"`
}

// MutexConfig tunes lease timing for this node.
type MutexConfig struct {
	// NodeID identifies this process as lease owner. Empty means hostname.
	NodeID             string        `mapstructure:"node_id" flag:"node-id" flag_usage:"lease owner identity (default: hostname)"`
	AliveInterval      time.Duration `mapstructure:"alive_interval"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	AcquireMinInterval time.Duration `mapstructure:"acquire_min_interval"`
	AcquireMaxInterval time.Duration `mapstructure:"acquire_max_interval"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" flag:"log-level" flag_usage:"log level (debug, info, warn, error)"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	MetricsAddr       string  `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "docmutex",
			Environment: "development",
		},
		Store: StoreConfig{
			Type:             StoreTypeMemory,
			Collection:       "locks",
			AutoCreate:       true,
			KeyPrefix:        "docmutex",
			MaxConns:         10,
			MaxOpenConns:     10,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			ConnMaxIdleTime:  5 * time.Minute,
			ConnectTimeout:   10 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		Mutex: MutexConfig{
			AliveInterval:      2 * time.Minute,
			LeaseTTL:           2*time.Minute + 10*time.Second,
			AcquireMinInterval: 100 * time.Millisecond,
			AcquireMaxInterval: 150 * time.Millisecond,
			OperationTimeout:   5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "docmutex",
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
			MetricsAddr:       ":9090",
		},
	}
}
