package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "DOCMUTEX")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindLegacyEnvVars()
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Store
	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.collection", l.prefixedEnv("STORE_COLLECTION"))
	v.BindEnv("store.auto_create", l.prefixedEnv("STORE_AUTO_CREATE"))
	v.BindEnv("store.url", l.prefixedEnv("STORE_URL"))
	v.BindEnv("store.database_name", l.prefixedEnv("STORE_DATABASE_NAME"))
	v.BindEnv("store.key_prefix", l.prefixedEnv("STORE_KEY_PREFIX"))
	v.BindEnv("store.max_conns", l.prefixedEnv("STORE_MAX_CONNS"))
	v.BindEnv("store.max_open_conns", l.prefixedEnv("STORE_MAX_OPEN_CONNS"))
	v.BindEnv("store.max_idle_conns", l.prefixedEnv("STORE_MAX_IDLE_CONNS"))
	v.BindEnv("store.conn_max_lifetime", l.prefixedEnv("STORE_CONN_MAX_LIFETIME"))
	v.BindEnv("store.conn_max_idle_time", l.prefixedEnv("STORE_CONN_MAX_IDLE_TIME"))
	v.BindEnv("store.connect_timeout", l.prefixedEnv("STORE_CONNECT_TIMEOUT"))
	v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))
	v.BindEnv("store.region", l.prefixedEnv("STORE_REGION"))
	v.BindEnv("store.endpoint", l.prefixedEnv("STORE_ENDPOINT"))
	v.BindEnv("store.access_key_id", l.prefixedEnv("STORE_ACCESS_KEY_ID"))
	v.BindEnv("store.secret_access_key", l.prefixedEnv("STORE_SECRET_ACCESS_KEY"))
	v.BindEnv("store.session_token", l.prefixedEnv("STORE_SESSION_TOKEN"))

	// Mutex
	v.BindEnv("mutex.node_id", l.prefixedEnv("MUTEX_NODE_ID"), l.prefixedEnv("NODE_ID"))
	v.BindEnv("mutex.alive_interval", l.prefixedEnv("MUTEX_ALIVE_INTERVAL"))
	v.BindEnv("mutex.lease_ttl", l.prefixedEnv("MUTEX_LEASE_TTL"))
	v.BindEnv("mutex.acquire_min_interval", l.prefixedEnv("MUTEX_ACQUIRE_MIN_INTERVAL"))
	v.BindEnv("mutex.acquire_max_interval", l.prefixedEnv("MUTEX_ACQUIRE_MAX_INTERVAL"))
	v.BindEnv("mutex.operation_timeout", l.prefixedEnv("MUTEX_OPERATION_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"), l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("OBSERVABILITY_SERVICE_NAME"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("OBSERVABILITY_TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("OBSERVABILITY_TRACING_ENDPOINT"))
	v.BindEnv("observability.metrics_enabled", l.prefixedEnv("OBSERVABILITY_METRICS_ENABLED"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("OBSERVABILITY_METRICS_ADDR"))
}

// bindLegacyEnvVars maps the DB_*/DATABASE_* names used by older deployments
// onto the STORE_* names when the latter are absent.
func (l *ViperLoader) bindLegacyEnvVars() {
	aliases := []struct {
		storeSuffix  string
		legacySuffix []string
	}{
		{"STORE_TYPE", []string{"DB_TYPE", "DATABASE_TYPE"}},
		{"STORE_URL", []string{"DB_URL", "DATABASE_URL"}},
		{"STORE_DATABASE_NAME", []string{"DB_DATABASE_NAME", "DATABASE_DATABASE_NAME"}},
		{"STORE_REGION", []string{"DB_REGION", "DATABASE_REGION"}},
		{"STORE_ENDPOINT", []string{"DB_ENDPOINT", "DATABASE_ENDPOINT"}},
		{"STORE_ACCESS_KEY_ID", []string{"DB_ACCESS_KEY_ID", "DATABASE_ACCESS_KEY_ID"}},
		{"STORE_SECRET_ACCESS_KEY", []string{"DB_SECRET_ACCESS_KEY", "DATABASE_SECRET_ACCESS_KEY"}},
		{"STORE_SESSION_TOKEN", []string{"DB_SESSION_TOKEN", "DATABASE_SESSION_TOKEN"}},
	}

	for _, alias := range aliases {
		storeEnv := l.prefixedEnv(alias.storeSuffix)
		if _, ok := os.LookupEnv(storeEnv); ok {
			continue
		}
		for _, legacy := range alias.legacySuffix {
			if value, ok := os.LookupEnv(l.prefixedEnv(legacy)); ok {
				_ = os.Setenv(storeEnv, value)
				break
			}
		}
	}
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.collection", cfg.Store.Collection)
	v.SetDefault("store.auto_create", cfg.Store.AutoCreate)
	v.SetDefault("store.url", cfg.Store.URL)
	v.SetDefault("store.database_name", cfg.Store.DatabaseName)
	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("store.max_conns", cfg.Store.MaxConns)
	v.SetDefault("store.max_open_conns", cfg.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", cfg.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", cfg.Store.ConnMaxLifetime)
	v.SetDefault("store.conn_max_idle_time", cfg.Store.ConnMaxIdleTime)
	v.SetDefault("store.connect_timeout", cfg.Store.ConnectTimeout)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)
	v.SetDefault("store.region", cfg.Store.Region)
	v.SetDefault("store.endpoint", cfg.Store.Endpoint)

	v.SetDefault("mutex.node_id", cfg.Mutex.NodeID)
	v.SetDefault("mutex.alive_interval", cfg.Mutex.AliveInterval)
	v.SetDefault("mutex.lease_ttl", cfg.Mutex.LeaseTTL)
	v.SetDefault("mutex.acquire_min_interval", cfg.Mutex.AcquireMinInterval)
	v.SetDefault("mutex.acquire_max_interval", cfg.Mutex.AcquireMaxInterval)
	v.SetDefault("mutex.operation_timeout", cfg.Mutex.OperationTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
}

// Validate normalizes enum-like values and validates the configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))
	cfg.Mutex.NodeID = strings.TrimSpace(cfg.Mutex.NodeID)
	return cfg.Validate()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
