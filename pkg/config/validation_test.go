package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate_StoreRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "memory default", mutate: func(*Config) {}},
		{
			name:    "unknown type",
			mutate:  func(c *Config) { c.Store.Type = "cassandra" },
			wantErr: "invalid store.type",
		},
		{
			name:    "empty collection",
			mutate:  func(c *Config) { c.Store.Collection = " " },
			wantErr: "store.collection is required",
		},
		{
			name: "mongodb without database",
			mutate: func(c *Config) {
				c.Store.Type = StoreTypeMongoDB
				c.Store.URL = "mongodb://localhost"
			},
			wantErr: "store.database_name is required",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.Store.Type = StoreTypeRedis },
			wantErr: "store.url is required when store.type is redis",
		},
		{
			name:    "dynamodb without region",
			mutate:  func(c *Config) { c.Store.Type = StoreTypeDynamoDB },
			wantErr: "store.region is required",
		},
		{
			name: "dynamodb with half credentials",
			mutate: func(c *Config) {
				c.Store.Type = StoreTypeDynamoDB
				c.Store.Region = "eu-west-1"
				c.Store.AccessKeyID = "AKIA"
			},
			wantErr: "must be set together",
		},
		{
			name: "dynamodb ok",
			mutate: func(c *Config) {
				c.Store.Type = StoreTypeDynamoDB
				c.Store.Region = "eu-west-1"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidate_MutexIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mutex.LeaseTTL = cfg.Mutex.AliveInterval
	cfg.Mutex.AcquireMinInterval = 200 * time.Millisecond
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	// Both problems are reported at once.
	if !strings.Contains(err.Error(), "mutex.lease_ttl") || !strings.Contains(err.Error(), "mutex.acquire_min_interval") {
		t.Fatalf("expected both interval errors, got %v", err)
	}
}

func TestConfigValidate_Observability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observability.LogLevel = "verbose"
	cfg.Observability.TracingSampleRate = 2
	cfg.Observability.MetricsEnabled = true
	cfg.Observability.MetricsAddr = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"observability.log_level", "tracing_sample_rate", "metrics_addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestConfigRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.URL = "postgres://user:hunter2@db/locks"
	cfg.Store.SecretAccessKey = "s3cr3t"

	plain := cfg.String()
	if !strings.Contains(plain, "hunter2") {
		t.Fatalf("String() should show values, got:\n%s", plain)
	}

	redacted := cfg.Redacted()
	if strings.Contains(redacted, "hunter2") || strings.Contains(redacted, "s3cr3t") {
		t.Fatalf("Redacted() leaked a secret:\n%s", redacted)
	}
	if !strings.Contains(redacted, "url: ***") {
		t.Fatalf("expected masked url, got:\n%s", redacted)
	}
	if !strings.Contains(redacted, "session_token: \n") {
		t.Fatalf("empty secrets stay empty, got:\n%s", redacted)
	}
	if !strings.Contains(redacted, "collection: locks") {
		t.Fatalf("non-secret fields must be kept, got:\n%s", redacted)
	}
}
