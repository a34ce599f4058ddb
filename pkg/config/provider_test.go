package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestConfigProviderPrecedenceDefaultsFileEnvFlags(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(`
store:
  type: redis
  url: redis://file:6379/0
  collection: from-file
mutex:
  node_id: from-file
`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("APP_STORE_COLLECTION", "from-env")
	t.Setenv("APP_MUTEX_NODE_ID", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := RegisterFlags(flags); err != nil {
		t.Fatalf("register flags: %v", err)
	}
	if err := flags.Set("node-id", "from-flag"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	provider := NewConfigProvider(configFile, "APP").WithFlags(flags)
	cfg := &Config{}
	if err := provider.Load(cfg); err != nil {
		t.Fatalf("load provider: %v", err)
	}

	if cfg.Store.Type != StoreTypeRedis || cfg.Store.URL != "redis://file:6379/0" {
		t.Fatalf("expected store from file, got %+v", cfg.Store)
	}
	if cfg.Store.Collection != "from-env" {
		t.Fatalf("expected env override, got %s", cfg.Store.Collection)
	}
	if cfg.Mutex.NodeID != "from-flag" {
		t.Fatalf("expected flag value, got %s", cfg.Mutex.NodeID)
	}
}

func TestRegisterFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := RegisterFlags(flags); err != nil {
		t.Fatalf("register flags: %v", err)
	}
	for _, name := range []string{"store-type", "collection", "store-url", "node-id", "log-level"} {
		if flags.Lookup(name) == nil {
			t.Fatalf("flag %s not registered", name)
		}
	}
	if got := flags.Lookup("store-type").DefValue; got != StoreTypeMemory {
		t.Fatalf("store-type default = %q", got)
	}
	// Registering twice must not panic on duplicates.
	if err := RegisterFlags(flags); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestConfigProvider_InvalidFlagValueFails(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := RegisterFlags(flags); err != nil {
		t.Fatalf("register flags: %v", err)
	}
	if err := flags.Set("store-type", "cassandra"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	err := NewConfigProvider("", "APP").WithFlags(flags).Load(&Config{})
	if err == nil || !strings.Contains(err.Error(), "store.type") {
		t.Fatalf("expected store.type validation error, got %v", err)
	}
}

func TestConfigProvider_LoadWithSecrets_MergesAndReportsSecrets(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configFile, []byte("store:\n  type: postgres\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secrets.yaml"), []byte("store:\n  url: postgres://u:p@db/locks\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	unsetEnv(t, "APP_SECRETS_FILE")

	provider := NewConfigProvider(configFile, "APP")
	cfg := &Config{}
	secrets, err := provider.LoadWithSecrets(cfg)
	if err != nil {
		t.Fatalf("load with secrets: %v", err)
	}
	if cfg.Store.URL != "postgres://u:p@db/locks" {
		t.Fatalf("expected url from secrets, got %q", cfg.Store.URL)
	}
	store, ok := secrets["store"].(map[string]interface{})
	if !ok || store["url"] == nil {
		t.Fatalf("expected secrets map to contain store.url, got %v", secrets)
	}
	if provider.ConfigFile() != configFile {
		t.Fatalf("ConfigFile() = %q", provider.ConfigFile())
	}
}

func TestConfigProvider_LoadWithSecrets_NoSecretsFileIsAllowed(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetEnv(t, "APP_SECRETS_FILE")

	provider := NewConfigProvider("", "APP")
	core := &Config{}
	secrets, err := provider.LoadWithSecrets(core)
	if err != nil {
		t.Fatalf("load with secrets: %v", err)
	}
	if secrets != nil {
		t.Fatalf("expected nil secrets map when no secrets file exists")
	}
}

func TestConfigProvider_LoadWithSecrets_ExplicitMissingSecretsFileFails(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "missing-secrets.yaml")
	t.Setenv("APP_SECRETS_FILE", missingPath)

	provider := NewConfigProvider("", "APP")
	core := &Config{}
	_, err := provider.LoadWithSecrets(core)
	if err == nil {
		t.Fatal("expected error for missing explicit secrets file")
	}
	if !strings.Contains(err.Error(), "APP_SECRETS_FILE") {
		t.Fatalf("expected error mentioning APP_SECRETS_FILE, got %v", err)
	}
}

func TestConfigProvider_LoadWithSecrets_EmptyPrefixFallsBackToAppSecretsEnv(t *testing.T) {
	secretsFile := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(secretsFile, []byte("service:\n  name: from-secrets\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	t.Setenv("APP_SECRETS_FILE", secretsFile)

	provider := NewConfigProvider("", "")
	core := &Config{}
	_, err := provider.LoadWithSecrets(core)
	if err != nil {
		t.Fatalf("load with secrets: %v", err)
	}
	if core.Service.Name != "from-secrets" {
		t.Fatalf("expected service name from secrets, got %q", core.Service.Name)
	}
}

func TestConfigProvider_WithServiceNameDefault_AppliesWhenNotConfigured(t *testing.T) {
	provider := NewConfigProvider("", "APP").WithServiceNameDefault("orders-locks")
	core := &Config{}
	if err := provider.Load(core); err != nil {
		t.Fatalf("load provider: %v", err)
	}
	if core.Service.Name != "orders-locks" {
		t.Fatalf("expected service name orders-locks, got %q", core.Service.Name)
	}
}

func TestConfigProvider_WithServiceNameDefault_EnvOverrideWins(t *testing.T) {
	t.Setenv("APP_SERVICE_NAME", "billing-locks")

	provider := NewConfigProvider("", "APP").WithServiceNameDefault("orders-locks")
	core := &Config{}
	if err := provider.Load(core); err != nil {
		t.Fatalf("load provider: %v", err)
	}
	if core.Service.Name != "billing-locks" {
		t.Fatalf("expected service name billing-locks from env, got %q", core.Service.Name)
	}
}

func TestConfigProvider_ObservabilityServiceName_FromEnv(t *testing.T) {
	t.Setenv("APP_OBSERVABILITY_SERVICE_NAME", "otel-billing")

	provider := NewConfigProvider("", "APP")
	core := &Config{}
	if err := provider.Load(core); err != nil {
		t.Fatalf("load provider: %v", err)
	}
	if core.Observability.ServiceName != "otel-billing" {
		t.Fatalf("expected observability service name otel-billing, got %q", core.Observability.ServiceName)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	original, existed := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, original)
			return
		}
		_ = os.Unsetenv(key)
	})
}
