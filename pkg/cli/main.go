package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/docmutex/pkg/config"
	"github.com/nimburion/docmutex/pkg/health"
	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/mutex/factory"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/version"
)

// Options defines the identity and defaults of the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: custom config validation (runs after the built-in validation)
	ValidateConfig func(cfg *config.Config) error

	// Optional: overrides executor construction, mainly for tests.
	NewExecutor func(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (mutex.Executor, error)
}

// NewRootCommand creates the docmutex CLI with version, config, healthcheck
// and the lease commands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "docmutex"
	}
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.NewExecutor == nil {
		opts.NewExecutor = factory.NewExecutor
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets <PREFIX>_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	if err := config.RegisterFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register config flags: %v\n", err)
		os.Exit(1)
	}

	env := &environment{
		opts: opts,
		load: func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
			return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, serviceNameOverride, opts.ValidateConfig, flags, opts.Name)
		},
	}

	var shortVersion bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			if shortVersion {
				fmt.Fprintln(out, info.String())
				return
			}
			buildTime := info.BuildTime
			if ts, ok := info.ParseBuildTime(); ok {
				buildTime = ts.UTC().Format(time.RFC1123)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", buildTime)
			if info.GoVersion != "" {
				fmt.Fprintf(out, "Go Version: %s\n", info.GoVersion)
			}
		},
	}
	versionCmd.Flags().BoolVar(&shortVersion, "short", false, "print a single line")
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newConfigCommand(opts, &cfgPath, &secretFilePath, &serviceNameOverride))
	rootCmd.AddCommand(newHealthcheckCommand(env))
	rootCmd.AddCommand(newAcquireCommand(env))
	rootCmd.AddCommand(newClaimCommand(env))
	rootCmd.AddCommand(newInspectCommand(env))
	rootCmd.AddCommand(newReleaseAllCommand(env))

	return rootCmd
}

func newConfigCommand(opts Options, cfgPath, secretFilePath, serviceNameOverride *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, *secretFilePath); err != nil {
				return err
			}
			cfg := &config.Config{}
			provider := config.NewConfigProvider(*cfgPath, opts.EnvPrefix).
				WithServiceNameDefault(opts.Name).
				WithFlags(cmd.Flags())
			if _, err := provider.LoadWithSecrets(cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyResolvedServiceName(cfg, opts.Name, *serviceNameOverride)
			if opts.ValidateConfig != nil {
				if err := opts.ValidateConfig(cfg); err != nil {
					return fmt.Errorf("custom validation failed: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, *secretFilePath); err != nil {
				return err
			}
			cfg := &config.Config{}
			provider := config.NewConfigProvider(*cfgPath, opts.EnvPrefix).
				WithServiceNameDefault(opts.Name).
				WithFlags(cmd.Flags())
			secrets, err := provider.LoadWithSecrets(cfg)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			applyResolvedServiceName(cfg, opts.Name, *serviceNameOverride)
			settings := setServiceNameSetting(provider.AllSettings(), cfg.Service.Name)
			if !showSecrets {
				settings = redactSettingsMap(settings, secrets)
				settings = redactSettingsMap(settings, taggedSecrets(cfg))
			}
			formatted, err := formatSettings(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)

	return configCmd
}

func newHealthcheckCommand(env *environment) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.load(cmd.Flags())
			if err != nil {
				return err
			}
			exec, err := env.opts.NewExecutor(cmd.Context(), cfg.Store, log)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer exec.Close()

			registry := health.NewRegistry()
			registry.Register(mutex.NewExecutorHealthChecker(exec, timeout))
			result := registry.Check(cmd.Context())
			if err := writeOutput(cmd, "json", result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return fmt.Errorf("store %s is %s", cfg.Store.Type, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

// LoadConfigAndLogger loads configuration (defaults, file, secrets, env, flags)
// and builds the logger it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath,
	serviceNameOverride string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
	defaultServiceName string,
) (*config.Config, logger.Logger, error) {
	envPrefix = resolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg := &config.Config{}
	provider := config.NewConfigProvider(cfgPath, envPrefix).
		WithServiceNameDefault(defaultServiceName).
		WithFlags(flags)
	if _, err := provider.LoadWithSecrets(cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func formatSettings(settings map[string]interface{}) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// taggedSecrets returns a settings-shaped mask of the non-empty fields tagged
// secret:"true", so values coming from env or flags are masked too.
func taggedSecrets(cfg *config.Config) map[string]interface{} {
	return secretMask(reflect.ValueOf(cfg).Elem())
}

func secretMask(v reflect.Value) map[string]interface{} {
	out := map[string]interface{}{}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if key == "" {
			key = strings.ToLower(field.Name)
		}
		value := v.Field(i)
		if value.Kind() == reflect.Struct {
			if nested := secretMask(value); len(nested) > 0 {
				out[key] = nested
			}
			continue
		}
		if field.Tag.Get("secret") == "true" && !value.IsZero() {
			out[key] = true
		}
	}
	return out
}

func redactSettingsMap(settings, secrets map[string]interface{}) map[string]interface{} {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask interface{}) interface{} {
	if maskMap, ok := mask.(map[string]interface{}); ok {
		valueMap, ok := value.(map[string]interface{})
		if !ok {
			if shouldRedactSetting(mask) {
				return "***"
			}
			return value
		}
		return redactSettingsMap(valueMap, maskMap)
	}
	if shouldRedactSetting(mask) {
		return "***"
	}
	return value
}

func shouldRedactSetting(mask interface{}) bool {
	if mask == nil {
		return false
	}
	switch value := mask.(type) {
	case string:
		return strings.TrimSpace(value) != ""
	case bool:
		return value
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	default:
		return !reflect.ValueOf(mask).IsZero()
	}
}

// writeOutput renders v as JSON or YAML on the command's stdout.
func writeOutput(cmd *cobra.Command, format string, v interface{}) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (json, yaml)", format)
	}
}

// Execute runs the command and exits with appropriate code. SIGINT and
// SIGTERM cancel the command context.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted())
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "docmutex"
}

func setServiceNameSetting(settings map[string]interface{}, serviceName string) map[string]interface{} {
	if settings == nil {
		settings = map[string]interface{}{}
	}
	service, ok := settings["service"].(map[string]interface{})
	if !ok || service == nil {
		service = map[string]interface{}{}
	}
	service["name"] = serviceName
	settings["service"] = service
	return settings
}
