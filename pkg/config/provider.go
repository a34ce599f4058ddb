package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigProvider loads Config from defaults, file, secrets file, env and
// command-line flags, in increasing order of precedence.
type ConfigProvider struct {
	loader *ViperLoader
	v      *viper.Viper
	flags  *pflag.FlagSet
}

func NewConfigProvider(configFile, envPrefix string) *ConfigProvider {
	return &ConfigProvider{
		loader: NewViperLoader(configFile, envPrefix),
		v:      viper.New(),
	}
}

func (p *ConfigProvider) WithFlags(flags *pflag.FlagSet) *ConfigProvider {
	p.flags = flags
	return p
}

func (p *ConfigProvider) WithServiceNameDefault(serviceName string) *ConfigProvider {
	if p == nil || p.loader == nil {
		return p
	}
	p.loader.WithServiceNameDefault(serviceName)
	return p
}

// ConfigFile returns the path to the config file that was loaded, or empty string if none.
func (p *ConfigProvider) ConfigFile() string {
	if p.loader == nil {
		return ""
	}
	return p.loader.configFile
}

func (p *ConfigProvider) Load(cfg *Config) error {
	_, err := p.load(cfg, false)
	return err
}

// LoadWithSecrets also merges the secrets file.
// Returns the raw secrets map used for redaction (nil when no secrets file was loaded).
func (p *ConfigProvider) LoadWithSecrets(cfg *Config) (map[string]interface{}, error) {
	return p.load(cfg, true)
}

// AllSettings returns the effective merged settings currently held by the provider.
func (p *ConfigProvider) AllSettings() map[string]interface{} {
	if p == nil || p.v == nil {
		return map[string]interface{}{}
	}
	return p.v.AllSettings()
}

func (p *ConfigProvider) load(cfg *Config, withSecrets bool) (map[string]interface{}, error) {
	p.v = viper.New()
	p.loader.setDefaults(p.v, DefaultConfig())

	if p.loader.configFile != "" {
		p.v.SetConfigFile(p.loader.configFile)
		if err := p.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", p.loader.configFile, err)
		}
	}

	var secrets map[string]interface{}
	if withSecrets {
		secretsFile, err := p.loader.discoverSecretsFile()
		if err != nil {
			return nil, err
		}
		if secretsFile != "" {
			secretsViper := viper.New()
			secretsViper.SetConfigFile(secretsFile)
			if err := secretsViper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
			}
			secrets = secretsViper.AllSettings()
			if err := p.v.MergeConfigMap(secrets); err != nil {
				return nil, fmt.Errorf("failed to merge secrets: %w", err)
			}
		}
	}

	p.v.SetEnvPrefix(p.loader.envPrefix)
	p.loader.bindLegacyEnvVars()
	p.loader.bindEnvVars(p.v)

	if p.flags != nil {
		if err := applyFlags(p.v, p.flags); err != nil {
			return nil, err
		}
	}

	if cfg == nil {
		cfg = &Config{}
	}
	if err := p.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := p.loader.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return secrets, nil
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. <ENV_PREFIX>_SECRETS_FILE
// 2. secrets.{ext} next to the config file
// 3. secrets.{yaml,yml,json,toml} in the working directory
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		candidate := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	for _, ext := range []string{".yaml", ".yml", ".json", ".toml"} {
		candidate := "secrets" + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// RegisterFlags adds a flag for every Config field carrying a flag tag.
func RegisterFlags(flags *pflag.FlagSet) error {
	defaults := DefaultConfig()
	fields, err := collectConfigFields(defaults)
	if err != nil {
		return err
	}

	for _, field := range fields {
		if field.Flag == "" || flags.Lookup(field.Flag) != nil {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "configuration override"
		}
		switch field.Type.Kind() {
		case reflect.String:
			flags.String(field.Flag, field.Default.String(), usage)
		case reflect.Bool:
			flags.Bool(field.Flag, field.Default.Bool(), usage)
		case reflect.Int, reflect.Int64:
			if isDuration(field.Type) {
				flags.Duration(field.Flag, time.Duration(field.Default.Int()), usage)
			} else {
				flags.Int64(field.Flag, field.Default.Int(), usage)
			}
		default:
			return fmt.Errorf("flag %s: unsupported field type %s", field.Flag, field.Type)
		}
	}
	return nil
}

// applyFlags copies explicitly set flags over env and file values.
func applyFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	fields, err := collectConfigFields(&Config{})
	if err != nil {
		return err
	}
	for _, field := range fields {
		if field.Flag == "" {
			continue
		}
		flag := flags.Lookup(field.Flag)
		if flag == nil || !flag.Changed {
			continue
		}
		parsed, err := parseStringByType(flag.Value.String(), field.Type)
		if err != nil {
			return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
		}
		v.Set(field.Key, parsed)
	}
	return nil
}

type configField struct {
	Key     string
	Flag    string
	Usage   string
	Type    reflect.Type
	Default reflect.Value
}

func collectConfigFields(target *Config) ([]configField, error) {
	if target == nil {
		return nil, fmt.Errorf("config target must be a non-nil pointer")
	}
	fields := make([]configField, 0, 32)
	collectFieldsRecursive(reflect.ValueOf(target).Elem(), "", &fields)
	return fields, nil
}

func collectFieldsRecursive(value reflect.Value, prefix string, out *[]configField) {
	structType := value.Type()
	for index := 0; index < structType.NumField(); index++ {
		field := structType.Field(index)
		if field.PkgPath != "" {
			continue
		}
		mapKey, skip := parseMapstructureTag(field.Tag.Get("mapstructure"))
		if skip {
			continue
		}
		if mapKey == "" {
			mapKey = toSnakeCase(field.Name)
		}

		fullKey := mapKey
		if prefix != "" {
			fullKey = prefix + "." + mapKey
		}

		if field.Type.Kind() == reflect.Struct && !isDuration(field.Type) {
			collectFieldsRecursive(value.Field(index), fullKey, out)
			continue
		}

		*out = append(*out, configField{
			Key:     fullKey,
			Flag:    strings.TrimSpace(field.Tag.Get("flag")),
			Usage:   strings.TrimSpace(field.Tag.Get("flag_usage")),
			Type:    field.Type,
			Default: value.Field(index),
		})
	}
}

func isDuration(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Duration"
}

func parseStringByType(value string, fieldType reflect.Type) (interface{}, error) {
	trimmed := strings.TrimSpace(value)
	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		return strconv.ParseBool(trimmed)
	case reflect.Int, reflect.Int64:
		if isDuration(fieldType) {
			if trimmed == "" {
				return time.Duration(0), nil
			}
			return time.ParseDuration(trimmed)
		}
		if trimmed == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(trimmed, 10, 64)
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

func parseMapstructureTag(tag string) (string, bool) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", false
	}
	key := strings.TrimSpace(strings.Split(trimmed, ",")[0])
	if key == "-" {
		return "", true
	}
	return key, false
}

func toSnakeCase(input string) string {
	if input == "" {
		return input
	}
	var out strings.Builder
	out.Grow(len(input) + 8)
	for index, runeValue := range input {
		if index > 0 && isWordBoundary(input, index, runeValue) {
			out.WriteByte('_')
		}
		out.WriteRune(unicode.ToLower(runeValue))
	}
	return out.String()
}

func isWordBoundary(value string, index int, r rune) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	prev := rune(value[index-1])
	if unicode.IsUpper(prev) {
		if index+1 < len(value) {
			return unicode.IsLower(rune(value[index+1]))
		}
		return false
	}
	return true
}
