package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "text"}
)

// Validate checks if the configuration is valid. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !contains(SupportedStoreTypes, c.Store.Type) {
		errs = append(errs, fmt.Errorf("invalid store.type: %q (must be one of: %v)", c.Store.Type, SupportedStoreTypes))
	}
	if strings.TrimSpace(c.Store.Collection) == "" {
		errs = append(errs, errors.New("store.collection is required"))
	}

	switch c.Store.Type {
	case StoreTypeMongoDB:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for MongoDB"))
		}
		if c.Store.DatabaseName == "" {
			errs = append(errs, errors.New("store.database_name is required for MongoDB"))
		}
	case StoreTypeRedis, StoreTypePostgres:
		if c.Store.URL == "" {
			errs = append(errs, fmt.Errorf("store.url is required when store.type is %s", c.Store.Type))
		}
	case StoreTypeDynamoDB:
		if c.Store.Region == "" {
			errs = append(errs, errors.New("store.region is required for DynamoDB"))
		}
		if (c.Store.AccessKeyID == "") != (c.Store.SecretAccessKey == "") {
			errs = append(errs, errors.New("store.access_key_id and store.secret_access_key must be set together"))
		}
	}
	if c.Store.OperationTimeout < 0 {
		errs = append(errs, errors.New("store.operation_timeout must not be negative"))
	}

	m := c.Mutex
	if m.AliveInterval <= 0 {
		errs = append(errs, errors.New("mutex.alive_interval must be positive"))
	}
	if m.LeaseTTL <= m.AliveInterval {
		errs = append(errs, fmt.Errorf("mutex.lease_ttl (%s) must exceed mutex.alive_interval (%s)", m.LeaseTTL, m.AliveInterval))
	}
	if m.AcquireMinInterval <= 0 || m.AcquireMinInterval >= m.AcquireMaxInterval {
		errs = append(errs, fmt.Errorf("mutex.acquire_min_interval (%s) must be positive and below mutex.acquire_max_interval (%s)", m.AcquireMinInterval, m.AcquireMaxInterval))
	}
	if m.OperationTimeout <= 0 {
		errs = append(errs, errors.New("mutex.operation_timeout must be positive"))
	}

	o := c.Observability
	if !contains(validLogLevels, o.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %q (must be one of: %v)", o.LogLevel, validLogLevels))
	}
	if !contains(validLogFormats, o.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %q (must be one of: %v)", o.LogFormat, validLogFormats))
	}
	if o.TracingSampleRate < 0 || o.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be within [0, 1], got %v", o.TracingSampleRate))
	}
	if o.TracingEnabled && o.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if o.MetricsEnabled && o.MetricsAddr == "" {
		errs = append(errs, errors.New("observability.metrics_addr is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "", false)
}

// Redacted returns the configuration with fields tagged secret:"true" masked.
func (c *Config) Redacted() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "", true)
}

func formatStruct(v reflect.Value, prefix string, redact bool) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, prefix+"  ", redact))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, value.Index(j).Interface()))
				}
			}
		default:
			displayValue := value.Interface()
			if redact && field.Tag.Get("secret") == "true" && !value.IsZero() {
				displayValue = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue))
		}
	}

	return sb.String()
}
