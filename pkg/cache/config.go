package cache

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/segcache/errors"
)

//go:embed config.schema.json
var configSchema []byte

// Config is the serializable subset of cache options. Reference strengths,
// weighers, listeners and loaders are code and are passed as options.
// Zero durations and capacities leave the corresponding feature at its
// default.
type Config struct {
	// InitialCapacity sizes the hash tables up front.
	InitialCapacity int `json:"initial_capacity,omitempty" yaml:"initial_capacity,omitempty"`

	// ConcurrencyLevel hints at the number of concurrent writers.
	ConcurrencyLevel int `json:"concurrency_level,omitempty" yaml:"concurrency_level,omitempty"`

	// MaximumSize bounds the number of entries. Nil means unbounded.
	MaximumSize *int64 `json:"maximum_size,omitempty" yaml:"maximum_size,omitempty"`

	// MaximumWeight bounds total entry weight and requires WithWeigher.
	MaximumWeight *int64 `json:"maximum_weight,omitempty" yaml:"maximum_weight,omitempty"`

	ExpireAfterWrite  time.Duration `json:"expire_after_write,omitempty" yaml:"expire_after_write,omitempty"`
	ExpireAfterAccess time.Duration `json:"expire_after_access,omitempty" yaml:"expire_after_access,omitempty"`
	RefreshAfterWrite time.Duration `json:"refresh_after_write,omitempty" yaml:"refresh_after_write,omitempty"`

	// RecordStats enables statistics collection.
	RecordStats bool `json:"record_stats,omitempty" yaml:"record_stats,omitempty"`
}

// DefaultConfig returns a configuration with default sizing and no bounds.
func DefaultConfig() Config {
	return Config{
		InitialCapacity:  defaultInitialCapacity,
		ConcurrencyLevel: defaultConcurrencyLevel,
	}
}

// Validate checks field ranges and exclusive fields.
func (c Config) Validate() error {
	if c.InitialCapacity < 0 {
		return errors.Invalidf("cache", "Validate", "initial_capacity must be non-negative, got %d", c.InitialCapacity)
	}
	if c.ConcurrencyLevel < 0 {
		return errors.Invalidf("cache", "Validate", "concurrency_level must be non-negative, got %d", c.ConcurrencyLevel)
	}
	if c.MaximumSize != nil && *c.MaximumSize < 0 {
		return errors.Invalidf("cache", "Validate", "maximum_size must be non-negative, got %d", *c.MaximumSize)
	}
	if c.MaximumWeight != nil && *c.MaximumWeight < 0 {
		return errors.Invalidf("cache", "Validate", "maximum_weight must be non-negative, got %d", *c.MaximumWeight)
	}
	if c.MaximumSize != nil && c.MaximumWeight != nil {
		return errors.Invalidf("cache", "Validate", "maximum_size can not be combined with maximum_weight")
	}
	for name, d := range map[string]time.Duration{
		"expire_after_write":  c.ExpireAfterWrite,
		"expire_after_access": c.ExpireAfterAccess,
		"refresh_after_write": c.RefreshAfterWrite,
	} {
		if d < 0 {
			return errors.Invalidf("cache", "Validate", "%s must be non-negative, got %v", name, d)
		}
	}
	return nil
}

// ConfigOptions converts cfg into options. Combine them with code-only
// options such as WithWeigher or WeakKeys when calling New.
func ConfigOptions[K comparable, V any](cfg Config) ([]Option[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []Option[K, V]
	if cfg.InitialCapacity > 0 {
		opts = append(opts, WithInitialCapacity[K, V](cfg.InitialCapacity))
	}
	if cfg.ConcurrencyLevel > 0 {
		opts = append(opts, WithConcurrencyLevel[K, V](cfg.ConcurrencyLevel))
	}
	if cfg.MaximumSize != nil {
		opts = append(opts, WithMaximumSize[K, V](*cfg.MaximumSize))
	}
	if cfg.MaximumWeight != nil {
		opts = append(opts, WithMaximumWeight[K, V](*cfg.MaximumWeight))
	}
	if cfg.ExpireAfterWrite > 0 {
		opts = append(opts, WithExpireAfterWrite[K, V](cfg.ExpireAfterWrite))
	}
	if cfg.ExpireAfterAccess > 0 {
		opts = append(opts, WithExpireAfterAccess[K, V](cfg.ExpireAfterAccess))
	}
	if cfg.RefreshAfterWrite > 0 {
		opts = append(opts, WithRefreshAfterWrite[K, V](cfg.RefreshAfterWrite))
	}
	if cfg.RecordStats {
		opts = append(opts, WithRecordStats[K, V]())
	}
	return opts, nil
}

// LoadConfigFile reads a Config from a .json, .yaml or .yml file. JSON
// documents are checked against the embedded schema first.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapInvalid(err, "cache", "LoadConfigFile", "read config")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateConfigJSON(data); err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "cache", "LoadConfigFile", "decode json")
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "cache", "LoadConfigFile", "decode yaml")
		}
	default:
		return cfg, errors.Invalidf("cache", "LoadConfigFile", "unsupported config extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfigJSON(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return errors.WrapInvalid(err, "cache", "LoadConfigFile", "schema validation")
	}
	if !result.Valid() {
		var msg strings.Builder
		for _, desc := range result.Errors() {
			fmt.Fprintf(&msg, "; %s: %s", desc.Field(), desc.Description())
		}
		return errors.Invalidf("cache", "LoadConfigFile", "config does not match schema%s", msg.String())
	}
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling for Config to support
// duration strings (e.g., "1h", "5m", "30s") in addition to nanosecond integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config

	aux := &struct {
		ExpireAfterWrite  json.RawMessage `json:"expire_after_write,omitempty"`
		ExpireAfterAccess json.RawMessage `json:"expire_after_access,omitempty"`
		RefreshAfterWrite json.RawMessage `json:"refresh_after_write,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, f := range []struct {
		raw  json.RawMessage
		name string
		dst  *time.Duration
	}{
		{aux.ExpireAfterWrite, "expire_after_write", &c.ExpireAfterWrite},
		{aux.ExpireAfterAccess, "expire_after_access", &c.ExpireAfterAccess},
		{aux.RefreshAfterWrite, "refresh_after_write", &c.RefreshAfterWrite},
	} {
		if len(f.raw) == 0 {
			continue
		}
		d, err := parseDurationField(f.raw, f.name)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON writes durations as strings so files round-trip.
func (c Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	durationString := func(d time.Duration) string {
		if d == 0 {
			return ""
		}
		return d.String()
	}
	return json.Marshal(&struct {
		ExpireAfterWrite  string `json:"expire_after_write,omitempty"`
		ExpireAfterAccess string `json:"expire_after_access,omitempty"`
		RefreshAfterWrite string `json:"refresh_after_write,omitempty"`
		Alias
	}{
		ExpireAfterWrite:  durationString(c.ExpireAfterWrite),
		ExpireAfterAccess: durationString(c.ExpireAfterAccess),
		RefreshAfterWrite: durationString(c.RefreshAfterWrite),
		Alias:             Alias(c),
	})
}

// parseDurationField parses a JSON duration field that can be either:
// - An integer (nanoseconds) for backward compatibility
// - A string (duration like "1h", "5m", "30s")
func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '1h') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
