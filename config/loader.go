package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/penguintechinc/killkrill-sub000/stream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KILLKRILL"

// replaceKeys are top-level sections a layer replaces instead of merging,
// so a file that configures sinks does not inherit the default memory sink.
var replaceKeys = map[string]bool{"sinks": true}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from Default, merges every layer, applies environment
// overrides and validates when enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or JSONC file into a map with durations converted
// to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	data = jsonc.ToJSON(data)

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw, ""); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	for k := range replaceKeys {
		if v, ok := override[k]; ok && v != nil {
			delete(baseMap, k)
		}
	}
	merged := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	out := new(Config)
	dec := json.NewDecoder(bytes.NewReader(mergedJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, err
	}
	out.restoreUnexported(base)
	return out, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// isDurationKey reports whether a JSON key holds a time.Duration.
func isDurationKey(key string) bool {
	switch key {
	case "grace", "window_size", "retention", "retry_after", "max_age", "shutdown_grace":
		return true
	}
	for _, suffix := range []string{"_timeout", "_interval", "_wait", "_age", "_skew"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings under duration keys to
// nanoseconds for json unmarshaling.
func parseDurations(data map[string]any, path string) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val, path+k+"."); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m, path+k+"."); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", path, k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

type envOverride struct {
	name  string
	apply func(cfg *Config, val string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*dst(cfg) = val
		return nil
	}
}

func setInt(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func setList(dst func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

// envOverrides lists the supported variables without the prefix.
var envOverrides = []envOverride{
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Logging.Format })},
	{"HTTP_ADDR", setString(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HTTP_ENABLED", setBool(func(c *Config) *bool { return &c.HTTP.Enabled })},
	{"UDP_ADDR", setString(func(c *Config) *string { return &c.UDP.Addr })},
	{"UDP_ENABLED", setBool(func(c *Config) *bool { return &c.UDP.Enabled })},
	{"AUTH_ENABLED", setBool(func(c *Config) *bool { return &c.Auth.Enabled })},
	{"AUTH_JWT_SECRET", setString(func(c *Config) *string { return &c.Auth.JWTSecret })},
	{"RATE_LIMIT_ENABLED", setBool(func(c *Config) *bool { return &c.RateLimit.Enabled })},
	{"RATE_LIMIT", setString(func(c *Config) *string { return &c.RateLimit.Rate })},
	{"RATE_LIMIT_BACKEND", setString(func(c *Config) *string { return &c.RateLimit.Backend })},
	{"ALLOWED_CIDRS", setList(func(c *Config) *[]string { return &c.Security.AllowedCIDRs })},
	{"STREAM_BACKEND", setString(func(c *Config) *string { return &c.Stream.Backend })},
	{"STREAM_PARTITIONS", setInt(func(c *Config) *int { return &c.Stream.Partitions })},
	{"STREAM_MAX_LEN", setInt(func(c *Config) *int { return &c.Stream.MaxLen })},
	{"REDIS_ADDR", setString(func(c *Config) *string { return &c.Redis.Addr })},
	{"NATS_URLS", setList(func(c *Config) *[]string { return &c.NATS.URLs })},
	{"NATS_USERNAME", setString(func(c *Config) *string { return &c.NATS.Username })},
	{"NATS_PASSWORD", setString(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_TOKEN", setString(func(c *Config) *string { return &c.NATS.Token })},
	{"DEADLETTER_BACKEND", setString(func(c *Config) *string { return &c.DeadLetter.Backend })},
	{"DEADLETTER_PATH", setString(func(c *Config) *string { return &c.DeadLetter.Path })},
	{"METRICS_ADDR", setString(func(c *Config) *string { return &c.Metrics.Addr })},
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := o.apply(cfg, val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	// The journal has no default, so a directory alone enables it.
	if dir, ok := l.lookupEnv(l.envPrefix + "_STREAM_JOURNAL_DIR"); ok && dir != "" {
		if cfg.Stream.Journal == nil {
			cfg.Stream.Journal = new(stream.JournalConfig)
		}
		cfg.Stream.Journal.Dir = dir
	}
	return nil
}
