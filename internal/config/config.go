// Package config loads steward's configuration from one or more YAML
// files named by STEWARD_CONFIG_PATH, overlaid in order, with a final
// pass of STEWARD_-prefixed environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// ListenConfig is the bind address for the gRPC rate-limit service.
type ListenConfig struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// RateLimitConfigsConfig names where the rule-set document comes from:
// exactly one of File or HTTP is expected to be set.
type RateLimitConfigsConfig struct {
	File string `json:"file"`
	HTTP string `json:"http"`
}

// Config is the full set of recognized configuration keys from §6.
type Config struct {
	Listen           ListenConfig           `json:"listen"`
	RateLimitConfigs RateLimitConfigsConfig `json:"rate_limit_configs"`
	RedisHost        string                 `json:"redis_host"`
	RateTTL          int64                  `json:"rate_ttl"`
	RedisConnections int                    `json:"redis_connections"`
}

// Default returns the configuration defaults applied before any file or
// environment overlay, matching the original prototype's bind-everywhere
// default port.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Addr: "0.0.0.0",
			Port: 5001,
		},
		RedisHost:        "127.0.0.1:6379",
		RateTTL:          60,
		RedisConnections: 1,
	}
}

// EnvConfigPath is the environment variable naming the comma-separated
// list of YAML configuration files to load, in order.
const EnvConfigPath = "STEWARD_CONFIG_PATH"

// EnvPrefix is the prefix recognized for final-pass scalar overrides,
// e.g. STEWARD_REDIS_HOST, STEWARD_LISTEN_PORT.
const EnvPrefix = "STEWARD_"

// Load builds a Config from defaults, overlaid with every file named by
// STEWARD_CONFIG_PATH (later files win key-by-key), then overlaid with
// any STEWARD_-prefixed environment variable matching a known key path.
func Load() (Config, error) {
	merged := asMap(Default())

	for _, path := range configPaths() {
		blob, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: cannot read %s: %w", path, err)
		}

		overlay, err := decodeYAML(blob)
		if err != nil {
			return Config{}, fmt.Errorf("config: cannot parse %s: %w", path, err)
		}

		merged = deepMerge(merged, overlay)
	}

	applyEnvOverrides(merged)

	var cfg Config
	if err := remarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: cannot decode merged configuration: %w", err)
	}

	return cfg, nil
}

func configPaths() []string {
	raw := os.Getenv(EnvConfigPath)
	if raw == "" {
		return nil
	}

	var paths []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}

	return paths
}

func decodeYAML(blob []byte) (map[string]any, error) {
	jsonBlob, err := yaml.YAMLToJSON(blob)
	if err != nil {
		return nil, fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	m := map[string]any{}
	if err := json.Unmarshal(jsonBlob, &m); err != nil {
		return nil, fmt.Errorf("cannot decode document: %w", err)
	}

	return m, nil
}

func asMap(cfg Config) map[string]any {
	blob, err := json.Marshal(cfg)
	if err != nil {
		panic(fmt.Sprintf("config: cannot marshal defaults: %s", err))
	}

	m := map[string]any{}
	if err := json.Unmarshal(blob, &m); err != nil {
		panic(fmt.Sprintf("config: cannot unmarshal defaults: %s", err))
	}

	return m
}

func remarshal(m map[string]any, cfg *Config) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return json.Unmarshal(blob, cfg)
}

// deepMerge replaces scalars and slices from overlay onto base, but
// recurses into nested maps rather than replacing them wholesale, so a
// file overriding only "listen.port" does not clobber "listen.addr".
func deepMerge(base, overlay map[string]any) map[string]any {
	for k, overlayVal := range overlay {
		baseVal, exists := base[k]
		if !exists {
			base[k] = overlayVal
			continue
		}

		baseMap, baseIsMap := baseVal.(map[string]any)
		overlayMap, overlayIsMap := overlayVal.(map[string]any)

		if baseIsMap && overlayIsMap {
			base[k] = deepMerge(baseMap, overlayMap)
		} else {
			base[k] = overlayVal
		}
	}

	return base
}

// applyEnvOverrides walks m, and for every scalar leaf whose dotted path
// (uppercased, dots to underscores) has a STEWARD_ prefixed environment
// variable set, overwrites that leaf with the variable's value, parsed
// back to the leaf's original JSON type (string/int/bool).
func applyEnvOverrides(m map[string]any) {
	walkLeaves(m, nil, func(path []string, current any) (any, bool) {
		envName := EnvPrefix + strings.ToUpper(strings.Join(path, "_"))

		raw, ok := os.LookupEnv(envName)
		if !ok {
			return nil, false
		}

		return coerce(raw, current), true
	})
}

func walkLeaves(m map[string]any, prefix []string, f func(path []string, current any) (any, bool)) {
	for k, v := range m {
		path := append(append([]string{}, prefix...), k)

		if sub, ok := v.(map[string]any); ok {
			walkLeaves(sub, path, f)
			continue
		}

		if newVal, replaced := f(path, v); replaced {
			m[k] = newVal
		}
	}
}

func coerce(raw string, likeType any) any {
	switch likeType.(type) {
	case float64:
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return n
		}
	case bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}

	return raw
}
