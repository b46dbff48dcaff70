// Package config loads envy's project-local configuration: a
// yaml.v3-driven aggregate with one sub-struct per concern, defaults used
// when the file is absent.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is envy's top-level configuration, loaded from
// `<workspace>/.envy/config.yaml`.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Execution ExecutionConfig `yaml:"execution"`
	Cache     CacheConfig     `yaml:"cache"`
}

// DefaultConfig returns the configuration used when no config file is
// present: logging disabled (production mode), a "10m" default timeout with
// empty execution allowlists, and no cache root override.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: "10m",
		},
		Cache: DefaultCacheConfig(),
	}
}

// Load reads and parses path, returning DefaultConfig() unchanged if the
// file does not exist.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
