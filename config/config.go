// Package config models pyrite.yml and the environment overrides layered
// on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "2h" and "10s" decode.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config models pyrite.yml.
type Config struct {
	Server struct {
		Port    int  `yaml:"port"`
		DevMode bool `yaml:"dev_mode"`
	} `yaml:"server"`

	DataDir string `yaml:"data_dir"`

	Watch struct {
		DebounceMs int `yaml:"debounce_ms"`
		ThrottleMs int `yaml:"throttle_ms"`
	} `yaml:"watch"`

	Lease struct {
		Duration    Duration `yaml:"duration"`
		LockTimeout Duration `yaml:"lock_timeout"`
	} `yaml:"lease"`

	// Repos maps a repository name to its work-efforts root directory.
	Repos map[string]string `yaml:"repos"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.DataDir = defaultDataDir()
	cfg.Watch.DebounceMs = 400
	cfg.Watch.ThrottleMs = 2000
	cfg.Lease.Duration = Duration(2 * time.Hour)
	cfg.Lease.LockTimeout = Duration(10 * time.Second)
	cfg.Repos = map[string]string{}
	return &cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pyrite"
	}
	return filepath.Join(home, ".pyrite")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pyrite.yml")
}

// Load reads pyrite.yml from the workspace, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(workspace))
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PYRITE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PYRITE_DEV_MODE"); v != "" {
		c.Server.DevMode = v == "1" || v == "true"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port %d out of range", c.Server.Port)
	}
	if c.Watch.DebounceMs <= 0 {
		return fmt.Errorf("config.watch.debounce_ms must be positive")
	}
	if c.Watch.ThrottleMs < c.Watch.DebounceMs {
		return fmt.Errorf("config.watch.throttle_ms must be at least debounce_ms")
	}
	if c.Lease.Duration <= 0 {
		return fmt.Errorf("config.lease.duration must be positive")
	}
	if c.Lease.LockTimeout <= 0 {
		return fmt.Errorf("config.lease.lock_timeout must be positive")
	}
	for name, root := range c.Repos {
		if name == "" {
			return fmt.Errorf("config.repos contains an empty repository name")
		}
		if root == "" {
			return fmt.Errorf("config.repos.%s has an empty root", name)
		}
	}
	return nil
}

// Debounce returns the watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// Throttle returns the minimum interval between update bursts.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Watch.ThrottleMs) * time.Millisecond
}

// LeaseDuration returns how long granted leases remain valid.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lease.Duration)
}

// LockTimeout returns the file lock acquisition bound.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lease.LockTimeout)
}
