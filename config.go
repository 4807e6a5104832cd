package fastloop

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/beam-cloud/fastloop/state"
)

// StateConfig selects and configures the state backend.
type StateConfig struct {
	// Type is one of "memory", "redis", "postgres". Defaults to memory.
	Type     string               `yaml:"type"`
	Redis    state.RedisConfig    `yaml:"redis"`
	Postgres state.PostgresConfig `yaml:"postgres"`
}

// Config is the application configuration. Zero value runs a local
// memory-backed server on :8000.
type Config struct {
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	LoopDelayS float64     `yaml:"loop_delay_s"`
	LogLevel   string      `yaml:"log_level"`
	State      StateConfig `yaml:"state"`
}

// DefaultConfig returns the settings used when no file or env overrides are
// present.
func DefaultConfig() Config {
	return Config{
		Host:       "0.0.0.0",
		Port:       8000,
		LoopDelayS: 0.1,
		State:      StateConfig{Type: "memory"},
	}
}

// LoadConfig reads a YAML config file when path is non-empty, then applies
// FASTLOOP_* environment overrides on top.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	switch cfg.State.Type {
	case "", "memory", "redis", "postgres":
	default:
		return cfg, fmt.Errorf("unknown state backend %q", cfg.State.Type)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FASTLOOP_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("FASTLOOP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("FASTLOOP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FASTLOOP_STATE_TYPE"); v != "" {
		c.State.Type = v
	}
	if v := os.Getenv("FASTLOOP_REDIS_HOST"); v != "" {
		c.State.Redis.Host = v
	}
	if v := os.Getenv("FASTLOOP_REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.State.Redis.Port = p
		}
	}
	if v := os.Getenv("FASTLOOP_REDIS_PASSWORD"); v != "" {
		c.State.Redis.Password = v
	}
	if v := os.Getenv("FASTLOOP_POSTGRES_DSN"); v != "" {
		c.State.Postgres.DSN = v
	}
}
