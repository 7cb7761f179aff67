// Package config loads host configuration from an optional YAML file, a .env
// file and environment variables, in increasing precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the host configuration.
type Config struct {
	DataPath    string `yaml:"data_path"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// IdentityKey is the hex-encoded 32-byte identity seed. Empty means an
	// ephemeral identity.
	IdentityKey string `yaml:"identity_key"`

	Swarm        SwarmConfig        `yaml:"swarm"`
	Poller       PollerConfig       `yaml:"poller"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Leaving      LeavingConfig      `yaml:"leaving"`
	Jobs         JobsConfig         `yaml:"jobs"`
}

// SwarmConfig configures node placement.
type SwarmConfig struct {
	// Nodes is the number of in-process swarm nodes.
	// Default: 3
	Nodes int `yaml:"nodes"`

	// Replicas is the number of virtual ring positions per node.
	// Default: 64
	Replicas int `yaml:"replicas"`
}

// PollerConfig configures group pollers.
type PollerConfig struct {
	// Interval between poll cycles.
	// Default: 3s
	Interval time.Duration `yaml:"interval"`

	// TriggerRate limits on-demand polls per second.
	// Default: 1
	TriggerRate float64 `yaml:"trigger_rate"`

	// DedupSize is the in-memory dedup cache size per group.
	// Default: 1024
	DedupSize int `yaml:"dedup_size"`
}

// OrchestratorConfig configures membership operations.
type OrchestratorConfig struct {
	// ConfigTTL is the swarm TTL of config messages.
	// Default: 720h
	ConfigTTL time.Duration `yaml:"config_ttl"`

	// MessageTTL is the swarm TTL of group messages.
	// Default: 336h
	MessageTTL time.Duration `yaml:"message_ttl"`

	// TokenTTL is the lifetime of subaccount tokens.
	// Default: 8760h
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LeavingConfig configures the leave workflow.
type LeavingConfig struct {
	// AckTimeout bounds the wait for member-left acknowledgments.
	// Default: 30s
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// ConfirmTimeout bounds the wait for the destroyed state to be pushed.
	// Default: 30s
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// JobsConfig configures the task supervisor.
type JobsConfig struct {
	// Default: 8
	Workers int64 `yaml:"workers"`

	// Default: 5
	MaxTries uint `yaml:"max_tries"`
}

// Load reads path (optional), .env (optional) and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("IDENTITY_KEY"); v != "" {
		c.IdentityKey = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		c.Poller.Interval = d
	}
	if v := os.Getenv("SWARM_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SWARM_NODES: %w", err)
		}
		c.Swarm.Nodes = n
	}
	if v := os.Getenv("JOB_WORKERS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid JOB_WORKERS: %w", err)
		}
		c.Jobs.Workers = n
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.Swarm.Nodes == 0 {
		c.Swarm.Nodes = 3
	}
	if c.Swarm.Replicas == 0 {
		c.Swarm.Replicas = 64
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 3 * time.Second
	}
	if c.Poller.TriggerRate == 0 {
		c.Poller.TriggerRate = 1
	}
	if c.Poller.DedupSize == 0 {
		c.Poller.DedupSize = 1024
	}
	if c.Orchestrator.ConfigTTL == 0 {
		c.Orchestrator.ConfigTTL = 30 * 24 * time.Hour
	}
	if c.Orchestrator.MessageTTL == 0 {
		c.Orchestrator.MessageTTL = 14 * 24 * time.Hour
	}
	if c.Orchestrator.TokenTTL == 0 {
		c.Orchestrator.TokenTTL = 365 * 24 * time.Hour
	}
	if c.Leaving.AckTimeout == 0 {
		c.Leaving.AckTimeout = 30 * time.Second
	}
	if c.Leaving.ConfirmTimeout == 0 {
		c.Leaving.ConfirmTimeout = 30 * time.Second
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 8
	}
	if c.Jobs.MaxTries == 0 {
		c.Jobs.MaxTries = 5
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Swarm.Nodes < 1 {
		return fmt.Errorf("swarm.nodes must be at least 1, got %d", c.Swarm.Nodes)
	}
	if c.Poller.Interval < 0 || c.Leaving.AckTimeout < 0 || c.Leaving.ConfirmTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.IdentityKey != "" {
		if _, err := c.IdentitySeed(); err != nil {
			return err
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level returns the slog level, info if unparsable.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// IdentitySeed decodes IdentityKey. Returns nil when unset.
func (c *Config) IdentitySeed() ([]byte, error) {
	if c.IdentityKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity_key: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("identity_key must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}
