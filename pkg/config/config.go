// Package config loads marketplace configuration from NODE3_* environment
// variables, a YAML file and built-in defaults, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved marketplace configuration
type Config struct {
	// Server
	Port        string
	MetricsPort string
	// AdminKeyHash is the bcrypt hash of the admin key (generate with
	// `n3ctl config hash-key`). AdminKey is the plaintext fallback for
	// development setups.
	AdminKeyHash string
	AdminKey     string

	// Store
	StoreType string
	StoreDSN  string

	// Coordination
	HeartbeatTimeout     time.Duration
	TimeoutBuffer        float64
	RebalanceInterval    time.Duration
	MaxRetries           int
	DefaultMaxConcurrent int

	// Settlement
	SettlementWorkers int
	SettlementBackoff []time.Duration
	MarketplaceWallet string

	// Priority heuristic
	PriorityHighReward   float64
	PriorityNormalReward float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("admin_key_hash", "")
	v.SetDefault("admin_key", "")
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "marketplace.db")
	v.SetDefault("heartbeat_timeout", "60s")
	v.SetDefault("timeout_buffer", 1.2)
	v.SetDefault("rebalance_interval", "30s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("default_max_concurrent", 2)
	v.SetDefault("settlement_workers", 4)
	v.SetDefault("settlement_backoff", []string{"1s", "5s", "30s", "5m", "30m"})
	v.SetDefault("marketplace_wallet", "")
	v.SetDefault("priority_high_reward", 0.01)
	v.SetDefault("priority_normal_reward", 0.001)
}

// Load reads configuration. An empty path searches the working directory
// for marketplace.yaml; a missing file falls back to defaults plus env.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NODE3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("marketplace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/node3")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	backoff, err := parseBackoff(v.GetStringSlice("settlement_backoff"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 v.GetString("port"),
		MetricsPort:          v.GetString("metrics_port"),
		AdminKeyHash:         v.GetString("admin_key_hash"),
		AdminKey:             v.GetString("admin_key"),
		StoreType:            v.GetString("store.type"),
		StoreDSN:             v.GetString("store.dsn"),
		HeartbeatTimeout:     v.GetDuration("heartbeat_timeout"),
		TimeoutBuffer:        v.GetFloat64("timeout_buffer"),
		RebalanceInterval:    v.GetDuration("rebalance_interval"),
		MaxRetries:           v.GetInt("max_retries"),
		DefaultMaxConcurrent: v.GetInt("default_max_concurrent"),
		SettlementWorkers:    v.GetInt("settlement_workers"),
		SettlementBackoff:    backoff,
		MarketplaceWallet:    v.GetString("marketplace_wallet"),
		PriorityHighReward:   v.GetFloat64("priority_high_reward"),
		PriorityNormalReward: v.GetFloat64("priority_normal_reward"),
	}
	return cfg, cfg.validate()
}

func parseBackoff(entries []string) ([]time.Duration, error) {
	backoff := make([]time.Duration, 0, len(entries))
	for _, entry := range entries {
		d, err := time.ParseDuration(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid settlement_backoff entry %q: %w", entry, err)
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

func (c *Config) validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.TimeoutBuffer < 1.0 {
		return fmt.Errorf("timeout_buffer must be at least 1.0")
	}
	if c.RebalanceInterval <= 0 {
		return fmt.Errorf("rebalance_interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("default_max_concurrent must be at least 1")
	}
	if c.SettlementWorkers < 1 {
		return fmt.Errorf("settlement_workers must be at least 1")
	}
	return nil
}
