// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the offline engine.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Debug   bool         `mapstructure:"debug"`
	LogFile string       `mapstructure:"log_file"`
	API     APIConfig    `mapstructure:"api"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Cache   CacheConfig  `mapstructure:"cache"`
	Server  ServerConfig `mapstructure:"server"`
}

// APIConfig describes the remote learning platform API.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig controls queue and orchestrator behavior.
type SyncConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	GraceWindow   time.Duration `mapstructure:"grace_window"`
	CronSchedule  string        `mapstructure:"cron_schedule"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

// CacheConfig controls the essential data cache.
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	CourseTTL  time.Duration `mapstructure:"course_ttl"`
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
}

// ServerConfig describes the local status feed listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from the given file (optional) plus environment
// variables prefixed with OFFLINE_.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "logs/engine.log")
	v.SetDefault("api.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_cap", 5*time.Minute)
	v.SetDefault("sync.grace_window", 30*time.Second)
	v.SetDefault("sync.cron_schedule", "@every 5m")
	v.SetDefault("sync.queue_capacity", 1000)
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.course_ttl", 24*time.Hour)
	v.SetDefault("cache.profile_ttl", 12*time.Hour)
	v.SetDefault("server.addr", "localhost:8090")

	v.SetEnvPrefix("OFFLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}
