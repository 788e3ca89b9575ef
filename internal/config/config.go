package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models crowdwork.yml.
type Config struct {
	Boomerang BoomerangConfig `yaml:"boomerang" mapstructure:"boomerang"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Payout    PayoutConfig    `yaml:"payout" mapstructure:"payout"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Pool      PoolConfig      `yaml:"pool" mapstructure:"pool"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// BoomerangConfig holds the threshold controller tuning parameters.
type BoomerangConfig struct {
	HeartbeatMinutes int     `yaml:"heartbeat_minutes" mapstructure:"heartbeat_minutes"`
	PlatformAlpha    float64 `yaml:"platform_alpha" mapstructure:"platform_alpha"`
	RequesterAlpha   float64 `yaml:"requester_alpha" mapstructure:"requester_alpha"`
	TaskAlpha        float64 `yaml:"task_alpha" mapstructure:"task_alpha"`
	Midpoint         float64 `yaml:"midpoint" mapstructure:"midpoint"`
	Lambda           float64 `yaml:"lambda" mapstructure:"lambda"`
	MaxRating        float64 `yaml:"max_rating" mapstructure:"max_rating"`
	WorkersNeeded    int     `yaml:"workers_needed" mapstructure:"workers_needed"`
}

type LifecycleConfig struct {
	// DefaultTimeoutMinutes applies when a project has no timeout of its own.
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes" mapstructure:"default_timeout_minutes"`
	ExpireSweepMinutes    int `yaml:"expire_sweep_minutes" mapstructure:"expire_sweep_minutes"`
}

type IngestConfig struct {
	MaxRetries          int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds" mapstructure:"retry_backoff_seconds"`
}

type PayoutConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	Currency        string `yaml:"currency" mapstructure:"currency"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret         string `yaml:"secret" mapstructure:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	DigestMinutes  int    `yaml:"digest_minutes" mapstructure:"digest_minutes"`
}

type PoolConfig struct {
	Size int `yaml:"size" mapstructure:"size"`
}

type ServerConfig struct {
	Addr  string `yaml:"addr" mapstructure:"addr"`
	Token string `yaml:"token" mapstructure:"token"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crowdwork.yml")
}

// Load reads config from the workspace file, layered under CROWDWORK_* env
// overrides and the built-in defaults. A missing file yields defaults.
func Load(workspace string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CROWDWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(Path(workspace))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("boomerang.heartbeat_minutes", def.Boomerang.HeartbeatMinutes)
	v.SetDefault("boomerang.platform_alpha", def.Boomerang.PlatformAlpha)
	v.SetDefault("boomerang.requester_alpha", def.Boomerang.RequesterAlpha)
	v.SetDefault("boomerang.task_alpha", def.Boomerang.TaskAlpha)
	v.SetDefault("boomerang.midpoint", def.Boomerang.Midpoint)
	v.SetDefault("boomerang.lambda", def.Boomerang.Lambda)
	v.SetDefault("boomerang.max_rating", def.Boomerang.MaxRating)
	v.SetDefault("boomerang.workers_needed", def.Boomerang.WorkersNeeded)
	v.SetDefault("lifecycle.default_timeout_minutes", def.Lifecycle.DefaultTimeoutMinutes)
	v.SetDefault("lifecycle.expire_sweep_minutes", def.Lifecycle.ExpireSweepMinutes)
	v.SetDefault("ingest.max_retries", def.Ingest.MaxRetries)
	v.SetDefault("ingest.retry_backoff_seconds", def.Ingest.RetryBackoffSeconds)
	v.SetDefault("payout.interval_minutes", def.Payout.IntervalMinutes)
	v.SetDefault("payout.currency", def.Payout.Currency)
	v.SetDefault("notify.timeout_seconds", def.Notify.TimeoutSeconds)
	v.SetDefault("notify.digest_minutes", def.Notify.DigestMinutes)
	v.SetDefault("pool.size", def.Pool.Size)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
}

// Validate ensures the tuning parameters are usable.
func (c *Config) Validate() error {
	b := c.Boomerang
	if b.HeartbeatMinutes <= 0 {
		return fmt.Errorf("boomerang.heartbeat_minutes must be positive")
	}
	for name, alpha := range map[string]float64{
		"platform_alpha":  b.PlatformAlpha,
		"requester_alpha": b.RequesterAlpha,
		"task_alpha":      b.TaskAlpha,
	} {
		if alpha <= 0 || alpha > 1 {
			return fmt.Errorf("boomerang.%s must be in (0,1], got %v", name, alpha)
		}
	}
	if b.Midpoint <= 0 || b.Midpoint > b.MaxRating {
		return fmt.Errorf("boomerang.midpoint must be in (0, max_rating]")
	}
	if b.Lambda <= 0 {
		return fmt.Errorf("boomerang.lambda must be positive")
	}
	if b.WorkersNeeded <= 0 {
		return fmt.Errorf("boomerang.workers_needed must be positive")
	}
	if c.Lifecycle.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("lifecycle.default_timeout_minutes must be positive")
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// DefaultYAML returns the default config file contents, written by `cw init`.
func DefaultYAML() string {
	return defaultTemplate
}

const defaultTemplate = `boomerang:
  heartbeat_minutes: 5
  platform_alpha: 0.9
  requester_alpha: 0.9
  task_alpha: 0.9
  midpoint: 3.0
  lambda: 3.0
  max_rating: 5.0
  workers_needed: 5

lifecycle:
  default_timeout_minutes: 1440
  expire_sweep_minutes: 5

ingest:
  max_retries: 2
  retry_backoff_seconds: 4

payout:
  interval_minutes: 60
  currency: USD

notify:
  webhook_url: ""
  secret: ""
  timeout_seconds: 5
  digest_minutes: 30

pool:
  size: 16

server:
  addr: ":8080"
  token: ""

log:
  level: info
  file: ""
  max_size_mb: 50
  max_backups: 3
`
