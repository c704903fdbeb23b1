package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/otel"
)

// Dispatch modes, mirrored from the bridge so config has no upward import.
const (
	DispatchLocal  = "local"
	DispatchBroker = "broker"
)

type StoreConfig struct {
	// DBPath defaults to <home>/tasks.db.
	DBPath string `yaml:"db_path"`
	// Timezone is the IANA zone used for execution times without an offset.
	// Empty means the process local zone.
	Timezone          string `yaml:"timezone"`
	BusyTimeoutMS     int    `yaml:"busy_timeout_ms"`
	BusyRetryAttempts int    `yaml:"busy_retry_attempts"`
	BusyRetryDelayMS  int    `yaml:"busy_retry_delay_ms"`
	// RetentionDays purges completed tasks older than this many days. 0 keeps
	// them forever.
	RetentionDays int `yaml:"retention_days"`
}

// Location resolves Timezone. Callers should have validated it already.
func (s StoreConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type BrokerConfig struct {
	Enabled       bool `yaml:"enabled"`
	broker.Config `yaml:",inline"`
	InboundQueue  string `yaml:"inbound_queue"`
	OutboundQueue string `yaml:"outbound_queue"`
}

// RateLimitConfig enables per-client token buckets on the HTTP API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// requests. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// DispatchMode is "local" (bus) or "broker" (outbound queue).
	DispatchMode string `yaml:"dispatch_mode"`
	// ScanSchedule is an optional cron expression for periodic scans.
	ScanSchedule string `yaml:"scan_schedule"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Store     StoreConfig  `yaml:"store"`
	Broker    BrokerConfig `yaml:"broker"`
	Telemetry otel.Config  `yaml:"telemetry"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tz=%s|mode=%s|schedule=%s|broker=%t:%s:%s:%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Store.DBPath, c.Store.Timezone, c.DispatchMode, c.ScanSchedule,
		c.Broker.Enabled, c.Broker.Addr(), c.Broker.InboundQueue, c.Broker.OutboundQueue, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DrainTimeout returns the shutdown bound.
func (c Config) DrainTimeout() time.Duration {
	if c.DrainTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		DispatchMode:        DispatchLocal,
		Store: StoreConfig{
			BusyTimeoutMS:     5000,
			BusyRetryAttempts: 5,
			BusyRetryDelayMS:  500,
		},
		Broker: BrokerConfig{
			Config: broker.Config{
				Port:          broker.DefaultPort,
				VHost:         broker.DefaultVHost,
				TLS:           true,
				Prefetch:      1,
				DurableQueues: true,
			},
			InboundQueue:  "tasks.inbound",
			OutboundQueue: "tasks.due",
		},
		Telemetry: otel.Config{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay")
}

// Load reads config.yaml from HomeDir and applies env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml into homeDir unless one exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create taskrelay home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.DispatchMode = strings.ToLower(strings.TrimSpace(cfg.DispatchMode))
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = DispatchLocal
	}
	cfg.ScanSchedule = strings.TrimSpace(cfg.ScanSchedule)
	if strings.TrimSpace(cfg.Store.DBPath) == "" {
		cfg.Store.DBPath = filepath.Join(cfg.HomeDir, "tasks.db")
	}
	if cfg.Store.BusyTimeoutMS < 0 {
		cfg.Store.BusyTimeoutMS = 0
	}
	if cfg.Store.BusyRetryAttempts <= 0 {
		cfg.Store.BusyRetryAttempts = 5
	}
	if cfg.Store.BusyRetryDelayMS <= 0 {
		cfg.Store.BusyRetryDelayMS = 500
	}
	if cfg.Store.RetentionDays < 0 {
		cfg.Store.RetentionDays = 0
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = broker.DefaultPort
	}
	if cfg.Broker.VHost == "" {
		cfg.Broker.VHost = broker.DefaultVHost
	}
}

// Validate reports settings that would fail at startup.
func Validate(cfg Config) error {
	switch cfg.DispatchMode {
	case DispatchLocal:
	case DispatchBroker:
		if !cfg.Broker.Enabled {
			return fmt.Errorf("dispatch_mode %q requires broker.enabled", cfg.DispatchMode)
		}
		if cfg.Broker.OutboundQueue == "" {
			return fmt.Errorf("dispatch_mode %q requires broker.outbound_queue", cfg.DispatchMode)
		}
	default:
		return fmt.Errorf("unknown dispatch_mode %q (supported: %s, %s)", cfg.DispatchMode, DispatchLocal, DispatchBroker)
	}
	if cfg.ScanSchedule != "" {
		if err := cron.ValidateSchedule(cfg.ScanSchedule); err != nil {
			return fmt.Errorf("scan_schedule: %w", err)
		}
	}
	if cfg.Store.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Store.Timezone); err != nil {
			return fmt.Errorf("store.timezone: %w", err)
		}
	}
	if cfg.Broker.Enabled && strings.TrimSpace(cfg.Broker.Host) == "" {
		return fmt.Errorf("broker.enabled requires broker.host")
	}
	if cfg.Broker.Port < 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", cfg.Broker.Port)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRELAY_DB_PATH"); raw != "" {
		cfg.Store.DBPath = raw
	}
	if raw := os.Getenv("TASKRELAY_TIMEZONE"); raw != "" {
		cfg.Store.Timezone = raw
	}
	if raw := os.Getenv("TASKRELAY_SCAN_SCHEDULE"); raw != "" {
		cfg.ScanSchedule = raw
	}
	if raw := os.Getenv("TASKRELAY_DISPATCH_MODE"); raw != "" {
		cfg.DispatchMode = raw
	}
	if raw := os.Getenv("TASKRELAY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKRELAY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("RABBITMQ_HOST"); raw != "" {
		cfg.Broker.Host = raw
	}
	if raw := os.Getenv("RABBITMQ_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Broker.Port = v
		}
	}
	if raw := os.Getenv("RABBITMQ_USERNAME"); raw != "" {
		cfg.Broker.Username = raw
	}
	if raw := os.Getenv("RABBITMQ_PASSWORD"); raw != "" {
		cfg.Broker.Password = raw
	}
	if raw := os.Getenv("RABBITMQ_VHOST"); raw != "" {
		cfg.Broker.VHost = raw
	}
	if raw := os.Getenv("RABBITMQ_TLS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Broker.TLS = v
		}
	}
}
