// Package models - Service configuration and operational settings.
// This file defines configuration structures for every gateway component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, session, rate_limit, etc.)
// - Defaults that work out of the box for a single-node deployment
// - Validation per section to catch misconfigurations at startup
// - Every admission and rate-limit tunable lives here, not in code
package models

import (
	"errors"
	"fmt"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Rate limit stats backends
const (
	StatsBackendMemory = "memory"
	StatsBackendRedis  = "redis"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Session: admission control (concurrency cap, inactivity expiry)
// - RateLimit: per-category sliding window rules and penalties
// - Realtime: push channel timeouts
// - Storage: audit event log backend
// - Logging, Metrics, Observability: ambient concerns
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Realtime      RealtimeConfig      `yaml:"realtime" json:"realtime"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	AdminToken   string        `yaml:"admin_token" json:"-"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// SessionConfig controls admission to the processing pool.
//
// AverageSessionDuration only feeds the queue ETA shown to waiting clients;
// it has no effect on admission itself.
type SessionConfig struct {
	MaxConcurrentUsers     int           `yaml:"max_concurrent_users" json:"max_concurrent_users"`
	InactivityTimeout      time.Duration `yaml:"inactivity_timeout" json:"inactivity_timeout"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	CreateTimeout          time.Duration `yaml:"create_timeout" json:"create_timeout"`
	AverageSessionDuration time.Duration `yaml:"average_session_duration" json:"average_session_duration"`
	CookieName             string        `yaml:"cookie_name" json:"cookie_name"`
}

// RateLimitRuleConfig is the YAML form of one endpoint category rule.
type RateLimitRuleConfig struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
	Burst    int           `yaml:"burst" json:"burst"`
	Penalty  time.Duration `yaml:"penalty" json:"penalty"`
}

type RateLimitConfig struct {
	Enabled         bool                           `yaml:"enabled" json:"enabled"`
	PenaltyCap      int                            `yaml:"penalty_cap" json:"penalty_cap"`
	CleanupInterval time.Duration                  `yaml:"cleanup_interval" json:"cleanup_interval"`
	ClientIdleTTL   time.Duration                  `yaml:"client_idle_ttl" json:"client_idle_ttl"`
	Rules           map[string]RateLimitRuleConfig `yaml:"rules" json:"rules"`
	StatsBackend    string                         `yaml:"stats_backend" json:"stats_backend"`
}

type RealtimeConfig struct {
	SendTimeout       time.Duration `yaml:"send_timeout" json:"send_timeout"`
	BroadcastTimeout  time.Duration `yaml:"broadcast_timeout" json:"broadcast_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval" json:"ping_interval"`
	MaxConnections    int           `yaml:"max_connections" json:"max_connections"`
	InboundRatePerSec float64       `yaml:"inbound_rate_per_sec" json:"inbound_rate_per_sec"`
	InboundBurst      int           `yaml:"inbound_burst" json:"inbound_burst"`
}

type StorageConfig struct {
	Type         string         `yaml:"type" json:"type"`
	Database     DatabaseConfig `yaml:"database" json:"database"`
	BufferSize   int            `yaml:"buffer_size" json:"buffer_size"`
	WriteTimeout time.Duration  `yaml:"write_timeout" json:"write_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	PoolSize int           `yaml:"pool_size" json:"pool_size"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultRateLimitRules returns the built-in rule set, one entry per endpoint
// category. Upload-heavy categories are the strictest, heartbeats the most lenient.
func DefaultRateLimitRules() map[string]RateLimitRuleConfig {
	return map[string]RateLimitRuleConfig{
		"upload":    {Requests: 5, Window: 60 * time.Second, Burst: 2, Penalty: 60 * time.Second},
		"pdf":       {Requests: 5, Window: 60 * time.Second, Burst: 1, Penalty: 30 * time.Second},
		"process":   {Requests: 10, Window: 60 * time.Second, Burst: 3, Penalty: 30 * time.Second},
		"ocsr":      {Requests: 15, Window: 60 * time.Second, Burst: 5, Penalty: 20 * time.Second},
		"depiction": {Requests: 20, Window: 60 * time.Second, Burst: 10, Penalty: 15 * time.Second},
		"session":   {Requests: 30, Window: 60 * time.Second, Burst: 10, Penalty: 10 * time.Second},
		"heartbeat": {Requests: 60, Window: 60 * time.Second, Burst: 20, Penalty: 5 * time.Second},
		"default":   {Requests: 15, Window: 60 * time.Second, Burst: 5, Penalty: 20 * time.Second},
	}
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Three concurrent sessions: the recognition workers are GPU-bound
// - Five minute inactivity timeout, swept every 30 seconds
// - Five second creation timeout so an overloaded gateway fails fast
// - Rate limiting enabled with a 5x progressive penalty cap
// - In-memory audit log; swap to sqlite/postgres for retention
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Session-ID"},
				MaxAge:         86400,
			},
		},
		Session: SessionConfig{
			MaxConcurrentUsers:     3,
			InactivityTimeout:      5 * time.Minute,
			CleanupInterval:        30 * time.Second,
			CreateTimeout:          5 * time.Second,
			AverageSessionDuration: 15 * time.Minute,
			CookieName:             "chemgate_session_id",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			PenaltyCap:      5,
			CleanupInterval: 5 * time.Minute,
			ClientIdleTTL:   time.Hour,
			Rules:           DefaultRateLimitRules(),
			StatsBackend:    StatsBackendMemory,
		},
		Realtime: RealtimeConfig{
			SendTimeout:       2 * time.Second,
			BroadcastTimeout:  3 * time.Second,
			PingInterval:      30 * time.Second,
			MaxConnections:    1000,
			InboundRatePerSec: 5,
			InboundBurst:      10,
		},
		Storage: StorageConfig{
			Type:         StorageTypeMemory,
			BufferSize:   256,
			WriteTimeout: 2 * time.Second,
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Prefix:   "chemgate:ratelimit",
			TTL:      24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "chemgate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("invalid realtime config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if c.RateLimit.StatsBackend == StatsBackendRedis && c.Redis.Addr == "" {
		return errors.New("invalid redis config: address is required when stats backend is redis")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (sc *SessionConfig) Validate() error {
	if sc.MaxConcurrentUsers <= 0 {
		return errors.New("max concurrent users must be positive")
	}

	if sc.InactivityTimeout <= 0 {
		return errors.New("inactivity timeout must be positive")
	}

	if sc.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}

	if sc.CreateTimeout <= 0 {
		return errors.New("create timeout must be positive")
	}

	if sc.AverageSessionDuration < 0 {
		return errors.New("average session duration cannot be negative")
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}

	if rc.PenaltyCap <= 0 {
		return errors.New("penalty cap must be positive")
	}

	if rc.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}

	if rc.ClientIdleTTL <= 0 {
		return errors.New("client idle TTL must be positive")
	}

	if _, ok := rc.Rules["default"]; !ok {
		return errors.New("a default rule is required")
	}

	for name, rule := range rc.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", name, err)
		}
	}

	switch rc.StatsBackend {
	case "", StatsBackendMemory, StatsBackendRedis:
	default:
		return fmt.Errorf("invalid stats backend: %s", rc.StatsBackend)
	}

	return nil
}

func (r RateLimitRuleConfig) Validate() error {
	if r.Requests <= 0 {
		return errors.New("requests must be positive")
	}
	if r.Window <= 0 {
		return errors.New("window must be positive")
	}
	if r.Burst < 0 {
		return errors.New("burst cannot be negative")
	}
	if r.Penalty < 0 {
		return errors.New("penalty cannot be negative")
	}
	return nil
}

func (rc *RealtimeConfig) Validate() error {
	if rc.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if rc.BroadcastTimeout <= 0 {
		return errors.New("broadcast timeout must be positive")
	}
	if rc.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}
	if rc.MaxConnections <= 0 {
		return errors.New("max connections must be positive")
	}
	if rc.InboundRatePerSec <= 0 || rc.InboundBurst <= 0 {
		return errors.New("inbound rate and burst must be positive")
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	if stc.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	if !oneOf(oc.Tracing.Exporter, "stdout", "otlp") {
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when exporter is otlp")
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
