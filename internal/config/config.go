package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chemgate/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHEMGATE_"

// DotEnvFile is read, when present, before environment overrides are applied.
// Variables already set in the process environment win over the file.
var DotEnvFile = ".env"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}

	// Override with environment variables
	loadFromEnvironment(config)

	fillRuleDefaults(config.RateLimit.Rules)

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// fillRuleDefaults completes partially specified rules for known categories,
// so a file that only sets rules.upload.requests keeps the default window.
func fillRuleDefaults(rules map[string]models.RateLimitRuleConfig) {
	defaults := models.DefaultRateLimitRules()
	for name, rule := range rules {
		def, ok := defaults[name]
		if !ok {
			continue
		}
		if rule.Requests == 0 {
			rule.Requests = def.Requests
		}
		if rule.Window == 0 {
			rule.Window = def.Window
		}
		if rule.Penalty == 0 {
			rule.Penalty = def.Penalty
		}
		rules[name] = rule
	}
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("PORT", &config.Server.Port)

	if host := os.Getenv(EnvPrefix + "HOST"); host != "" {
		config.Server.Host = host
	}

	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)

	if certFile := os.Getenv(EnvPrefix + "TLS_CERT_FILE"); certFile != "" {
		config.Server.TLSCertFile = certFile
	}

	if keyFile := os.Getenv(EnvPrefix + "TLS_KEY_FILE"); keyFile != "" {
		config.Server.TLSKeyFile = keyFile
	}

	if token := os.Getenv(EnvPrefix + "ADMIN_TOKEN"); token != "" {
		config.Server.AdminToken = token
	}

	if origins := os.Getenv(EnvPrefix + "CORS_ALLOWED_ORIGINS"); origins != "" {
		config.Server.CORS.AllowedOrigins = splitList(origins)
	}

	// Session configuration
	envInt("MAX_CONCURRENT_USERS", &config.Session.MaxConcurrentUsers)
	envDuration("SESSION_TIMEOUT", &config.Session.InactivityTimeout)
	envDuration("SESSION_CLEANUP_INTERVAL", &config.Session.CleanupInterval)
	envDuration("SESSION_CREATE_TIMEOUT", &config.Session.CreateTimeout)
	envDuration("AVERAGE_SESSION_DURATION", &config.Session.AverageSessionDuration)

	// Rate limit configuration
	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_PENALTY_CAP", &config.RateLimit.PenaltyCap)
	envDuration("RATE_LIMIT_CLEANUP_INTERVAL", &config.RateLimit.CleanupInterval)
	envDuration("RATE_LIMIT_CLIENT_IDLE_TTL", &config.RateLimit.ClientIdleTTL)

	if backend := os.Getenv(EnvPrefix + "RATE_LIMIT_STATS_BACKEND"); backend != "" {
		config.RateLimit.StatsBackend = backend
	}

	if raw := os.Getenv(EnvPrefix + "RATE_LIMIT_RULES"); raw != "" {
		rules, err := parseRulesJSON(raw)
		if err != nil {
			slog.Warn("Ignoring invalid rate limit rules from environment", "env", EnvPrefix+"RATE_LIMIT_RULES", "error", err)
		} else {
			if config.RateLimit.Rules == nil {
				config.RateLimit.Rules = make(map[string]models.RateLimitRuleConfig)
			}
			for name, rule := range rules {
				config.RateLimit.Rules[name] = rule
			}
		}
	}

	// Realtime configuration
	envDuration("WS_SEND_TIMEOUT", &config.Realtime.SendTimeout)
	envDuration("WS_BROADCAST_TIMEOUT", &config.Realtime.BroadcastTimeout)
	envDuration("WS_PING_INTERVAL", &config.Realtime.PingInterval)
	envInt("WS_MAX_CONNECTIONS", &config.Realtime.MaxConnections)

	// Storage configuration
	if storageType := os.Getenv(EnvPrefix + "STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}

	if dsn := os.Getenv(EnvPrefix + "DATABASE_DSN"); dsn != "" {
		config.Storage.Database.DSN = dsn
	}

	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)
	envInt("STORAGE_BUFFER_SIZE", &config.Storage.BufferSize)
	envDuration("STORAGE_WRITE_TIMEOUT", &config.Storage.WriteTimeout)

	// Redis configuration
	if addr := os.Getenv(EnvPrefix + "REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	if password := os.Getenv(EnvPrefix + "REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	envInt("REDIS_DB", &config.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.Redis.PoolSize)

	// Logging configuration
	if level := os.Getenv(EnvPrefix + "LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if format := os.Getenv(EnvPrefix + "LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if output := os.Getenv(EnvPrefix + "LOG_OUTPUT"); output != "" {
		config.Logging.Output = output
	}

	if filePath := os.Getenv(EnvPrefix + "LOG_FILE_PATH"); filePath != "" {
		config.Logging.FilePath = filePath
	}

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)

	if path := os.Getenv(EnvPrefix + "METRICS_PATH"); path != "" {
		config.Metrics.Path = path
	}

	envInt("METRICS_PORT", &config.Metrics.Port)

	// Tracing configuration
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)

	if exporter := os.Getenv(EnvPrefix + "TRACING_EXPORTER"); exporter != "" {
		config.Observability.Tracing.Exporter = exporter
	}

	if endpoint := os.Getenv(EnvPrefix + "OTLP_ENDPOINT"); endpoint != "" {
		config.Observability.Tracing.OTLPEndpoint = endpoint
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// jsonRule is the environment form of a rule: window and penalty in seconds.
type jsonRule struct {
	Requests int `json:"requests"`
	Window   int `json:"window"`
	Burst    int `json:"burst"`
	Penalty  int `json:"penalty"`
}

func parseRulesJSON(raw string) (map[string]models.RateLimitRuleConfig, error) {
	var parsed map[string]jsonRule
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	rules := make(map[string]models.RateLimitRuleConfig, len(parsed))
	for name, r := range parsed {
		rule := models.RateLimitRuleConfig{
			Requests: r.Requests,
			Window:   time.Duration(r.Window) * time.Second,
			Burst:    r.Burst,
			Penalty:  time.Duration(r.Penalty) * time.Second,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		rules[strings.ToLower(name)] = rule
	}
	return rules, nil
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example TLS configuration
	config.Server.TLSEnabled = false
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	config.Storage.Database.DSN = "file:./data/chemgate.db"

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
