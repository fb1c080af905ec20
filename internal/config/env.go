// Package config handles environment-based configuration loading and tuning overrides.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"
)

// Deployment environments. ENVIRONMENT gates the weak-secret check and the
// attendance bridge (bridge calls are only made in production).
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Storage
	DatabaseURL string
	RedisURL    string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int
	MaxConns        int

	// Auth
	JWTSecret           string
	Environment         string
	FrontendURL         string
	ExtraAllowedOrigins []string

	// Core
	InstanceID           string
	TuningFile           string
	GeoIPDBPath          string
	GeoIPReloadSchedule  string
	CacheLocalMaxEntries int

	// Outbound
	SparrowEndpoint   string
	SparrowAPIKey     string
	AttendanceTimeout time.Duration
	ExpoPushURL       string
	ExpoAccessToken   string
	PushTimeout       time.Duration

	// Error log
	ErrorLogQueueSize      int
	ErrorLogFlushBatchSize int
	ErrorLogFlushInterval  time.Duration
	ErrorLogRetentionDays  int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Storage ---
	cfg.DatabaseURL = envStr("DATABASE_URL", "/var/lib/crewtrack/crewtrack.db")
	cfg.RedisURL = envStr("REDIS_URL", "redis://127.0.0.1:6379/0")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("CREWTRACK_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("CREWTRACK_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("CREWTRACK_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.MaxConns = envInt("CREWTRACK_MAX_CONNS", 4096, &errs)

	// --- Auth (JWT_SECRET must be defined and non-empty) ---
	jwtSecret, hasJWTSecret := os.LookupEnv("JWT_SECRET")
	cfg.JWTSecret = jwtSecret
	cfg.Environment = envStr("ENVIRONMENT", EnvDevelopment)
	cfg.FrontendURL = strings.TrimSpace(envStr("FRONTEND_URL", ""))
	cfg.ExtraAllowedOrigins = envStringSlice("CREWTRACK_EXTRA_ALLOWED_ORIGINS", []string{}, &errs)

	// --- Core ---
	cfg.InstanceID = strings.TrimSpace(envStr("CREWTRACK_INSTANCE_ID", ""))
	cfg.TuningFile = envStr("CREWTRACK_TUNING_FILE", "")
	cfg.GeoIPDBPath = envStr("CREWTRACK_GEOIP_DB", "")
	cfg.GeoIPReloadSchedule = envStr("CREWTRACK_GEOIP_RELOAD_SCHEDULE", "0 7 * * *")
	cfg.CacheLocalMaxEntries = envInt("CREWTRACK_CACHE_LOCAL_MAX_ENTRIES", 100_000, &errs)

	// --- Outbound ---
	cfg.SparrowEndpoint = strings.TrimSpace(envStr("SPARROW_ENDPOINT", ""))
	cfg.SparrowAPIKey = envStr("SPARROW_API_KEY", "")
	cfg.AttendanceTimeout = envDuration("CREWTRACK_ATTENDANCE_TIMEOUT", 10*time.Second, &errs)
	cfg.ExpoPushURL = strings.TrimSpace(envStr("EXPO_PUSH_URL", "https://exp.host/api/v2/push/send"))
	cfg.ExpoAccessToken = envStr("EXPO_ACCESS_TOKEN", "")
	cfg.PushTimeout = envDuration("CREWTRACK_PUSH_TIMEOUT", 10*time.Second, &errs)

	// --- Error log ---
	cfg.ErrorLogQueueSize = envInt("CREWTRACK_ERROR_LOG_QUEUE_SIZE", 8192, &errs)
	cfg.ErrorLogFlushBatchSize = envInt("CREWTRACK_ERROR_LOG_FLUSH_BATCH_SIZE", 512, &errs)
	cfg.ErrorLogFlushInterval = envDuration("CREWTRACK_ERROR_LOG_FLUSH_INTERVAL", 5*time.Second, &errs)
	cfg.ErrorLogRetentionDays = envInt("CREWTRACK_ERROR_LOG_RETENTION_DAYS", 30, &errs)

	// --- Validation ---
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		errs = append(errs, "DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		errs = append(errs, "REDIS_URL must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "CREWTRACK_LISTEN_ADDRESS must not be empty")
	}

	validatePort("CREWTRACK_PORT", cfg.Port, &errs)
	validatePositive("CREWTRACK_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("CREWTRACK_MAX_CONNS", cfg.MaxConns, &errs)

	if !hasJWTSecret || cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET must be defined and non-empty")
	} else if cfg.Environment == EnvProduction && IsWeakSecret(cfg.JWTSecret) {
		errs = append(errs, "JWT_SECRET is too weak for production (use a long random value)")
	}
	if !isValidEnvironment(cfg.Environment) {
		errs = append(errs, fmt.Sprintf(
			"ENVIRONMENT: invalid value %q (allowed: %s, %s, %s)",
			cfg.Environment, EnvDevelopment, EnvStaging, EnvProduction,
		))
	}
	if cfg.FrontendURL != "" {
		validateHTTPURL("FRONTEND_URL", cfg.FrontendURL, &errs)
	}
	for _, origin := range cfg.ExtraAllowedOrigins {
		validateHTTPURL("CREWTRACK_EXTRA_ALLOWED_ORIGINS", origin, &errs)
	}

	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CREWTRACK_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	validatePositive("CREWTRACK_CACHE_LOCAL_MAX_ENTRIES", cfg.CacheLocalMaxEntries, &errs)

	if cfg.SparrowEndpoint != "" {
		validateHTTPURL("SPARROW_ENDPOINT", cfg.SparrowEndpoint, &errs)
	}
	if cfg.SparrowAPIKey != "" && !httpguts.ValidHeaderFieldValue(cfg.SparrowAPIKey) {
		errs = append(errs, "SPARROW_API_KEY: not a valid HTTP header value")
	}
	validateHTTPURL("EXPO_PUSH_URL", cfg.ExpoPushURL, &errs)
	if cfg.ExpoAccessToken != "" && !httpguts.ValidHeaderFieldValue(cfg.ExpoAccessToken) {
		errs = append(errs, "EXPO_ACCESS_TOKEN: not a valid HTTP header value")
	}
	if cfg.AttendanceTimeout <= 0 {
		errs = append(errs, "CREWTRACK_ATTENDANCE_TIMEOUT must be positive")
	}
	if cfg.PushTimeout <= 0 {
		errs = append(errs, "CREWTRACK_PUSH_TIMEOUT must be positive")
	}

	validatePositive("CREWTRACK_ERROR_LOG_QUEUE_SIZE", cfg.ErrorLogQueueSize, &errs)
	validatePositive("CREWTRACK_ERROR_LOG_FLUSH_BATCH_SIZE", cfg.ErrorLogFlushBatchSize, &errs)
	validatePositive("CREWTRACK_ERROR_LOG_RETENTION_DAYS", cfg.ErrorLogRetentionDays, &errs)
	if cfg.ErrorLogFlushInterval <= 0 {
		errs = append(errs, "CREWTRACK_ERROR_LOG_FLUSH_INTERVAL must be positive")
	}

	// Queue size must be >= 2x batch size
	if cfg.ErrorLogQueueSize < 2*cfg.ErrorLogFlushBatchSize {
		errs = append(errs, "CREWTRACK_ERROR_LOG_QUEUE_SIZE must be at least 2x CREWTRACK_ERROR_LOG_FLUSH_BATCH_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// AllowedOrigins returns the websocket/CORS origin allow-list: FRONTEND_URL
// (when set) plus any extra configured origins. Empty means same-origin only.
func (c *EnvConfig) AllowedOrigins() []string {
	out := make([]string, 0, len(c.ExtraAllowedOrigins)+1)
	if c.FrontendURL != "" {
		out = append(out, c.FrontendURL)
	}
	out = append(out, c.ExtraAllowedOrigins...)
	return out
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateHTTPURL(name, value string, errs *[]string) {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		*errs = append(*errs, fmt.Sprintf("%s: must be an absolute http(s) URL, got %q", name, value))
	}
}

func isValidEnvironment(env string) bool {
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}
