// Package config provides configuration loading for mcptasksd.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration object for an mcptasksd process.
// It is assembled by Load (environment-only) or LoadWithFile (YAML/TOML
// file plus environment overrides) and passed by value into every
// component constructor that needs it.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Router        RouterConfig        `koanf:"router"`
	Backend       BackendConfig       `koanf:"backend"`
	Notify        NotifyConfig        `koanf:"notify"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Production    ProductionConfig    `koanf:"production"`
}

// StoreConfig holds the Task Store's resource budgets, per spec §6's
// "Configuration options" paragraph.
type StoreConfig struct {
	// MaxVariableSizeBytes bounds the canonical-JSON size of a task's
	// variables map.
	MaxVariableSizeBytes int `koanf:"max_variable_size_bytes"`

	// DefaultTTLMs is applied when a caller creates a task without
	// specifying a TTL. Nil means tasks never expire by default.
	DefaultTTLMs *int64 `koanf:"default_ttl_ms"`

	// MaxTTLMs clamps any caller-supplied TTL. Nil means no upper bound.
	MaxTTLMs *int64 `koanf:"max_ttl_ms"`

	// MaxVariableDepth bounds nested object/array depth in variables.
	MaxVariableDepth int `koanf:"max_variable_depth"`

	// MaxStringLength bounds any single string value within variables.
	MaxStringLength int `koanf:"max_string_length"`

	// MaxActiveTasksPerOwner caps concurrently non-terminal tasks per
	// owner; zero means unbounded. Enforced by the backend, surfaced by
	// the store as ResourceExhausted.
	MaxActiveTasksPerOwner int `koanf:"max_active_tasks_per_owner"`

	// ReapInterval drives the backend's background cleanup_expired
	// sweep. Zero disables the background reaper; callers may still
	// invoke cleanup_expired on demand.
	ReapInterval time.Duration `koanf:"reap_interval"`
}

// RouterConfig holds Protocol Router behavior, per spec §6.
type RouterConfig struct {
	// StatelessMode, when nil, is auto-detected from the platform
	// environment (see DetectStatelessMode). When set, it overrides
	// auto-detection.
	StatelessMode *bool `koanf:"stateless_mode"`

	// MaxCompositionDepth bounds GetPrompt -> tools/call workflow
	// composition chains.
	MaxCompositionDepth int `koanf:"max_composition_depth"`

	// AllowAnonymous permits the sentinel owner when no auth context is
	// present on the transport extras.
	AllowAnonymous bool `koanf:"allow_anonymous"`

	// AnonymousOwnerID is the sentinel owner used when AllowAnonymous is
	// true and no authenticated subject is available.
	AnonymousOwnerID string `koanf:"anonymous_owner_id"`
}

// BackendConfig selects and configures the Storage Backend.
type BackendConfig struct {
	// Kind selects the backend implementation: "memory" or "redis".
	Kind string `koanf:"kind"`

	Redis RedisBackendConfig `koanf:"redis"`
}

// RedisBackendConfig configures the Redis-backed CAS Storage Backend.
type RedisBackendConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// NotifyConfig configures the best-effort NATS status-push notifier.
type NotifyConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject_prefix"`
}

// ServerConfig configures the optional HTTP transport adapter
// (health/readiness surface; the MCP transport itself is out of scope).
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig configures OTEL tracing/metrics export.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	PrometheusPort  int    `koanf:"prometheus_port"`
}

// ProductionConfig holds production deployment guardrails.
type ProductionConfig struct {
	// Enabled indicates whether production mode is active.
	// Set via MCPTASKS_PRODUCTION_MODE=1 environment variable.
	Enabled bool `koanf:"enabled"`

	// RequireAuthentication enforces a non-anonymous owner in production.
	RequireAuthentication bool `koanf:"require_authentication"`

	// AuthenticationConfigured indicates if auth is properly set up.
	AuthenticationConfigured bool `koanf:"authentication_configured"`
}

// IsProduction returns true if running in production mode.
func (c *ProductionConfig) IsProduction() bool {
	return c.Enabled
}

// Validate checks production configuration for security issues.
func (c *ProductionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequireAuthentication && !c.AuthenticationConfigured {
		return errors.New("SECURITY: RequireAuthentication enabled but authentication not configured")
	}
	return nil
}

// DefaultStoreConfig returns the defaults named in spec.md §6.
func DefaultStoreConfig() StoreConfig {
	defaultTTL := int64(3_600_000)
	maxTTL := int64(86_400_000)
	return StoreConfig{
		MaxVariableSizeBytes:   1_048_576,
		DefaultTTLMs:           &defaultTTL,
		MaxTTLMs:               &maxTTL,
		MaxVariableDepth:       10,
		MaxStringLength:        65_536,
		MaxActiveTasksPerOwner: 0,
		ReapInterval:           30 * time.Second,
	}
}

// DefaultRouterConfig returns the defaults named in spec.md §6.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		StatelessMode:       nil,
		MaxCompositionDepth: 8,
		AllowAnonymous:      false,
		AnonymousOwnerID:    "local",
	}
}

// Load builds a Config from environment variables only, layered over
// hardcoded defaults. Use LoadWithFile to additionally read a
// YAML/TOML file.
func Load() *Config {
	defaultTTLMs := int64(getEnvInt("STORE_DEFAULT_TTL_MS", 3_600_000))
	maxTTLMs := int64(getEnvInt("STORE_MAX_TTL_MS", 86_400_000))

	var statelessMode *bool
	if v := os.Getenv("ROUTER_STATELESS_MODE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			statelessMode = &parsed
		}
	}

	return &Config{
		Store: StoreConfig{
			MaxVariableSizeBytes:   getEnvInt("STORE_MAX_VARIABLE_SIZE_BYTES", 1_048_576),
			DefaultTTLMs:           &defaultTTLMs,
			MaxTTLMs:               &maxTTLMs,
			MaxVariableDepth:       getEnvInt("STORE_MAX_VARIABLE_DEPTH", 10),
			MaxStringLength:        getEnvInt("STORE_MAX_STRING_LENGTH", 65_536),
			MaxActiveTasksPerOwner: getEnvInt("STORE_MAX_ACTIVE_TASKS_PER_OWNER", 0),
			ReapInterval:           getEnvDuration("STORE_REAP_INTERVAL", 30*time.Second),
		},
		Router: RouterConfig{
			StatelessMode:       statelessMode,
			MaxCompositionDepth: getEnvInt("ROUTER_MAX_COMPOSITION_DEPTH", 8),
			AllowAnonymous:      getEnvBool("ROUTER_ALLOW_ANONYMOUS", false),
			AnonymousOwnerID:    getEnvString("ROUTER_ANONYMOUS_OWNER_ID", "local"),
		},
		Backend: BackendConfig{
			Kind: getEnvString("BACKEND_KIND", "memory"),
			Redis: RedisBackendConfig{
				Addr:      getEnvString("BACKEND_REDIS_ADDR", "localhost:6379"),
				Password:  Secret(getEnvString("BACKEND_REDIS_PASSWORD", "")),
				DB:        getEnvInt("BACKEND_REDIS_DB", 0),
				KeyPrefix: getEnvString("BACKEND_REDIS_KEY_PREFIX", "mcptasks"),
			},
		},
		Notify: NotifyConfig{
			Enabled: getEnvBool("NOTIFY_NATS_ENABLED", false),
			URL:     getEnvString("NOTIFY_NATS_URL", "nats://localhost:4222"),
			Subject: getEnvString("NOTIFY_NATS_SUBJECT_PREFIX", "notifications.tasks.status"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 9090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OTEL_ENABLE", false),
			ServiceName:     getEnvString("OTEL_SERVICE_NAME", "mcptasksd"),
			OTLPEndpoint:    getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			PrometheusPort:  getEnvInt("OTEL_PROMETHEUS_PORT", 9464),
		},
		Production: ProductionConfig{
			Enabled:                   getEnvBool("MCPTASKS_PRODUCTION_MODE", false),
			RequireAuthentication:     getEnvBool("MCPTASKS_REQUIRE_AUTH", false),
			AuthenticationConfigured: getEnvBool("MCPTASKS_AUTH_CONFIGURED", false),
		},
	}
}

// Validate checks the assembled configuration for consistency and
// rejects values that would violate spec.md's resource-budget
// invariants or create an insecure deployment.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Store.MaxVariableSizeBytes <= 0 {
		return errors.New("store.max_variable_size_bytes must be positive")
	}
	if c.Store.MaxVariableDepth <= 0 {
		return errors.New("store.max_variable_depth must be positive")
	}
	if c.Store.MaxStringLength <= 0 {
		return errors.New("store.max_string_length must be positive")
	}
	if c.Store.DefaultTTLMs != nil && c.Store.MaxTTLMs != nil && *c.Store.DefaultTTLMs > *c.Store.MaxTTLMs {
		return fmt.Errorf("store.default_ttl_ms (%d) exceeds store.max_ttl_ms (%d)", *c.Store.DefaultTTLMs, *c.Store.MaxTTLMs)
	}
	if c.Store.MaxActiveTasksPerOwner < 0 {
		return errors.New("store.max_active_tasks_per_owner must be non-negative")
	}

	if c.Router.MaxCompositionDepth <= 0 {
		return errors.New("router.max_composition_depth must be positive")
	}

	switch c.Backend.Kind {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid backend.kind: %q (must be 'memory' or 'redis')", c.Backend.Kind)
	}
	if c.Backend.Kind == "redis" {
		host, _, err := net.SplitHostPort(c.Backend.Redis.Addr)
		if err != nil {
			return fmt.Errorf("invalid backend.redis.addr: %w", err)
		}
		if err := validateHostname(host); err != nil {
			return fmt.Errorf("invalid backend.redis.addr host: %w", err)
		}
	}

	if c.Notify.Enabled {
		if err := validateURL(strings.Replace(c.Notify.URL, "nats://", "http://", 1)); err != nil {
			return fmt.Errorf("invalid notify.url: %w", err)
		}
	}

	if err := c.Production.Validate(); err != nil {
		return fmt.Errorf("production config validation failed: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// validateHostname checks if a hostname is safe (no command injection
// attempts). Uses positive validation with net.ParseIP for IP
// addresses and regexp for hostnames.
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}
	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validatePath checks if a path is safe (no path traversal).
func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		origDepth := strings.Count(path, string(filepath.Separator))
		cleanDepth := strings.Count(clean, string(filepath.Separator))
		if cleanDepth < origDepth-1 {
			return fmt.Errorf("path traversal detected: %s (resolves to %s)", path, clean)
		}
	}
	return nil
}

// validateURL checks if a URL uses allowed schemes (http/https only).
func validateURL(urlStr string) error {
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", urlStr)
	}
	return nil
}

// DetectStatelessMode auto-detects stateless deployment (e.g. Lambda,
// Workers) from the platform environment, used when RouterConfig's
// StatelessMode is nil.
func DetectStatelessMode() bool {
	for _, key := range []string{"AWS_LAMBDA_FUNCTION_NAME", "FUNCTIONS_WORKER_RUNTIME", "VERCEL", "CF_PAGES"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// Stateless resolves RouterConfig's effective stateless-mode value.
func (c RouterConfig) Stateless() bool {
	if c.StatelessMode != nil {
		return *c.StatelessMode
	}
	return DetectStatelessMode()
}
