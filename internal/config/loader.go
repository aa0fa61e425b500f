// Package config provides configuration loading for mcptasksd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML or TOML file, then
// overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STORE_MAX_VARIABLE_SIZE_BYTES, ROUTER_MAX_COMPOSITION_DEPTH, etc.)
//  2. Config file (~/.config/mcptasks/config.yaml or config.toml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the file to load. If empty, uses
// the default YAML path. The file's extension selects the parser:
// ".toml" loads via BurntSushi/toml, anything else via the YAML parser.
//
// # Security Considerations
//
// File Permissions: Configuration file MUST have 0600 permissions (owner read/write only).
// Files with weaker permissions (e.g., 0644 world-readable) will be rejected.
//
// Path Validation: Only configuration files in allowed directories can be loaded:
//   - ~/.config/mcptasks/ (user's config directory)
//   - /etc/mcptasks/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path traversal attacks.
//
// File Size Limit: Configuration files larger than 1MB are rejected to prevent
// resource exhaustion attacks.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separator and are uppercased.
// The transformer maps environment variables to config field names:
//
//	STORE_MAX_VARIABLE_SIZE_BYTES -> store.max_variable_size_bytes
//	ROUTER_MAX_COMPOSITION_DEPTH -> router.max_composition_depth
//	BACKEND_REDIS_ADDR -> backend.redis_addr
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "mcptasks", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if strings.EqualFold(filepath.Ext(configPath), ".toml") {
			var tomlValues map[string]interface{}
			if _, err := toml.Decode(string(content), &tomlValues); err != nil {
				return nil, fmt.Errorf("failed to parse TOML config file %s: %w", configPath, err)
			}
			if err := k.Load(mapProvider(tomlValues), nil); err != nil {
				return nil, fmt.Errorf("failed to load TOML config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		section := parts[0]
		fieldName := parts[1]
		return section + "." + fieldName
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// mapProvider adapts an already-decoded nested map (as produced by
// BurntSushi/toml) into a koanf.Provider, avoiding a dependency on
// koanf's separate confmap provider package for the one TOML code path.
type mapProvider map[string]interface{}

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("mapProvider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}(m), nil
}

// EnsureConfigDir creates the mcptasks config directory if it doesn't exist.
// Called during startup so new installs have the config directory ready.
// Created with 0700 permissions (owner read/write/execute only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "mcptasks"),
		"/etc/mcptasks",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/mcptasks/ or /etc/mcptasks/")
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Only runs if the file exists. Takes FileInfo from an already-opened
// file descriptor to avoid TOCTOU races.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "mcptasksd"
	}

	if cfg.Store.MaxVariableSizeBytes == 0 {
		cfg.Store.MaxVariableSizeBytes = 1_048_576
	}
	if cfg.Store.MaxVariableDepth == 0 {
		cfg.Store.MaxVariableDepth = 10
	}
	if cfg.Store.MaxStringLength == 0 {
		cfg.Store.MaxStringLength = 65_536
	}
	if cfg.Store.DefaultTTLMs == nil {
		v := int64(3_600_000)
		cfg.Store.DefaultTTLMs = &v
	}
	if cfg.Store.MaxTTLMs == nil {
		v := int64(86_400_000)
		cfg.Store.MaxTTLMs = &v
	}
	if cfg.Store.ReapInterval == 0 {
		cfg.Store.ReapInterval = 30 * time.Second
	}

	if cfg.Router.MaxCompositionDepth == 0 {
		cfg.Router.MaxCompositionDepth = 8
	}
	if cfg.Router.AnonymousOwnerID == "" {
		cfg.Router.AnonymousOwnerID = "local"
	}

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "memory"
	}
	if cfg.Backend.Redis.Addr == "" {
		cfg.Backend.Redis.Addr = "localhost:6379"
	}
	if cfg.Backend.Redis.KeyPrefix == "" {
		cfg.Backend.Redis.KeyPrefix = "mcptasks"
	}

	if cfg.Notify.URL == "" {
		cfg.Notify.URL = "nats://localhost:4222"
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = "notifications.tasks.status"
	}

	cfg.Production = loadProductionConfig()
}

// loadProductionConfig loads production configuration from environment variables.
func loadProductionConfig() ProductionConfig {
	prodMode := os.Getenv("MCPTASKS_PRODUCTION_MODE") == "1"
	authConfigured := os.Getenv("MCPTASKS_AUTH_CONFIGURED") == "1"

	return ProductionConfig{
		Enabled:                   prodMode,
		RequireAuthentication:     prodMode,
		AuthenticationConfigured: authConfigured,
	}
}
