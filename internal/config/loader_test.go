package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// setupTestHome creates a temporary home directory for testing.
// Returns the home dir path and a cleanup function.
func setupTestHome(t *testing.T) (string, func()) {
	t.Helper()

	tmpHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)

	cleanup := func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		} else {
			os.Unsetenv("HOME")
		}
	}

	return tmpHome, cleanup
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `server:
  port: 9090

observability:
  enable_telemetry: true
  service_name: mcptasksd-test
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Observability.ServiceName != "mcptasksd-test" {
		t.Errorf("Observability.ServiceName = %q, want %q", cfg.Observability.ServiceName, "mcptasksd-test")
	}
	if !cfg.Observability.EnableTelemetry {
		t.Error("Observability.EnableTelemetry = false, want true")
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables override YAML.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `server:
  port: 9090
  shutdown_timeout: 10s

observability:
  enable_telemetry: false
  service_name: yaml-service
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	os.Setenv("SERVER_PORT", "7777")
	os.Setenv("OBSERVABILITY_SERVICE_NAME", "env-service")
	defer os.Unsetenv("SERVER_PORT")
	defer os.Unsetenv("OBSERVABILITY_SERVICE_NAME")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Observability.ServiceName != "env-service" {
		t.Errorf("Observability.ServiceName = %q, want %q (from env override)", cfg.Observability.ServiceName, "env-service")
	}
}

// TestLoadWithFile_MissingFile tests handling of missing config file.
func TestLoadWithFile_MissingFile(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := filepath.Join(home, ".config", "mcptasks", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg == nil {
		t.Error("LoadWithFile() returned nil config for missing file")
	}
}

// TestLoadWithFile_InvalidYAML tests handling of malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `server:
  port: not-a-number
  invalid syntax here
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

// TestLoadWithFile_Validation tests configuration validation.
func TestLoadWithFile_Validation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `server:
  port: 99999

observability:
  service_name: test
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

// TestLoadWithFile_PathTraversal tests path traversal attack prevention.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	_, cleanup := setupTestHome(t)
	defer cleanup()

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Error("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/mcptasks/ or /etc/mcptasks/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests file permission enforcement.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `server:
  port: 9090
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") && !strings.Contains(err.Error(), "permissions") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

// TestLoadWithFile_SecurePermissions tests that 0600 permissions are accepted.
func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := `server:
  port: 9090
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should succeed with 0600 permissions, got error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

// TestLoadWithFile_FileTooLarge tests file size limit enforcement.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	if err := os.WriteFile(configPath, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

// TestLoadWithFile_TOML tests loading configuration from a TOML file.
func TestLoadWithFile_TOML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "mcptasks")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.toml")

	tomlContent := "[server]\nport = 9191\n\n[observability]\nservice_name = \"toml-service\"\n"

	if err := os.WriteFile(configPath, []byte(tomlContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Observability.ServiceName != "toml-service" {
		t.Errorf("Observability.ServiceName = %q, want toml-service", cfg.Observability.ServiceName)
	}
}
