package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	originalEnv := saveEnv()
	defer restoreEnv(originalEnv)

	tests := []struct {
		name     string
		env      map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 9090 {
					t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
				}
				if cfg.Server.ShutdownTimeout != 10*time.Second {
					t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
				}
				if cfg.Observability.EnableTelemetry {
					t.Error("Observability.EnableTelemetry = true, want false (disabled by default)")
				}
				if cfg.Observability.ServiceName != "mcptasksd" {
					t.Errorf("Observability.ServiceName = %q, want mcptasksd", cfg.Observability.ServiceName)
				}
				if cfg.Store.MaxVariableSizeBytes != 1_048_576 {
					t.Errorf("Store.MaxVariableSizeBytes = %d, want 1048576", cfg.Store.MaxVariableSizeBytes)
				}
				if cfg.Store.DefaultTTLMs == nil || *cfg.Store.DefaultTTLMs != 3_600_000 {
					t.Errorf("Store.DefaultTTLMs = %v, want 3600000", cfg.Store.DefaultTTLMs)
				}
				if cfg.Store.MaxTTLMs == nil || *cfg.Store.MaxTTLMs != 86_400_000 {
					t.Errorf("Store.MaxTTLMs = %v, want 86400000", cfg.Store.MaxTTLMs)
				}
				if cfg.Store.MaxVariableDepth != 10 {
					t.Errorf("Store.MaxVariableDepth = %d, want 10", cfg.Store.MaxVariableDepth)
				}
				if cfg.Store.MaxStringLength != 65_536 {
					t.Errorf("Store.MaxStringLength = %d, want 65536", cfg.Store.MaxStringLength)
				}
				if cfg.Router.MaxCompositionDepth != 8 {
					t.Errorf("Router.MaxCompositionDepth = %d, want 8", cfg.Router.MaxCompositionDepth)
				}
				if cfg.Router.AllowAnonymous {
					t.Error("Router.AllowAnonymous = true, want false by default")
				}
				if cfg.Router.AnonymousOwnerID != "local" {
					t.Errorf("Router.AnonymousOwnerID = %q, want local", cfg.Router.AnonymousOwnerID)
				}
				if cfg.Backend.Kind != "memory" {
					t.Errorf("Backend.Kind = %q, want memory", cfg.Backend.Kind)
				}
			},
		},
		{
			name: "environment variable overrides",
			env: map[string]string{
				"SERVER_PORT":             "9191",
				"SERVER_SHUTDOWN_TIMEOUT": "5s",
				"OTEL_ENABLE":             "false",
				"OTEL_SERVICE_NAME":       "test-service",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 9191 {
					t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
				}
				if cfg.Server.ShutdownTimeout != 5*time.Second {
					t.Errorf("Server.ShutdownTimeout = %v, want 5s", cfg.Server.ShutdownTimeout)
				}
				if cfg.Observability.EnableTelemetry {
					t.Error("Observability.EnableTelemetry = true, want false")
				}
				if cfg.Observability.ServiceName != "test-service" {
					t.Errorf("Observability.ServiceName = %q, want test-service", cfg.Observability.ServiceName)
				}
			},
		},
		{
			name: "store resource budget overrides",
			env: map[string]string{
				"STORE_MAX_VARIABLE_SIZE_BYTES":     "2048",
				"STORE_DEFAULT_TTL_MS":              "1000",
				"STORE_MAX_TTL_MS":                  "5000",
				"STORE_MAX_VARIABLE_DEPTH":          "3",
				"STORE_MAX_STRING_LENGTH":           "128",
				"STORE_MAX_ACTIVE_TASKS_PER_OWNER":  "50",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Store.MaxVariableSizeBytes != 2048 {
					t.Errorf("Store.MaxVariableSizeBytes = %d, want 2048", cfg.Store.MaxVariableSizeBytes)
				}
				if *cfg.Store.DefaultTTLMs != 1000 {
					t.Errorf("Store.DefaultTTLMs = %d, want 1000", *cfg.Store.DefaultTTLMs)
				}
				if *cfg.Store.MaxTTLMs != 5000 {
					t.Errorf("Store.MaxTTLMs = %d, want 5000", *cfg.Store.MaxTTLMs)
				}
				if cfg.Store.MaxVariableDepth != 3 {
					t.Errorf("Store.MaxVariableDepth = %d, want 3", cfg.Store.MaxVariableDepth)
				}
				if cfg.Store.MaxStringLength != 128 {
					t.Errorf("Store.MaxStringLength = %d, want 128", cfg.Store.MaxStringLength)
				}
				if cfg.Store.MaxActiveTasksPerOwner != 50 {
					t.Errorf("Store.MaxActiveTasksPerOwner = %d, want 50", cfg.Store.MaxActiveTasksPerOwner)
				}
			},
		},
		{
			name: "router stateless mode override",
			env: map[string]string{
				"ROUTER_STATELESS_MODE": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Router.StatelessMode == nil || !*cfg.Router.StatelessMode {
					t.Error("Router.StatelessMode = nil/false, want true")
				}
				if !cfg.Router.Stateless() {
					t.Error("Router.Stateless() = false, want true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg := Load()
			if cfg == nil {
				t.Fatal("Load() returned nil")
			}

			tt.validate(t, cfg)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	validTTL := int64(1000)
	validMaxTTL := int64(5000)

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &Config{
				Server: ServerConfig{
					Port:            8080,
					ShutdownTimeout: 10 * time.Second,
				},
				Observability: ObservabilityConfig{
					EnableTelemetry: true,
					ServiceName:     "mcptasksd",
				},
				Store: StoreConfig{
					MaxVariableSizeBytes: 1024,
					MaxVariableDepth:     5,
					MaxStringLength:      256,
					DefaultTTLMs:         &validTTL,
					MaxTTLMs:             &validMaxTTL,
				},
				Router: RouterConfig{
					MaxCompositionDepth: 8,
				},
				Backend: BackendConfig{
					Kind: "memory",
				},
			},
			wantErr: false,
		},
		{
			name: "invalid port - too low",
			cfg: &Config{
				Server: ServerConfig{Port: 0, ShutdownTimeout: 10 * time.Second},
				Backend: BackendConfig{Kind: "memory"},
				Store:   StoreConfig{MaxVariableSizeBytes: 1, MaxVariableDepth: 1, MaxStringLength: 1},
				Router:  RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			cfg: &Config{
				Server: ServerConfig{Port: 70000, ShutdownTimeout: 10 * time.Second},
				Backend: BackendConfig{Kind: "memory"},
				Store:   StoreConfig{MaxVariableSizeBytes: 1, MaxVariableDepth: 1, MaxStringLength: 1},
				Router:  RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
		{
			name: "invalid shutdown timeout",
			cfg: &Config{
				Server: ServerConfig{Port: 8080, ShutdownTimeout: 0},
				Backend: BackendConfig{Kind: "memory"},
				Store:   StoreConfig{MaxVariableSizeBytes: 1, MaxVariableDepth: 1, MaxStringLength: 1},
				Router:  RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
		{
			name: "empty service name with telemetry enabled",
			cfg: &Config{
				Server: ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
				Observability: ObservabilityConfig{
					EnableTelemetry: true,
					ServiceName:     "",
				},
				Backend: BackendConfig{Kind: "memory"},
				Store:   StoreConfig{MaxVariableSizeBytes: 1, MaxVariableDepth: 1, MaxStringLength: 1},
				Router:  RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
		{
			name: "default ttl exceeds max ttl",
			cfg: &Config{
				Server:  ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
				Backend: BackendConfig{Kind: "memory"},
				Store: StoreConfig{
					MaxVariableSizeBytes: 1,
					MaxVariableDepth:     1,
					MaxStringLength:      1,
					DefaultTTLMs:         &validMaxTTL,
					MaxTTLMs:             &validTTL,
				},
				Router: RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
		{
			name: "unsupported backend kind",
			cfg: &Config{
				Server:  ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
				Backend: BackendConfig{Kind: "sqlite"},
				Store:   StoreConfig{MaxVariableSizeBytes: 1, MaxVariableDepth: 1, MaxStringLength: 1},
				Router:  RouterConfig{MaxCompositionDepth: 1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	if cfg.MaxVariableSizeBytes != 1_048_576 {
		t.Errorf("MaxVariableSizeBytes = %d, want 1048576", cfg.MaxVariableSizeBytes)
	}
	if cfg.MaxVariableDepth != 10 {
		t.Errorf("MaxVariableDepth = %d, want 10", cfg.MaxVariableDepth)
	}
	if cfg.MaxStringLength != 65_536 {
		t.Errorf("MaxStringLength = %d, want 65536", cfg.MaxStringLength)
	}
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg.MaxCompositionDepth != 8 {
		t.Errorf("MaxCompositionDepth = %d, want 8", cfg.MaxCompositionDepth)
	}
	if cfg.StatelessMode != nil {
		t.Error("StatelessMode should be nil (auto-detect) by default")
	}
}

// Helper functions to save/restore environment
func saveEnv() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		env[e] = os.Getenv(e)
	}
	return env
}

func restoreEnv(env map[string]string) {
	os.Clearenv()
	for k, v := range env {
		os.Setenv(k, v)
	}
}
