package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/config"
	"github.com/mcptasks/mcptasks/pkg/task/backend"
	"github.com/mcptasks/mcptasks/pkg/task/store"
)

func TestBuildBackendDefaultsToMemory(t *testing.T) {
	b, closeFn, err := buildBackend(config.BackendConfig{Kind: "memory"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &backend.MemoryBackend{}, b)
}

func TestBuildBackendUnknownKindFallsBackToMemory(t *testing.T) {
	b, closeFn, err := buildBackend(config.BackendConfig{Kind: "bogus"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &backend.MemoryBackend{}, b)
}

func TestBuildBackendRedisConstructsClientWithoutDialing(t *testing.T) {
	// redis.NewClient never dials eagerly, so this exercises the
	// construction path without requiring a live Redis server.
	b, closeFn, err := buildBackend(config.BackendConfig{
		Kind: "redis",
		Redis: config.RedisBackendConfig{
			Addr:      "127.0.0.1:0",
			KeyPrefix: "test",
		},
	})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &backend.RedisBackend{}, b)
}

func TestBuildLoggerHonorsTelemetryToggle(t *testing.T) {
	cfg := config.Load()
	cfg.Observability.EnableTelemetry = false
	cfg.Observability.ServiceName = "mcptasksd-test"

	logger, err := buildLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestIsExpiredRecordHandlesGarbageBytes(t *testing.T) {
	assert.False(t, isExpiredRecord(backend.Record{Value: []byte("not a task")}))
}

func TestBuildHealthServerHealthzAndReadyz(t *testing.T) {
	s := store.New(backend.NewMemoryBackend(), store.Config{}, nil)
	e := buildHealthServer(config.ServerConfig{Port: 0}, s, zap.NewNop())

	port := freePort(t)
	go func() { _ = e.Start(fmt.Sprintf("127.0.0.1:%d", port)) }()
	defer e.Close()
	waitForPort(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/readyz", port))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

// TestRunServeStartsAndStopsCleanly exercises the full wiring path --
// config, logger, backend, store, reaper, notifier, middleware chain,
// router, HTTP server, stdio loop -- the way the teacher's own
// integration test drove its run() function, but against an in-memory
// backend and a disabled notifier so the test never needs a live NATS
// server.
func TestRunServeStartsAndStopsCleanly(t *testing.T) {
	port := freePort(t)
	t.Setenv("SERVER_PORT", fmt.Sprintf("%d", port))
	t.Setenv("BACKEND_KIND", "memory")
	t.Setenv("NOTIFY_NATS_ENABLED", "false")
	t.Setenv("OTEL_ENABLE", "false")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx) }()

	waitForPort(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runServe did not shut down in time")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("nothing listening on port %d", port)
}
