// Command mcptasksd runs a durable-task MCP substrate: a Task Store,
// Protocol Router, Tool Middleware Chain, and Workflow Executor wired
// together behind a newline-delimited JSON-RPC stdio transport, plus
// an optional HTTP health/readiness surface for process supervisors.
//
// Usage:
//
//	mcptasksd serve
//	mcptasksd serve --config ~/.config/mcptasks/config.yaml
//	mcptasksd version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/config"
	"github.com/mcptasks/mcptasks/internal/logging"
	"github.com/mcptasks/mcptasks/internal/middleware"
	"github.com/mcptasks/mcptasks/internal/notify"
	"github.com/mcptasks/mcptasks/internal/router"
	"github.com/mcptasks/mcptasks/internal/secrets"
	"github.com/mcptasks/mcptasks/pkg/auth"
	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/backend"
	"github.com/mcptasks/mcptasks/pkg/task/store"
	"github.com/redis/go-redis/v9"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mcptasksd",
		Short: "Durable-task MCP substrate",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/TOML config file (defaults to ~/.config/mcptasks/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon (stdio JSON-RPC plus an HTTP health surface)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("mcptasksd %s (%s)\n", version, gitCommit)
			return nil
		},
	}

	root.AddCommand(serveCmd, versionCmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe assembles every component and blocks until ctx is
// cancelled. It is split out of main() so main_test.go can call it
// directly under a short-lived context instead of spawning a process.
func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	zapLogger.Info("starting mcptasksd",
		zap.String("backend", cfg.Backend.Kind),
		zap.Bool("notify_enabled", cfg.Notify.Enabled),
		zap.Int("health_port", cfg.Server.Port))

	b, closeBackend, err := buildBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer closeBackend()

	taskStore := store.New(b, store.Config{
		MaxVariableSizeBytes:   cfg.Store.MaxVariableSizeBytes,
		DefaultTTLMs:           cfg.Store.DefaultTTLMs,
		MaxTTLMs:               cfg.Store.MaxTTLMs,
		MaxVariableDepth:       cfg.Store.MaxVariableDepth,
		MaxStringLength:        cfg.Store.MaxStringLength,
		MaxActiveTasksPerOwner: cfg.Store.MaxActiveTasksPerOwner,
	}, zapLogger)

	reaper := backend.NewReaper(b, cfg.Store.ReapInterval, isExpiredRecord, zapLogger)
	reaper.Start(ctx)
	defer reaper.Stop()

	notifier, err := notify.Connect(cfg.Notify, zapLogger)
	if err != nil {
		return fmt.Errorf("connect notifier: %w", err)
	}
	defer notifier.Close()

	scrubber, err := secrets.New(secrets.DefaultConfig())
	if err != nil {
		return fmt.Errorf("build secret scrubber: %w", err)
	}

	chain := middleware.NewChain(
		&middleware.AuthMiddleware{Resolve: func(ctx context.Context) (string, error) {
			return router.ResolveOwner(ctx, cfg.Router)
		}},
		middleware.NewObservabilityMiddleware(),
		middleware.NewLoggingMiddleware(zapLogger, scrubber),
	)

	tools := router.NewToolRegistry()
	registerBuiltinTools(tools)

	r := router.New(taskStore, tools, chain, cfg.Router, notifier, "mcptasksd", version, zapLogger)
	registerBuiltinPrompts(r)

	httpSrv := buildHealthServer(cfg.Server, taskStore, zapLogger)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	stdioErrCh := make(chan error, 1)
	go func() { stdioErrCh <- runStdio(ctx, r, os.Stdin, os.Stdout, zapLogger) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-stdioErrCh:
		return err
	case err := <-httpErrCh:
		return fmt.Errorf("health server: %w", err)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadWithFile(configPath)
	}
	return config.Load(), nil
}

// buildLogger adapts the teacher's internal/logging.Logger (dual
// stdout/OTEL core, sampling, redaction) into the plain *zap.Logger
// every other component in this module accepts, so the richer logging
// package stays exercised without every constructor needing to know
// about it.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Fields["service"] = cfg.Observability.ServiceName
	if !cfg.Observability.EnableTelemetry {
		logCfg.Output.OTEL = false
	}
	l, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, err
	}
	return l.Underlying(), nil
}

func buildBackend(cfg config.BackendConfig) (backend.Backend, func(), error) {
	switch cfg.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Value(),
			DB:       cfg.Redis.DB,
		})
		return backend.NewRedisBackend(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
	default:
		return backend.NewMemoryBackend(), func() {}, nil
	}
}

// isExpiredRecord decodes a backend record as a canonical task and
// reports whether its TTL has lapsed, the same check store.Store's
// on-demand CleanupExpired runs, reused here so the background
// backend.Reaper sweeps on cfg.Store.ReapInterval without depending on
// the store package (backend must not import store).
func isExpiredRecord(rec backend.Record) bool {
	t, err := task.UnmarshalCanonical(rec.Value)
	if err != nil {
		return false
	}
	return t.IsExpired()
}

// buildHealthServer exposes liveness/readiness endpoints and a
// /whoami debugging endpoint that exercises the teacher's OS-user-
// derived auth middleware (pkg/auth.OwnerAuthMiddleware): useful for a
// local single-user deployment where the stdio transport's caller and
// the HTTP surface's caller are the same OS user, distinct from the
// per-request OAuth-subject resolution internal/middleware.AuthMiddleware
// performs for MCP tool calls.
func buildHealthServer(cfg config.ServerConfig, s *store.Store, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/readyz", func(c echo.Context) error {
		if _, err := s.List(c.Request().Context(), "__readyz__", "", 1); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	e.GET("/whoami", func(c echo.Context) error {
		ownerID, _ := c.Get("authenticated_owner_id").(string)
		return c.JSON(http.StatusOK, map[string]string{"ownerId": ownerID})
	}, auth.OwnerAuthMiddleware())

	e.GET("/admin/tasks", func(c echo.Context) error {
		all, err := s.AdminListAll(c.Request().Context())
		if err != nil {
			logger.Warn("admin task scan failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		out := make([]map[string]interface{}, len(all))
		for i, ot := range all {
			out[i] = map[string]interface{}{
				"ownerId": ot.Owner,
				"taskId":  ot.Task.ID,
				"status":  ot.Task.Status,
			}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"tasks": out})
	}, auth.OwnerAuthMiddleware())

	return e
}
