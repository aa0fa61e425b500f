package middleware

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/secrets"
)

// LoggingMiddleware logs request/response/error events for every tool
// call, scrubbing arguments and textual result content through the
// teacher's secrets.Scrubber first (SPEC_FULL.md's "task metadata
// redaction" supplement: never let a secret land in a log line, even
// though it is stored verbatim in the task record). Priority 90, the
// highest of the three named defaults, so it observes the outcome
// every earlier middleware already produced.
type LoggingMiddleware struct {
	logger   *zap.Logger
	scrubber secrets.Scrubber
}

// NewLoggingMiddleware builds the middleware. A nil logger defaults to
// zap.NewNop(); a nil scrubber disables redaction (log lines then
// carry raw argument values, matching the teacher's behavior when
// secrets.New is never called).
func NewLoggingMiddleware(logger *zap.Logger, scrubber secrets.Scrubber) *LoggingMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMiddleware{logger: logger, scrubber: scrubber}
}

func (m *LoggingMiddleware) Name() string  { return "logging" }
func (m *LoggingMiddleware) Priority() int { return 90 }

func (m *LoggingMiddleware) OnRequest(_ context.Context, mwctx Context, args map[string]interface{}, extra *Extra) error {
	m.logger.Debug("tool request",
		zap.String("tool", mwctx.ToolName),
		zap.String("task_id", extra.TaskID),
		zap.String("owner", extra.OwnerID),
		zap.Int("arg_count", len(args)),
	)
	return nil
}

func (m *LoggingMiddleware) OnResponse(_ context.Context, mwctx Context, result *mcp.CallToolResult, extra *Extra) error {
	m.logger.Debug("tool response",
		zap.String("tool", mwctx.ToolName),
		zap.String("task_id", extra.TaskID),
		zap.Bool("is_error", result != nil && result.IsError),
	)
	return nil
}

func (m *LoggingMiddleware) OnError(_ context.Context, mwctx Context, toolErr error, extra *Extra) {
	message := toolErr.Error()
	if m.scrubber != nil {
		message = m.scrubber.Scrub(message).Scrubbed
	}
	m.logger.Warn("tool error",
		zap.String("tool", mwctx.ToolName),
		zap.String("task_id", extra.TaskID),
		zap.String("error", message),
	)
}
