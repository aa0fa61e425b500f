package middleware

import (
	"context"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityMiddleware wraps every tool call in an OTEL span and
// records a per-tool invocation counter, following the teacher's
// otel.Tracer/otel.Meter usage in internal/checkpoint/service.go.
// Priority 20, per spec.md §4.6.
type ObservabilityMiddleware struct {
	tracer trace.Tracer
	meter  metric.Meter

	callCount  metric.Int64Counter
	errorCount metric.Int64Counter

	mu    sync.Mutex
	spans map[spanKey]trace.Span
}

type spanKey struct {
	tool   string
	taskID string
}

// NewObservabilityMiddleware builds the middleware using the global
// OTEL providers, matching the teacher's pkg/task/store.New pattern of
// calling otel.Tracer/otel.Meter at construction time rather than
// threading providers through every call site.
func NewObservabilityMiddleware() *ObservabilityMiddleware {
	tracer := otel.Tracer("github.com/mcptasks/mcptasks/internal/middleware")
	meter := otel.Meter("github.com/mcptasks/mcptasks/internal/middleware")
	m := &ObservabilityMiddleware{tracer: tracer, meter: meter, spans: make(map[spanKey]trace.Span)}
	m.callCount, _ = meter.Int64Counter("mcptasks.tool.calls", metric.WithDescription("tool invocations through the middleware chain"))
	m.errorCount, _ = meter.Int64Counter("mcptasks.tool.errors", metric.WithDescription("tool invocations that returned an error"))
	return m
}

func (m *ObservabilityMiddleware) Name() string  { return "observability" }
func (m *ObservabilityMiddleware) Priority() int { return 20 }

func (m *ObservabilityMiddleware) OnRequest(ctx context.Context, mwctx Context, _ map[string]interface{}, extra *Extra) error {
	_, span := m.tracer.Start(ctx, "tool."+mwctx.ToolName, trace.WithAttributes(
		attribute.String("tool.name", mwctx.ToolName),
		attribute.String("task.id", extra.TaskID),
	))
	// The span is ended from OnResponse/OnError, keyed by tool+task so
	// concurrent calls to the same tool don't clobber each other's span.
	m.mu.Lock()
	m.spans[spanKey{tool: mwctx.ToolName, taskID: extra.TaskID}] = span
	m.mu.Unlock()
	m.callCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", mwctx.ToolName)))
	return nil
}

func (m *ObservabilityMiddleware) OnResponse(ctx context.Context, mwctx Context, _ *mcp.CallToolResult, extra *Extra) error {
	m.endSpan(mwctx, extra, nil)
	return nil
}

func (m *ObservabilityMiddleware) OnError(ctx context.Context, mwctx Context, toolErr error, extra *Extra) {
	m.errorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", mwctx.ToolName)))
	m.endSpan(mwctx, extra, toolErr)
}

func (m *ObservabilityMiddleware) endSpan(mwctx Context, extra *Extra, recordErr error) {
	k := spanKey{tool: mwctx.ToolName, taskID: extra.TaskID}
	m.mu.Lock()
	span, ok := m.spans[k]
	if ok {
		delete(m.spans, k)
	}
	m.mu.Unlock()
	if ok {
		if recordErr != nil {
			span.RecordError(recordErr)
		}
		span.End()
	}
}
