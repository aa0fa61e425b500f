// Package middleware implements the Tool Middleware Chain (spec.md
// §4.6): an ordered sequence of cross-cutting hooks wrapped around
// every tool invocation, shared by direct tools/call dispatch and by
// workflow step invocations so auth, observability, and logging apply
// consistently in both paths.
//
// The three-hook shape (OnRequest/OnResponse/OnError) and the
// priority-sorted build step are grounded on the teacher's
// internal/orchestrator gate pattern (internal/orchestrator/gates.go):
// a slice of named checks run in sequence against a shared piece of
// state, each contributing violations/mutations without knowing about
// the others.
package middleware

import (
	"context"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Extra carries the per-call metadata a Middleware may read or mutate
// alongside tool arguments, standing in for spec.md §4.4's
// "RequestHandlerExtra" (the task id a tool handler needs to build a
// taskctx.Context, plus whatever auth/trace context a middleware
// injects).
type Extra struct {
	// TaskID is set when this invocation runs against a durable task
	// (empty for taskSupport=forbidden inline calls).
	TaskID string

	// OwnerID is the resolved owner for this call, set by the router
	// before the chain runs.
	OwnerID string

	// TraceDepth is the composition-depth counter from spec.md §4.4;
	// middlewares may read it but only the router/executor increments
	// it.
	TraceDepth int

	// Tokens holds auth tokens or other per-call secrets a middleware
	// injects for downstream handlers (e.g. an OAuth bearer token).
	Tokens map[string]string
}

// Context is the value threaded through a chain invocation: the
// immutable facts a Middleware needs besides the request/response
// values it's given directly.
type Context struct {
	ToolName string
}

// Middleware is one cross-cutting concern wrapped around a tool call.
// Implementations must be safe for concurrent use; a built Chain is
// immutable and shared across requests (spec §5).
type Middleware interface {
	// Name identifies the middleware for diagnostics and ordering ties.
	Name() string

	// Priority orders middlewares lowest-first at build time. Spec.md
	// §4.6's typical values: auth ~10, observability ~20, default ~50,
	// logging ~90.
	Priority() int

	// OnRequest may mutate args and extra in place (e.g. inject an
	// OAuth token into extra.Tokens) before the tool handler runs.
	OnRequest(ctx context.Context, mwctx Context, args map[string]interface{}, extra *Extra) error

	// OnResponse may inspect or rewrite result after a successful call.
	OnResponse(ctx context.Context, mwctx Context, result *mcp.CallToolResult, extra *Extra) error

	// OnError is a notification-only hook; it must never mask err by
	// returning nil in its place, per spec §7's propagation policy.
	OnError(ctx context.Context, mwctx Context, toolErr error, extra *Extra)
}

// Chain is a priority-sorted, immutable sequence of Middlewares.
type Chain struct {
	ordered []Middleware
}

// NewChain sorts ms by Priority (lowest first, stable on ties by
// insertion order) and returns the immutable Chain. Build it once at
// server startup; it is safe to share across goroutines.
func NewChain(ms ...Middleware) *Chain {
	ordered := append([]Middleware(nil), ms...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Chain{ordered: ordered}
}

// Handler is the tool invocation a Chain wraps: the actual call into
// the tool registry, isolated from request/response plumbing so the
// chain can be reused for both direct calls and workflow steps.
type Handler func(ctx context.Context, args map[string]interface{}, extra *Extra) (*mcp.CallToolResult, error)

// Invoke runs every OnRequest hook (in priority order), then handler,
// then every OnResponse hook on success or every OnError hook on
// failure (in the same priority order; middlewares that want
// teardown-style ordering should track their own state).
func (c *Chain) Invoke(ctx context.Context, mwctx Context, args map[string]interface{}, extra *Extra, handler Handler) (*mcp.CallToolResult, error) {
	if extra == nil {
		extra = &Extra{}
	}
	for _, mw := range c.ordered {
		if err := mw.OnRequest(ctx, mwctx, args, extra); err != nil {
			c.notifyError(ctx, mwctx, err, extra)
			return nil, err
		}
	}

	result, err := handler(ctx, args, extra)
	if err != nil {
		c.notifyError(ctx, mwctx, err, extra)
		return nil, err
	}

	for _, mw := range c.ordered {
		if herr := mw.OnResponse(ctx, mwctx, result, extra); herr != nil {
			c.notifyError(ctx, mwctx, herr, extra)
			return nil, herr
		}
	}
	return result, nil
}

func (c *Chain) notifyError(ctx context.Context, mwctx Context, err error, extra *Extra) {
	for _, mw := range c.ordered {
		mw.OnError(ctx, mwctx, err, extra)
	}
}

// Names returns the chain's middleware names in build order, used by
// tests asserting the priority sort landed where expected.
func (c *Chain) Names() []string {
	out := make([]string, len(c.ordered))
	for i, mw := range c.ordered {
		out[i] = mw.Name()
	}
	return out
}
