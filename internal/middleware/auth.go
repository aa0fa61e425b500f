package middleware

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcptasks/mcptasks/pkg/auth"
)

// AuthMiddleware resolves and injects the owner-scoping identity for a
// call, adapted from the teacher's pkg/auth.OwnerAuthMiddleware (an
// Echo HTTP middleware deriving a stable owner id from the OS user) to
// this chain's OnRequest hook shape. Priority 10, per spec.md §4.6's
// "typical values: auth ~10".
type AuthMiddleware struct {
	// Resolve returns the owner id for ctx, e.g. from a session's OAuth
	// subject. Required; there is no OS-user fallback in a durable-task
	// server since callers are remote MCP clients, not local processes.
	Resolve func(ctx context.Context) (string, error)
}

func (m *AuthMiddleware) Name() string     { return "auth" }
func (m *AuthMiddleware) Priority() int    { return 10 }

func (m *AuthMiddleware) OnRequest(ctx context.Context, _ Context, _ map[string]interface{}, extra *Extra) error {
	owner, err := m.Resolve(ctx)
	if err != nil {
		return err
	}
	extra.OwnerID = owner
	return nil
}

func (m *AuthMiddleware) OnResponse(context.Context, Context, *mcp.CallToolResult, *Extra) error {
	return nil
}

func (m *AuthMiddleware) OnError(context.Context, Context, error, *Extra) {}

// DeriveOwnerResolver builds an AuthMiddleware.Resolve function from
// the teacher's SHA256-based DeriveOwnerID helper, used when a
// deployment authenticates by OS/session identity rather than OAuth.
func DeriveOwnerResolver(subject func(ctx context.Context) (string, error)) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		raw, err := subject(ctx)
		if err != nil {
			return "", err
		}
		return auth.DeriveOwnerID(raw)
	}
}
