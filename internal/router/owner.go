package router

import (
	"context"
	"errors"

	"github.com/mcptasks/mcptasks/internal/config"
)

// authSubjectKey is the context key a transport sets after it has
// authenticated a caller; the router never authenticates callers
// itself (spec §4.5: "reads the active auth context from the
// transport-injected extras").
type authSubjectKeyType struct{}

var authSubjectKey = authSubjectKeyType{}

// ErrUnauthenticated is returned by ResolveOwner when no subject is
// present on ctx and anonymous access is not configured.
var ErrUnauthenticated = errors.New("router: unauthenticated request")

// WithAuthSubject returns a context carrying subject as the
// transport-authenticated caller identity, for use by a transport
// adapter ahead of Router.Dispatch.
func WithAuthSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, authSubjectKey, subject)
}

// ResolveOwner implements spec.md §4.5's owner resolution paragraph:
// the authenticated subject from transport extras, in stateless mode
// always re-derived per call; falling back to the configured anonymous
// sentinel owner when allowed and no subject is present.
func ResolveOwner(ctx context.Context, cfg config.RouterConfig) (string, error) {
	if subject, ok := ctx.Value(authSubjectKey).(string); ok && subject != "" {
		return subject, nil
	}
	if cfg.AllowAnonymous {
		if cfg.AnonymousOwnerID != "" {
			return cfg.AnonymousOwnerID, nil
		}
		return "local", nil
	}
	return "", ErrUnauthenticated
}
