package auth

import (
	"net/http"
	"os/user"

	"github.com/labstack/echo/v4"
)

// contextKey is the type for context keys to avoid collisions.
type contextKey string

// authenticatedOwnerIDKey is the context key for authenticated owner ID.
// This key is used to store the authenticated owner ID in the Echo context
// after successful authentication.
const authenticatedOwnerIDKey contextKey = "authenticated_owner_id"

// OwnerAuthMiddleware creates an Echo middleware that authenticates
// mcptasksd's HTTP debug surface (cmd/mcptasksd's /whoami and
// /admin/tasks) based on the OS username the process is running as,
// setting the authenticated owner ID in Echo's per-request context.
//
// This middleware:
//  1. Retrieves the current system username using os/user.Current()
//  2. Derives a stable owner ID from the username using SHA256 hashing
//  3. Sets the owner ID in Echo context for downstream handlers
//  4. Returns 401 Unauthorized if authentication fails
//
// The authenticated owner ID is stored in context under
// "authenticated_owner_id" and read back directly with
// c.Get("authenticated_owner_id") by the handlers that need it -- this
// package has no helpers package of its own. It is unrelated to
// internal/middleware.AuthMiddleware, which resolves an owner for MCP
// tools/call dispatch from the transport's authenticated subject, not
// from the OS user.
//
// Security guarantees:
//   - Owner ID is derived from OS-level user identity (cannot be forged)
//   - Owner ID format is validated (64-character hex string)
//   - Stateless authentication (no tokens or sessions required)
//
// Example usage:
//
//	e := echo.New()
//	e.GET("/whoami", handler, auth.OwnerAuthMiddleware())
//
// Returns 401 Unauthorized with JSON error if:
//   - System username cannot be retrieved
//   - Owner ID derivation fails
func OwnerAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get current system user
			currentUser, err := user.Current()
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": map[string]interface{}{
						"code":    -32005, // mirrors internal/router.AuthError's JSON-RPC code
						"message": "authentication failed: unable to determine user identity",
						"data": map[string]interface{}{
							"details": "system username unavailable",
						},
					},
				})
			}

			// Derive owner ID from username
			ownerID, err := DeriveOwnerID(currentUser.Username)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": map[string]interface{}{
						"code":    -32005, // mirrors internal/router.AuthError
						"message": "authentication failed: unable to derive owner ID",
						"data": map[string]interface{}{
							"details": err.Error(),
						},
					},
				})
			}

			// Set authenticated owner ID in context
			c.Set(string(authenticatedOwnerIDKey), ownerID)

			// Call next handler
			return next(c)
		}
	}
}
