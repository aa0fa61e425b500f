// Package auth provides authentication utilities for mcptasksd's HTTP
// debug surface (cmd/mcptasksd's /whoami and /admin/tasks endpoints).
//
// MCP tool-call owner resolution goes through
// internal/middleware.AuthMiddleware and internal/router.ResolveOwner
// instead, which derive an owner from the transport's authenticated
// subject rather than the OS user this package reads. This package
// exists for the single-user local deployment where the process's own
// OS identity stands in for a caller, and the HTTP debug endpoints
// need some owner scoping too.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrEmptyUsername is returned when an empty username is provided
	ErrEmptyUsername = errors.New("username cannot be empty")
)

// DeriveOwnerID derives a stable owner ID from a username using SHA256 hashing.
//
// The owner ID is computed as SHA256(username) and returned as a hex-encoded string.
// This provides a one-way, deterministic mapping from username to owner ID that:
//   - Is consistent (same username always produces same owner ID)
//   - Is unique (different usernames produce different owner IDs with high probability)
//   - Is irreversible (cannot recover username from owner ID)
//
// This owner ID is what cmd/mcptasksd's debug endpoints scope task
// visibility by, distinct from the owner ids internal/router resolves
// for actual MCP tool calls.
//
// Example:
//
//	ownerID, err := auth.DeriveOwnerID("alice")
//	if err != nil {
//	    return fmt.Errorf("derive owner ID: %w", err)
//	}
//	// ownerID = "2bd806c97f0e00af1a1fc3328fa763a9269723c8db8fac4f93af71db186d6e90"
//
// Returns ErrEmptyUsername if username is empty.
func DeriveOwnerID(username string) (string, error) {
	// Validate input
	if username == "" {
		return "", ErrEmptyUsername
	}

	// Compute SHA256 hash of username
	hash := sha256.Sum256([]byte(username))

	// Return hex-encoded hash
	return hex.EncodeToString(hash[:]), nil
}
