// Package auth provides authenticated-identity context helpers.
//
// This package is imported by both middleware and handler packages without
// causing import cycles.
package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// userIDContextKey is the key used to store the caller's user id in context.
	userIDContextKey contextKey = "user_id"
)

// GetUserID retrieves the authenticated user id from the context.
//
// Returns false if no user id was set.
//
// Usage:
//
//	userID, ok := auth.GetUserID(r.Context())
//	if !ok {
//	    // Handle unauthenticated request
//	}
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDContextKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// GetUserIDFromRequest is a convenience wrapper around GetUserID.
func GetUserIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	return GetUserID(r.Context())
}

// SetUserID stores a user id in the context. Called by the identity
// middleware after the gateway header has been parsed.
func SetUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDContextKey, id)
}
