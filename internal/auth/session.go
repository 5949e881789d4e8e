// Package auth implements admin authentication for the Xolo server: login
// sessions backed by Redis, the per-process internal bearer token used by the
// maintenance scheduler, and the gin middleware that enforces the route
// tiers (open, session, server-admin, internal).
package auth

import (
	"errors"
	"time"
)

// Sentinel errors for session operations.
var (
	// ErrSessionNotFound is returned when a session token is unknown or
	// expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session token collides with an
	// existing one. With random tokens this indicates a bug.
	ErrSessionExists = errors.New("session already exists")

	// ErrStorageUnavailable is returned when the session store cannot reach
	// Redis.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// SessionCookie is the name of the cookie carrying the session token.
const SessionCookie = "xolo_session"

// Session is one authenticated admin login. ServerAdmin is resolved at login
// time from fleet group membership so admin routes need no fleet round-trip.
type Session struct {
	Token       string    `json:"token"`
	Admin       string    `json:"admin"`
	ServerAdmin bool      `json:"server_admin"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
