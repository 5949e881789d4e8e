package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// InternalToken is the per-process bearer token that authorizes loopback
// calls to internal routes. The maintenance scheduler is its only intended
// holder; it never leaves the process.
type InternalToken string

// NewInternalToken generates a fresh 128-hex-character token.
func NewInternalToken() (InternalToken, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate internal token: %w", err)
	}
	return InternalToken(hex.EncodeToString(raw)), nil
}

// Matches compares the presented Authorization header value against the
// token in constant time.
func (t InternalToken) Matches(header string) bool {
	want := "Bearer " + string(t)
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}
