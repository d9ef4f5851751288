package jwtx

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed = errors.New("jwtx: malformed token")
	ErrIssuer    = errors.New("jwtx: issuer mismatch")
)

// Claims are the identity-token claims the client inspects. The client
// never holds verification keys, so signatures are not checked here; the
// backend remains the authority on validity.
type Claims struct {
	jwt.RegisteredClaims

	// Email of the authenticated user, when the provider includes it.
	Email string `json:"email,omitempty"`

	// Username for the authenticated user
	Username string `json:"username,omitempty"`

	// PreferredName is the display name for the user
	PreferredName string `json:"preferred_name,omitempty"`
}

// LooksLikeJWT reports whether token has three non-empty dot-separated
// segments. It is a cheap structural test done before any decoding.
func LooksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// ParseUnverified decodes the claims segment without verifying the signature.
func ParseUnverified(token string) (*Claims, error) {
	if !LooksLikeJWT(token) {
		return nil, ErrMalformed
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return &claims, nil
}

// ValidateIssuer checks the issuer against any of the accepted values.
func (c *Claims) ValidateIssuer(accepted ...string) error {
	for _, want := range accepted {
		if want != "" && c.Issuer == want {
			return nil
		}
	}
	return ErrIssuer
}

// IssuedAtOr returns the iat claim, or fallback when absent.
func (c *Claims) IssuedAtOr(fallback time.Time) time.Time {
	if c.IssuedAt == nil {
		return fallback
	}
	return c.IssuedAt.Time
}
