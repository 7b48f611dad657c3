// Package auth turns credentials into a stable user identity: it issues and
// verifies the signed session token, hashes passwords and validates
// registration input.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// TokenCookie is the cookie carrying the session token.
const TokenCookie = "token"

// ErrUnauthenticated is returned when no valid identity can be derived from a token
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated user behind a connection
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Resolver derives an identity from an opaque bearer token
type Resolver interface {
	Resolve(token string) (Identity, error)
}

// TokenFromRequest extracts the session token from the token cookie, an
// Authorization bearer header or the token query parameter, in that order
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("token")
}
