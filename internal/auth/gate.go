package auth

import (
	"net/http"
	"strings"
)

// Gate guards the /v1/ routes with the keys in a KeyStore.
type Gate struct {
	Keys *KeyStore
}

// IsProtected reports whether path needs a key. Health and metrics stay open.
func (g *Gate) IsProtected(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

// Validate checks the request's credentials. Requests pass when no keys are
// configured.
func (g *Gate) Validate(r *http.Request) error {
	if g == nil || g.Keys == nil || !g.Keys.Enabled() {
		return nil
	}
	if key, ok := RequestKey(r); ok && g.Keys.Validate(key) {
		return nil
	}
	return ErrUnauthorized
}

// RequestKey extracts a key from "Authorization: Bearer <key>" or
// "X-API-Key: <key>".
func RequestKey(r *http.Request) (string, bool) {
	if token, ok := parseBearer(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

func parseBearer(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
