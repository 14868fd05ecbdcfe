package lms

import (
	"strings"
	"time"
)

// Claims is the verified payload of a bearer token. It lives for a single
// request and is never persisted.
type Claims struct {
	Subject   string         `json:"sub"`
	Email     string         `json:"email,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Issuer    string         `json:"iss"`
	Audience  []string       `json:"aud"`
	ExpiresAt time.Time      `json:"exp"`
	KeyID     string         `json:"-"`
	Extra     map[string]any `json:"-"`

	// RawToken is retained so callers can make follow up requests to the
	// provider on behalf of the user (e.g. the userinfo endpoint).
	RawToken string `json:"-"`
}

// Scopes splits the scope claim on whitespace. A missing claim yields no scopes.
func (c *Claims) Scopes() []string {
	if c == nil {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScopes reports whether every required scope was granted.
func (c *Claims) HasScopes(required ...string) bool {
	granted := make(map[string]struct{})
	for _, s := range c.Scopes() {
		granted[s] = struct{}{}
	}

	for _, s := range required {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// Claim returns a payload claim not mapped to a field.
func (c *Claims) Claim(name string) (any, bool) {
	if c == nil || c.Extra == nil {
		return nil, false
	}
	v, ok := c.Extra[name]
	return v, ok
}
