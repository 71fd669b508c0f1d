package srv

import (
	"time"

	"github.com/codeGROOVE-dev/fido"
)

const (
	// tokenCacheSize bounds the number of verified handshake tokens kept
	// in memory. Each entry is a token string and a user id.
	tokenCacheSize = 16384

	// tokenCacheTTL is how long a verified token is trusted without
	// re-verifying the signature. Kept well below the token lifetime so
	// a cached entry cannot outlive its token by much.
	tokenCacheTTL = 5 * time.Minute
)

// TokenCache remembers handshake tokens that already passed signature
// verification, mapping them to the user id they authenticate. Repeated
// reconnects with the same token skip the JWT parse.
type TokenCache struct {
	cache *fido.Cache[string, string]
}

// NewTokenCache creates a new handshake token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		cache: fido.New[string, string](
			fido.Size(tokenCacheSize),
			fido.TTL(tokenCacheTTL),
		),
	}
}

// Get returns the user id for a previously verified token.
func (c *TokenCache) Get(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return c.cache.Get(token)
}

// Set records a verified token → user id mapping.
func (c *TokenCache) Set(token, userID string) {
	if token == "" || userID == "" {
		return
	}
	c.cache.Set(token, userID)
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int {
	return c.cache.Len()
}
