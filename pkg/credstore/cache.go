package credstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"hawk-auth-gateway/pkg/auth"
)

type cacheEntry struct {
	cred    auth.Credential
	expires time.Time
}

// Cached keeps recently resolved credentials in an LRU cache.
//
// Only successful lookups are cached. Unknown keys and store failures always
// reach the underlying store, so a new key works as soon as it is added.
type Cached struct {
	next  auth.CredentialStore
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

var _ auth.CredentialStore = (*Cached)(nil)

// NewCached wraps next with a cache of size entries, each valid for ttl.
// A zero ttl keeps entries until they are evicted.
func NewCached(next auth.CredentialStore, size int, ttl time.Duration) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}
	return &Cached{next: next, cache: cache, ttl: ttl, now: time.Now}, nil
}

// Resolve serves keyID from the cache or the underlying store.
func (c *Cached) Resolve(ctx context.Context, keyID string) (*auth.Credential, error) {
	if v, ok := c.cache.Get(keyID); ok {
		entry := v.(cacheEntry)
		if c.ttl <= 0 || c.now().Before(entry.expires) {
			return cloneCredential(&entry.cred), nil
		}
		c.cache.Remove(keyID)
	}

	cred, err := c.next.Resolve(ctx, keyID)
	if err != nil || cred == nil {
		return cred, err
	}
	c.cache.Add(keyID, cacheEntry{cred: *cloneCredential(cred), expires: c.now().Add(c.ttl)})
	return cred, nil
}

// cloneCredential copies cred so callers never share a secret with the cache.
func cloneCredential(cred *auth.Credential) *auth.Credential {
	out := *cred
	out.Secret = bytes.Clone(cred.Secret)
	return &out
}

// Invalidate drops keyID, e.g. after the key was disabled.
func (c *Cached) Invalidate(keyID string) {
	c.cache.Remove(keyID)
}

// Purge empties the cache.
func (c *Cached) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached credentials.
func (c *Cached) Len() int {
	return c.cache.Len()
}
