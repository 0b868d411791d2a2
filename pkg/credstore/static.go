// Package credstore provides auth.CredentialStore implementations: an
// in-memory set loaded from the environment or a key file, and an LRU cache
// in front of slower stores such as the SQLite key database.
package credstore

import (
	"context"
	"fmt"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/models"
)

// Static is an immutable in-memory credential set.
type Static struct {
	creds map[string]auth.Credential
}

var _ auth.CredentialStore = (*Static)(nil)

// NewStatic returns a store holding creds. Later duplicates of a key id are rejected.
func NewStatic(creds ...auth.Credential) (*Static, error) {
	s := &Static{creds: make(map[string]auth.Credential, len(creds))}
	for _, c := range creds {
		if c.KeyID == "" {
			return nil, fmt.Errorf("credential without key id")
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("credential %q: %w", c.KeyID, err)
		}
		if _, dup := s.creds[c.KeyID]; dup {
			return nil, fmt.Errorf("duplicate credential %q", c.KeyID)
		}
		secret := make([]byte, len(c.Secret))
		copy(secret, c.Secret)
		c.Secret = secret
		s.creds[c.KeyID] = c
	}
	return s, nil
}

// FromEntries builds a store from key file entries, skipping disabled keys.
func FromEntries(entries []models.CredentialEntry) (*Static, error) {
	creds := make([]auth.Credential, 0, len(entries))
	for i, e := range entries {
		if e.Disabled {
			continue
		}
		alg, err := auth.ParseAlgorithm(e.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%q): %w", i, e.ID, err)
		}
		creds = append(creds, auth.Credential{KeyID: e.ID, Secret: []byte(e.Secret), Algorithm: alg})
	}
	return NewStatic(creds...)
}

// Resolve returns a copy of the credential for keyID or auth.ErrUnknownKey.
func (s *Static) Resolve(_ context.Context, keyID string) (*auth.Credential, error) {
	c, ok := s.creds[keyID]
	if !ok {
		return nil, auth.ErrUnknownKey
	}
	return &c, nil
}

// Len returns the number of credentials.
func (s *Static) Len() int { return len(s.creds) }

// KeyIDs lists the stored key ids in no particular order.
func (s *Static) KeyIDs() []string {
	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	return ids
}
