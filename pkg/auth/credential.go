package auth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownKey is returned by a CredentialStore when the key id is not known.
	ErrUnknownKey = errors.New("unknown key id")
	// ErrStoreUnavailable marks a transient failure of the credential store.
	// The engine reports it as an internal error instead of a bad credential.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrUnsupportedAlgorithm is returned for MAC algorithms the engine cannot compute.
	ErrUnsupportedAlgorithm = errors.New("unsupported mac algorithm")
	// ErrEmptySecret is returned when a credential carries no secret.
	ErrEmptySecret = errors.New("credential secret is empty")
)

// Algorithm names the hash function used inside the HMAC.
type Algorithm int

const (
	AlgorithmUnknown Algorithm = iota
	SHA1
	SHA256
	SHA384
	SHA512
)

// ParseAlgorithm accepts "sha1", "sha256", "sha384" and "sha512", with or
// without an "hmac-" prefix and in any case.
func ParseAlgorithm(s string) (Algorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "hmac-")
	switch name {
	case "sha1":
		return SHA1, nil
	case "sha256", "":
		return SHA256, nil
	case "sha384":
		return SHA384, nil
	case "sha512":
		return SHA512, nil
	}
	return AlgorithmUnknown, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	}
	return "unknown"
}

// New returns the hash constructor, or nil for unknown algorithms.
func (a Algorithm) New() func() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA384:
		return sha512.New384
	case SHA512:
		return sha512.New
	}
	return nil
}

// Credential is a shared secret bound to a key id.
//
// It must never end up in a log line or a response body: every formatter
// implemented here redacts the secret.
type Credential struct {
	KeyID     string
	Secret    []byte
	Algorithm Algorithm
}

// Validate reports whether the engine can compute a MAC with c.
func (c *Credential) Validate() error {
	if len(c.Secret) == 0 {
		return ErrEmptySecret
	}
	if c.Algorithm.New() == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	return nil
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{KeyID:%q, Algorithm:%s, Secret:[REDACTED]}", c.KeyID, c.Algorithm)
}

func (c Credential) GoString() string { return c.String() }

// MarshalJSON omits the secret.
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"key_id":%q,"algorithm":%q}`, c.KeyID, c.Algorithm.String())), nil
}

// MarshalZerologObject omits the secret.
func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("key_id", c.KeyID).Str("algorithm", c.Algorithm.String())
}

// CredentialStore resolves a key id to its credential.
//
// Implementations must be safe for concurrent use. Returning ErrUnknownKey
// (or a nil credential) means the key does not exist; wrapping
// ErrStoreUnavailable means the lookup itself failed.
type CredentialStore interface {
	Resolve(ctx context.Context, keyID string) (*Credential, error)
}

// CredentialStoreFunc adapts a function to CredentialStore.
type CredentialStoreFunc func(ctx context.Context, keyID string) (*Credential, error)

// Resolve calls f.
func (f CredentialStoreFunc) Resolve(ctx context.Context, keyID string) (*Credential, error) {
	return f(ctx, keyID)
}

// NonceChecker records nonces of authenticated requests and reports replays.
//
// CheckNonce returns fresh=false when (keyID, nonce) has been seen within the
// checker's window.
type NonceChecker interface {
	CheckNonce(ctx context.Context, keyID, nonce string, ts int64) (fresh bool, err error)
}
