package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errPayloadMismatch = errors.New("payload hash mismatch")

// Request is everything the engine needs to know about one HTTP request.
type Request struct {
	Authorization string // raw Authorization header value
	Method        string
	URI           string // request target as received, origin- or absolute-form
	Host          string // Host header value, may be empty for absolute-form URIs
	Scheme        string // "http" or "https"; selects the default port
	RequestID     string // correlation id for logs, generated when empty

	// Payload, when set, is checked against the "hash" attribute.
	Payload *Payload
}

// Payload is a request body with its Content-Type.
type Payload struct {
	ContentType string
	Body        []byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheme sets the authorization scheme name. Default "Hawk".
func WithScheme(scheme string) Option {
	return func(e *Engine) {
		if scheme != "" {
			e.scheme = scheme
		}
	}
}

// WithClockSkew sets the accepted clock difference. Default 60s.
func WithClockSkew(skew time.Duration) Option {
	return func(e *Engine) {
		if skew >= 0 {
			e.skew = skew
		}
	}
}

// WithNow replaces the clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithChallenge turns challenges on rejection on or off. Default on.
func WithChallenge(enabled bool) Option {
	return func(e *Engine) { e.challenge = enabled }
}

// WithNTPHost sets the clock reference advertised in challenges.
func WithNTPHost(host string) Option {
	return func(e *Engine) { e.ntpHost = host }
}

// WithLogger sets the logger. Default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithReplayGuard enables nonce replay detection for authenticated requests.
func WithReplayGuard(checker NonceChecker) Option {
	return func(e *Engine) { e.replay = checker }
}

// WithRequirePayloadHash rejects requests that carry a payload but no "hash".
func WithRequirePayloadHash(required bool) Option {
	return func(e *Engine) { e.requirePayloadHash = required }
}

// Engine verifies Hawk-signed requests.
//
// An Engine is immutable after NewEngine and safe for concurrent use; the
// only shared collaborators are the credential store and the replay guard.
type Engine struct {
	store              CredentialStore
	scheme             string
	skew               time.Duration
	now                func() time.Time
	challenge          bool
	ntpHost            string
	logger             zerolog.Logger
	replay             NonceChecker
	requirePayloadHash bool

	// decoy is signed with when the key id is unknown, so that unknown keys
	// cost the same work as known ones.
	decoy Credential
}

// NewEngine returns an Engine resolving keys through store.
func NewEngine(store CredentialStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		scheme:    DefaultScheme,
		skew:      DefaultClockSkew,
		now:       time.Now,
		challenge: true,
		ntpHost:   DefaultNTPHost,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		copy(secret, "decoy-secret-for-unknown-key-ids")
	}
	e.decoy = Credential{Secret: secret, Algorithm: SHA256}
	return e
}

// Scheme returns the configured authorization scheme.
func (e *Engine) Scheme() string { return e.scheme }

// Verify authenticates req. It never panics and never returns internal
// error details except through Result.Err.
func (e *Engine) Verify(ctx context.Context, req Request) (res Result) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	logger := e.logger.With().Str("request_id", requestID).Logger()
	now := e.now()
	keyID := ""

	defer func() {
		if p := recover(); p != nil {
			res = rejected(ReasonInternalError, fmt.Errorf("panic during verification: %v", p))
		}
		e.finish(&res, &logger, keyID, now)
	}()

	res, keyID = e.verify(ctx, req, now)
	return res
}

func (e *Engine) verify(ctx context.Context, req Request, now time.Time) (Result, string) {
	if strings.TrimSpace(req.Authorization) == "" {
		return rejected(ReasonMissingHeader, ErrMissingHeader), ""
	}

	hdr, err := ParseAuthorizationHeader(e.scheme, req.Authorization)
	if err != nil {
		if errors.Is(err, ErrMissingHeader) {
			return rejected(ReasonMissingHeader, err), ""
		}
		return rejected(ReasonMalformedHeader, err), ""
	}

	target, err := ResolveTarget(req.URI, req.Host, req.Scheme)
	if err != nil {
		return rejected(ReasonMalformedHeader, err), hdr.KeyID
	}
	if e.requirePayloadHash && req.Payload != nil && len(req.Payload.Body) > 0 && !hdr.HasHash {
		return rejected(ReasonMalformedHeader, &HeaderError{Attribute: "hash", Msg: "required for requests with a payload"}), hdr.KeyID
	}

	cred, reason, lookupErr := e.resolve(ctx, hdr.KeyID)
	if reason == ReasonInternalError {
		return rejected(reason, lookupErr), hdr.KeyID
	}
	known := reason == ReasonNone
	signing := &e.decoy
	if known {
		if err := cred.Validate(); err != nil {
			return rejected(ReasonInternalError, fmt.Errorf("credential %q: %w", hdr.KeyID, err)), hdr.KeyID
		}
		signing = cred
	}

	// Both checks always run; the outcome is reported by priority.
	tsErr := CheckTimestamp(hdr.Timestamp, now, e.skew)
	canonical := CanonicalRequest{
		Timestamp: hdr.RawTimestamp,
		Nonce:     hdr.Nonce,
		Method:    req.Method,
		Resource:  target.Resource,
		Host:      target.Host,
		Port:      target.Port,
		Hash:      hdr.RawHash,
		Ext:       hdr.Ext,
		App:       hdr.App,
		Dlg:       hdr.Dlg,
	}.String()
	expected, err := ComputeMAC(signing.Secret, signing.Algorithm, canonical)
	if err != nil {
		return rejected(ReasonInternalError, fmt.Errorf("compute mac: %w", err)), hdr.KeyID
	}
	macOK := VerifyMAC(expected, hdr.MAC)

	switch {
	case !known:
		return rejected(ReasonUnknownKey, lookupErr), hdr.KeyID
	case tsErr != nil:
		return rejected(ReasonClockSkewExceeded, fmt.Errorf("%w: ts=%d now=%d", tsErr, hdr.Timestamp, now.Unix())), hdr.KeyID
	case !macOK:
		return rejected(ReasonMacMismatch, errors.New("mac mismatch")), hdr.KeyID
	}

	if req.Payload != nil && hdr.HasHash {
		ok, err := VerifyPayload(cred.Algorithm, req.Payload.ContentType, req.Payload.Body, hdr.Hash)
		if err != nil {
			return rejected(ReasonInternalError, fmt.Errorf("payload hash: %w", err)), hdr.KeyID
		}
		if !ok {
			return rejected(ReasonMacMismatch, errPayloadMismatch), hdr.KeyID
		}
	}

	if e.replay != nil {
		fresh, err := e.replay.CheckNonce(ctx, hdr.KeyID, hdr.Nonce, hdr.Timestamp)
		if err != nil {
			return rejected(ReasonInternalError, fmt.Errorf("replay guard: %w", err)), hdr.KeyID
		}
		if !fresh {
			return rejected(ReasonReplayedNonce, fmt.Errorf("nonce %q already used", hdr.Nonce)), hdr.KeyID
		}
	}

	return Result{Identity: &Identity{
		Name:      hdr.KeyID,
		KeyID:     hdr.KeyID,
		Ext:       hdr.Ext,
		Timestamp: hdr.Timestamp,
	}}, hdr.KeyID
}

// resolve classifies the store outcome. Only ErrStoreUnavailable and context
// errors count as internal failures; anything else is an unknown key.
func (e *Engine) resolve(ctx context.Context, keyID string) (*Credential, Reason, error) {
	if e.store == nil {
		return nil, ReasonInternalError, errors.New("no credential store configured")
	}
	cred, err := e.store.Resolve(ctx, keyID)
	switch {
	case err == nil && cred != nil:
		return cred, ReasonNone, nil
	case err == nil:
		return nil, ReasonUnknownKey, ErrUnknownKey
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil, ReasonInternalError, fmt.Errorf("resolve %q: %w", keyID, err)
	}
	return nil, ReasonUnknownKey, fmt.Errorf("resolve %q: %w", keyID, err)
}

func (e *Engine) finish(res *Result, logger *zerolog.Logger, keyID string, now time.Time) {
	if res.Authenticated() {
		logger.Debug().Str("key_id", keyID).Msg("Request authenticated")
		return
	}
	if e.challenge {
		res.Challenge = BuildChallenge(e.scheme, now, e.ntpHost)
	}

	event := logger.Warn()
	if res.Reason == ReasonInternalError {
		event = logger.Error()
	}
	event.Err(res.Err).
		Str("key_id", keyID).
		Str("reason", res.Reason.String()).
		Msg("Request rejected")
}

// Verify is a one-shot form of Engine.Verify with challenges enabled.
func Verify(ctx context.Context, authorization, method, uri, host string, store CredentialStore, skew time.Duration, now time.Time) Result {
	engine := NewEngine(store,
		WithClockSkew(skew),
		WithNow(func() time.Time { return now }),
	)
	return engine.Verify(ctx, Request{
		Authorization: authorization,
		Method:        method,
		URI:           uri,
		Host:          host,
	})
}
