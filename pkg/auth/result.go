package auth

import "net/http"

// Reason explains why a request was not authenticated.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMissingHeader
	ReasonMalformedHeader
	ReasonUnknownKey
	ReasonClockSkewExceeded
	ReasonMacMismatch
	ReasonInternalError
	ReasonReplayedNonce
)

var reasonNames = [...]string{
	ReasonNone:              "none",
	ReasonMissingHeader:     "missing_header",
	ReasonMalformedHeader:   "malformed_header",
	ReasonUnknownKey:        "unknown_key",
	ReasonClockSkewExceeded: "clock_skew_exceeded",
	ReasonMacMismatch:       "mac_mismatch",
	ReasonInternalError:     "internal_error",
	ReasonReplayedNonce:     "replayed_nonce",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// Identity is the authenticated caller. Name is the key id.
type Identity struct {
	Name      string
	KeyID     string
	Ext       string
	Timestamp int64
}

// Result is the outcome of one verification.
//
// Exactly one of Identity and Reason is set. Err holds the server-side detail
// of a rejection and must not be sent to the client.
type Result struct {
	Identity  *Identity
	Reason    Reason
	Challenge string
	Err       error
}

// Authenticated reports whether the request was verified.
func (r Result) Authenticated() bool {
	return r.Identity != nil && r.Reason == ReasonNone
}

// StatusCode is 200 for authenticated requests and 401 for every rejection,
// so that unknown keys and bad signatures look the same on the wire.
func (r Result) StatusCode() int {
	if r.Authenticated() {
		return http.StatusOK
	}
	return http.StatusUnauthorized
}

func rejected(reason Reason, err error) Result {
	return Result{Reason: reason, Err: err}
}
