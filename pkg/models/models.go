// Package models defines data structures shared by the Hawk gateway services.
// It contains API response models, credential records and key file layouts
// used by the HTTP server, the credential stores and the signing client.
package models

import (
	"encoding/json"
	"time"
)

// API Responses

// IdentityResponse describes the caller of an authenticated request.
type IdentityResponse struct {
	Name      string `json:"name"`          // Authenticated identity name (the key id)
	KeyID     string `json:"key_id"`        // Key id the request was signed with
	Ext       string `json:"ext,omitempty"` // Application specific data from the "ext" attribute
	Timestamp int64  `json:"timestamp"`     // Client timestamp of the request
	RequestID string `json:"request_id"`    // Correlation id of the request
	Scheme    string `json:"scheme"`        // Authorization scheme the gateway accepts
}

// EchoResponse is returned by the echo endpoint for signed payload tests.
type EchoResponse struct {
	Identity    IdentityResponse `json:"identity"`
	Method      string           `json:"method"`
	Path        string           `json:"path"`
	ContentType string           `json:"content_type,omitempty"`
	Body        json.RawMessage  `json:"body,omitempty"`
	Size        int              `json:"size"`
}

// VerifyRequest asks the gateway to verify a request on behalf of another service.
type VerifyRequest struct {
	Authorization string `json:"authorization"`
	Method        string `json:"method"`
	URI           string `json:"uri"`
	Host          string `json:"host"`
	Scheme        string `json:"scheme,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// VerifyResponse is the outcome of a delegated verification.
// Reason is only filled for rejections, and only for trusted callers.
type VerifyResponse struct {
	Authenticated bool   `json:"authenticated"`
	KeyID         string `json:"key_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Challenge     string `json:"challenge,omitempty"`
}

// Database Models

// CredentialRecord is a stored Hawk credential.
// The secret is kept out of JSON output.
type CredentialRecord struct {
	KeyID     string    `json:"key_id" db:"key_id"`         // Key identifier sent in the "id" attribute
	Secret    string    `json:"-" db:"secret"`              // Shared secret
	Algorithm string    `json:"algorithm" db:"algorithm"`   // MAC hash: sha1, sha256, sha384 or sha512
	Disabled  bool      `json:"disabled" db:"disabled"`     // Disabled keys resolve as unknown
	CreatedAt time.Time `json:"created_at" db:"created_at"` // Record creation time
}

// SeenNonce tracks nonces of authenticated requests for replay detection.
// A nonce is unique per key id within the retention window.
type SeenNonce struct {
	KeyID  string    `json:"key_id" db:"key_id"`   // Key that signed the request
	Nonce  string    `json:"nonce" db:"nonce"`     // Client supplied nonce
	SeenAt time.Time `json:"seen_at" db:"seen_at"` // When this nonce was first seen
}

// Key Files

// CredentialFile is the layout of a YAML or TOML key file.
//
//	credentials:
//	  - id: dh37fgj492je
//	    secret: werxhqb98rpaxn39848xrunpaw3489ruxnpa98w4rxn
//	    algorithm: sha256
type CredentialFile struct {
	Credentials []CredentialEntry `json:"credentials" yaml:"credentials" toml:"credentials"`
}

// CredentialEntry is one key in a CredentialFile.
type CredentialEntry struct {
	ID        string `json:"id" yaml:"id" toml:"id"`
	Secret    string `json:"secret" yaml:"secret" toml:"secret"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty" toml:"algorithm,omitempty"`
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// Error Response

// ErrorResponse represents a standardized error response structure.
// Used to return consistent error information to API clients.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"` // Detailed error information
}

// ErrorDetails contains specific error information including codes and messages.
type ErrorDetails struct {
	Code      string `json:"code"`                 // Machine-readable error code
	Message   string `json:"message"`              // Human-readable error description
	RequestID string `json:"request_id,omitempty"` // Request ID for error correlation
}
