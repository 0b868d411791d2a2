package auth

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const payloadVersion = "hawk.1.payload"

// ComputeMAC returns the HMAC of canonical under secret.
func ComputeMAC(secret []byte, alg Algorithm, canonical string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	newHash := alg.New()
	if newHash == nil {
		return nil, ErrUnsupportedAlgorithm
	}
	mac := hmac.New(newHash, secret)
	mac.Write([]byte(canonical))
	return mac.Sum(nil), nil
}

// VerifyMAC compares two MACs in constant time.
//
// Lengths are public (they follow from the algorithm), so a length mismatch
// may return early; equal-length inputs are compared without early exit.
func VerifyMAC(expected, supplied []byte) bool {
	if len(expected) == 0 || len(expected) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, supplied) == 1
}

// PayloadHash hashes a request body together with its media type:
//
//	hawk.1.payload\n<content type>\n<body>\n
//
// The content type is lowercased and stripped of parameters.
func PayloadHash(alg Algorithm, contentType string, body []byte) ([]byte, error) {
	newHash := alg.New()
	if newHash == nil {
		return nil, ErrUnsupportedAlgorithm
	}
	h := newHash()
	h.Write([]byte(payloadVersion + "\n"))
	h.Write([]byte(mediaType(contentType) + "\n"))
	h.Write(body)
	h.Write([]byte("\n"))
	return h.Sum(nil), nil
}

// PayloadHashBase64 is PayloadHash encoded for the "hash" attribute.
func PayloadHashBase64(alg Algorithm, contentType string, body []byte) (string, error) {
	sum, err := PayloadHash(alg, contentType, body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

// VerifyPayload reports whether supplied is the payload hash of body.
func VerifyPayload(alg Algorithm, contentType string, body, supplied []byte) (bool, error) {
	sum, err := PayloadHash(alg, contentType, body)
	if err != nil {
		return false, err
	}
	return hmac.Equal(sum, supplied), nil
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
