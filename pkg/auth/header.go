package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultScheme is the authorization scheme name of the Hawk protocol.
	DefaultScheme = "Hawk"

	maxHeaderLength    = 4096
	maxAttributeLength = 1024
	maxTimestampDigits = 19
)

var (
	// ErrMissingHeader is returned for an absent or blank Authorization header.
	ErrMissingHeader = errors.New("authorization header is missing")
	// ErrMalformedHeader is wrapped by every *HeaderError.
	ErrMalformedHeader = errors.New("authorization header is malformed")
)

// HeaderError describes why an Authorization header could not be parsed.
type HeaderError struct {
	Attribute string
	Pos       int
	Msg       string
}

func (e *HeaderError) Error() string {
	switch {
	case e.Attribute != "":
		return fmt.Sprintf("malformed authorization header: attribute %q: %s", e.Attribute, e.Msg)
	case e.Pos > 0:
		return fmt.Sprintf("malformed authorization header: %s at position %d", e.Msg, e.Pos)
	}
	return "malformed authorization header: " + e.Msg
}

// Unwrap lets errors.Is match ErrMalformedHeader.
func (e *HeaderError) Unwrap() error { return ErrMalformedHeader }

// Authorization holds the attributes of a parsed Authorization header.
//
// RawTimestamp and RawHash keep the attribute text exactly as sent, since the
// client signed those strings and not their decoded values.
type Authorization struct {
	KeyID        string
	Timestamp    int64
	RawTimestamp string
	Nonce        string
	MAC          []byte
	Ext          string
	Hash         []byte
	RawHash      string
	HasHash      bool
	App          string
	Dlg          string
}

// ParseAuthorizationHeader parses value as "<scheme> id=.., ts=.., nonce=.., mac=..".
//
// The scheme is matched case-insensitively. Attributes may appear in any order
// and unknown ones are ignored. A header naming the same attribute twice is
// rejected, whichever occurrence would have won.
func ParseAuthorizationHeader(scheme, value string) (*Authorization, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, ErrMissingHeader
	}
	if len(v) > maxHeaderLength {
		return nil, &HeaderError{Msg: "header too long"}
	}
	rest, ok := cutScheme(v, scheme)
	if !ok {
		return nil, &HeaderError{Msg: "unsupported scheme"}
	}

	attrs, err := parseAttributes(rest)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{"id", "ts", "nonce", "mac"} {
		if attrs[name] == "" {
			return nil, &HeaderError{Attribute: name, Msg: "missing or empty"}
		}
	}

	a := &Authorization{
		KeyID:        attrs["id"],
		RawTimestamp: attrs["ts"],
		Nonce:        attrs["nonce"],
		Ext:          attrs["ext"],
		App:          attrs["app"],
		Dlg:          attrs["dlg"],
	}

	a.Timestamp, err = parseTimestamp(a.RawTimestamp)
	if err != nil {
		return nil, &HeaderError{Attribute: "ts", Msg: err.Error()}
	}

	a.MAC, err = base64.StdEncoding.DecodeString(attrs["mac"])
	if err != nil {
		return nil, &HeaderError{Attribute: "mac", Msg: "invalid base64"}
	}

	if h := attrs["hash"]; h != "" {
		a.Hash, err = base64.StdEncoding.DecodeString(h)
		if err != nil {
			return nil, &HeaderError{Attribute: "hash", Msg: "invalid base64"}
		}
		a.RawHash = h
		a.HasHash = true
	}

	return a, nil
}

// cutScheme strips a case-insensitive scheme prefix, which must be followed
// by whitespace or the end of the value.
func cutScheme(v, scheme string) (string, bool) {
	if len(v) < len(scheme) || !strings.EqualFold(v[:len(scheme)], scheme) {
		return "", false
	}
	rest := v[len(scheme):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return rest, true
}

// parseTimestamp accepts unsigned decimal seconds only.
func parseTimestamp(s string) (int64, error) {
	if len(s) == 0 || len(s) > maxTimestampDigits {
		return 0, errors.New("timestamp out of range")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("timestamp is not an unsigned integer")
		}
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("timestamp out of range")
	}
	return ts, nil
}

// parseAttributes reads `name="value"` pairs separated by commas and/or
// whitespace. Values are limited to printable ASCII without '"' and '\'.
func parseAttributes(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == ',') {
			i++
		}
		if i == len(s) {
			return attrs, nil
		}

		start := i
		for i < len(s) && isNameChar(s[i]) {
			i++
		}
		if i == start {
			return nil, &HeaderError{Pos: i + 1, Msg: "unexpected character"}
		}
		name := strings.ToLower(s[start:i])

		if i+1 >= len(s) || s[i] != '=' || s[i+1] != '"' {
			return nil, &HeaderError{Attribute: name, Msg: "expected quoted value"}
		}
		i += 2

		start = i
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' || s[i] < 0x20 || s[i] > 0x7e {
				return nil, &HeaderError{Attribute: name, Msg: "invalid character in value"}
			}
			i++
		}
		if i == len(s) {
			return nil, &HeaderError{Attribute: name, Msg: "unterminated value"}
		}
		value := s[start:i]
		i++

		if len(value) > maxAttributeLength {
			return nil, &HeaderError{Attribute: name, Msg: "value too long"}
		}
		if _, dup := attrs[name]; dup {
			return nil, &HeaderError{Attribute: name, Msg: "duplicate attribute"}
		}
		attrs[name] = value

		if i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != ',' {
			return nil, &HeaderError{Pos: i + 1, Msg: "expected separator"}
		}
	}
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}
