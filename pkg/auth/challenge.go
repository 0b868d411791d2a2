package auth

import (
	"strconv"
	"strings"
	"time"
)

// DefaultNTPHost is advertised in challenges as a clock reference.
const DefaultNTPHost = "pool.ntp.org"

// BuildChallenge renders the WWW-Authenticate value sent with a rejection:
//
//	Hawk ts="1700000000" ntp="pool.ntp.org"
//
// It carries nothing but the server time and the clock reference.
func BuildChallenge(scheme string, now time.Time, ntpHost string) string {
	if scheme == "" {
		scheme = DefaultScheme
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(` ts="`)
	b.WriteString(strconv.FormatInt(now.Unix(), 10))
	b.WriteByte('"')
	if ntpHost != "" {
		b.WriteString(` ntp="`)
		b.WriteString(ntpHost)
		b.WriteByte('"')
	}
	return b.String()
}

// Challenge is a parsed WWW-Authenticate value.
type Challenge struct {
	Timestamp int64
	NTP       string
}

// Offset is the amount a client must add to its clock to match the server,
// given the local time at which the challenge was received.
func (c Challenge) Offset(local time.Time) time.Duration {
	return time.Duration(c.Timestamp-local.Unix()) * time.Second
}

// ParseChallenge reads a challenge produced by BuildChallenge.
func ParseChallenge(scheme, value string) (*Challenge, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, ErrMissingHeader
	}
	rest, ok := cutScheme(v, scheme)
	if !ok {
		return nil, &HeaderError{Msg: "unsupported scheme"}
	}
	attrs, err := parseAttributes(rest)
	if err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(attrs["ts"])
	if err != nil {
		return nil, &HeaderError{Attribute: "ts", Msg: err.Error()}
	}
	return &Challenge{Timestamp: ts, NTP: attrs["ntp"]}, nil
}
