package auth

import (
	"errors"
	"time"
)

// DefaultClockSkew is the tolerated distance between client and server clocks.
const DefaultClockSkew = 60 * time.Second

// ErrClockSkewExceeded is returned when a request timestamp is too far from now.
var ErrClockSkewExceeded = errors.New("timestamp outside allowed clock skew")

// CheckTimestamp accepts ts when |now - ts| <= skew, in whole seconds.
func CheckTimestamp(ts int64, now time.Time, skew time.Duration) error {
	if skew < 0 {
		skew = 0
	}
	diff := abs64(now.Unix() - ts)
	if diff > uint64(skew/time.Second) {
		return ErrClockSkewExceeded
	}
	return nil
}

// abs64 returns the absolute value of n.
//
// Branchless, constant time.
func abs64(n int64) uint64 {
	m := n >> (64 - 1)
	return uint64((n ^ m) - m)
}
