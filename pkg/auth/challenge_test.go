package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChallenge(t *testing.T) {
	now := time.Unix(1700000000, 0)

	assert.Equal(t, `Hawk ts="1700000000" ntp="pool.ntp.org"`, BuildChallenge(DefaultScheme, now, DefaultNTPHost))
	assert.Equal(t, `Hawk ts="1700000000"`, BuildChallenge("", now, ""))
	assert.Equal(t, `MAC ts="1700000000" ntp="time.example.com"`, BuildChallenge("MAC", now, "time.example.com"))
}

func TestParseChallenge(t *testing.T) {
	now := time.Unix(1700000000, 0)

	c, err := ParseChallenge(DefaultScheme, BuildChallenge(DefaultScheme, now, DefaultNTPHost))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), c.Timestamp)
	assert.Equal(t, DefaultNTPHost, c.NTP)

	assert.Equal(t, 90*time.Second, c.Offset(now.Add(-90*time.Second)))
	assert.Equal(t, -30*time.Second, c.Offset(now.Add(30*time.Second)))

	t.Run("Invalid", func(t *testing.T) {
		_, err := ParseChallenge(DefaultScheme, "")
		assert.ErrorIs(t, err, ErrMissingHeader)

		for _, v := range []string{
			`Basic realm="x"`,
			`Hawk ntp="pool.ntp.org"`,
			`Hawk ts="soon"`,
			`Hawk ts="1700000000`,
		} {
			_, err := ParseChallenge(DefaultScheme, v)
			assert.ErrorIs(t, err, ErrMalformedHeader, v)
		}
	})
}
