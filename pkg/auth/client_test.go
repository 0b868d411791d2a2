package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	cred := Credential{KeyID: vectorKeyID, Secret: []byte(vectorSecret), Algorithm: SHA256}

	t.Run("KnownVector", func(t *testing.T) {
		header, err := Sign(cred, SignRequest{
			Method:    "GET",
			URI:       "/resource/1?b=1&a=2",
			Host:      "example.com:8000",
			Scheme:    "http",
			Timestamp: time.Unix(1353832234, 0),
			Nonce:     "j4h3g2",
			Ext:       "some-app-ext-data",
		})
		require.NoError(t, err)
		assert.Equal(t, validHeader, header)
	})

	t.Run("GeneratedNonceAndPayload", func(t *testing.T) {
		header, err := Sign(cred, SignRequest{
			Method:      "POST",
			URI:         "/resource/1",
			Host:        "example.com",
			Payload:     []byte("Thank you for flying Hawk"),
			ContentType: "text/plain",
			App:         "app-1",
			Dlg:         "dlg-2",
		})
		require.NoError(t, err)

		a, err := ParseAuthorizationHeader(DefaultScheme, header)
		require.NoError(t, err)
		assert.NotEmpty(t, a.Nonce)
		assert.Equal(t, "Yi9LfIIFRtBEPt74PVmbTF/xVAwPn7ub15ePICfgnuY=", a.RawHash)
		assert.Equal(t, "app-1", a.App)
		assert.Equal(t, "dlg-2", a.Dlg)
		assert.InDelta(t, time.Now().Unix(), a.Timestamp, 5)
	})

	t.Run("CustomScheme", func(t *testing.T) {
		header, err := Sign(cred, SignRequest{AuthScheme: "MAC", Method: "GET", URI: "/", Host: "example.com"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(header, `MAC id="`))
	})

	t.Run("Rejects", func(t *testing.T) {
		_, err := Sign(cred, SignRequest{Method: "GET", URI: "/", Host: "example.com", Ext: `say "hi"`})
		assert.Error(t, err)

		_, err = Sign(cred, SignRequest{Method: "GET", URI: "/"})
		assert.ErrorIs(t, err, ErrInvalidTarget)

		_, err = Sign(Credential{KeyID: "k"}, SignRequest{Method: "GET", URI: "/", Host: "example.com"})
		assert.ErrorIs(t, err, ErrEmptySecret)
	})
}
