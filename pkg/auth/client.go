package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignRequest describes an outgoing request to be signed.
type SignRequest struct {
	AuthScheme string // defaults to "Hawk"
	Method     string
	URI        string
	Host       string
	Scheme     string // "http" or "https"
	Timestamp  time.Time
	Nonce      string // defaults to a random UUID
	Ext        string
	App        string
	Dlg        string

	// Payload is hashed into the header when non-nil.
	Payload     []byte
	ContentType string
}

// Sign builds the Authorization header value for sr.
func Sign(cred Credential, sr SignRequest) (string, error) {
	if err := cred.Validate(); err != nil {
		return "", err
	}
	for name, v := range map[string]string{"id": cred.KeyID, "nonce": sr.Nonce, "ext": sr.Ext, "app": sr.App, "dlg": sr.Dlg} {
		if !isAttributeValue(v) {
			return "", fmt.Errorf("%s contains characters that cannot be sent in a header", name)
		}
	}

	target, err := ResolveTarget(sr.URI, sr.Host, sr.Scheme)
	if err != nil {
		return "", err
	}
	ts := sr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	nonce := sr.Nonce
	if nonce == "" {
		nonce = uuid.New().String()
	}

	var hash string
	if sr.Payload != nil {
		hash, err = PayloadHashBase64(cred.Algorithm, sr.ContentType, sr.Payload)
		if err != nil {
			return "", err
		}
	}

	rawTS := strconv.FormatInt(ts.Unix(), 10)
	mac, err := ComputeMAC(cred.Secret, cred.Algorithm, CanonicalRequest{
		Timestamp: rawTS,
		Nonce:     nonce,
		Method:    sr.Method,
		Resource:  target.Resource,
		Host:      target.Host,
		Port:      target.Port,
		Hash:      hash,
		Ext:       sr.Ext,
		App:       sr.App,
		Dlg:       sr.Dlg,
	}.String())
	if err != nil {
		return "", err
	}

	scheme := sr.AuthScheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	var b strings.Builder
	fmt.Fprintf(&b, `%s id="%s", ts="%s", nonce="%s"`, scheme, cred.KeyID, rawTS, nonce)
	if hash != "" {
		fmt.Fprintf(&b, `, hash="%s"`, hash)
	}
	if sr.Ext != "" {
		fmt.Fprintf(&b, `, ext="%s"`, sr.Ext)
	}
	fmt.Fprintf(&b, `, mac="%s"`, base64.StdEncoding.EncodeToString(mac))
	if sr.App != "" {
		fmt.Fprintf(&b, `, app="%s"`, sr.App)
		if sr.Dlg != "" {
			fmt.Fprintf(&b, `, dlg="%s"`, sr.Dlg)
		}
	}
	return b.String(), nil
}

func isAttributeValue(v string) bool {
	if len(v) > maxAttributeLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' || v[i] < 0x20 || v[i] > 0x7e {
			return false
		}
	}
	return true
}
