package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hawk-auth-gateway/pkg/api"
	"hawk-auth-gateway/pkg/auth"
)

var testCredential = auth.Credential{
	KeyID:     "dh37fgj492je",
	Secret:    []byte("werxhqb98rpaxn39848xrunpaw3489ruxnpa98w4rxn"),
	Algorithm: auth.SHA256,
}

// newServer runs a Hawk protected endpoint whose clock is ahead by skew.
func newServer(t *testing.T, skew time.Duration) *httptest.Server {
	t.Helper()
	store := auth.CredentialStoreFunc(func(_ context.Context, keyID string) (*auth.Credential, error) {
		if keyID != testCredential.KeyID {
			return nil, auth.ErrUnknownKey
		}
		c := testCredential
		return &c, nil
	})
	engine := auth.NewEngine(store, auth.WithNow(func() time.Time { return time.Now().Add(skew) }))
	middleware := api.NewMiddleware(engine, nil, api.WithPayloadVerification(true))

	srv := httptest.NewServer(middleware.HawkAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := api.IdentityFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{"key_id": id.KeyID, "ext": id.Ext})
	})))
	t.Cleanup(srv.Close)
	return srv
}

func TestSigningClient_Do(t *testing.T) {
	srv := newServer(t, 0)
	client := newSigningClient(testCredential, auth.DefaultScheme)

	res, err := client.Do(context.Background(), call{
		Method:      "POST",
		URL:         srv.URL + "/v1/echo?x=1",
		Body:        []byte(`{"hello":"hawk"}`),
		ContentType: "application/json",
		Ext:         "cli",
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", res.StatusCode, res.Body)
	}
	if res.Retried {
		t.Error("Expected no retry with a synchronized clock")
	}

	var body map[string]string
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["key_id"] != "dh37fgj492je" || body["ext"] != "cli" {
		t.Errorf("Unexpected response %v", body)
	}
}

func TestSigningClient_CorrectsClock(t *testing.T) {
	srv := newServer(t, 10*time.Minute)
	client := newSigningClient(testCredential, auth.DefaultScheme)

	res, err := client.Do(context.Background(), call{Method: "GET", URL: srv.URL + "/v1/whoami"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 after clock correction, got %d", res.StatusCode)
	}
	if !res.Retried {
		t.Error("Expected the request to be retried")
	}

	offset := client.Offset()
	if offset < 9*time.Minute || offset > 11*time.Minute {
		t.Errorf("Expected offset near 10m, got %v", offset)
	}

	// The learned offset is reused
	res, err = client.Do(context.Background(), call{Method: "GET", URL: srv.URL + "/v1/whoami"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Retried {
		t.Errorf("Expected direct success with the learned offset, got %d retried=%v", res.StatusCode, res.Retried)
	}
}

func TestSigningClient_WrongSecret(t *testing.T) {
	srv := newServer(t, 0)
	wrong := testCredential
	wrong.Secret = []byte("not-the-secret")
	client := newSigningClient(wrong, auth.DefaultScheme)

	res, err := client.Do(context.Background(), call{Method: "GET", URL: srv.URL + "/v1/whoami"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", res.StatusCode)
	}
	if res.Header.Get("WWW-Authenticate") == "" {
		t.Error("Expected a challenge")
	}
}

func TestSigningClient_InvalidURL(t *testing.T) {
	client := newSigningClient(testCredential, auth.DefaultScheme)
	if _, err := client.Do(context.Background(), call{Method: "GET", URL: "://nope"}); err == nil {
		t.Error("Expected an error for an invalid URL")
	}
}

func TestReadBody(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "hawksign-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "body.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	tests := []struct {
		arg  string
		want string
	}{
		{arg: "", want: ""},
		{arg: "inline", want: "inline"},
		{arg: "@" + path, want: `{"a":1}`},
	}
	for _, tt := range tests {
		got, err := readBody(tt.arg)
		if err != nil {
			t.Fatalf("readBody(%q) failed: %v", tt.arg, err)
		}
		if string(got) != tt.want {
			t.Errorf("readBody(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}

	if _, err := readBody("@" + filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
