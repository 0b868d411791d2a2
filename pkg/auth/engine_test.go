package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleKeyID = "dh37fgj492je"

var exampleNow = time.Unix(1700000000, 0)

type mapStore map[string]Credential

func (m mapStore) Resolve(_ context.Context, keyID string) (*Credential, error) {
	c, ok := m[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return &c, nil
}

type memoryNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memoryNonces) CheckNonce(_ context.Context, keyID, nonce string, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	k := keyID + "\x00" + nonce
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

func exampleStore() mapStore {
	return mapStore{
		exampleKeyID: {KeyID: exampleKeyID, Secret: []byte("s3cr3t"), Algorithm: SHA256},
		"second-key": {KeyID: "second-key", Secret: []byte("another secret"), Algorithm: SHA512},
	}
}

func exampleEngine(opts ...Option) *Engine {
	opts = append([]Option{WithNow(func() time.Time { return exampleNow })}, opts...)
	return NewEngine(exampleStore(), opts...)
}

func exampleSignRequest() SignRequest {
	return SignRequest{
		Method:    "GET",
		URI:       "/resource",
		Host:      "example.com",
		Scheme:    "http",
		Timestamp: exampleNow,
		Nonce:     "abc123",
	}
}

func signFor(t *testing.T, cred Credential, sr SignRequest) Request {
	t.Helper()
	header, err := Sign(cred, sr)
	require.NoError(t, err)
	return Request{
		Authorization: header,
		Method:        sr.Method,
		URI:           sr.URI,
		Host:          sr.Host,
		Scheme:        sr.Scheme,
	}
}

func exampleRequest(t *testing.T) Request {
	return signFor(t, exampleStore()[exampleKeyID], exampleSignRequest())
}

func TestEngineVerifyExample(t *testing.T) {
	engine := exampleEngine()

	res := engine.Verify(context.Background(), exampleRequest(t))
	require.True(t, res.Authenticated(), "err: %v", res.Err)
	assert.Equal(t, "dh37fgj492je", res.Identity.Name)
	assert.Equal(t, int64(1700000000), res.Identity.Timestamp)
	assert.Equal(t, 200, res.StatusCode())
	assert.Empty(t, res.Challenge)

	t.Run("DifferentSecret", func(t *testing.T) {
		req := signFor(t, Credential{KeyID: exampleKeyID, Secret: []byte("not-the-secret"), Algorithm: SHA256}, exampleSignRequest())
		res := engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonMacMismatch, res.Reason)
		assert.Nil(t, res.Identity)
		assert.Equal(t, `Hawk ts="1700000000" ntp="pool.ntp.org"`, res.Challenge)
	})
}

func TestEngineVerifyKnownVector(t *testing.T) {
	store := mapStore{vectorKeyID: {KeyID: vectorKeyID, Secret: []byte(vectorSecret), Algorithm: SHA256}}
	engine := NewEngine(store, WithNow(func() time.Time { return time.Unix(1353832234, 0) }))

	res := engine.Verify(context.Background(), Request{
		Authorization: validHeader,
		Method:        "GET",
		URI:           "/resource/1?b=1&a=2",
		Host:          "example.com:8000",
	})
	require.True(t, res.Authenticated(), "err: %v", res.Err)
	assert.Equal(t, "some-app-ext-data", res.Identity.Ext)
}

func TestEngineTamperedRequest(t *testing.T) {
	engine := exampleEngine()

	tamper := map[string]func(r *Request){
		"method": func(r *Request) { r.Method = "POST" },
		"path":   func(r *Request) { r.URI = "/resource2" },
		"query":  func(r *Request) { r.URI = "/resource?x=1" },
		"host":   func(r *Request) { r.Host = "evil.example.com" },
		"port":   func(r *Request) { r.Host = "example.com:8080" },
		"scheme": func(r *Request) { r.Scheme = "https" },
		"timestamp": func(r *Request) {
			r.Authorization = strings.Replace(r.Authorization, `ts="1700000000"`, `ts="1700000001"`, 1)
		},
		"nonce": func(r *Request) {
			r.Authorization = strings.Replace(r.Authorization, `nonce="abc123"`, `nonce="abc124"`, 1)
		},
		"ext added": func(r *Request) {
			r.Authorization = strings.Replace(r.Authorization, `, mac=`, `, ext="extra", mac=`, 1)
		},
	}

	for name, fn := range tamper {
		t.Run(name, func(t *testing.T) {
			req := exampleRequest(t)
			fn(&req)
			res := engine.Verify(context.Background(), req)
			assert.Equal(t, ReasonMacMismatch, res.Reason, "err: %v", res.Err)
			assert.Equal(t, 401, res.StatusCode())
		})
	}

	t.Run("MethodCaseIsIgnored", func(t *testing.T) {
		req := exampleRequest(t)
		req.Method = "get"
		assert.True(t, engine.Verify(context.Background(), req).Authenticated())
	})

	t.Run("HostCaseIsIgnored", func(t *testing.T) {
		req := exampleRequest(t)
		req.Host = "EXAMPLE.com:80"
		assert.True(t, engine.Verify(context.Background(), req).Authenticated())
	})
}

func TestEngineClockSkewBoundary(t *testing.T) {
	for _, skew := range []time.Duration{0, 30 * time.Second, DefaultClockSkew} {
		seconds := int64(skew / time.Second)
		engine := exampleEngine(WithClockSkew(skew))

		for _, offset := range []int64{seconds, -seconds} {
			sr := exampleSignRequest()
			sr.Timestamp = exampleNow.Add(time.Duration(offset) * time.Second)
			res := engine.Verify(context.Background(), signFor(t, exampleStore()[exampleKeyID], sr))
			assert.True(t, res.Authenticated(), "skew %s offset %d: %v", skew, offset, res.Err)
		}

		for _, offset := range []int64{seconds + 1, -seconds - 1} {
			sr := exampleSignRequest()
			sr.Timestamp = exampleNow.Add(time.Duration(offset) * time.Second)
			res := engine.Verify(context.Background(), signFor(t, exampleStore()[exampleKeyID], sr))
			assert.Equal(t, ReasonClockSkewExceeded, res.Reason, "skew %s offset %d", skew, offset)
			assert.Equal(t, `Hawk ts="1700000000" ntp="pool.ntp.org"`, res.Challenge)
		}
	}
}

func TestEngineMissingHeader(t *testing.T) {
	req := exampleRequest(t)
	req.Authorization = ""

	t.Run("WithChallenge", func(t *testing.T) {
		res := exampleEngine().Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingHeader, res.Reason)
		assert.Contains(t, res.Challenge, `ts="1700000000"`)
	})

	t.Run("WithoutChallenge", func(t *testing.T) {
		res := exampleEngine(WithChallenge(false)).Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingHeader, res.Reason)
		assert.Empty(t, res.Challenge)
	})

	t.Run("Blank", func(t *testing.T) {
		req.Authorization = "  "
		res := exampleEngine().Verify(context.Background(), req)
		assert.Equal(t, ReasonMissingHeader, res.Reason)
	})
}

func TestEngineMalformedHeader(t *testing.T) {
	engine := exampleEngine()

	for name, header := range map[string]string{
		"wrong scheme": `Basic dXNlcjpwYXNz`,
		"missing mac":  `Hawk id="dh37fgj492je", ts="1700000000", nonce="abc123"`,
		"bad ts":       `Hawk id="dh37fgj492je", ts="later", nonce="abc123", mac="AAAA"`,
		"duplicate":    `Hawk id="dh37fgj492je", id="other", ts="1700000000", nonce="abc123", mac="AAAA"`,
	} {
		t.Run(name, func(t *testing.T) {
			req := exampleRequest(t)
			req.Authorization = header
			res := engine.Verify(context.Background(), req)
			assert.Equal(t, ReasonMalformedHeader, res.Reason)
			assert.ErrorIs(t, res.Err, ErrMalformedHeader)
		})
	}

	t.Run("UnresolvableTarget", func(t *testing.T) {
		req := exampleRequest(t)
		req.Host = ""
		res := engine.Verify(context.Background(), req)
		assert.Equal(t, ReasonMalformedHeader, res.Reason)
		assert.ErrorIs(t, res.Err, ErrInvalidTarget)
	})

	t.Run("TakesPriorityOverUnknownKey", func(t *testing.T) {
		req := exampleRequest(t)
		req.Authorization = `Hawk id="nobody", ts="1", nonce="abc123"`
		assert.Equal(t, ReasonMalformedHeader, engine.Verify(context.Background(), req).Reason)
	})
}

func TestEngineUnknownKey(t *testing.T) {
	engine := exampleEngine()

	unknown := signFor(t, Credential{KeyID: "nobody", Secret: []byte("s3cr3t"), Algorithm: SHA256}, exampleSignRequest())
	res := engine.Verify(context.Background(), unknown)
	assert.Equal(t, ReasonUnknownKey, res.Reason)

	mismatch := signFor(t, Credential{KeyID: exampleKeyID, Secret: []byte("wrong"), Algorithm: SHA256}, exampleSignRequest())
	other := engine.Verify(context.Background(), mismatch)
	assert.Equal(t, ReasonMacMismatch, other.Reason)

	assert.Equal(t, other.StatusCode(), res.StatusCode())
	assert.Equal(t, other.Challenge, res.Challenge)

	t.Run("TakesPriorityOverSkew", func(t *testing.T) {
		sr := exampleSignRequest()
		sr.Timestamp = exampleNow.Add(-time.Hour)
		req := signFor(t, Credential{KeyID: "nobody", Secret: []byte("s3cr3t"), Algorithm: SHA256}, sr)
		assert.Equal(t, ReasonUnknownKey, engine.Verify(context.Background(), req).Reason)
	})

	t.Run("NilCredential", func(t *testing.T) {
		store := CredentialStoreFunc(func(context.Context, string) (*Credential, error) { return nil, nil })
		res := NewEngine(store, WithNow(func() time.Time { return exampleNow })).Verify(context.Background(), exampleRequest(t))
		assert.Equal(t, ReasonUnknownKey, res.Reason)
	})
}

func TestEngineSkewTakesPriorityOverMac(t *testing.T) {
	sr := exampleSignRequest()
	sr.Timestamp = exampleNow.Add(time.Hour)
	req := signFor(t, Credential{KeyID: exampleKeyID, Secret: []byte("wrong"), Algorithm: SHA256}, sr)

	assert.Equal(t, ReasonClockSkewExceeded, exampleEngine().Verify(context.Background(), req).Reason)
}

type panicStore struct{}

func (panicStore) Resolve(context.Context, string) (*Credential, error) { panic("boom") }

func TestEngineInternalErrors(t *testing.T) {
	now := WithNow(func() time.Time { return exampleNow })

	tests := map[string]CredentialStore{
		"store unavailable": CredentialStoreFunc(func(context.Context, string) (*Credential, error) {
			return nil, fmt.Errorf("dial: %w", ErrStoreUnavailable)
		}),
		"deadline": CredentialStoreFunc(func(context.Context, string) (*Credential, error) {
			return nil, context.DeadlineExceeded
		}),
		"empty secret": CredentialStoreFunc(func(_ context.Context, id string) (*Credential, error) {
			return &Credential{KeyID: id}, nil
		}),
		"panic": panicStore{},
		"nil":   nil,
	}

	for name, store := range tests {
		t.Run(name, func(t *testing.T) {
			res := NewEngine(store, now).Verify(context.Background(), exampleRequest(t))
			assert.Equal(t, ReasonInternalError, res.Reason)
			assert.Error(t, res.Err)
			assert.Equal(t, 401, res.StatusCode())
			assert.NotEmpty(t, res.Challenge)
		})
	}

	t.Run("OtherStoreErrorsAreUnknownKey", func(t *testing.T) {
		store := CredentialStoreFunc(func(context.Context, string) (*Credential, error) {
			return nil, errors.New("no such row")
		})
		res := NewEngine(store, now).Verify(context.Background(), exampleRequest(t))
		assert.Equal(t, ReasonUnknownKey, res.Reason)
	})
}

func TestEngineReplayGuard(t *testing.T) {
	engine := exampleEngine(WithReplayGuard(&memoryNonces{}))
	req := exampleRequest(t)

	assert.True(t, engine.Verify(context.Background(), req).Authenticated())
	assert.Equal(t, ReasonReplayedNonce, engine.Verify(context.Background(), req).Reason)

	t.Run("RejectedRequestsDoNotConsumeNonce", func(t *testing.T) {
		guard := &memoryNonces{}
		engine := exampleEngine(WithReplayGuard(guard))

		bad := exampleRequest(t)
		bad.Method = "DELETE"
		assert.Equal(t, ReasonMacMismatch, engine.Verify(context.Background(), bad).Reason)
		assert.True(t, engine.Verify(context.Background(), exampleRequest(t)).Authenticated())
	})

	t.Run("GuardFailure", func(t *testing.T) {
		engine := exampleEngine(WithReplayGuard(failingNonces{}))
		assert.Equal(t, ReasonInternalError, engine.Verify(context.Background(), exampleRequest(t)).Reason)
	})
}

type failingNonces struct{}

func (failingNonces) CheckNonce(context.Context, string, string, int64) (bool, error) {
	return false, errors.New("disk full")
}

func TestEnginePayload(t *testing.T) {
	body := []byte(`{"amount":10}`)
	sr := exampleSignRequest()
	sr.Method = "POST"
	sr.Payload = body
	sr.ContentType = "application/json"
	req := signFor(t, exampleStore()[exampleKeyID], sr)

	req.Payload = &Payload{ContentType: "application/json; charset=utf-8", Body: body}
	assert.True(t, exampleEngine().Verify(context.Background(), req).Authenticated())

	t.Run("TamperedBody", func(t *testing.T) {
		req := req
		req.Payload = &Payload{ContentType: "application/json", Body: []byte(`{"amount":1000}`)}
		res := exampleEngine().Verify(context.Background(), req)
		assert.Equal(t, ReasonMacMismatch, res.Reason)
	})

	t.Run("HashRequired", func(t *testing.T) {
		unsigned := exampleRequest(t)
		unsigned.Payload = &Payload{ContentType: "application/json", Body: body}

		assert.True(t, exampleEngine().Verify(context.Background(), unsigned).Authenticated())
		res := exampleEngine(WithRequirePayloadHash(true)).Verify(context.Background(), unsigned)
		assert.Equal(t, ReasonMalformedHeader, res.Reason)
	})

	t.Run("StrippedBody", func(t *testing.T) {
		req := req
		req.Payload = &Payload{ContentType: "application/json"}
		assert.Equal(t, ReasonMacMismatch, exampleEngine().Verify(context.Background(), req).Reason)
	})

	t.Run("EmptyBodyWithoutHash", func(t *testing.T) {
		get := exampleRequest(t)
		get.Payload = &Payload{}
		assert.True(t, exampleEngine(WithRequirePayloadHash(true)).Verify(context.Background(), get).Authenticated())
	})
}

func TestEngineCustomScheme(t *testing.T) {
	engine := exampleEngine(WithScheme("MAC"))
	assert.Equal(t, "MAC", engine.Scheme())

	sr := exampleSignRequest()
	sr.AuthScheme = "MAC"
	res := engine.Verify(context.Background(), signFor(t, exampleStore()[exampleKeyID], sr))
	assert.True(t, res.Authenticated())

	res = engine.Verify(context.Background(), exampleRequest(t))
	assert.Equal(t, ReasonMalformedHeader, res.Reason)
	assert.True(t, strings.HasPrefix(res.Challenge, `MAC ts=`))
}

func TestEngineConcurrentVerify(t *testing.T) {
	engine := NewEngine(exampleStore(), WithNow(func() time.Time { return exampleNow }))
	store := exampleStore()

	var reqs []Request
	for i := 0; i < 64; i++ {
		sr := exampleSignRequest()
		sr.Nonce = fmt.Sprintf("nonce-%d", i)
		sr.URI = fmt.Sprintf("/resource/%d", i)
		sr.Timestamp = exampleNow.Add(time.Duration(i%150-75) * time.Second)
		cred := store[exampleKeyID]
		if i%2 == 1 {
			cred = store["second-key"]
		}
		if i%7 == 0 {
			cred.Secret = []byte("wrong")
		}
		reqs = append(reqs, signFor(t, cred, sr))
	}

	sequential := make([]Reason, len(reqs))
	for i, req := range reqs {
		sequential[i] = engine.Verify(context.Background(), req).Reason
	}

	parallel := make([]Reason, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			parallel[i] = engine.Verify(context.Background(), req).Reason
		}(i, req)
	}
	wg.Wait()

	assert.Equal(t, sequential, parallel)
	assert.Contains(t, sequential, ReasonNone)
	assert.Contains(t, sequential, ReasonMacMismatch)
	assert.Contains(t, sequential, ReasonClockSkewExceeded)
}

func TestVerifyFunction(t *testing.T) {
	req := exampleRequest(t)
	res := Verify(context.Background(), req.Authorization, "GET", "/resource", "example.com", exampleStore(), DefaultClockSkew, exampleNow)
	assert.True(t, res.Authenticated())

	res = Verify(context.Background(), "", "GET", "/resource", "example.com", exampleStore(), DefaultClockSkew, exampleNow)
	assert.Equal(t, ReasonMissingHeader, res.Reason)
	assert.Equal(t, `Hawk ts="1700000000" ntp="pool.ntp.org"`, res.Challenge)
}
