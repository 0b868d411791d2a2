package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hawk-auth-gateway/pkg/auth"
)

// call is one request to sign and send.
type call struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Ext         string
}

// result is the final response after at most one clock corrected retry.
type result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Retried    bool
}

// signingClient signs requests with a credential and keeps the clock offset
// learned from server challenges.
type signingClient struct {
	cred        auth.Credential
	scheme      string
	http        *http.Client
	now         func() time.Time
	hashPayload bool

	mu     sync.Mutex
	offset time.Duration
}

func newSigningClient(cred auth.Credential, scheme string) *signingClient {
	return &signingClient{
		cred:        cred,
		scheme:      scheme,
		http:        &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
		hashPayload: true,
	}
}

// Offset is the correction added to the local clock when signing.
func (c *signingClient) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Do sends the call. A 401 carrying a challenge whose time differs from the
// local clock updates the offset and the call is retried once.
func (c *signingClient) Do(ctx context.Context, cl call) (*result, error) {
	res, err := c.send(ctx, cl)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	challenge, err := auth.ParseChallenge(c.scheme, res.Header.Get("WWW-Authenticate"))
	if err != nil {
		return res, nil
	}
	offset := challenge.Offset(c.now())
	if offset == c.Offset() {
		// The clock was not the problem
		return res, nil
	}

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
	log.Debug().Dur("offset", offset).Msg("Adjusted clock from server challenge, retrying")

	retry, err := c.send(ctx, cl)
	if err != nil {
		return nil, err
	}
	retry.Retried = true
	return retry, nil
}

func (c *signingClient) send(ctx context.Context, cl call) (*result, error) {
	u, err := url.Parse(cl.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	sr := auth.SignRequest{
		AuthScheme: c.scheme,
		Method:     cl.Method,
		URI:        u.RequestURI(),
		Host:       u.Host,
		Scheme:     u.Scheme,
		Timestamp:  c.now().Add(c.Offset()),
		Ext:        cl.Ext,
	}
	if c.hashPayload && len(cl.Body) > 0 {
		sr.Payload = cl.Body
		sr.ContentType = cl.ContentType
	}
	header, err := auth.Sign(c.cred, sr)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	var body io.Reader
	if len(cl.Body) > 0 {
		body = bytes.NewReader(cl.Body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.Method, cl.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", header)
	if body != nil {
		req.Header.Set("Content-Type", cl.ContentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &result{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}
