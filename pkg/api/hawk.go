package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/logger"
	"hawk-auth-gateway/pkg/metrics"
)

// HawkAuth middleware verifies Hawk signed requests.
//
// Authenticated requests reach next with the identity in their context.
// Every rejection is a 401 with the same body; the reason is only logged.
func (m *Middleware) HawkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.filter != nil && !m.filter(r) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := RequestIDFromContext(r)
		log := logger.WithRequestID(requestID)

		req := auth.Request{
			Authorization: r.Header.Get("Authorization"),
			Method:        r.Method,
			URI:           r.RequestURI,
			Host:          r.Host,
			Scheme:        requestScheme(r, m.trustProxy),
			RequestID:     requestID,
		}
		if req.URI == "" {
			req.URI = r.URL.RequestURI()
		}

		if m.verifyPayload {
			var body []byte
			if r.Body != nil && r.Body != http.NoBody {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, m.maxRequestSize+1))
				if err != nil {
					var maxErr *http.MaxBytesError
					if errors.As(err, &maxErr) {
						writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large", requestID)
						return
					}
					log.Error().Err(err).Msg("Failed to read request body")
					writeError(w, http.StatusBadRequest, "READ_ERROR", "Failed to read request body", requestID)
					return
				}
				if int64(len(body)) > m.maxRequestSize {
					writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large", requestID)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// A missing body is an empty payload, so a "hash" still has to match.
			req.Payload = &auth.Payload{ContentType: r.Header.Get("Content-Type"), Body: body}
		}

		ctx, span := m.tracer.Start(r.Context(), "hawk.verify", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("hawk.scheme", m.engine.Scheme()),
		))
		start := time.Now()
		res := m.engine.Verify(ctx, req)
		m.metrics.ObserveVerification(metrics.TransportHTTP, res.Reason, time.Since(start))
		span.SetAttributes(attribute.String("hawk.outcome", metrics.Outcome(res.Reason)))
		if res.Authenticated() {
			span.SetAttributes(attribute.String("hawk.key_id", res.Identity.KeyID))
		} else {
			span.SetStatus(codes.Error, res.Reason.String())
		}
		span.End()

		if !res.Authenticated() {
			if res.Challenge != "" {
				w.Header().Set("WWW-Authenticate", res.Challenge)
			}
			writeError(w, res.StatusCode(), CodeUnauthorized, "Unauthorized", requestID)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), res.Identity)))
	})
}

// requestScheme reports the scheme the client used. X-Forwarded-Proto is
// only honoured from a trusted proxy, and only for http or https.
func requestScheme(r *http.Request, trustProxy bool) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); trustProxy && proto != "" {
		if i := strings.IndexByte(proto, ','); i >= 0 {
			proto = proto[:i]
		}
		switch proto = strings.ToLower(strings.TrimSpace(proto)); proto {
		case "http", "https":
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// PathPrefixFilter returns an endpoint filter matching requests whose path
// starts with any of the prefixes.
func PathPrefixFilter(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}
