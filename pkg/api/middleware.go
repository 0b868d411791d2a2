// Package api provides HTTP middleware for the Hawk gateway.
// Includes Hawk authentication, failure throttling, request logging, CORS,
// request size limiting and health checks.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/metrics"
	"hawk-auth-gateway/pkg/models"
)

const (
	DefaultMaxRequestSize = 1 << 20 // 1MB

	// Error codes written in models.ErrorResponse bodies.
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeTooManyFailures = "TOO_MANY_REQUESTS"
	CodeRequestTooLarge = "REQUEST_TOO_LARGE"
)

// Option configures a Middleware.
type Option func(*Middleware)

// WithEndpointFilter limits authentication to requests for which filter
// returns true. Other requests pass through unauthenticated.
func WithEndpointFilter(filter func(*http.Request) bool) Option {
	return func(m *Middleware) { m.filter = filter }
}

// WithMaxRequestSize sets the body limit of SizeLimit and of payload reads.
func WithMaxRequestSize(n int64) Option {
	return func(m *Middleware) {
		if n > 0 {
			m.maxRequestSize = n
		}
	}
}

// WithPayloadVerification makes HawkAuth buffer request bodies and check them
// against the "hash" attribute.
func WithPayloadVerification(enabled bool) Option {
	return func(m *Middleware) { m.verifyPayload = enabled }
}

// WithTrustedProxy makes HawkAuth take the scheme from X-Forwarded-Proto.
// Enable only behind a reverse proxy that sets the header itself.
func WithTrustedProxy(trusted bool) Option {
	return func(m *Middleware) { m.trustProxy = trusted }
}

// WithTracer replaces the tracer used for verification spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Middleware) { m.tracer = tracer }
}

// Middleware provides Hawk authentication and request logging for HTTP handlers.
type Middleware struct {
	engine         *auth.Engine
	metrics        *metrics.Recorder
	filter         func(*http.Request) bool
	maxRequestSize int64
	verifyPayload  bool
	trustProxy     bool
	tracer         trace.Tracer
}

// NewMiddleware creates a middleware verifying requests with engine.
// recorder may be nil.
func NewMiddleware(engine *auth.Engine, recorder *metrics.Recorder, opts ...Option) *Middleware {
	m := &Middleware{
		engine:         engine,
		metrics:        recorder,
		maxRequestSize: DefaultMaxRequestSize,
		tracer:         otel.Tracer("hawk-auth-gateway/api"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type contextKey int

const (
	identityKey contextKey = iota
	requestIDKey
)

// IdentityFromContext returns the identity HawkAuth attached to the request.
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	return id, ok && id != nil
}

// ContextWithIdentity attaches an identity to ctx.
func ContextWithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// RequestIDFromContext returns the correlation id set by RequestLogging,
// falling back to the X-Request-ID header.
func RequestIDFromContext(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// RequestLogging middleware logs HTTP request start and completion with timing.
// Automatically generates request IDs and tracks response status codes.
func (m *Middleware) RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		r.Header.Set("X-Request-ID", requestID)
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Request started")

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.metrics.ObserveRequest(routeName(r), r.Method, wrapped.statusCode, duration)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Msg("Request completed")
	})
}

// routeName is the mux path template, so metric labels stay bounded.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// SizeLimit middleware restricts request body size to prevent resource exhaustion.
func (m *Middleware) SizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxRequestSize {
			writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large", RequestIDFromContext(r))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, m.maxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// CORS middleware adds Cross-Origin Resource Sharing headers.
// WWW-Authenticate is exposed so browser clients can read challenges.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError sends a standardized JSON error response to the client.
func writeError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// HealthCheck provides a simple health status endpoint.
// Returns 200 OK with status message for load balancer health checks.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Pinger is a dependency whose availability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck returns 503 while any of the dependencies fails to respond.
func ReadinessCheck(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		statusCode := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				status = "dependency unavailable"
				statusCode = http.StatusServiceUnavailable
				log.Error().Err(err).Msg("Readiness check failed")
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
