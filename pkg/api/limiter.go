package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hawk-auth-gateway/pkg/metrics"
)

type failureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FailureLimiter throttles clients that keep failing authentication.
// Only 401 responses consume tokens; authenticated traffic is never limited.
type FailureLimiter struct {
	perSecond rate.Limit
	burst     int
	metrics   *metrics.Recorder

	// trustProxy keys clients by X-Real-IP / X-Forwarded-For. Only safe
	// behind a proxy that overwrites those headers.
	trustProxy bool

	mu       sync.Mutex
	visitors map[string]*failureEntry
	clockNow func() time.Time
}

// LimiterOption configures a FailureLimiter.
type LimiterOption func(*FailureLimiter)

// WithProxyClientIP identifies clients by the address a trusted reverse proxy
// reports instead of the connection's remote address.
func WithProxyClientIP(trusted bool) LimiterOption {
	return func(f *FailureLimiter) { f.trustProxy = trusted }
}

// NewFailureLimiter allows perMinute rejected requests per client with the
// given burst. perMinute <= 0 returns nil, which disables limiting.
func NewFailureLimiter(perMinute, burst int, recorder *metrics.Recorder, opts ...LimiterOption) *FailureLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	f := &FailureLimiter{
		perSecond: rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
		metrics:   recorder,
		visitors:  make(map[string]*failureEntry),
		clockNow:  time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Middleware returns 429 to clients that exhausted their failure budget.
func (f *FailureLimiter) Middleware(next http.Handler) http.Handler {
	if f == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r, f.trustProxy)
		limiter := f.obtain(id)
		if limiter.TokensAt(f.clockNow()) < 1 {
			f.metrics.IncThrottled()
			log.Warn().Str("client", id).Str("request_id", RequestIDFromContext(r)).Msg("Client throttled after repeated authentication failures")
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, CodeTooManyFailures, "Too many failed requests", RequestIDFromContext(r))
			return
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode == http.StatusUnauthorized {
			limiter.AllowN(f.clockNow(), 1)
		}
	})
}

func (f *FailureLimiter) obtain(id string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.visitors[id]
	if !ok {
		entry = &failureEntry{limiter: rate.NewLimiter(f.perSecond, f.burst)}
		f.visitors[id] = entry
	}
	entry.lastSeen = f.clockNow()
	return entry.limiter
}

// Cleanup forgets clients not seen for idle. Returns how many were removed.
func (f *FailureLimiter) Cleanup(idle time.Duration) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.clockNow().Add(-idle)
	removed := 0
	for id, entry := range f.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(f.visitors, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (f *FailureLimiter) Clients() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visitors)
}

// clientID is the remote host, or the proxy reported address when trustProxy
// is set and the header holds a valid IP.
func clientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
