// Package grpcauth carries Hawk authentication over gRPC metadata.
//
// A call is verified as if it were "POST <full method>" sent to the server's
// authority, so a signature made for one method or host is useless for another.
package grpcauth

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/metrics"
)

const (
	// Method is the HTTP method every gRPC call is signed as.
	Method = "POST"

	authorizationKey   = "authorization"
	authenticateKey    = "www-authenticate"
	authorityKey       = ":authority"
	requestIDKey       = "x-request-id"
	unauthenticatedMsg = "unauthorized"
)

type identityKey struct{}

// IdentityFromContext returns the identity of an authenticated call.
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*auth.Identity)
	return id, ok && id != nil
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHost pins the host:port calls are verified against instead of the
// :authority the client sent.
func WithHost(host string) Option {
	return func(a *Authenticator) { a.host = host }
}

// WithMethodFilter limits authentication to methods for which filter returns true.
func WithMethodFilter(filter func(fullMethod string) bool) Option {
	return func(a *Authenticator) { a.filter = filter }
}

// SkipMethods authenticates every method except the listed ones.
func SkipMethods(methods ...string) Option {
	skip := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		skip[m] = struct{}{}
	}
	return WithMethodFilter(func(fullMethod string) bool {
		_, ok := skip[fullMethod]
		return !ok
	})
}

// Authenticator verifies incoming calls with an auth.Engine.
type Authenticator struct {
	engine  *auth.Engine
	metrics *metrics.Recorder
	host    string
	filter  func(string) bool
}

// NewAuthenticator returns an Authenticator. recorder may be nil.
func NewAuthenticator(engine *auth.Engine, recorder *metrics.Recorder, opts ...Option) *Authenticator {
	a := &Authenticator{engine: engine, metrics: recorder}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UnaryServerInterceptor rejects unauthenticated unary calls with
// codes.Unauthenticated and the challenge in the www-authenticate trailer.
func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if a.filter != nil && !a.filter(info.FullMethod) {
			return handler(ctx, req)
		}
		res := a.authenticate(ctx, info.FullMethod)
		if !res.Authenticated() {
			if res.Challenge != "" {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(authenticateKey, res.Challenge))
			}
			return nil, status.Error(codes.Unauthenticated, unauthenticatedMsg)
		}
		return handler(context.WithValue(ctx, identityKey{}, res.Identity), req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func (a *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if a.filter != nil && !a.filter(info.FullMethod) {
			return handler(srv, ss)
		}
		res := a.authenticate(ss.Context(), info.FullMethod)
		if !res.Authenticated() {
			if res.Challenge != "" {
				ss.SetTrailer(metadata.Pairs(authenticateKey, res.Challenge))
			}
			return status.Error(codes.Unauthenticated, unauthenticatedMsg)
		}
		return handler(srv, &identityStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), identityKey{}, res.Identity),
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, fullMethod string) auth.Result {
	md, _ := metadata.FromIncomingContext(ctx)
	host := a.host
	if host == "" {
		host = first(md, authorityKey)
	}

	start := time.Now()
	res := a.engine.Verify(ctx, auth.Request{
		Authorization: first(md, authorizationKey),
		Method:        Method,
		URI:           fullMethod,
		Host:          host,
		Scheme:        transportScheme(ctx),
		RequestID:     first(md, requestIDKey),
	})
	a.metrics.ObserveVerification(metrics.TransportGRPC, res.Reason, time.Since(start))
	if !res.Authenticated() {
		log.Debug().Str("method", fullMethod).Str("reason", res.Reason.String()).Msg("gRPC call rejected")
	}
	return res
}

// transportScheme is https when the connection carries transport security.
func transportScheme(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.AuthInfo != nil {
		return "https"
	}
	return "http"
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }
