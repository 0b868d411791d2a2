package grpcauth

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"hawk-auth-gateway/pkg/auth"
)

// Signer adds a Hawk Authorization header to outgoing calls.
type Signer struct {
	cred   auth.Credential
	host   string
	scheme string
	now    func() time.Time
}

// NewSigner signs calls as requests to host ("name:port") over scheme
// ("http" or "https").
func NewSigner(cred auth.Credential, host, scheme string) *Signer {
	return &Signer{cred: cred, host: host, scheme: scheme, now: time.Now}
}

func (s *Signer) sign(ctx context.Context, method string) (context.Context, error) {
	header, err := auth.Sign(s.cred, auth.SignRequest{
		Method:    Method,
		URI:       method,
		Host:      s.host,
		Scheme:    s.scheme,
		Timestamp: s.now(),
	})
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, header), nil
}

// UnaryClientInterceptor signs every unary call.
func (s *Signer) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, err := s.sign(ctx, method)
		if err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor signs every stream.
func (s *Signer) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, err := s.sign(ctx, method)
		if err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}
