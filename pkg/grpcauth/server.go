package grpcauth

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

// Serve starts srv on addr in the background and returns a shutdown function
// that stops gracefully until ctx is done.
func Serve(srv *grpc.Server, addr string) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(srv, lis), nil
}

// ServeListener is Serve on an existing listener.
func ServeListener(srv *grpc.Server, lis net.Listener) func(context.Context) error {
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}
}
