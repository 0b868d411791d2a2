package grpcauth

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"hawk-auth-gateway/pkg/models"
)

// Verifier service names. Messages are google.protobuf.Struct values holding
// the fields of models.VerifyRequest and models.VerifyResponse.
const (
	VerifierServiceName = "hawkauth.v1.Verifier"
	VerifyFullMethod    = "/hawkauth.v1.Verifier/Verify"
)

// VerifierServer verifies requests on behalf of other services.
type VerifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// VerifyFunc verifies one delegated request.
type VerifyFunc func(ctx context.Context, req models.VerifyRequest) models.VerifyResponse

// NewVerifierServer adapts fn to VerifierServer.
func NewVerifierServer(fn VerifyFunc) VerifierServer {
	return verifierServer{fn: fn}
}

type verifierServer struct {
	fn VerifyFunc
}

func (v verifierServer) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := RequestFromStruct(in)
	if req.Method == "" || req.URI == "" {
		return nil, status.Error(codes.InvalidArgument, "method and uri are required")
	}
	out, err := ResponseToStruct(v.fn(ctx, req))
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// RegisterVerifierServer registers srv on s.
func RegisterVerifierServer(s grpc.ServiceRegistrar, srv VerifierServer) {
	s.RegisterService(&VerifierServiceDesc, srv)
}

func verifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: VerifyFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Verify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// VerifierServiceDesc describes hawkauth.v1.Verifier.
var VerifierServiceDesc = grpc.ServiceDesc{
	ServiceName: VerifierServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Verify",
			Handler:    verifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hawkauth/v1/verifier.proto",
}

// VerifierClient calls a remote Verifier.
type VerifierClient struct {
	cc grpc.ClientConnInterface
}

// NewVerifierClient returns a client using cc.
func NewVerifierClient(cc grpc.ClientConnInterface) *VerifierClient {
	return &VerifierClient{cc: cc}
}

// Verify asks the remote gateway to verify req.
func (c *VerifierClient) Verify(ctx context.Context, req models.VerifyRequest, opts ...grpc.CallOption) (models.VerifyResponse, error) {
	in, err := RequestToStruct(req)
	if err != nil {
		return models.VerifyResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, VerifyFullMethod, in, out, opts...); err != nil {
		return models.VerifyResponse{}, err
	}
	return ResponseFromStruct(out), nil
}

// RequestToStruct encodes a delegated request.
func RequestToStruct(req models.VerifyRequest) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"authorization": req.Authorization,
		"method":        req.Method,
		"uri":           req.URI,
		"host":          req.Host,
		"scheme":        req.Scheme,
		"request_id":    req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}
	return s, nil
}

// RequestFromStruct decodes a delegated request. Missing or non-string
// fields are empty.
func RequestFromStruct(s *structpb.Struct) models.VerifyRequest {
	return models.VerifyRequest{
		Authorization: stringField(s, "authorization"),
		Method:        stringField(s, "method"),
		URI:           stringField(s, "uri"),
		Host:          stringField(s, "host"),
		Scheme:        stringField(s, "scheme"),
		RequestID:     stringField(s, "request_id"),
	}
}

// ResponseToStruct encodes a verification outcome. An empty reason is left
// out entirely.
func ResponseToStruct(resp models.VerifyResponse) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"authenticated": resp.Authenticated,
		"key_id":        resp.KeyID,
		"challenge":     resp.Challenge,
	}
	if resp.Reason != "" {
		fields["reason"] = resp.Reason
	}
	return structpb.NewStruct(fields)
}

// ResponseFromStruct decodes a verification outcome.
func ResponseFromStruct(s *structpb.Struct) models.VerifyResponse {
	return models.VerifyResponse{
		Authenticated: s.GetFields()["authenticated"].GetBoolValue(),
		KeyID:         stringField(s, "key_id"),
		Reason:        stringField(s, "reason"),
		Challenge:     stringField(s, "challenge"),
	}
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}
