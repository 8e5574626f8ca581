package backend

import (
	"context"
	"errors"

	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer adapts a Backend to the exchange RPC.
type GRPCServer struct {
	backend *Backend
}

var _ transport.ExchangeServer = (*GRPCServer)(nil)

// NewGRPCServer creates a grpc.Server with the exchange service registered.
func NewGRPCServer(b *Backend, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	transport.RegisterExchangeServer(s, &GRPCServer{backend: b})
	return s
}

// Exchange implements transport.ExchangeServer.
func (s *GRPCServer) Exchange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	apiKey := first(md.Get(transport.MetadataAPIKey))
	webservice := first(md.Get(transport.MetadataWebservice))

	resp, err := s.backend.Handle(apiKey, webservice, in.AsMap())
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}

	out, err := structpb.NewStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return codes.Unauthenticated
	case errors.Is(err, ErrDeactivatedAPIKey):
		return codes.PermissionDenied
	case errors.Is(err, ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
