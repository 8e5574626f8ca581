package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the exchange RPC. The message on both sides is a
// google.protobuf.Struct holding the JSON body.
const (
	ServiceName    = "sdkruntime.webservice.v1.Webservice"
	ExchangeMethod = "/" + ServiceName + "/Exchange"

	MetadataAPIKey     = "x-api-key"
	MetadataWebservice = "x-webservice"
	MetadataCryptor    = "x-cryptor"
)

// ExchangeServer is implemented by backends serving the exchange RPC.
type ExchangeServer interface {
	Exchange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterExchangeServer registers srv on s.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&exchangeServiceDesc, srv)
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExchangeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).Exchange(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sdkruntime/webservice/v1/webservice.proto",
}
