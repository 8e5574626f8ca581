package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPC sends exchanges as a unary RPC carrying a structpb.Struct.
type GRPC struct {
	conn *grpc.ClientConn
}

var _ Transport = (*GRPC)(nil)

// NewGRPC creates a client for target. The connection is lazy; nothing is
// dialed until the first exchange.
func NewGRPC(target string, opts ...grpc.DialOption) (*GRPC, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPC{conn: conn}, nil
}

// Exchange implements Transport.
func (t *GRPC) Exchange(ctx context.Context, req *Request) ([]byte, error) {
	in := &structpb.Struct{}
	if err := protojson.Unmarshal(req.Body, in); err != nil {
		return nil, &Error{Kind: KindParse, Cause: fmt.Errorf("request body: %w", err)}
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataAPIKey, req.APIKey,
		MetadataWebservice, req.Webservice,
		MetadataCryptor, req.CryptorKey,
	)

	out := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, ExchangeMethod, in, out); err != nil {
		return nil, fromStatus(err)
	}

	body, err := protojson.Marshal(out)
	if err != nil {
		return nil, &Error{Kind: KindParse, Cause: fmt.Errorf("response body: %w", err)}
	}
	return body, nil
}

// Close releases the connection.
func (t *GRPC) Close() error {
	return t.conn.Close()
}

// fromStatus maps a gRPC status onto a transport error.
func fromStatus(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, StatusCode: int(codes.DeadlineExceeded), Cause: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: classifyNetError(err), Cause: err}
	}

	kind := KindServer
	switch st.Code() {
	case codes.Unauthenticated:
		kind = KindInvalidAPIKey
	case codes.PermissionDenied:
		kind = KindDeactivatedAPIKey
	case codes.Unavailable, codes.Canceled, codes.Aborted:
		kind = KindNetwork
	case codes.DeadlineExceeded:
		kind = KindTimeout
	}
	return &Error{Kind: kind, StatusCode: int(st.Code()), Cause: err}
}
