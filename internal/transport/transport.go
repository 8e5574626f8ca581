// Package transport performs the network exchange for one webservice
// attempt. A transport sends an already serialized JSON request body and
// returns the raw response body, or a structured *Error the protocol engine
// can classify.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/ChuLiYu/sdk-runtime/internal/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Request is one outbound exchange.
type Request struct {
	Webservice string // capability property key, used as path / metadata
	APIKey     string
	CryptorKey string
	Body       []byte // JSON object
}

// Transport is implemented by GRPC and HTTP.
type Transport interface {
	Exchange(ctx context.Context, req *Request) ([]byte, error)
	Close() error
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindTimeout
	KindInvalidAPIKey
	KindDeactivatedAPIKey
	KindServer
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindInvalidAPIKey:
		return "invalid_api_key"
	case KindDeactivatedAPIKey:
		return "deactivated_api_key"
	case KindServer:
		return "server"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is the structured error every transport returns.
type Error struct {
	Kind       ErrorKind
	StatusCode int // HTTP status or gRPC code, 0 when not applicable
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transport: %s (status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s (status %d): %v", e.Kind, e.StatusCode, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the ErrorKind from err, mapping bare context and net
// errors the way the transports do.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return classifyNetError(err)
}

func classifyNetError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// New builds the transport selected by cfg.
func New(cfg *config.Config) (Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportGRPC:
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		if cfg.Transport.Insecure {
			creds = insecure.NewCredentials()
		}
		return NewGRPC(cfg.Transport.Endpoint, grpc.WithTransportCredentials(creds))
	case config.TransportHTTP:
		return NewHTTP(cfg.Transport.Endpoint, cfg.Transport.HTTP2)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Transport.Kind)
	}
}
