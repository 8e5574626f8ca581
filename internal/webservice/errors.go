package webservice

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Construction errors. These are caller bugs, never runtime conditions.
var (
	ErrNoQueries        = errors.New("webservice: call has no queries")
	ErrDuplicateQueryID = errors.New("webservice: duplicate query id")
	ErrNoDeserializer   = errors.New("webservice: no deserializer registered")
)

// Causes carried by UNEXPECTED_ERROR failures.
var (
	ErrMalformedResponse     = errors.New("webservice: response has no queries array")
	ErrResponseCountMismatch = errors.New("webservice: response count differs from query count")
	ErrUnknownResponseID     = errors.New("webservice: response id matches no query")
	ErrDecodeResponse        = errors.New("webservice: cannot decode response")
)

// ErrMissingResponse is returned by ResponseSet lookups for a kind the
// response set does not contain.
var ErrMissingResponse = errors.New("webservice: response missing")

// FailureError is a classified failed attempt.
type FailureError struct {
	Reason types.FailureReason
	Cause  error
}

func (e *FailureError) Error() string {
	if e.Cause == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
}

func (e *FailureError) Unwrap() error { return e.Cause }

// ReasonOf returns the failure reason carried by err.
func ReasonOf(err error) (types.FailureReason, bool) {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Reason, true
	}
	return "", false
}

// QueryError is a per-query error returned by the server. It does not fail
// the call; the caller decides what it means.
type QueryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query error %s: %s", e.Code, e.Message)
}

// classify maps a transport error onto the failure taxonomy.
func classify(err error) types.FailureReason {
	switch transport.KindOf(err) {
	case transport.KindNetwork, transport.KindTimeout:
		return types.FailureNetwork
	case transport.KindInvalidAPIKey:
		return types.FailureInvalidAPIKey
	case transport.KindDeactivatedAPIKey:
		return types.FailureDeactivatedAPIKey
	default:
		return types.FailureUnexpected
	}
}
