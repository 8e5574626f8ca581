package webservice

import (
	"fmt"

	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Response is one correlated, deserialized query response. Exactly one of
// Result and Err is meaningful.
type Response struct {
	ID     string
	Kind   types.QueryKind
	Result any
	Err    *QueryError
}

// ResponseSet is the successful outcome of one attempt, in request order.
type ResponseSet struct {
	responses []Response
}

// All returns every response.
func (s *ResponseSet) All() []Response {
	out := make([]Response, len(s.responses))
	copy(out, s.responses)
	return out
}

// Len returns the number of responses.
func (s *ResponseSet) Len() int { return len(s.responses) }

// Get returns the first response of kind.
func (s *ResponseSet) Get(kind types.QueryKind) (Response, error) {
	for _, r := range s.responses {
		if r.Kind == kind {
			return r, nil
		}
	}
	return Response{}, fmt.Errorf("%w: %s", ErrMissingResponse, kind)
}

// ResultOf returns the typed result for kind. A server-side query error is
// returned as *QueryError.
func ResultOf[T any](s *ResponseSet, kind types.QueryKind) (T, error) {
	var zero T
	r, err := s.Get(kind)
	if err != nil {
		return zero, err
	}
	if r.Err != nil {
		return zero, r.Err
	}
	v, ok := r.Result.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s result is %T", ErrDecodeResponse, kind, r.Result)
	}
	return v, nil
}
