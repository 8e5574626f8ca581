package webservice

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Deserializer turns the raw "result" of one response into a typed value.
type Deserializer func(raw json.RawMessage) (any, error)

// JSON returns a Deserializer decoding into T.
func JSON[T any]() Deserializer {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		return v, nil
	}
}

// Registry maps query kinds to deserializers.
type Registry struct {
	mu sync.RWMutex
	m  map[types.QueryKind]Deserializer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[types.QueryKind]Deserializer)}
}

// Register sets the deserializer for kind, replacing any previous one.
func (r *Registry) Register(kind types.QueryKind, d Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[kind] = d
}

// Lookup returns the deserializer for kind.
func (r *Registry) Lookup(kind types.QueryKind) (Deserializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[kind]
	return d, ok
}

// StartResult is the response to a start query.
type StartResult struct {
	OK bool `json:"ok"`
}

// PushResult is the response to a push token query.
type PushResult struct {
	Registered bool `json:"registered"`
}

// AttributesResult is the response to an attributes query.
type AttributesResult struct {
	Version       int64  `json:"version"`
	TransactionID string `json:"transactionId"`
}

// AttributesCheckResult is the response to an attributes check query.
type AttributesCheckResult struct {
	Action string `json:"action"`
}

// AcceptedResult is the response to tracking and metrics queries.
type AcceptedResult struct {
	Accepted int `json:"accepted"`
}

// DefaultRegistry registers a deserializer for every built-in query kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(types.QueryStart, JSON[StartResult]())
	r.Register(types.QueryPushToken, JSON[PushResult]())
	r.Register(types.QueryAttributes, JSON[AttributesResult]())
	r.Register(types.QueryAttributesCheck, JSON[AttributesCheckResult]())
	r.Register(types.QueryTracking, JSON[AcceptedResult]())
	r.Register(types.QueryMetrics, JSON[AcceptedResult]())
	return r
}
