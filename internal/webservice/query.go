package webservice

import (
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
	"github.com/google/uuid"
)

// Query is one logical operation bundled into a request.
type Query struct {
	ID      string          `json:"id"`
	Kind    types.QueryKind `json:"type"`
	Payload any             `json:"payload"`
}

// NewQuery creates a query with a fresh random id.
func NewQuery(kind types.QueryKind, payload any) Query {
	if payload == nil {
		payload = map[string]any{}
	}
	return Query{ID: uuid.NewString(), Kind: kind, Payload: payload}
}

// QueryProducer builds one query when a call is constructed.
type QueryProducer func() Query

// Of wraps an already built query.
func Of(q Query) QueryProducer {
	return func() Query { return q }
}

// Capabilities describes one webservice. It replaces per-webservice
// subclasses: every cross-cutting concern is a key looked up elsewhere.
type Capabilities struct {
	Shortname   string // metrics tag
	PropertyKey string // webservice path handed to the transport
	CryptorKey  string // forwarded to the transport, crypto is external
	TimeoutKey  string // per-attempt timeout lookup
	RetryKey    string // max attempts lookup
}
