// ============================================================================
// SDK Runtime Query Protocol Engine - 批次查詢協定
// ============================================================================
//
// Package: internal/webservice
// 文件: engine.go
// 功能: 執行由一個或多個 query 組成的邏輯 webservice 呼叫
//
// 單次嘗試流程:
//   1. envelope header + retry 記錄 + tagged queries -> JSON body
//   2. transport.Exchange
//   3. 套用全域欄位（parameters, installationId）
//   4. 檢查 queries 陣列，依 id 對應，依 kind 反序列化
//
// 失敗分類:
//   NETWORK_ERROR        網路錯誤或逾時
//   INVALID_API_KEY      API key 被拒絕
//   DEACTIVATED_API_KEY  API key 已停用
//   UNEXPECTED_ERROR     其他錯誤，包含回應數量或 id 不一致
//
// 並發:
//   同一個 Call 的嘗試由 Call.mu 序列化；不同 Call 可共用 Engine
//
// ============================================================================

package webservice

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/transport"
)

// GlobalFields are the response fields applied before correlation.
type GlobalFields struct {
	Parameters     map[string]any
	InstallationID string
}

// EnvelopeSource supplies the request header and API key.
type EnvelopeSource interface {
	APIKey() string
	Envelope() map[string]any
}

// EnvelopeApplier receives global response fields.
type EnvelopeApplier interface {
	ApplyEnvelope(g GlobalFields) error
}

// Recorder is notified when an attempt starts and finishes.
type Recorder interface {
	OnStarted(kind string)
	OnFinished(kind string, success bool)
}

// AttemptObserver receives per-attempt outcome and latency.
type AttemptObserver interface {
	RecordAttempt(webservice, outcome string, d time.Duration)
}

// Engine builds calls sharing one transport and registry.
type Engine struct {
	transport transport.Transport
	registry  *Registry
	envelope  EnvelopeSource
	applier   EnvelopeApplier
	recorder  Recorder
	observer  AttemptObserver
	timeout   func(key string) time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvelope sets the header and API key source.
func WithEnvelope(src EnvelopeSource) Option {
	return func(e *Engine) { e.envelope = src }
}

// WithApplier sets the receiver of global response fields.
func WithApplier(a EnvelopeApplier) Option {
	return func(e *Engine) { e.applier = a }
}

// WithRecorder sets the start/finish recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithObserver sets the per-attempt observer.
func WithObserver(o AttemptObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTimeouts sets the per-attempt timeout lookup. A zero duration means
// no extra deadline.
func WithTimeouts(fn func(key string) time.Duration) Option {
	return func(e *Engine) { e.timeout = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine. A nil registry means DefaultRegistry().
func NewEngine(t transport.Transport, reg *Registry, opts ...Option) *Engine {
	if reg == nil {
		reg = DefaultRegistry()
	}
	e := &Engine{
		transport: t,
		registry:  reg,
		envelope:  StaticEnvelope{},
		timeout:   func(string) time.Duration { return 0 },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.Or(e.log)
	return e
}

// NewCall starts a logical call. Queries are produced once, here; retries
// resend the same queries.
func (e *Engine) NewCall(caps Capabilities, producers ...QueryProducer) (*Call, error) {
	if len(producers) == 0 {
		return nil, ErrNoQueries
	}

	queries := make([]Query, 0, len(producers))
	index := make(map[string]int, len(producers))
	for _, p := range producers {
		q := p()
		if _, dup := index[q.ID]; dup {
			return nil, &constructError{err: ErrDuplicateQueryID, detail: q.ID}
		}
		if _, ok := e.registry.Lookup(q.Kind); !ok {
			return nil, &constructError{err: ErrNoDeserializer, detail: string(q.Kind)}
		}
		index[q.ID] = len(queries)
		queries = append(queries, q)
	}

	return &Call{
		engine:  e,
		caps:    caps,
		queries: queries,
		index:   index,
	}, nil
}

// MustNewCall is NewCall for callers whose queries are fixed at compile
// time; a construction error is a bug and panics.
func (e *Engine) MustNewCall(caps Capabilities, producers ...QueryProducer) *Call {
	c, err := e.NewCall(caps, producers...)
	if err != nil {
		panic(err)
	}
	return c
}

type constructError struct {
	err    error
	detail string
}

func (e *constructError) Error() string { return e.err.Error() + ": " + e.detail }
func (e *constructError) Unwrap() error { return e.err }

// StaticEnvelope is an EnvelopeSource with fixed values.
type StaticEnvelope struct {
	Key    string
	Header map[string]any
}

func (s StaticEnvelope) APIKey() string { return s.Key }

func (s StaticEnvelope) Envelope() map[string]any {
	out := make(map[string]any, len(s.Header))
	for k, v := range s.Header {
		out[k] = v
	}
	return out
}
