// ============================================================================
// SDK Runtime - 組裝入口
// ============================================================================
//
// Package: internal/sdk
// 文件: runtime.go
// 功能: 建立唯一的 Runtime 實例並串接所有元件
//
// 組件關係:
//
//   host signals ──> Lifecycle ──Start()──> Dispatch ──Submit()──> WorkQueue
//                       ^                      │                       │
//                       └────── OnIdle ────────┼───────────────────────┘
//                                              v
//                                   Engine ──> Transport (gRPC / HTTP)
//                                     │
//                                     ├──> Identity (envelope, server params)
//                                     └──> Metrics (recorder, Prometheus)
//
// 沒有任何全域 singleton：呼叫端持有 *Runtime，並把它傳給需要的地方。
//
// ============================================================================

package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/config"
	"github.com/ChuLiYu/sdk-runtime/internal/dispatch"
	"github.com/ChuLiYu/sdk-runtime/internal/identity"
	"github.com/ChuLiYu/sdk-runtime/internal/lifecycle"
	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/metrics"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/tracker"
	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/internal/workqueue"
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime owns every component of one SDK instance.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	store     store.Store
	queue     *workqueue.Queue
	transport transport.Transport
	identity  *identity.Provider
	engine    *webservice.Engine
	dispatch  *dispatch.Dispatcher
	lifecycle *lifecycle.Lifecycle
	recorder  *metrics.Webservice
	collector *metrics.Collector
	tracker   *tracker.Tracker
}

type options struct {
	log       *slog.Logger
	transport transport.Transport
	store     store.Store
	registry  *prometheus.Registry
	now       func() time.Time
	delivery  webservice.Delivery
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTransport replaces the transport built from the config.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStore replaces the store opened from the config.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRegistry registers Prometheus metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock overrides time.Now for the lifecycle and metrics.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDelivery sets where webservice future callbacks run.
func WithDelivery(d webservice.Delivery) Option {
	return func(o *options) { o.delivery = d }
}

// New builds and starts a runtime. A missing API key is not an error here;
// the lifecycle refuses to start until one is configured.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil && !errors.Is(err, config.ErrMissingAPIKey) {
		return nil, err
	}

	o := options{now: time.Now, delivery: webservice.DeliverBackground}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.Or(o.log)

	r := &Runtime{cfg: cfg, log: log}

	var err error
	r.store = o.store
	if r.store == nil {
		if r.store, err = store.Open(cfg); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	r.transport = o.transport
	if r.transport == nil {
		if r.transport, err = transport.New(cfg); err != nil {
			_ = r.store.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	r.identity, err = identity.NewProvider(r.store, cfg.APIKey, cfg.AppVersion, log)
	if err != nil {
		r.closeIO()
		return nil, err
	}

	r.collector = metrics.NewCollector(o.registry)
	r.recorder = metrics.NewWebservice(o.now, log)

	r.queue = workqueue.New(
		workqueue.WithLogger(log),
		workqueue.WithDepthObserver(r.collector.SetQueueDepth),
		workqueue.WithMaxBacklog(cfg.Queue.BufferSize),
	)
	if err := r.queue.Start(cfg.Queue.Workers); err != nil {
		r.closeIO()
		return nil, err
	}

	r.engine = webservice.NewEngine(r.transport, webservice.DefaultRegistry(),
		webservice.WithEnvelope(r.identity),
		webservice.WithApplier(r.identity),
		webservice.WithRecorder(r.recorder),
		webservice.WithObserver(r.collector),
		webservice.WithTimeouts(cfg.Timeout),
		webservice.WithLogger(log),
	)

	r.dispatch = dispatch.New(r.engine, r.queue, r.store,
		dispatch.WithRetry(cfg.MaxAttempts, cfg.Retry.Backoff),
		dispatch.WithRetryObserver(r.collector),
		dispatch.WithKeySetter(r.identity),
		dispatch.WithDelivery(o.delivery),
		dispatch.WithLogger(log),
	)

	r.tracker = tracker.New(r.dispatch, 0, log)

	r.lifecycle = lifecycle.New(r.queue, r.dispatch, r.store,
		lifecycle.WithAPIKey(r.identity.APIKey),
		lifecycle.WithWindows(cfg.Lifecycle.ResumeWindow, cfg.Lifecycle.ReengagementWindow),
		lifecycle.WithTransitionObserver(r.collector),
		lifecycle.WithClock(o.now),
		lifecycle.WithLogger(log),
		lifecycle.WithHooks(lifecycle.Hooks{
			Ready:        r.migrate,
			SessionStart: r.tracker.SessionStarted,
			SessionStop:  r.tracker.SessionStopped,
			Off:          func(string) { r.tracker.Flush() },
		}),
	)
	r.identity.BindSession(r.lifecycle.SessionID)

	log.Info("Runtime created",
		"transport", cfg.Transport.Kind,
		"endpoint", cfg.Transport.Endpoint,
		"store", cfg.Store.Kind,
		"workers", cfg.Queue.Workers)
	return r, nil
}

// Start forwards a host start signal.
func (r *Runtime) Start(req lifecycle.StartRequest) lifecycle.StartResult {
	return r.lifecycle.Start(req)
}

// Stop forwards a host stop signal.
func (r *Runtime) Stop(req lifecycle.StopRequest) lifecycle.StopResult {
	return r.lifecycle.Stop(req)
}

// Lifecycle exposes the state machine.
func (r *Runtime) Lifecycle() *lifecycle.Lifecycle { return r.lifecycle }

// Dispatch exposes the webservice catalog to feature modules.
func (r *Runtime) Dispatch() *dispatch.Dispatcher { return r.dispatch }

// Tracker exposes the session event buffer.
func (r *Runtime) Tracker() *tracker.Tracker { return r.tracker }

// Store exposes the durable store.
func (r *Runtime) Store() store.Store { return r.store }

// InstallationID returns the local installation id.
func (r *Runtime) InstallationID() string { return r.identity.InstallationID() }

// MetricsHandler serves the Prometheus metrics.
func (r *Runtime) MetricsHandler() http.Handler { return r.collector.Handler() }

// Collector exposes the Prometheus collector.
func (r *Runtime) Collector() *metrics.Collector { return r.collector }

// OptOut stops the runtime from starting again. The current session is not
// interrupted.
func (r *Runtime) OptOut() error {
	if err := store.SetBool(r.store, store.KeyOptedOut, true); err != nil {
		return fmt.Errorf("failed to opt out: %w", err)
	}
	r.log.Info("Runtime opted out")
	return nil
}

// OptIn reverts OptOut.
func (r *Runtime) OptIn() error {
	if err := r.store.Delete(store.KeyOptedOut); err != nil {
		return fmt.Errorf("failed to opt in: %w", err)
	}
	r.log.Info("Runtime opted in")
	return nil
}

// IsOptedOut reports the persisted opt-out flag.
func (r *Runtime) IsOptedOut() (bool, error) {
	return store.GetBool(r.store, store.KeyOptedOut)
}

// PushToken registers a push token.
func (r *Runtime) PushToken(token string) *webservice.Future {
	return r.dispatch.PushToken(token)
}

// Reconfigure installs a new API key and resumes a suspended dispatch.
func (r *Runtime) Reconfigure(apiKey string) {
	r.dispatch.Reconfigure(apiKey)
}

// ReportMetrics drains the webservice metrics and sends them once. Metrics
// lost to a failed report are not retried.
func (r *Runtime) ReportMetrics() *webservice.Future {
	return r.dispatch.SendMetrics(r.recorder.Drain())
}

// FlushEvents sends the buffered session events.
func (r *Runtime) FlushEvents() *webservice.Future {
	return r.tracker.Flush()
}

// WaitIdle blocks until the work queue has nothing pending.
func (r *Runtime) WaitIdle(ctx context.Context) error {
	return r.queue.WaitIdle(ctx)
}

// Close drains the queue and releases the transport and the store.
func (r *Runtime) Close() error {
	r.queue.Stop()
	return r.closeIO()
}

func (r *Runtime) closeIO() error {
	return errors.Join(r.transport.Close(), r.store.Close())
}

// migrate runs once per session when the runtime leaves OFF and records
// installs and app updates.
func (r *Runtime) migrate(sessionID string) {
	current := r.cfg.AppVersion
	stored, ok, err := r.store.Get(store.KeyAppVersion)
	if err != nil {
		r.log.Warn("Failed to read stored app version", "error", err)
		return
	}

	switch {
	case !ok:
		r.log.Info("First start of this installation", "app_version", current, "session_id", sessionID)
	case stored != current:
		r.log.Info("App updated", "from", stored, "to", current, "session_id", sessionID)
	default:
		return
	}

	if err := r.store.Set(store.KeyAppVersion, current); err != nil {
		r.log.Warn("Failed to persist app version", "error", err)
	}
}
