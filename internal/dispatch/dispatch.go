// ============================================================================
// SDK Runtime Webservice Dispatch - 呼叫目錄
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatch.go
// 功能: 將外部觸發的條件對應到一個邏輯 webservice 呼叫，並在工作佇列上執行
//
// 目錄:
//   Start            start query（附帶待送出的 push token）
//   PushToken        push token 註冊
//   AttributesSend   屬性批次
//   AttributesCheck  屬性版本檢查
//   TrackEvents      緩衝的 session 事件
//   SendMetrics      取出的 webservice 指標
//
// 重試策略:
//   每個邏輯呼叫一個佇列任務，所有嘗試在任務內依序執行。
//   NETWORK_ERROR 與 UNEXPECTED_ERROR 以指數退避重試，直到 RetryKey
//   的次數用完。INVALID / DEACTIVATED API key 會暫停所有呼叫直到
//   Reconfigure()。
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/internal/workqueue"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

const maxBackoff = 30 * time.Second

var (
	// ErrSuspended is returned while a terminal API key failure is pending
	// reconfiguration.
	ErrSuspended = errors.New("dispatch: suspended after api key rejection")
	// ErrEmptyBatch is returned for batches with nothing to send.
	ErrEmptyBatch = errors.New("dispatch: empty batch")
)

// Capabilities of every webservice in the catalog.
var (
	CapsStart           = caps("start")
	CapsPushToken       = caps("push")
	CapsAttributes      = caps("attributes")
	CapsAttributesCheck = caps("attributes_check")
	CapsTracking        = caps("tracking")
	CapsMetrics         = caps("metrics")
)

func caps(name string) webservice.Capabilities {
	return webservice.Capabilities{
		Shortname:   name,
		PropertyKey: name,
		CryptorKey:  name,
		TimeoutKey:  name,
		RetryKey:    name,
	}
}

// Submitter is the part of the work queue dispatch needs.
type Submitter interface {
	Submit(task workqueue.Task) error
}

// RetryObserver is told about every scheduled retry.
type RetryObserver interface {
	RecordRetry(webservice string)
}

// KeySetter receives a new API key on Reconfigure.
type KeySetter interface {
	SetAPIKey(key string)
}

// StartRequest describes a start call.
type StartRequest struct {
	SessionID        string
	UserFacing       bool
	FromNotification bool
}

// Dispatcher turns catalog operations into queued logical calls.
type Dispatcher struct {
	engine   *webservice.Engine
	queue    Submitter
	store    store.Store
	observer RetryObserver
	keys     KeySetter
	delivery webservice.Delivery
	log      *slog.Logger

	maxAttempts func(retryKey string) int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	suspended     bool
	suspendReason types.FailureReason
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the attempt budget lookup and the base backoff.
func WithRetry(maxAttempts func(retryKey string) int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.backoff = backoff
	}
}

// WithRetryObserver reports retries, e.g. to the Prometheus collector.
func WithRetryObserver(o RetryObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithKeySetter sets where Reconfigure writes the new API key.
func WithKeySetter(k KeySetter) Option {
	return func(d *Dispatcher) { d.keys = k }
}

// WithDelivery sets where future callbacks run.
func WithDelivery(del webservice.Delivery) Option {
	return func(d *Dispatcher) { d.delivery = del }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a dispatcher.
func New(engine *webservice.Engine, queue Submitter, st store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:      engine,
		queue:       queue,
		store:       st,
		delivery:    webservice.DeliverBackground,
		maxAttempts: func(string) int { return 1 },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logging.Or(d.log)
	return d
}

// Suspended reports whether dispatch is stopped by a terminal failure.
func (d *Dispatcher) Suspended() (bool, types.FailureReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended, d.suspendReason
}

// Reconfigure installs a new API key and resumes dispatch.
func (d *Dispatcher) Reconfigure(apiKey string) {
	if d.keys != nil {
		d.keys.SetAPIKey(apiKey)
	}
	d.mu.Lock()
	was := d.suspended
	d.suspended = false
	d.suspendReason = ""
	d.mu.Unlock()

	if was {
		d.log.Info("Dispatch resumed after reconfiguration")
	}
}

func (d *Dispatcher) suspend(reason types.FailureReason) {
	d.mu.Lock()
	first := !d.suspended
	d.suspended = true
	d.suspendReason = reason
	d.mu.Unlock()

	if first {
		d.log.Error("API key rejected by the backend, webservices are disabled until reconfigured",
			"reason", reason)
	}
}

// submit builds the call and queues its retry loop. onSuccess runs on the
// worker before the future resolves.
func (d *Dispatcher) submit(c webservice.Capabilities, onSuccess func(*webservice.ResponseSet), producers ...webservice.QueryProducer) *webservice.Future {
	f := webservice.NewFuture(d.delivery)

	if suspended, reason := d.Suspended(); suspended {
		f.Complete(nil, fmt.Errorf("%w (%s)", ErrSuspended, reason))
		return f
	}

	call := d.engine.MustNewCall(c, producers...)

	err := d.queue.Submit(workqueue.Task{
		Name: "webservice." + c.Shortname,
		Run: func(ctx context.Context) {
			set, err := d.run(ctx, call)
			if err == nil && onSuccess != nil {
				onSuccess(set)
			}
			f.Complete(set, err)
		},
	})
	if err != nil {
		d.log.Warn("Failed to queue webservice", "webservice", c.Shortname, "error", err)
		f.Complete(nil, fmt.Errorf("dispatch: queue %s: %w", c.Shortname, err))
	}
	return f
}

// run is the sequential retry loop of one logical call.
func (d *Dispatcher) run(ctx context.Context, call *webservice.Call) (*webservice.ResponseSet, error) {
	c := call.Capabilities()
	budget := d.maxAttempts(c.RetryKey)
	if budget < 1 {
		budget = 1
	}

	for {
		set, err := call.Attempt(ctx)
		if err == nil {
			return set, nil
		}

		reason, _ := webservice.ReasonOf(err)
		if reason.IsTerminal() {
			d.suspend(reason)
			return nil, err
		}
		if !retryable(reason) || call.RetryCount() >= budget {
			return nil, err
		}

		if d.observer != nil {
			d.observer.RecordRetry(c.Shortname)
		}
		wait := d.backoffFor(call.RetryCount())
		d.log.Debug("Retrying webservice", "webservice", c.Shortname, "attempt", call.RetryCount()+1, "backoff", wait)
		if err := d.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func retryable(reason types.FailureReason) bool {
	return reason == types.FailureNetwork || reason == types.FailureUnexpected
}

// backoffFor returns base * 2^(failures-1), capped.
func (d *Dispatcher) backoffFor(failures int) time.Duration {
	if d.backoff <= 0 {
		return 0
	}
	wait := d.backoff
	for i := 1; i < failures && wait < maxBackoff; i++ {
		wait *= 2
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
