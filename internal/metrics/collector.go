// ============================================================================
// SDK Runtime Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: collector.go
// 功能: 收集並暴露 runtime 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. Webservice (Counter / Histogram)：
//      - sdk_webservice_calls_total{webservice,outcome}: 每次嘗試的結果
//      - sdk_webservice_retries_total{webservice}:       重試次數
//      - sdk_webservice_latency_seconds{webservice}:     單次嘗試延遲
//
//   2. WorkQueue (Gauge)：
//      - sdk_workqueue_pending: 待處理 + 執行中的任務數
//
//   3. Lifecycle (Gauge / Counter)：
//      - sdk_lifecycle_state: 0=OFF 1=READY 2=FINISHING
//      - sdk_lifecycle_transitions_total{from,to}
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   sum(rate(sdk_webservice_calls_total{outcome!="success"}[5m]))
//     / sum(rate(sdk_webservice_calls_total[5m]))
//
//   # 95 分位延遲
//   histogram_quantile(0.95, sdk_webservice_latency_seconds_bucket)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/sdk-runtime/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	calls       *prometheus.CounterVec
	retries     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	pending     prometheus.Gauge
	state       prometheus.Gauge
	transitions *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 建立並註冊所有指標
// reg 為 nil 時使用一個新的 Registry，避免測試之間重複註冊
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_webservice_calls_total",
			Help: "Total number of webservice attempts by outcome",
		}, []string{"webservice", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_webservice_retries_total",
			Help: "Total number of webservice retries",
		}, []string{"webservice"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sdk_webservice_latency_seconds",
			Help:    "Webservice attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"webservice"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdk_workqueue_pending",
			Help: "Current number of pending or running background tasks",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdk_lifecycle_state",
			Help: "Current runtime state (0=OFF, 1=READY, 2=FINISHING)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_lifecycle_transitions_total",
			Help: "Total number of runtime state transitions",
		}, []string{"from", "to"}),
		gatherer: reg,
	}

	reg.MustRegister(c.calls, c.retries, c.latency, c.pending, c.state, c.transitions)
	return c
}

// RecordAttempt 記錄一次 webservice 嘗試；outcome 為 "success" 或失敗原因
func (c *Collector) RecordAttempt(webservice string, outcome string, d time.Duration) {
	c.calls.WithLabelValues(webservice, outcome).Inc()
	c.latency.WithLabelValues(webservice).Observe(d.Seconds())
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry(webservice string) {
	c.retries.WithLabelValues(webservice).Inc()
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(pending int) {
	c.pending.Set(float64(pending))
}

// RecordTransition 記錄狀態轉換
func (c *Collector) RecordTransition(from, to types.RuntimeState) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
	c.state.Set(float64(to))
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 在 port 上啟動 /metrics HTTP 伺服器，阻塞直到 ctx 結束
func (c *Collector) StartServer(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", port, err)
	}
	return c.Serve(ctx, lis)
}

// Serve 在既有 listener 上提供 /metrics，ctx 結束時優雅關閉
func (c *Collector) Serve(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
