// ============================================================================
// SDK Runtime WorkQueue - 背景任務執行器
// ============================================================================
//
// Package: internal/workqueue
// 文件: workqueue.go
// 功能: 以固定數量的 worker goroutine 執行背景任務，並提供 busy/idle 訊號
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 worker goroutine 持續運行（上限即宿主允許的背景並發數）
//   2. Submit() 只把任務放進 backlog，永不阻塞呼叫端
//   3. pending 計數 = backlog 中的任務 + 執行中的任務
//   4. pending 由 >0 變為 0 時通知所有 idle listener，每次轉換恰好一次
//
// 架構組件:
//   ┌─────────────┐
//   │  Dispatch   │ --Submit()--> backlog ──┐
//   └─────────────┘                         │
//   ┌─────────────┐                ┌────────▼───────┐
//   │  Lifecycle  │ <--OnIdle()--- │ worker 1..N    │
//   │             │ --IsBusy()-->  │ (sync.Cond)    │
//   └─────────────┘                └────────────────┘
//
// 生命週期:
//   1. New()      - 建立 Queue
//   2. Start(n)   - 啟動 n 個 worker
//   3. Submit(t)  - 非同步提交任務
//   4. Stop()     - 不再接受新任務，等待 backlog 清空與所有 worker 結束
//
// 並發控制:
//   - mu + cond 保護 backlog / pending / started / stopped
//   - idle listener 一律在釋放 mu 之後呼叫，避免與 lifecycle 的鎖形成循環等待
//
// 錯誤處理:
//   - ErrQueueNotStarted: 未啟動時提交任務
//   - ErrQueueClosed:     已關閉時提交任務
//   - 任務 panic 會被 recover 並記錄，pending 仍會正確遞減
//
// ============================================================================

package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
)

var (
	// ErrQueueClosed 表示 Queue 已關閉，無法提交新任務
	ErrQueueClosed = errors.New("work queue is closed")
	// ErrQueueNotStarted 表示 Queue 尚未啟動，無法提交任務
	ErrQueueNotStarted = errors.New("work queue not started")
	// ErrNilTask 表示提交了沒有 Run 函式的任務
	ErrNilTask = errors.New("work queue: task has no run function")
	// ErrQueueFull 表示 backlog 已達上限
	ErrQueueFull = errors.New("work queue: backlog is full")
)

// Task 代表要在背景執行的工作
type Task struct {
	Name string                    // 任務名稱，用於日誌
	Run  func(ctx context.Context) // 實際執行邏輯
}

// Option 設定 Queue
type Option func(*Queue)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithDepthObserver 每次 pending 變動時回報目前深度（例如 Prometheus gauge）
func WithDepthObserver(fn func(pending int)) Option {
	return func(q *Queue) { q.observeDepth = fn }
}

// WithMaxBacklog 限制尚未開始執行的任務數；0 表示不限制
func WithMaxBacklog(n int) Option {
	return func(q *Queue) { q.maxBacklog = n }
}

// Queue 代表背景工作佇列
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Task
	pending int // backlog + 執行中

	maxBacklog int

	idleListeners []func()
	observeDepth  func(pending int)

	workers int
	started bool
	stopped bool
	wg      sync.WaitGroup
	log     *slog.Logger
}

// New 建立新的 Queue
func New(opts ...Option) *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	q.log = logging.Or(q.log)
	return q
}

// Start 啟動指定數量的 worker
func (q *Queue) Start(workerCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return errors.New("work queue already started")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.runWorker(id)
		}(i)
	}

	q.workers = workerCount
	q.started = true
	return nil
}

// Submit 非同步提交任務，永不阻塞呼叫端
func (q *Queue) Submit(task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrQueueNotStarted
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if q.maxBacklog > 0 && len(q.backlog) >= q.maxBacklog {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.backlog = append(q.backlog, task)
	q.pending++
	depth := q.pending
	q.cond.Signal()
	q.mu.Unlock()

	q.reportDepth(depth)
	return nil
}

// IsBusy 同步查詢：目前是否有待處理或執行中的任務
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending > 0
}

// Pending 回傳待處理 + 執行中的任務數
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// OnIdle 註冊 idle listener；每次 pending 由 >0 變為 0 時呼叫一次
// listener 在 worker goroutine 上執行，不可長時間阻塞
func (q *Queue) OnIdle(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.idleListeners = append(q.idleListeners, fn)
	q.mu.Unlock()
}

// WaitIdle 阻塞直到佇列空閒或 ctx 結束（測試與 CLI 用）
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !q.IsBusy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WorkerCount 回傳 worker 數量
func (q *Queue) WorkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

// IsStarted 檢查 Queue 是否已啟動
func (q *Queue) IsStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

// Stop 優雅地關閉 Queue
// 關閉流程：
//  1. 設定 stopped 標誌，拒絕新任務
//  2. 喚醒所有 worker
//  3. worker 把 backlog 中剩餘的任務執行完後退出
//  4. 等待所有 worker 結束
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

// next 取出下一個任務；Queue 關閉且 backlog 為空時回傳 false
func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.backlog) == 0 {
		if q.stopped {
			return Task{}, false
		}
		q.cond.Wait()
	}

	task := q.backlog[0]
	q.backlog[0] = Task{}
	q.backlog = q.backlog[1:]
	return task, true
}

// runWorker worker 主循環
func (q *Queue) runWorker(id int) {
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		q.execute(id, task)
		q.finish()
	}
}

func (q *Queue) execute(id int, task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Task panicked", "worker", id, "task", task.Name, "panic", r)
		}
	}()

	task.Run(context.Background())

	q.log.Debug("Task finished", "worker", id, "task", task.Name, "duration", time.Since(start))
}

// finish 遞減 pending，若剛好清空則在鎖外通知 idle listener
func (q *Queue) finish() {
	q.mu.Lock()
	q.pending--
	depth := q.pending
	var listeners []func()
	if depth == 0 {
		listeners = append(listeners, q.idleListeners...)
	}
	q.mu.Unlock()

	q.reportDepth(depth)
	for _, fn := range listeners {
		fn()
	}
}

func (q *Queue) reportDepth(depth int) {
	if q.observeDepth != nil {
		q.observeDepth(depth)
	}
}
