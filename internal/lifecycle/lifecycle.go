// ============================================================================
// SDK Runtime Lifecycle - 狀態機
// ============================================================================
//
// Package: internal/lifecycle
// 文件: lifecycle.go
// 功能: 追蹤 SDK 是否處於 started 狀態，管理 session 與 host 保留計數
//
// 狀態轉換圖:
//
//   OFF ──Start()──> READY ──Stop()──> FINISHING ──queue idle──> OFF
//                      ^                   │
//                      └─────Start()───────┘  (取消進行中的 drain)
//
// 並發控制:
//   - mu 串行化所有轉換，保護 (state, session, retention)
//   - 轉換期間只收集 effect（dispatch、hook），釋放 mu 之後才執行
//   - 鎖順序固定為 lifecycle.mu -> queue.mu；queue 在鎖外呼叫 idle listener
//
// Drain 收斂:
//   進入 FINISHING 時同步詢問 queue.IsBusy()；閒置則直接轉 OFF，
//   否則等 OnIdle 通知。兩條路徑都經過 state 檢查，只會轉 OFF 一次。
//
// ============================================================================

package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/config"
	"github.com/ChuLiYu/sdk-runtime/internal/dispatch"
	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Host identifies the surface calling Start/Stop.
type Host struct {
	ID   string
	Kind types.HostKind
	// Transient foreground hosts (translucent or floating surfaces, the SDK's
	// own messaging surface) never become the retained foreground host.
	Transient bool
}

// StartRequest is one start signal.
type StartRequest struct {
	Host             Host
	UserFacing       bool
	FromNotification bool
	Now              time.Time // zero means the lifecycle clock
}

// StopRequest is one stop signal.
type StopRequest struct {
	Host  Host
	Force bool // destroy, as opposed to going to background
	// HostFinishing is set when the foreground host is really going away
	// rather than being covered by another surface.
	HostFinishing bool
	Now           time.Time
}

// StartResult describes what a start signal did.
type StartResult int

const (
	StartMissingConfig StartResult = iota
	StartOptedOut
	StartAlreadyStarted
	StartResumed // READY without a start call
	StartStarted // READY and a start call was submitted
)

func (r StartResult) String() string {
	switch r {
	case StartMissingConfig:
		return "missing_config"
	case StartOptedOut:
		return "opted_out"
	case StartAlreadyStarted:
		return "already_started"
	case StartResumed:
		return "resumed"
	case StartStarted:
		return "started"
	default:
		return "unknown"
	}
}

// StopResult describes what a stop signal did.
type StopResult int

const (
	StopNotStarted StopResult = iota
	StopUnmatchedHost
	StopDebounced
	StopRetained
	StopFinishing // waiting for the queue to drain
	StopFinished  // queue was idle, now OFF
)

func (r StopResult) String() string {
	switch r {
	case StopNotStarted:
		return "not_started"
	case StopUnmatchedHost:
		return "unmatched_host"
	case StopDebounced:
		return "debounced"
	case StopRetained:
		return "retained"
	case StopFinishing:
		return "finishing"
	case StopFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Queue is the busy/idle view of the work queue.
type Queue interface {
	IsBusy() bool
	OnIdle(fn func())
}

// Starter submits the start webservice.
type Starter interface {
	Start(req dispatch.StartRequest) *webservice.Future
}

// TransitionObserver records state changes.
type TransitionObserver interface {
	RecordTransition(from, to types.RuntimeState)
}

// Hooks are side effects run after a transition, outside the lock. Nil
// fields are skipped.
type Hooks struct {
	Ready        func(sessionID string) // OFF -> READY, once per session
	SessionStart func(sessionID string, at time.Time)
	SessionStop  func(sessionID string, at time.Time)
	Off          func(sessionID string) // FINISHING -> OFF
}

// Snapshot is a point-in-time copy for status output.
type Snapshot struct {
	State          types.RuntimeState
	SessionID      string
	ForegroundHost string
	ServiceRefs    int
	LastStop       time.Time
	LastUserStart  time.Time
}

// Lifecycle is the runtime state machine. Create one per runtime.
type Lifecycle struct {
	queue    Queue
	starter  Starter
	store    store.Store
	hooks    Hooks
	observer TransitionObserver
	apiKey   func() string
	now      func() time.Time
	log      *slog.Logger

	resumeWindow       time.Duration
	reengagementWindow time.Duration

	mu             sync.Mutex
	state          types.RuntimeState
	sessionID      string
	lastSessionID  string
	foreground     *string
	serviceRefs    int
	lastStop       *time.Time
	userStarted    bool
	optOutReported bool
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithHooks sets transition side effects.
func WithHooks(h Hooks) Option {
	return func(l *Lifecycle) { l.hooks = h }
}

// WithTransitionObserver reports every state change.
func WithTransitionObserver(o TransitionObserver) Option {
	return func(l *Lifecycle) { l.observer = o }
}

// WithAPIKey sets the configuration check of the start signal.
func WithAPIKey(fn func() string) Option {
	return func(l *Lifecycle) { l.apiKey = fn }
}

// WithWindows overrides the debounce windows.
func WithWindows(resume, reengagement time.Duration) Option {
	return func(l *Lifecycle) {
		l.resumeWindow = resume
		l.reengagementWindow = reengagement
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Lifecycle) { l.log = lg }
}

// New creates a lifecycle in OFF and subscribes to the queue's idle signal.
func New(queue Queue, starter Starter, st store.Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		queue:              queue,
		starter:            starter,
		store:              st,
		apiKey:             func() string { return "" },
		now:                time.Now,
		resumeWindow:       config.ResumeWindow,
		reengagementWindow: config.ReengagementWindow,
		state:              types.StateOff,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.Or(l.log)
	queue.OnIdle(l.drain)
	return l
}

// State returns the current state.
func (l *Lifecycle) State() types.RuntimeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SessionID returns the current session id, empty when OFF.
func (l *Lifecycle) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Snapshot returns a copy of the lifecycle state.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		State:       l.state,
		SessionID:   l.sessionID,
		ServiceRefs: l.serviceRefs,
	}
	if l.foreground != nil {
		s.ForegroundHost = *l.foreground
	}
	if l.lastStop != nil {
		s.LastStop = *l.lastStop
	}
	if t, ok, err := store.GetTime(l.store, store.KeyLastUserStart); err == nil && ok {
		s.LastUserStart = t
	}
	return s
}

// setStateLocked 變更狀態並記錄轉換
func (l *Lifecycle) setStateLocked(to types.RuntimeState) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	l.log.Info("Runtime state changed", "from", from, "to", to, "session_id", l.sessionID)
	if l.observer != nil {
		l.observer.RecordTransition(from, to)
	}
}

func (l *Lifecycle) isOptedOut() bool {
	opted, err := store.GetBool(l.store, store.KeyOptedOut)
	if err != nil {
		l.log.Warn("Failed to read opt-out state", "error", err)
		return false
	}
	return opted
}

func runEffects(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}
