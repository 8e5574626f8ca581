package lifecycle

import (
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/dispatch"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
	"github.com/google/uuid"
)

// Start handles a host start signal. It never fails loudly: configuration
// problems and opt-out are logged and reported through the result.
func (l *Lifecycle) Start(req StartRequest) StartResult {
	var effects []func()
	result := l.start(req, &effects)
	runEffects(effects)
	return result
}

func (l *Lifecycle) start(req StartRequest, effects *[]func()) StartResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = l.now()
	}

	if l.apiKey() == "" {
		l.log.Error("Cannot start the runtime: no API key configured", "host", req.Host.ID)
		return StartMissingConfig
	}

	shouldStart := true
	if l.lastStop != nil {
		if (!req.UserFacing || l.userStarted) && now.Sub(*l.lastStop) < l.resumeWindow {
			shouldStart = false
		}
	} else if l.state == types.StateReady {
		last, ok, err := store.GetTime(l.store, store.KeyLastUserStart)
		if err != nil {
			l.log.Warn("Failed to read last user start", "error", err)
		}
		if !ok || now.Sub(last) < l.reengagementWindow {
			shouldStart = false
		}
	}

	// 從通知開啟一定要追蹤
	if req.FromNotification {
		shouldStart = true
	}

	if l.lastStop != nil {
		if shouldStart {
			stoppedAt := *l.lastStop
			sid := l.sessionID
			if sid == "" {
				sid = l.lastSessionID
			}
			if hook := l.hooks.SessionStop; hook != nil {
				*effects = append(*effects, func() { hook(sid, stoppedAt) })
			}
		}
		l.lastStop = nil
	}

	if l.isOptedOut() {
		if !l.optOutReported {
			l.optOutReported = true
			l.log.Info("Runtime is opted out, ignoring start signals")
		}
		return StartOptedOut
	}

	switch req.Host.Kind {
	case types.HostService:
		l.serviceRefs++
	default:
		if !req.Host.Transient {
			id := req.Host.ID
			l.foreground = &id
		}
	}

	prev := l.state
	if prev == types.StateOff {
		l.sessionID = uuid.NewString()
		if hook := l.hooks.Ready; hook != nil {
			sid := l.sessionID
			*effects = append(*effects, func() { hook(sid) })
		}
	}

	if prev == types.StateReady && !shouldStart {
		l.log.Debug("Runtime already started", "host", req.Host.ID)
		return StartAlreadyStarted
	}

	if prev == types.StateFinishing {
		l.log.Info("Start during shutdown, cancelling drain", "host", req.Host.ID)
	}
	l.setStateLocked(types.StateReady)

	if req.UserFacing {
		l.userStarted = true
	}
	if !shouldStart {
		return StartResumed
	}

	if req.UserFacing {
		if err := store.SetTime(l.store, store.KeyLastUserStart, now); err != nil {
			l.log.Warn("Failed to persist last user start", "error", err)
		}
	}

	sid := l.sessionID
	if hook := l.hooks.SessionStart; hook != nil {
		*effects = append(*effects, func() { hook(sid, now) })
	}
	if l.starter != nil {
		dreq := dispatch.StartRequest{
			SessionID:        sid,
			UserFacing:       req.UserFacing,
			FromNotification: req.FromNotification,
		}
		*effects = append(*effects, func() {
			l.starter.Start(dreq).Then(func(_ *webservice.ResponseSet, err error) {
				if err != nil {
					l.log.Warn("Start webservice failed", "session_id", sid, "error", err)
				}
			})
		})
	}
	return StartStarted
}

// Stop handles a host stop signal.
func (l *Lifecycle) Stop(req StopRequest) StopResult {
	var effects []func()
	result := l.stop(req, &effects)
	runEffects(effects)
	return result
}

func (l *Lifecycle) stop(req StopRequest, effects *[]func()) StopResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = l.now()
	}

	isForeground := req.Host.Kind != types.HostService
	if !isForeground {
		if l.serviceRefs > 0 {
			l.serviceRefs--
		} else {
			l.log.Warn("Service stop without matching start", "host", req.Host.ID)
		}
	} else {
		if l.foreground == nil || *l.foreground != req.Host.ID {
			l.log.Debug("Ignoring stop from unretained host", "host", req.Host.ID)
			return StopUnmatchedHost
		}
		if !req.Force && !req.HostFinishing {
			l.lastStop = &now
			return StopDebounced
		}
		l.foreground = nil
	}

	if l.foreground != nil || l.serviceRefs > 0 {
		return StopRetained
	}
	if l.state != types.StateReady {
		return StopNotStarted
	}

	l.setStateLocked(types.StateFinishing)
	if l.queue.IsBusy() {
		l.log.Debug("Waiting for work queue to drain")
		return StopFinishing
	}
	l.finishLocked(now, effects)
	return StopFinished
}

// drain is the queue idle listener.
func (l *Lifecycle) drain() {
	var effects []func()
	l.mu.Lock()
	if l.state == types.StateFinishing && !l.queue.IsBusy() {
		l.finishLocked(l.now(), &effects)
	}
	l.mu.Unlock()
	runEffects(effects)
}

// finishLocked 完成 FINISHING -> OFF，清除 session 範圍的欄位
func (l *Lifecycle) finishLocked(now time.Time, effects *[]func()) {
	sid := l.sessionID
	l.lastSessionID = sid
	l.sessionID = ""
	l.lastStop = nil
	l.userStarted = false
	l.setStateLocked(types.StateOff)

	if hook := l.hooks.SessionStop; hook != nil {
		*effects = append(*effects, func() { hook(sid, now) })
	}
	if hook := l.hooks.Off; hook != nil {
		*effects = append(*effects, func() { hook(sid) })
	}
}
