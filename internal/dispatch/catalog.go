package dispatch

import (
	"fmt"

	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Start submits the start call. A push token that was never registered
// rides along in the same request.
func (d *Dispatcher) Start(req StartRequest) *webservice.Future {
	producers := []webservice.QueryProducer{
		func() webservice.Query {
			return webservice.NewQuery(types.QueryStart, map[string]any{
				"sessionId":        req.SessionID,
				"userFacing":       req.UserFacing,
				"fromNotification": req.FromNotification,
			})
		},
	}

	token := d.pendingPushToken()
	if token != "" {
		producers = append(producers, pushQuery(token))
	}

	return d.submit(CapsStart, func(set *webservice.ResponseSet) {
		if token == "" {
			return
		}
		// push 回應缺少時不影響 start，下次 start 再帶
		if res, err := webservice.ResultOf[webservice.PushResult](set, types.QueryPushToken); err == nil && res.Registered {
			d.markPushTokenSent(token)
		}
	}, producers...)
}

// PushToken stores token and registers it.
func (d *Dispatcher) PushToken(token string) *webservice.Future {
	if err := d.store.Set(store.KeyPushToken, token); err != nil {
		d.log.Warn("Failed to persist push token", "error", err)
	}
	return d.submit(CapsPushToken, func(set *webservice.ResponseSet) {
		if res, err := webservice.ResultOf[webservice.PushResult](set, types.QueryPushToken); err == nil && res.Registered {
			d.markPushTokenSent(token)
		}
	}, pushQuery(token))
}

// AttributesSend sends one attribute batch tagged with version.
func (d *Dispatcher) AttributesSend(version int64, attributes map[string]any) *webservice.Future {
	if len(attributes) == 0 {
		return d.failed(ErrEmptyBatch)
	}
	return d.submit(CapsAttributes, nil, func() webservice.Query {
		return webservice.NewQuery(types.QueryAttributes, map[string]any{
			"version":    version,
			"attributes": attributes,
		})
	})
}

// AttributesCheck asks the server whether version is current.
func (d *Dispatcher) AttributesCheck(version int64) *webservice.Future {
	return d.submit(CapsAttributesCheck, nil, func() webservice.Query {
		return webservice.NewQuery(types.QueryAttributesCheck, map[string]any{"version": version})
	})
}

// TrackEvents sends buffered events.
func (d *Dispatcher) TrackEvents(events []types.Event) *webservice.Future {
	if len(events) == 0 {
		return d.failed(ErrEmptyBatch)
	}
	return d.submit(CapsTracking, nil, func() webservice.Query {
		return webservice.NewQuery(types.QueryTracking, map[string]any{"events": events})
	})
}

// SendMetrics sends drained webservice metrics.
func (d *Dispatcher) SendMetrics(metrics []types.Metric) *webservice.Future {
	if len(metrics) == 0 {
		return d.failed(ErrEmptyBatch)
	}
	return d.submit(CapsMetrics, nil, func() webservice.Query {
		return webservice.NewQuery(types.QueryMetrics, map[string]any{"metrics": metrics})
	})
}

func pushQuery(token string) webservice.QueryProducer {
	return func() webservice.Query {
		return webservice.NewQuery(types.QueryPushToken, map[string]any{"token": token})
	}
}

func (d *Dispatcher) pendingPushToken() string {
	token, ok, err := d.store.Get(store.KeyPushToken)
	if err != nil || !ok || token == "" {
		return ""
	}
	sent, _, err := d.store.Get(store.KeyPushTokenSent)
	if err != nil || sent == token {
		return ""
	}
	return token
}

func (d *Dispatcher) markPushTokenSent(token string) {
	if err := d.store.Set(store.KeyPushTokenSent, token); err != nil {
		d.log.Warn("Failed to persist push token state", "error", fmt.Errorf("dispatch: %w", err))
	}
}

func (d *Dispatcher) failed(err error) *webservice.Future {
	f := webservice.NewFuture(d.delivery)
	f.Complete(nil, err)
	return f
}
