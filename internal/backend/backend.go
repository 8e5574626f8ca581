// ============================================================================
// SDK Runtime Reference Backend - 參考伺服器
// ============================================================================
//
// Package: internal/backend
// 文件: backend.go
// 功能: 程序內的 query webservice 實作，供 `sdkd backend`、
//       `sdkd simulate` 以及 transport / 端對端測試使用
//
// 協定:
//   Request  {"header": {...}, "retry": {...}, "queries": [{"id","type","payload"}]}
//   Response {"queries": [{"id","type","result"|"error"}],
//             "parameters": {...}, "installationId": "..."}
//
// 故障注入:
//   InjectFault() 排入的故障由下一個請求依序消耗，
//   測試可以腳本化「先 unavailable 再成功」或不一致的回應
//
// ============================================================================

package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidAPIKey     = errors.New("backend: invalid api key")
	ErrDeactivatedAPIKey = errors.New("backend: deactivated api key")
	ErrUnavailable       = errors.New("backend: temporarily unavailable")
	ErrInternal          = errors.New("backend: internal error")
)

// Fault is a scripted misbehavior for one request.
type Fault int

const (
	FaultNone        Fault = iota
	FaultUnavailable       // transport-level failure
	FaultInternal          // server error
	FaultNoQueries         // body without a queries array
	FaultDesync            // one response dropped
	FaultUnknownID         // one response id rewritten
)

// Received is a request recorded for inspection.
type Received struct {
	APIKey     string
	Webservice string
	Body       map[string]any
}

// Backend answers query webservice requests.
type Backend struct {
	mu             sync.Mutex
	validKeys      map[string]bool
	deactivated    map[string]bool
	parameters     map[string]any
	installationID string
	faults         []Fault
	received       []Received
}

// New creates a backend accepting the given API keys. With no keys every
// non-deactivated key is accepted.
func New(validKeys ...string) *Backend {
	b := &Backend{
		validKeys:      make(map[string]bool),
		deactivated:    make(map[string]bool),
		parameters:     make(map[string]any),
		installationID: uuid.NewString(),
	}
	for _, k := range validKeys {
		b.validKeys[k] = true
	}
	return b
}

// Deactivate marks key as deactivated.
func (b *Backend) Deactivate(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deactivated[key] = true
}

// SetParameter makes every response push name=value to the client.
func (b *Backend) SetParameter(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parameters[name] = value
}

// InstallationID returns the identity the backend assigns to clients.
func (b *Backend) InstallationID() string {
	return b.installationID
}

// InjectFault queues faults consumed one per request.
func (b *Backend) InjectFault(faults ...Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, faults...)
}

// Received returns a copy of every request handled so far.
func (b *Backend) Received() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Received, len(b.received))
	copy(out, b.received)
	return out
}

// Handle processes one request body.
func (b *Backend) Handle(apiKey, webservice string, body map[string]any) (map[string]any, error) {
	b.mu.Lock()
	b.received = append(b.received, Received{APIKey: apiKey, Webservice: webservice, Body: body})
	fault := FaultNone
	if len(b.faults) > 0 {
		fault = b.faults[0]
		b.faults = b.faults[1:]
	}
	keyErr := b.checkKeyLocked(apiKey)
	params := make(map[string]any, len(b.parameters))
	for k, v := range b.parameters {
		params[k] = v
	}
	b.mu.Unlock()

	if keyErr != nil {
		return nil, keyErr
	}
	switch fault {
	case FaultUnavailable:
		return nil, ErrUnavailable
	case FaultInternal:
		return nil, ErrInternal
	case FaultNoQueries:
		return map[string]any{"parameters": params}, nil
	}

	rawQueries, _ := body["queries"].([]any)
	responses := make([]any, 0, len(rawQueries))
	for _, rq := range rawQueries {
		q, _ := rq.(map[string]any)
		responses = append(responses, answer(q))
	}

	switch fault {
	case FaultDesync:
		if len(responses) > 0 {
			responses = responses[:len(responses)-1]
		}
	case FaultUnknownID:
		if len(responses) > 0 {
			responses[0].(map[string]any)["id"] = "not-a-query-" + uuid.NewString()
		}
	}

	return map[string]any{
		"queries":        responses,
		"parameters":     params,
		"installationId": b.installationID,
	}, nil
}

func (b *Backend) checkKeyLocked(apiKey string) error {
	if b.deactivated[apiKey] {
		return ErrDeactivatedAPIKey
	}
	if apiKey == "" || (len(b.validKeys) > 0 && !b.validKeys[apiKey]) {
		return ErrInvalidAPIKey
	}
	return nil
}

// answer builds the response object for one query.
func answer(q map[string]any) map[string]any {
	id, _ := q["id"].(string)
	kind, _ := q["type"].(string)
	payload, _ := q["payload"].(map[string]any)

	resp := map[string]any{"id": id, "type": kind}
	switch kind {
	case "start":
		resp["result"] = map[string]any{"ok": true}
	case "push":
		resp["result"] = map[string]any{"registered": payload["token"] != nil}
	case "attributes":
		resp["result"] = map[string]any{
			"version":       payload["version"],
			"transactionId": uuid.NewString(),
		}
	case "attributes_check":
		resp["result"] = map[string]any{"action": "OK"}
	case "tracking":
		events, _ := payload["events"].([]any)
		resp["result"] = map[string]any{"accepted": len(events)}
	case "metrics":
		metrics, _ := payload["metrics"].([]any)
		resp["result"] = map[string]any{"accepted": len(metrics)}
	default:
		resp["error"] = map[string]any{
			"code":    "unknown_query",
			"message": fmt.Sprintf("query type %q is not supported", kind),
		}
	}
	return resp
}
