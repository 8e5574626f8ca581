package webservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Call is one logical webservice call. It owns the retry bookkeeping sent
// with every attempt.
type Call struct {
	engine  *Engine
	caps    Capabilities
	queries []Query
	index   map[string]int

	mu          sync.Mutex
	retryCount  int
	lastFailure types.FailureReason
}

// Capabilities returns the webservice description.
func (c *Call) Capabilities() Capabilities { return c.caps }

// Queries returns a copy of the queries sent by every attempt.
func (c *Call) Queries() []Query {
	out := make([]Query, len(c.queries))
	copy(out, c.queries)
	return out
}

// RetryCount is the number of failed attempts so far.
func (c *Call) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// LastFailure is the reason of the latest failed attempt, empty if none.
func (c *Call) LastFailure() types.FailureReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

type requestBody struct {
	Header  map[string]any `json:"header"`
	Retry   retryInfo      `json:"retry"`
	Queries []Query        `json:"queries"`
}

type retryInfo struct {
	Count       int                 `json:"count"`
	LastFailure types.FailureReason `json:"lastFailure,omitempty"`
}

type rawResponse struct {
	ID     string          `json:"id"`
	Type   types.QueryKind `json:"type"`
	Result json.RawMessage `json:"result"`
	Error  *QueryError     `json:"error"`
}

type responseBody struct {
	Queries        *[]rawResponse `json:"queries"`
	Parameters     map[string]any `json:"parameters"`
	InstallationID string         `json:"installationId"`
}

// Attempt performs one network attempt. Failures are *FailureError and
// bump RetryCount.
func (c *Call) Attempt(ctx context.Context) (*ResponseSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.engine
	e.recordStart(c.caps.Shortname)
	started := e.now()

	set, err := c.attemptLocked(ctx)

	elapsed := e.now().Sub(started)
	if err != nil {
		reason, _ := ReasonOf(err)
		c.retryCount++
		c.lastFailure = reason
		e.recordFinish(c.caps.Shortname, false, string(reason), elapsed)
		e.log.Warn("Webservice attempt failed",
			"webservice", c.caps.Shortname,
			"reason", reason,
			"retry_count", c.retryCount,
			"error", err)
		return nil, err
	}

	e.recordFinish(c.caps.Shortname, true, "success", elapsed)
	e.log.Debug("Webservice attempt succeeded",
		"webservice", c.caps.Shortname,
		"queries", set.Len())
	return set, nil
}

func (c *Call) attemptLocked(ctx context.Context) (*ResponseSet, error) {
	e := c.engine

	body := requestBody{
		Header:  e.envelope.Envelope(),
		Retry:   retryInfo{Count: c.retryCount, LastFailure: c.lastFailure},
		Queries: c.queries,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &FailureError{Reason: types.FailureUnexpected, Cause: fmt.Errorf("encode request: %w", err)}
	}

	if d := e.timeout(c.caps.TimeoutKey); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	raw, err := e.transport.Exchange(ctx, &transport.Request{
		Webservice: c.caps.PropertyKey,
		APIKey:     e.envelope.APIKey(),
		CryptorKey: c.caps.CryptorKey,
		Body:       payload,
	})
	if err != nil {
		return nil, &FailureError{Reason: classify(err), Cause: err}
	}

	var resp responseBody
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &FailureError{Reason: types.FailureUnexpected, Cause: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	// 全域欄位先套用，後續對應失敗也不能擋住設定下發
	e.applyGlobals(resp)

	if resp.Queries == nil {
		return nil, &FailureError{Reason: types.FailureUnexpected, Cause: ErrMalformedResponse}
	}
	responses := *resp.Queries
	if len(responses) != len(c.queries) {
		return nil, &FailureError{
			Reason: types.FailureUnexpected,
			Cause:  fmt.Errorf("%w: sent %d, received %d", ErrResponseCountMismatch, len(c.queries), len(responses)),
		}
	}

	return c.correlate(responses)
}

// correlate matches responses to queries by id. Any mismatch fails the
// whole attempt.
func (c *Call) correlate(responses []rawResponse) (*ResponseSet, error) {
	out := make([]Response, len(c.queries))
	seen := make([]bool, len(c.queries))

	for _, r := range responses {
		idx, ok := c.index[r.ID]
		if !ok {
			return nil, &FailureError{Reason: types.FailureUnexpected, Cause: fmt.Errorf("%w: %q", ErrUnknownResponseID, r.ID)}
		}
		if seen[idx] {
			return nil, &FailureError{Reason: types.FailureUnexpected, Cause: fmt.Errorf("%w: %q answered twice", ErrResponseCountMismatch, r.ID)}
		}
		seen[idx] = true

		q := c.queries[idx]
		resp := Response{ID: q.ID, Kind: q.Kind}
		if r.Error != nil {
			resp.Err = r.Error
			out[idx] = resp
			continue
		}

		decode, _ := c.engine.registry.Lookup(q.Kind)
		v, err := decode(r.Result)
		if err != nil {
			return nil, &FailureError{Reason: types.FailureUnexpected, Cause: errors.Join(ErrDecodeResponse, err)}
		}
		resp.Result = v
		out[idx] = resp
	}

	return &ResponseSet{responses: out}, nil
}

func (e *Engine) applyGlobals(resp responseBody) {
	if e.applier == nil {
		return
	}
	if len(resp.Parameters) == 0 && resp.InstallationID == "" {
		return
	}
	err := e.applier.ApplyEnvelope(GlobalFields{
		Parameters:     resp.Parameters,
		InstallationID: resp.InstallationID,
	})
	if err != nil {
		e.log.Warn("Failed to apply global response fields", "error", err)
	}
}

func (e *Engine) recordStart(kind string) {
	if e.recorder != nil {
		e.recorder.OnStarted(kind)
	}
}

func (e *Engine) recordFinish(kind string, success bool, outcome string, d time.Duration) {
	if e.recorder != nil {
		e.recorder.OnFinished(kind, success)
	}
	if e.observer != nil {
		e.observer.RecordAttempt(kind, outcome, d)
	}
}
