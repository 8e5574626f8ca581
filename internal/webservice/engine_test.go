package webservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/backend"
	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	req  *transport.Request
	body map[string]any
}

// fakeTransport 以 respond 函式模擬伺服器回應
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentRequest
	respond func(queries []map[string]any) ([]byte, error)
}

func (f *fakeTransport) Exchange(ctx context.Context, req *transport.Request) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentRequest{req: req, body: body})
	f.mu.Unlock()

	var queries []map[string]any
	for _, q := range body["queries"].([]any) {
		queries = append(queries, q.(map[string]any))
	}
	return f.respond(queries)
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

// echo answers every query in reverse order so correlation must use ids.
func echo(extra map[string]any) func([]map[string]any) ([]byte, error) {
	return func(queries []map[string]any) ([]byte, error) {
		resps := make([]map[string]any, 0, len(queries))
		for i := len(queries) - 1; i >= 0; i-- {
			q := queries[i]
			resps = append(resps, map[string]any{
				"id":     q["id"],
				"type":   q["type"],
				"result": map[string]any{"ok": true, "registered": true},
			})
		}
		body := map[string]any{"queries": resps}
		for k, v := range extra {
			body[k] = v
		}
		return json.Marshal(body)
	}
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []GlobalFields
}

func (a *recordingApplier) ApplyEnvelope(g GlobalFields) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, g)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

var startCaps = Capabilities{Shortname: "start", PropertyKey: "start", RetryKey: "start", TimeoutKey: "start"}

func newTestEngine(t transport.Transport, opts ...Option) *Engine {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithEnvelope(StaticEnvelope{Key: "key-1", Header: map[string]any{"installationId": "inst-1"}}),
	}, opts...)
	return NewEngine(t, nil, opts...)
}

func TestNewCallValidation(t *testing.T) {
	e := newTestEngine(&fakeTransport{})

	_, err := e.NewCall(startCaps)
	assert.ErrorIs(t, err, ErrNoQueries)

	q := NewQuery(types.QueryStart, nil)
	_, err = e.NewCall(startCaps, Of(q), Of(q))
	assert.ErrorIs(t, err, ErrDuplicateQueryID)

	_, err = e.NewCall(startCaps, Of(NewQuery("unknown", nil)))
	assert.ErrorIs(t, err, ErrNoDeserializer)

	assert.Panics(t, func() { e.MustNewCall(startCaps) })
}

func TestAttemptCorrelatesById(t *testing.T) {
	ft := &fakeTransport{respond: echo(nil)}
	e := newTestEngine(ft)

	start := NewQuery(types.QueryStart, map[string]any{"userFacing": true})
	push := NewQuery(types.QueryPushToken, map[string]any{"token": "abc"})
	call := e.MustNewCall(startCaps, Of(start), Of(push))

	set, err := call.Attempt(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	all := set.All()
	assert.Equal(t, start.ID, all[0].ID)
	assert.Equal(t, push.ID, all[1].ID)

	sr, err := ResultOf[StartResult](set, types.QueryStart)
	require.NoError(t, err)
	assert.True(t, sr.OK)
	pr, err := ResultOf[PushResult](set, types.QueryPushToken)
	require.NoError(t, err)
	assert.True(t, pr.Registered)

	sent := ft.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "key-1", sent[0].req.APIKey)
	assert.Equal(t, "start", sent[0].req.Webservice)
	assert.Equal(t, "inst-1", sent[0].body["header"].(map[string]any)["installationId"])
	retry := sent[0].body["retry"].(map[string]any)
	assert.EqualValues(t, 0, retry["count"])
	assert.NotContains(t, retry, "lastFailure")
	assert.Equal(t, 0, call.RetryCount())
}

func TestAttemptCountMismatch(t *testing.T) {
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		full, _ := echo(nil)(queries)
		var body map[string]any
		_ = json.Unmarshal(full, &body)
		body["queries"] = body["queries"].([]any)[:1]
		return json.Marshal(body)
	}}
	e := newTestEngine(ft)
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)), Of(NewQuery(types.QueryPushToken, nil)))

	set, err := call.Attempt(context.Background())
	assert.Nil(t, set)
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, types.FailureUnexpected, reason)
	assert.ErrorIs(t, err, ErrResponseCountMismatch)
}

func TestAttemptUnknownIdFailsWholeCall(t *testing.T) {
	applier := &recordingApplier{}
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		return json.Marshal(map[string]any{
			"queries": []any{
				map[string]any{"id": queries[0]["id"], "type": "start", "result": map[string]any{"ok": true}},
				map[string]any{"id": "stranger", "type": "push", "result": map[string]any{}},
			},
			"parameters":     map[string]any{"flag": "on"},
			"installationId": "server-1",
		})
	}}
	e := newTestEngine(ft, WithApplier(applier))
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)), Of(NewQuery(types.QueryPushToken, nil)))

	set, err := call.Attempt(context.Background())
	assert.Nil(t, set)
	assert.ErrorIs(t, err, ErrUnknownResponseID)

	// 全域欄位仍然被套用
	require.Equal(t, 1, applier.count())
	assert.Equal(t, "server-1", applier.applied[0].InstallationID)
	assert.Equal(t, "on", applier.applied[0].Parameters["flag"])
}

func TestAttemptMissingQueriesArray(t *testing.T) {
	applier := &recordingApplier{}
	ft := &fakeTransport{respond: func([]map[string]any) ([]byte, error) {
		return []byte(`{"parameters":{"a":"b"}}`), nil
	}}
	e := newTestEngine(ft, WithApplier(applier))
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

	_, err := call.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
	reason, _ := ReasonOf(err)
	assert.Equal(t, types.FailureUnexpected, reason)
	assert.Equal(t, 1, applier.count())
}

func TestAttemptDuplicateResponseId(t *testing.T) {
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		r := map[string]any{"id": queries[0]["id"], "type": "start", "result": map[string]any{}}
		return json.Marshal(map[string]any{"queries": []any{r, r}})
	}}
	e := newTestEngine(ft)
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)), Of(NewQuery(types.QueryPushToken, nil)))

	_, err := call.Attempt(context.Background())
	reason, _ := ReasonOf(err)
	assert.Equal(t, types.FailureUnexpected, reason)
}

func TestRetryCountPerLogicalCall(t *testing.T) {
	netErr := &transport.Error{Kind: transport.KindNetwork, Cause: errors.New("connection refused")}
	var fail atomic.Bool
	fail.Store(true)
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		if fail.Load() {
			return nil, netErr
		}
		return echo(nil)(queries)
	}}
	e := newTestEngine(ft)
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

	for i := 1; i <= 3; i++ {
		_, err := call.Attempt(context.Background())
		require.Error(t, err)
		assert.Equal(t, i, call.RetryCount())
		assert.Equal(t, types.FailureNetwork, call.LastFailure())
	}

	fail.Store(false)
	_, err := call.Attempt(context.Background())
	require.NoError(t, err)

	queries := call.Queries()
	require.Len(t, queries, 1)

	sent := ft.requests()
	require.Len(t, sent, 4)
	for i, s := range sent {
		retry := s.body["retry"].(map[string]any)
		assert.EqualValues(t, i, retry["count"])
		if i > 0 {
			assert.Equal(t, "NETWORK_ERROR", retry["lastFailure"])
		}
		// 每次嘗試都送出同一批 query
		sentQueries := s.body["queries"].([]any)
		require.Len(t, sentQueries, 1)
		assert.Equal(t, queries[0].ID, sentQueries[0].(map[string]any)["id"])
	}

	fresh := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))
	assert.Equal(t, 0, fresh.RetryCount())
	assert.Empty(t, fresh.LastFailure())
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.FailureReason
	}{
		{"network", &transport.Error{Kind: transport.KindNetwork}, types.FailureNetwork},
		{"timeout", &transport.Error{Kind: transport.KindTimeout}, types.FailureNetwork},
		{"bare deadline", context.DeadlineExceeded, types.FailureNetwork},
		{"invalid key", &transport.Error{Kind: transport.KindInvalidAPIKey}, types.FailureInvalidAPIKey},
		{"deactivated", &transport.Error{Kind: transport.KindDeactivatedAPIKey}, types.FailureDeactivatedAPIKey},
		{"server", &transport.Error{Kind: transport.KindServer, StatusCode: 500}, types.FailureUnexpected},
		{"other", errors.New("boom"), types.FailureUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{respond: func([]map[string]any) ([]byte, error) { return nil, tt.err }}
			call := newTestEngine(ft).MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

			_, err := call.Attempt(context.Background())
			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, 1, call.RetryCount())
		})
	}
}

func TestQueryErrorAndMissingResponse(t *testing.T) {
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		return json.Marshal(map[string]any{"queries": []any{
			map[string]any{"id": queries[0]["id"], "type": "attributes", "error": map[string]any{"code": "stale", "message": "version too old"}},
		}})
	}}
	e := newTestEngine(ft)
	call := e.MustNewCall(Capabilities{Shortname: "attr"}, Of(NewQuery(types.QueryAttributes, nil)))

	set, err := call.Attempt(context.Background())
	require.NoError(t, err)

	_, err = ResultOf[AttributesResult](set, types.QueryAttributes)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "stale", qe.Code)

	_, err = set.Get(types.QueryPushToken)
	assert.ErrorIs(t, err, ErrMissingResponse)
}

func TestAttemptsOfOneCallNeverOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, &transport.Error{Kind: transport.KindNetwork}
	}}
	call := newTestEngine(ft).MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = call.Attempt(context.Background())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.Equal(t, 5, call.RetryCount())
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished []bool
	outcomes []string
}

func (r *fakeRecorder) OnStarted(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, kind)
}

func (r *fakeRecorder) OnFinished(kind string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, success)
}

func (r *fakeRecorder) RecordAttempt(webservice, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, webservice+":"+outcome)
}

func TestAttemptRecordsMetrics(t *testing.T) {
	var fail atomic.Bool
	ft := &fakeTransport{respond: func(queries []map[string]any) ([]byte, error) {
		if fail.Load() {
			return nil, &transport.Error{Kind: transport.KindInvalidAPIKey}
		}
		return echo(nil)(queries)
	}}
	rec := &fakeRecorder{}
	e := newTestEngine(ft, WithRecorder(rec), WithObserver(rec))
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

	_, err := call.Attempt(context.Background())
	require.NoError(t, err)
	fail.Store(true)
	_, err = call.Attempt(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"start", "start"}, rec.started)
	assert.Equal(t, []bool{true, false}, rec.finished)
	assert.Equal(t, []string{"start:success", "start:INVALID_API_KEY"}, rec.outcomes)
}

func TestAttemptTimeoutIsNetworkError(t *testing.T) {
	slow := &slowTransport{}
	e := newTestEngine(slow, WithTimeouts(func(key string) time.Duration {
		if key == "start" {
			return 10 * time.Millisecond
		}
		return 0
	}))
	call := e.MustNewCall(startCaps, Of(NewQuery(types.QueryStart, nil)))

	_, err := call.Attempt(context.Background())
	reason, _ := ReasonOf(err)
	assert.Equal(t, types.FailureNetwork, reason)
}

type slowTransport struct{}

func (slowTransport) Exchange(ctx context.Context, _ *transport.Request) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowTransport) Close() error { return nil }

func TestEngineAgainstReferenceBackend(t *testing.T) {
	b := backend.New("key-1")
	b.SetParameter("feature.x", "enabled")
	ts := httptest.NewServer(backend.HTTPHandler(b))
	defer ts.Close()

	applier := &recordingApplier{}
	e := newTestEngine(transport.NewHTTPWithClient(ts.URL, ts.Client()), WithApplier(applier))

	call := e.MustNewCall(Capabilities{Shortname: "attr", PropertyKey: "attributes"},
		Of(NewQuery(types.QueryAttributes, map[string]any{"version": 7})),
		Of(NewQuery(types.QueryAttributesCheck, nil)),
	)
	set, err := call.Attempt(context.Background())
	require.NoError(t, err)

	attr, err := ResultOf[AttributesResult](set, types.QueryAttributes)
	require.NoError(t, err)
	assert.EqualValues(t, 7, attr.Version)
	assert.NotEmpty(t, attr.TransactionID)

	check, err := ResultOf[AttributesCheckResult](set, types.QueryAttributesCheck)
	require.NoError(t, err)
	assert.Equal(t, "OK", check.Action)

	require.Equal(t, 1, applier.count())
	assert.Equal(t, b.InstallationID(), applier.applied[0].InstallationID)

	b.InjectFault(backend.FaultDesync)
	_, err = call.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrResponseCountMismatch)
	assert.Equal(t, 1, call.RetryCount())

	b.Deactivate("key-1")
	_, err = call.Attempt(context.Background())
	reason, _ := ReasonOf(err)
	assert.Equal(t, types.FailureDeactivatedAPIKey, reason)
	assert.Equal(t, 2, call.RetryCount())
}
