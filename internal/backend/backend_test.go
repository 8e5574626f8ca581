package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(queries ...map[string]any) map[string]any {
	qs := make([]any, 0, len(queries))
	for _, q := range queries {
		qs = append(qs, q)
	}
	return map[string]any{"header": map[string]any{}, "queries": qs}
}

func TestHandleAnswersEveryQuery(t *testing.T) {
	b := New()
	b.SetParameter("region", "eu")

	resp, err := b.Handle("KEY", "start", body(
		map[string]any{"id": "a", "type": "start", "payload": map[string]any{}},
		map[string]any{"id": "b", "type": "push", "payload": map[string]any{"token": "t"}},
		map[string]any{"id": "c", "type": "bogus"},
	))
	require.NoError(t, err)

	queries := resp["queries"].([]any)
	require.Len(t, queries, 3)
	assert.Equal(t, map[string]any{"ok": true}, queries[0].(map[string]any)["result"])
	assert.Equal(t, map[string]any{"registered": true}, queries[1].(map[string]any)["result"])
	assert.Contains(t, queries[2].(map[string]any), "error")

	assert.Equal(t, "eu", resp["parameters"].(map[string]any)["region"])
	assert.Equal(t, b.InstallationID(), resp["installationId"])
	assert.Len(t, b.Received(), 1)
}

func TestHandleKeys(t *testing.T) {
	b := New("GOOD")

	_, err := b.Handle("", "start", body())
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = b.Handle("OTHER", "start", body())
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	b.Deactivate("GOOD")
	_, err = b.Handle("GOOD", "start", body())
	assert.ErrorIs(t, err, ErrDeactivatedAPIKey)
}

func TestInjectedFaultsAreConsumedInOrder(t *testing.T) {
	b := New()
	b.InjectFault(FaultUnavailable, FaultDesync, FaultUnknownID, FaultNoQueries)
	q := func() map[string]any {
		return body(
			map[string]any{"id": "a", "type": "start"},
			map[string]any{"id": "b", "type": "start"},
		)
	}

	_, err := b.Handle("K", "start", q())
	assert.ErrorIs(t, err, ErrUnavailable)

	resp, err := b.Handle("K", "start", q())
	require.NoError(t, err)
	assert.Len(t, resp["queries"], 1)

	resp, err = b.Handle("K", "start", q())
	require.NoError(t, err)
	assert.NotEqual(t, "a", resp["queries"].([]any)[0].(map[string]any)["id"])

	resp, err = b.Handle("K", "start", q())
	require.NoError(t, err)
	assert.NotContains(t, resp, "queries")

	resp, err = b.Handle("K", "start", q())
	require.NoError(t, err)
	assert.Len(t, resp["queries"], 2)
}

func TestHTTPHandlerStatus(t *testing.T) {
	b := New("GOOD")
	b.InjectFault(FaultNone, FaultInternal)
	srv := httptest.NewServer(HTTPHandler(b))
	defer srv.Close()

	post := func(key string) int {
		raw, _ := json.Marshal(body(map[string]any{"id": "a", "type": "start"}))
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/start", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("X-Api-Key", key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("GOOD"))
	assert.Equal(t, http.StatusInternalServerError, post("GOOD"))
	assert.Equal(t, http.StatusUnauthorized, post("BAD"))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
