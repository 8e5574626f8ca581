package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/backend"
	"github.com/ChuLiYu/sdk-runtime/internal/config"
	"github.com/ChuLiYu/sdk-runtime/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

func requestBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"header":  map[string]any{"sdkVersion": "1.0.0"},
		"retry":   map[string]any{"count": 0},
		"queries": []any{map[string]any{"id": "q1", "type": "start", "payload": map[string]any{}}},
	})
	require.NoError(t, err)
	return body
}

// startGRPC 在 bufconn 上啟動參考後端
func startGRPC(t *testing.T, b *backend.Backend) *transport.GRPC {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := backend.NewGRPCServer(b)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := transport.NewGRPC("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCExchange(t *testing.T) {
	b := backend.New("key-1")
	b.SetParameter("color", "blue")
	client := startGRPC(t, b)

	raw, err := client.Exchange(context.Background(), &transport.Request{
		Webservice: "start",
		APIKey:     "key-1",
		CryptorKey: "cryptor-start",
		Body:       requestBody(t),
	})
	require.NoError(t, err)

	var resp struct {
		Queries []struct {
			ID     string         `json:"id"`
			Type   string         `json:"type"`
			Result map[string]any `json:"result"`
		} `json:"queries"`
		Parameters     map[string]string `json:"parameters"`
		InstallationID string            `json:"installationId"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Len(t, resp.Queries, 1)
	assert.Equal(t, "q1", resp.Queries[0].ID)
	assert.Equal(t, true, resp.Queries[0].Result["ok"])
	assert.Equal(t, "blue", resp.Parameters["color"])
	assert.Equal(t, b.InstallationID(), resp.InstallationID)

	received := b.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "key-1", received[0].APIKey)
	assert.Equal(t, "start", received[0].Webservice)
}

func TestGRPCStatusMapping(t *testing.T) {
	b := backend.New("key-1")
	b.Deactivate("key-old")
	client := startGRPC(t, b)

	tests := []struct {
		name  string
		key   string
		fault backend.Fault
		want  transport.ErrorKind
	}{
		{"unknown key", "nope", backend.FaultNone, transport.KindInvalidAPIKey},
		{"deactivated key", "key-old", backend.FaultNone, transport.KindDeactivatedAPIKey},
		{"unavailable", "key-1", backend.FaultUnavailable, transport.KindNetwork},
		{"internal", "key-1", backend.FaultInternal, transport.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fault != backend.FaultNone {
				b.InjectFault(tt.fault)
			}
			_, err := client.Exchange(context.Background(), &transport.Request{
				Webservice: "start",
				APIKey:     tt.key,
				Body:       requestBody(t),
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, transport.KindOf(err))
		})
	}
}

func TestGRPCRejectsNonJSONBody(t *testing.T) {
	client := startGRPC(t, backend.New())
	_, err := client.Exchange(context.Background(), &transport.Request{Body: []byte("not json")})
	assert.Equal(t, transport.KindParse, transport.KindOf(err))
}

func TestHTTPExchange(t *testing.T) {
	b := backend.New("key-1")
	ts := httptest.NewServer(backend.HTTPHandler(b))
	defer ts.Close()

	client := transport.NewHTTPWithClient(ts.URL+"/", ts.Client())
	defer client.Close()

	raw, err := client.Exchange(context.Background(), &transport.Request{
		Webservice: "push",
		APIKey:     "key-1",
		Body:       requestBody(t),
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"q1"`)
	assert.Equal(t, "push", b.Received()[0].Webservice)
}

func TestHTTPStatusMapping(t *testing.T) {
	b := backend.New("key-1")
	b.Deactivate("key-old")
	ts := httptest.NewServer(backend.HTTPHandler(b))
	defer ts.Close()
	client := transport.NewHTTPWithClient(ts.URL, ts.Client())

	tests := []struct {
		name   string
		key    string
		fault  backend.Fault
		want   transport.ErrorKind
		status int
	}{
		{"unknown key", "nope", backend.FaultNone, transport.KindInvalidAPIKey, http.StatusUnauthorized},
		{"deactivated key", "key-old", backend.FaultNone, transport.KindDeactivatedAPIKey, http.StatusForbidden},
		{"unavailable", "key-1", backend.FaultUnavailable, transport.KindServer, http.StatusServiceUnavailable},
		{"internal", "key-1", backend.FaultInternal, transport.KindServer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fault != backend.FaultNone {
				b.InjectFault(tt.fault)
			}
			_, err := client.Exchange(context.Background(), &transport.Request{
				Webservice: "start",
				APIKey:     tt.key,
				Body:       requestBody(t),
			})
			var te *transport.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.want, te.Kind)
			assert.Equal(t, tt.status, te.StatusCode)
		})
	}
}

func TestHTTPTimeoutAndRefused(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	client := transport.NewHTTPWithClient(ts.URL, ts.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Exchange(ctx, &transport.Request{Webservice: "start", Body: requestBody(t)})
	assert.Equal(t, transport.KindTimeout, transport.KindOf(err))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	refused := transport.NewHTTPWithClient("http://"+addr, &http.Client{})
	_, err = refused.Exchange(context.Background(), &transport.Request{Webservice: "start", Body: requestBody(t)})
	assert.Equal(t, transport.KindNetwork, transport.KindOf(err))
}

func TestHTTPOversizedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(bytes.Repeat([]byte(" "), transport.MaxResponseBytes+1))
	}))
	defer ts.Close()

	client := transport.NewHTTPWithClient(ts.URL, ts.Client())
	_, err := client.Exchange(context.Background(), &transport.Request{Webservice: "start", Body: requestBody(t)})
	require.Error(t, err)
	assert.Equal(t, transport.KindParse, transport.KindOf(err))
	assert.ErrorIs(t, err, transport.ErrResponseTooLarge)

	// 剛好等於上限仍然可讀
	exact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte(" "), transport.MaxResponseBytes))
	}))
	defer exact.Close()

	body, err := transport.NewHTTPWithClient(exact.URL, exact.Client()).
		Exchange(context.Background(), &transport.Request{Webservice: "start", Body: requestBody(t)})
	require.NoError(t, err)
	assert.Len(t, body, transport.MaxResponseBytes)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, transport.KindUnknown, transport.KindOf(nil))
	assert.Equal(t, transport.KindUnknown, transport.KindOf(errors.New("plain")))
	assert.Equal(t, transport.KindTimeout, transport.KindOf(context.DeadlineExceeded))

	wrapped := errors.Join(errors.New("outer"), &transport.Error{Kind: transport.KindDeactivatedAPIKey})
	assert.Equal(t, transport.KindDeactivatedAPIKey, transport.KindOf(wrapped))
	assert.Equal(t, "deactivated_api_key", transport.KindDeactivatedAPIKey.String())
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Insecure = true
	tr, err := transport.New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.GRPC{}, tr)
	require.NoError(t, tr.Close())

	cfg.Transport.Kind = config.TransportHTTP
	cfg.Transport.Endpoint = "http://localhost:8080"
	cfg.Transport.HTTP2 = true
	tr, err = transport.New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.HTTP{}, tr)

	cfg.Transport.Kind = "carrier-pigeon"
	_, err = transport.New(cfg)
	assert.Error(t, err)
}
