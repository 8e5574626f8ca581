package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// MaxResponseBytes caps the response body read from the server.
const MaxResponseBytes = 4 << 20

// ErrResponseTooLarge is the cause of a KindParse error for bodies over
// MaxResponseBytes.
var ErrResponseTooLarge = errors.New("transport: response exceeds 4 MiB")

// HTTP posts the JSON body to <baseURL>/<webservice>.
type HTTP struct {
	client  *http.Client
	baseURL string
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates an HTTP transport. With enableHTTP2 the underlying
// transport negotiates HTTP/2 over TLS.
func NewHTTP(baseURL string, enableHTTP2 bool) (*HTTP, error) {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if enableHTTP2 {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
	}
	return NewHTTPWithClient(baseURL, &http.Client{Transport: tr}), nil
}

// NewHTTPWithClient uses a caller-supplied client (httptest servers).
func NewHTTPWithClient(baseURL string, client *http.Client) *HTTP {
	return &HTTP{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Exchange implements Transport.
func (t *HTTP) Exchange(ctx context.Context, req *Request) ([]byte, error) {
	url := t.baseURL + "/" + strings.TrimLeft(req.Webservice, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", req.APIKey)
	if req.CryptorKey != "" {
		httpReq.Header.Set("X-Cryptor", req.CryptorKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		kind := classifyNetError(err)
		if kind == KindUnknown {
			kind = KindNetwork
		}
		return nil, &Error{Kind: kind, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindInvalidAPIKey, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindDeactivatedAPIKey, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &Error{
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status: %s", resp.Status),
		}
	case len(body) > MaxResponseBytes:
		return nil, &Error{Kind: KindParse, StatusCode: resp.StatusCode, Cause: ErrResponseTooLarge}
	}
	return body, nil
}

// Close drops idle connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
