// Package transport implements the network port over net/http.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/core"
)

const KindHTTP = "http"

const (
	defaultClientTimeout           = 30 * time.Second
	defaultResponseBodyLimit int64 = 10 << 20
	formContentType                = "application/x-www-form-urlencoded;charset=utf-8"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient sends discovery, token and region-probe requests.
type HTTPClient struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	observer             *core.Observer
}

type Option func(*HTTPClient)

func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *HTTPClient) {
		for key, value := range headers {
			c.DefaultHeaders[key] = value
		}
	}
}

func WithMaxResponseBodyBytes(limit int64) Option {
	return func(c *HTTPClient) {
		if limit > 0 {
			c.MaxResponseBodyBytes = limit
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(c *HTTPClient) {
		if observer != nil {
			c.observer = observer
		}
	}
}

func NewHTTPClient(client HTTPDoer, opts ...Option) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	c := &HTTPClient{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultResponseBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.observer == nil {
		c.observer = core.NewObserver("authcache.transport", nil, nil, nil)
	}
	return c
}

func (c *HTTPClient) SendGetRequest(ctx context.Context, rawURL string, opts core.NetworkRequestOptions) (core.NetworkResponse, error) {
	return c.do(ctx, http.MethodGet, rawURL, opts)
}

// SendPostRequest posts opts.Body as a form unless a Content-Type header is
// given.
func (c *HTTPClient) SendPostRequest(ctx context.Context, rawURL string, opts core.NetworkRequestOptions) (core.NetworkResponse, error) {
	return c.do(ctx, http.MethodPost, rawURL, opts)
}

func (c *HTTPClient) do(ctx context.Context, method string, rawURL string, opts core.NetworkRequestOptions) (core.NetworkResponse, error) {
	if c == nil || c.Client == nil {
		return core.NetworkResponse{}, transportError("transport: http client is required", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return core.NetworkResponse{}, transportWrapError(err, "transport: invalid request url", map[string]any{"url": rawURL})
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return core.NetworkResponse{}, transportError("transport: absolute request url is required", map[string]any{"url": rawURL})
	}

	requestCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte(opts.Body))
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), body)
	if err != nil {
		return core.NetworkResponse{}, transportWrapError(err, "transport: create http request", map[string]any{"method": method})
	}
	if method == http.MethodPost {
		httpReq.Header.Set("Content-Type", formContentType)
	}
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range opts.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	startedAt := time.Now().UTC()
	httpRes, err := c.Client.Do(httpReq)
	if err != nil {
		c.observer.Observe(ctx, startedAt, "request", err, map[string]any{"method": method, "host": parsedURL.Host})
		return core.NetworkResponse{}, transportWrapError(err, "transport: execute http request", map[string]any{
			"method": method,
			"host":   parsedURL.Host,
		})
	}
	defer httpRes.Body.Close()

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	payload, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.NetworkResponse{}, transportWrapError(err, "transport: read response body", map[string]any{"status": httpRes.StatusCode})
	}
	if int64(len(payload)) > limit {
		return core.NetworkResponse{}, transportError(fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit), map[string]any{
			"status":           httpRes.StatusCode,
			"response_limit_b": limit,
		})
	}

	c.observer.Observe(ctx, startedAt, "request", nil, map[string]any{
		"method": method,
		"host":   parsedURL.Host,
		"status": httpRes.StatusCode,
	})
	return core.NetworkResponse{
		Status:  httpRes.StatusCode,
		Headers: flattenHeaders(httpRes.Header),
		Body:    payload,
	}, nil
}

// flattenHeaders joins repeated values and lowercases names.
func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[strings.ToLower(key)] = strings.Join(values, ",")
	}
	return flat
}

var _ core.NetworkClient = (*HTTPClient)(nil)
