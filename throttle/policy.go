// Package throttle caches server-requested backoff windows per request
// thumbprint and short-circuits identical requests until the window elapses.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

const (
	DefaultWait = 60 * time.Second
	MaxWait     = time.Hour
)

// Store persists throttling entries. The cache manager implements it.
type Store interface {
	GetThrottling(ctx context.Context, key string) (*entity.Throttling, error)
	SetThrottling(ctx context.Context, key string, throttling *entity.Throttling) error
	RemoveThrottling(ctx context.Context, key string) error
}

type Policy struct {
	store       Store
	clock       core.Clock
	defaultWait time.Duration
	maxWait     time.Duration
	logger      core.Logger
	metrics     core.MetricsRecorder
	observer    *core.Observer
}

type Option func(*Policy)

func WithClock(clock core.Clock) Option {
	return func(p *Policy) {
		p.clock = core.ResolveClock(clock)
	}
}

// WithWindow overrides the default and maximum backoff windows. Non-positive
// values keep the defaults.
func WithWindow(defaultWait time.Duration, maxWait time.Duration) Option {
	return func(p *Policy) {
		if defaultWait > 0 {
			p.defaultWait = defaultWait
		}
		if maxWait > 0 {
			p.maxWait = maxWait
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(p *Policy) {
		p.metrics = recorder
	}
}

func NewPolicy(store Store, opts ...Option) *Policy {
	p := &Policy{
		store:       store,
		clock:       core.SystemClock,
		defaultWait: DefaultWait,
		maxWait:     MaxWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.defaultWait > p.maxWait {
		p.defaultWait = p.maxWait
	}
	p.observer = core.NewObserver("authcache.throttle", p.logger, p.metrics, p.clock)
	return p
}

// BeforeCall fails with a throttled error while a backoff window for the
// thumbprint is active. Elapsed entries are removed.
func (p *Policy) BeforeCall(ctx context.Context, thumbprint Thumbprint) error {
	if p == nil || p.store == nil {
		return nil
	}
	key := thumbprint.Key()
	state, err := p.store.GetThrottling(ctx, key)
	if err != nil || state == nil {
		return err
	}
	now := p.clock()
	until := time.UnixMilli(state.ThrottleTime).UTC()
	if !now.Before(until) {
		return p.store.RemoveThrottling(ctx, key)
	}

	p.observer.Count(ctx, "throttled", map[string]string{"client_id": thumbprint.ClientID})
	message := strings.TrimSpace(state.ErrorMessage)
	if message == "" {
		message = "request throttled by server"
	}
	return core.NewError(core.KindThrottled, core.CodeThrottled, message, map[string]any{
		"error_codes":    append([]string(nil), state.ErrorCodes...),
		"server_error":   state.Error,
		"sub_error":      state.SubError,
		"retry_after_ms": until.Sub(now).Milliseconds(),
	})
}

// AfterCall records a backoff window when the response asks for one: any
// 429 or 5xx, or a non-2xx response carrying Retry-After.
func (p *Policy) AfterCall(ctx context.Context, thumbprint Thumbprint, response core.NetworkResponse) error {
	if p == nil || p.store == nil {
		return nil
	}
	if !IsThrottlingResponse(response) {
		return nil
	}
	now := p.clock()
	retryAfter, _ := parseRetryAfter(response.Headers, now)
	until := p.throttleUntil(now, retryAfter)

	body := ParseErrorBody(response.Body)
	state := &entity.Throttling{
		ThrottleTime: until.UnixMilli(),
		Error:        body.Error,
		ErrorCodes:   body.ErrorCodes,
		ErrorMessage: body.ErrorDescription,
		SubError:     body.SubError,
	}
	p.observer.Info(ctx, "server requested backoff", map[string]any{
		"client_id": thumbprint.ClientID,
		"status":    response.Status,
		"until":     until.Format(time.RFC3339),
	})
	return p.store.SetThrottling(ctx, thumbprint.Key(), state)
}

// Remove drops any backoff window for thumbprint.
func (p *Policy) Remove(ctx context.Context, thumbprint Thumbprint) error {
	if p == nil || p.store == nil {
		return nil
	}
	return p.store.RemoveThrottling(ctx, thumbprint.Key())
}

func (p *Policy) throttleUntil(now time.Time, retryAfter time.Duration) time.Time {
	wait := retryAfter
	if wait <= 0 {
		wait = p.defaultWait
	}
	if wait > p.maxWait {
		wait = p.maxWait
	}
	return now.Add(wait)
}

func IsThrottlingResponse(response core.NetworkResponse) bool {
	if response.Status == http.StatusTooManyRequests || (response.Status >= 500 && response.Status < 600) {
		return true
	}
	if headerValue(response.Headers, "retry-after") == "" {
		return false
	}
	return response.Status < 200 || response.Status >= 300
}

// ErrorBody is the error part of an OAuth token endpoint response.
type ErrorBody struct {
	Error            string
	ErrorDescription string
	ErrorCodes       []string
	SubError         string
	CorrelationID    string
	TraceID          string
	Claims           string
}

// ParseErrorBody decodes the error fields of body. Malformed bodies yield a
// zero value. Numeric error codes are kept in their decimal form.
func ParseErrorBody(body []byte) ErrorBody {
	var raw struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCodes       []any  `json:"error_codes"`
		SubError         string `json:"suberror"`
		CorrelationID    string `json:"correlation_id"`
		TraceID          string `json:"trace_id"`
		Claims           string `json:"claims"`
	}
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return ErrorBody{}
	}
	out := ErrorBody{
		Error:            raw.Error,
		ErrorDescription: raw.ErrorDescription,
		SubError:         raw.SubError,
		CorrelationID:    raw.CorrelationID,
		TraceID:          raw.TraceID,
		Claims:           raw.Claims,
	}
	for _, code := range raw.ErrorCodes {
		switch value := code.(type) {
		case float64:
			out.ErrorCodes = append(out.ErrorCodes, strconv.FormatInt(int64(value), 10))
		case string:
			out.ErrorCodes = append(out.ErrorCodes, value)
		default:
			out.ErrorCodes = append(out.ErrorCodes, fmt.Sprint(value))
		}
	}
	return out
}

func parseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
