package gojob

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/silent"
)

const defaultRetryDelay = 5 * time.Second

type TokenAcquirer interface {
	AcquireToken(ctx context.Context, req silent.Request) (*silent.Result, error)
}

type RefreshOption func(*RefreshJobHandler)

func WithLogger(logger core.Logger) RefreshOption {
	return func(h *RefreshJobHandler) {
		h.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) RefreshOption {
	return func(h *RefreshJobHandler) {
		h.metrics = recorder
	}
}

// WithRetryDelay sets the base delay for requeued refreshes. The delay grows
// linearly with the attempt number.
func WithRetryDelay(delay time.Duration) RefreshOption {
	return func(h *RefreshJobHandler) {
		if delay > 0 {
			h.retryDelay = delay
		}
	}
}

// RefreshJobHandler replays proactive refresh jobs against the silent
// coordinator using the refresh-token-only lookup policy.
type RefreshJobHandler struct {
	acquirer   TokenAcquirer
	retryDelay time.Duration
	logger     core.Logger
	metrics    core.MetricsRecorder
	observer   *core.Observer
}

func NewRefreshJobHandler(acquirer TokenAcquirer, opts ...RefreshOption) (*RefreshJobHandler, error) {
	if acquirer == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "gojob: token acquirer is required")
	}
	h := &RefreshJobHandler{acquirer: acquirer, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.observer = core.NewObserver("authcache.jobs", h.logger, h.metrics, nil)
	return h, nil
}

// Handle runs one refresh job.
func (h *RefreshJobHandler) Handle(ctx context.Context, msg *core.JobExecutionMessage) error {
	if msg == nil {
		return core.ClientError(core.CodeInvalidConfiguration, "gojob: execution message is required")
	}
	if msg.JobID != JobIDProactiveRefresh {
		return core.NewError(core.KindClient, core.CodeInvalidConfiguration, fmt.Sprintf("gojob: unsupported job %q", msg.JobID), map[string]any{"job_id": msg.JobID})
	}
	req, err := silent.RequestFromJobParameters(msg.Parameters)
	if err != nil {
		return err
	}
	startedAt := time.Now()
	_, err = h.acquirer.AcquireToken(ctx, req)
	h.observer.Observe(ctx, startedAt, "proactive_refresh", err, map[string]any{
		"idempotency_key": msg.IdempotencyKey,
	})
	return err
}

// Process handles a delivery and settles it. Failures the next attempt can
// recover from are requeued; the rest are dead-lettered.
func (h *RefreshJobHandler) Process(ctx context.Context, delivery core.JobDelivery, attempt int) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	err := h.Handle(ctx, delivery.Message())
	if err == nil {
		return delivery.Ack(ctx)
	}

	opts := core.JobNackOptions{Reason: err.Error()}
	if Retryable(err) {
		opts.Requeue = true
		opts.Delay = h.retryDelay * time.Duration(max(attempt, 1))
	} else {
		opts.DeadLetter = true
	}
	if bounded, ok := delivery.(interface {
		NackAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error
	}); ok {
		if nackErr := bounded.NackAttempt(ctx, opts, attempt); nackErr != nil {
			return nackErr
		}
		return err
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		return nackErr
	}
	return err
}

// Retryable reports whether a refresh failure is transient.
func Retryable(err error) bool {
	switch core.KindOf(err) {
	case core.KindNetwork, core.KindTimeout, core.KindThrottled, core.KindServer, core.KindCacheStorage:
		return true
	default:
		return false
	}
}
