package gojob

import (
	"context"

	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-auth-cache/core"
)

// ObservingHook logs and counts go-job worker events for authcache jobs
// under the authcache.jobs prefix.
type ObservingHook struct {
	observer *core.Observer
}

func NewObservingHook(logger core.Logger, metrics core.MetricsRecorder) *ObservingHook {
	return &ObservingHook{observer: core.NewObserver("authcache.jobs", logger, metrics, nil)}
}

func (h *ObservingHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, "worker_start", event)
}

func (h *ObservingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "worker_success", event)
}

func (h *ObservingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "worker_failure", event)
	if h != nil && h.observer != nil {
		h.observer.Warn(ctx, "refresh job failed", eventFields(event))
	}
}

func (h *ObservingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "worker_retry", event)
	if h != nil && h.observer != nil {
		h.observer.Info(ctx, "refresh job scheduled for retry", eventFields(event))
	}
}

func (h *ObservingHook) record(ctx context.Context, name string, event worker.Event) {
	if h == nil || h.observer == nil {
		return
	}
	h.observer.Count(ctx, name, map[string]string{"job_id": eventJobID(event)})
}

func eventJobID(event worker.Event) string {
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	if msg == nil {
		return ""
	}
	return msg.JobID
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"job_id":      eventJobID(event),
		"attempt":     event.Attempt,
		"delay_ms":    event.Delay.Milliseconds(),
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var _ worker.Hook = (*ObservingHook)(nil)
