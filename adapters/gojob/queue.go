// Package gojob runs proactive token refresh on go-job queues and workers.
package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/silent"
)

const (
	JobIDProactiveRefresh = silent.ProactiveRefreshJobID

	jobNamespace       = "authcache."
	defaultDedupPolicy = job.DedupPolicyDrop
)

// RetryPolicy caps how often and how late a failed refresh is retried.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// DefaultRetryPolicy gives a refresh five attempts, at most five minutes
// apart, before dead-lettering it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MaxDelay: 5 * time.Minute, DeadLetterOnMax: true}
}

// Bound clamps opts for the given attempt. A nack that neither requeues nor
// dead-letters is turned into a requeue.
func (p RetryPolicy) Bound(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case out.DeadLetter:
		out.Requeue = false
	case exhausted:
		out.Requeue = false
		out.DeadLetter = p.DeadLetterOnMax
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToQueueMessage converts a refresh job message for go-job. The script path
// defaults to the job id and the dedup policy to drop.
func ToQueueMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	jobID := strings.TrimSpace(msg.JobID)
	out := &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
	if out.ScriptPath == "" {
		out.ScriptPath = jobID
	}
	if out.DedupPolicy == "" && out.IdempotencyKey != "" {
		out.DedupPolicy = defaultDedupPolicy
	}
	return out
}

func FromQueueMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// Enqueuer puts authcache jobs on a go-job queue. Jobs outside the authcache
// namespace are refused.
type Enqueuer struct {
	queue queue.Enqueuer
}

func NewEnqueuer(q queue.Enqueuer) *Enqueuer {
	return &Enqueuer{queue: q}
}

func (e *Enqueuer) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if e == nil || e.queue == nil {
		return core.ConfigurationError(core.CodeInvalidConfiguration, "gojob: queue is not configured")
	}
	if msg == nil {
		return core.ClientError(core.CodeInvalidConfiguration, "gojob: execution message is required")
	}
	jobID := strings.TrimSpace(msg.JobID)
	if !strings.HasPrefix(jobID, jobNamespace) {
		return core.NewError(core.KindClient, core.CodeInvalidConfiguration, fmt.Sprintf("gojob: job %q is outside the %s namespace", jobID, jobNamespace), map[string]any{"job_id": jobID})
	}
	if _, err := e.queue.Enqueue(ctx, ToQueueMessage(msg)); err != nil {
		return fmt.Errorf("gojob: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Delivery settles one go-job delivery under a retry policy.
type Delivery struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDelivery(delivery queue.Delivery, policy RetryPolicy) *Delivery {
	return &Delivery{delivery: delivery, policy: policy}
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromQueueMessage(d.delivery.Message())
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

// Nack settles without attempt information, so only the delay cap applies.
func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackAttempt(ctx, opts, 0)
}

func (d *Delivery) NackAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	bounded := d.policy.Bound(opts, attempt)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Disposition: nackDisposition(bounded),
		Delay:       bounded.Delay,
		Reason:      bounded.Reason,
	})
}

// nackDisposition maps bounded options onto go-job's settlement outcome.
// A dead-letter wins over a requeue.
func nackDisposition(opts core.JobNackOptions) queue.NackDisposition {
	switch {
	case opts.DeadLetter:
		return queue.NackDispositionDeadLetter
	case opts.Requeue:
		return queue.NackDispositionRetry
	default:
		return queue.NackDispositionFailed
	}
}

type Dequeuer struct {
	queue  queue.Dequeuer
	policy RetryPolicy
}

func NewDequeuer(q queue.Dequeuer, policy RetryPolicy) *Dequeuer {
	return &Dequeuer{queue: q, policy: policy}
}

func (d *Dequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if d == nil || d.queue == nil {
		return nil, fmt.Errorf("gojob: queue is not configured")
	}
	delivery, err := d.queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDelivery(delivery, d.policy), nil
}

// cloneParameters copies the top-level map and any string slices in it, the
// only nested values refresh parameters carry.
func cloneParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if values, ok := value.([]string); ok {
			value = append([]string(nil), values...)
		}
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*Enqueuer)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
	_ core.JobDequeuer = (*Dequeuer)(nil)
)
