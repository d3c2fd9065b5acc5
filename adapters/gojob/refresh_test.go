package gojob

import (
	"context"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/silent"
)

type stubAcquirer struct {
	requests []silent.Request
	err      error
}

func (s *stubAcquirer) AcquireToken(_ context.Context, req silent.Request) (*silent.Result, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &silent.Result{AccessToken: "refreshed"}, nil
}

type portDelivery struct {
	msg      *core.JobExecutionMessage
	acked    bool
	nacked   bool
	nackOpts core.JobNackOptions
}

func (d *portDelivery) Message() *core.JobExecutionMessage { return d.msg }

func (d *portDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *portDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	d.nacked = true
	d.nackOpts = opts
	return nil
}

func refreshMessage() *core.JobExecutionMessage {
	req := silent.Request{Scopes: []string{"user.read"}, Authority: "https://login.microsoftonline.com/utid"}
	account := entity.AccountInfo{HomeAccountID: "uid.utid", Environment: "login.microsoftonline.com", TenantID: "utid"}
	return &core.JobExecutionMessage{
		JobID:          JobIDProactiveRefresh,
		ScriptPath:     JobIDProactiveRefresh,
		Parameters:     silent.RefreshJobParameters(req, account),
		IdempotencyKey: "thumbprint",
	}
}

func TestRefreshJobHandlerReplaysWithRefreshTokenPolicy(t *testing.T) {
	acquirer := &stubAcquirer{}
	handler, err := NewRefreshJobHandler(acquirer)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	delivery := &portDelivery{msg: refreshMessage()}

	if err := handler.Process(context.Background(), delivery, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack only, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
	}
	if len(acquirer.requests) != 1 {
		t.Fatalf("expected one acquisition, got %d", len(acquirer.requests))
	}
	req := acquirer.requests[0]
	if req.CacheLookupPolicy != silent.PolicyRefreshToken {
		t.Fatalf("expected refresh token policy, got %s", req.CacheLookupPolicy)
	}
	if req.Account == nil || req.Account.HomeAccountID != "uid.utid" || req.Scopes[0] != "user.read" {
		t.Fatalf("unexpected replayed request %+v", req)
	}
}

func TestRefreshJobHandlerRequeuesTransientFailures(t *testing.T) {
	acquirer := &stubAcquirer{err: core.NewError(core.KindNetwork, core.CodeNetworkError, "offline", nil)}
	handler, _ := NewRefreshJobHandler(acquirer, WithRetryDelay(time.Second))
	delivery := &portDelivery{msg: refreshMessage()}

	if err := handler.Process(context.Background(), delivery, 3); err == nil {
		t.Fatalf("expected the refresh error to be returned")
	}
	if !delivery.nackOpts.Requeue || delivery.nackOpts.DeadLetter {
		t.Fatalf("expected a requeue, got %+v", delivery.nackOpts)
	}
	if delivery.nackOpts.Delay != 3*time.Second {
		t.Fatalf("expected delay to grow with the attempt, got %s", delivery.nackOpts.Delay)
	}
}

func TestRefreshJobHandlerDeadLettersInteractionRequired(t *testing.T) {
	acquirer := &stubAcquirer{err: core.InteractionRequiredError(core.CodeNoTokensFound, "no refresh token", "", nil)}
	handler, _ := NewRefreshJobHandler(acquirer)
	delivery := &portDelivery{msg: refreshMessage()}

	_ = handler.Process(context.Background(), delivery, 1)
	if !delivery.nackOpts.DeadLetter || delivery.nackOpts.Requeue {
		t.Fatalf("expected dead letter, got %+v", delivery.nackOpts)
	}
}

func TestRefreshJobHandlerBoundsRetriesThroughDelivery(t *testing.T) {
	acquirer := &stubAcquirer{err: core.NewError(core.KindTimeout, core.CodeTimedOut, "slow", nil)}
	handler, _ := NewRefreshJobHandler(acquirer, WithRetryDelay(time.Minute))
	raw := &stubQueueDelivery{msg: ToQueueMessage(refreshMessage())}
	delivery := NewDelivery(raw, RetryPolicy{MaxAttempts: 2, MaxDelay: 10 * time.Second, DeadLetterOnMax: true})

	_ = handler.Process(context.Background(), delivery, 1)
	if raw.nackOpts.Disposition != queue.NackDispositionRetry || raw.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected bounded retry, got %+v", raw.nackOpts)
	}
	_ = handler.Process(context.Background(), delivery, 2)
	if raw.nackOpts.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %+v", raw.nackOpts)
	}
}

func TestRefreshJobHandlerRejectsForeignJobs(t *testing.T) {
	acquirer := &stubAcquirer{}
	handler, _ := NewRefreshJobHandler(acquirer)

	err := handler.Handle(context.Background(), FromQueueMessage(&job.ExecutionMessage{JobID: "other.job"}))
	if err == nil {
		t.Fatalf("expected foreign jobs to be rejected")
	}
	if err := handler.Handle(context.Background(), &core.JobExecutionMessage{JobID: JobIDProactiveRefresh}); err == nil {
		t.Fatalf("expected a job without account to be rejected")
	}
	if len(acquirer.requests) != 0 {
		t.Fatalf("rejected jobs must not reach the coordinator")
	}
	if _, err := NewRefreshJobHandler(nil); err == nil {
		t.Fatalf("expected nil acquirer to fail")
	}
}

func TestRetryableKinds(t *testing.T) {
	if !Retryable(core.NewError(core.KindThrottled, core.CodeThrottled, "slow down", nil)) {
		t.Fatalf("throttled refreshes are retryable")
	}
	if Retryable(core.ConfigurationError(core.CodeInvalidConfiguration, "bad")) {
		t.Fatalf("configuration errors are not retryable")
	}
}
