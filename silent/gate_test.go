package silent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateAdmitsOneAttempt(t *testing.T) {
	gate := NewGate()
	lease, attempt := gate.TryAcquire()
	if lease == nil || attempt != nil {
		t.Fatalf("first caller must get the lease")
	}
	second, waiting := gate.TryAcquire()
	if second != nil || waiting == nil {
		t.Fatalf("second caller must get the attempt in flight")
	}
	if !gate.InFlight() {
		t.Fatalf("expected an attempt in flight")
	}

	failure := errors.New("renewal failed")
	done := make(chan error, 1)
	go func() { done <- waiting.Wait(context.Background()) }()
	lease.Release(failure)
	lease.Release(nil)

	select {
	case err := <-done:
		if !errors.Is(err, failure) {
			t.Fatalf("expected the attempt error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not released")
	}
	if gate.InFlight() {
		t.Fatalf("gate must be free after release")
	}

	next, _ := gate.TryAcquire()
	if next == nil {
		t.Fatalf("expected a new lease after release")
	}
	next.Release(nil)
}

func TestAttemptWaitHonorsContext(t *testing.T) {
	gate := NewGate()
	lease, _ := gate.TryAcquire()
	defer lease.Release(nil)
	_, attempt := gate.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := attempt.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestNilLeaseReleaseIsSafe(t *testing.T) {
	var lease *Lease
	lease.Release(nil)
}
