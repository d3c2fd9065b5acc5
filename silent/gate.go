package silent

import (
	"context"
	"sync"
)

// Gate admits at most one interactive renewal at a time. Callers either
// acquire a Lease and run the renewal, or receive the Attempt already in
// flight and wait for it to settle.
type Gate struct {
	mu      sync.Mutex
	current *Attempt
}

// DefaultGate is shared by every coordinator in the process because the
// interactive surface it guards is itself process-wide.
var DefaultGate = NewGate()

func NewGate() *Gate {
	return &Gate{}
}

// Attempt is an interactive renewal in flight.
type Attempt struct {
	done chan struct{}
	err  error
}

// Wait blocks until the attempt settles and returns its outcome, or the
// context error when ctx ends first.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lease is the right to run the single interactive renewal.
type Lease struct {
	gate    *Gate
	attempt *Attempt
	once    sync.Once
}

// Release settles the attempt with err and frees the gate. Only the first
// call has an effect.
func (l *Lease) Release(err error) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.gate.mu.Lock()
		if l.gate.current == l.attempt {
			l.gate.current = nil
		}
		l.gate.mu.Unlock()
		l.attempt.err = err
		close(l.attempt.done)
	})
}

// TryAcquire returns a lease when no attempt is in flight and the active
// attempt otherwise. Exactly one of the results is non-nil.
func (g *Gate) TryAcquire() (*Lease, *Attempt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return nil, g.current
	}
	attempt := &Attempt{done: make(chan struct{})}
	g.current = attempt
	return &Lease{gate: g, attempt: attempt}, nil
}

// InFlight reports whether an interactive renewal is running.
func (g *Gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}
