package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type pingMessage struct {
	ID string
}

func (pingMessage) Type() string { return "authcache.command.ping" }

type countQuery struct{}

func (countQuery) Type() string { return "authcache.query.count" }

type blankMessage struct{}

func (blankMessage) Type() string { return "" }

type foreignMessage struct{}

func (foreignMessage) Type() string { return "billing.command.charge" }

type rejectedMessage struct{}

func (rejectedMessage) Type() string { return "authcache.command.rejected" }

func (rejectedMessage) Validate() error { return errors.New("invalid payload") }

type queueMessage struct{}

func (queueMessage) Type() string { return "authcache.command.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(pingMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	for name, msg := range map[string]any{
		"blank type":   blankMessage{},
		"foreign type": foreignMessage{},
		"validate":     rejectedMessage{},
		"no type":      struct{}{},
	} {
		if err := ValidateMessageContract(msg); err == nil {
			t.Fatalf("%s: expected contract failure", name)
		}
	}
}

func TestRegistrarDispatchesAndCloses(t *testing.T) {
	registrar := NewRegistrar(command.NewRegistry())
	var received []string
	cmd := command.CommandFunc[pingMessage](func(_ context.Context, msg pingMessage) error {
		received = append(received, msg.ID)
		return nil
	})
	qry := command.QueryFunc[countQuery, int](func(context.Context, countQuery) (int, error) {
		return len(received), nil
	})

	if err := RegisterCommand[pingMessage](registrar, cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := RegisterQuery[countQuery, int](registrar, qry); err != nil {
		t.Fatalf("register query: %v", err)
	}
	if err := registrar.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := len(registrar.Subscriptions()); got != 2 {
		t.Fatalf("expected two subscriptions, got %d", got)
	}

	if err := Dispatch(context.Background(), pingMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	count, err := Ask[countQuery, int](context.Background(), countQuery{})
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (%v)", count, err)
	}

	registrar.Close()
	if got := len(registrar.Subscriptions()); got != 0 {
		t.Fatalf("expected close to drop subscriptions, got %d", got)
	}
	_ = Dispatch(context.Background(), pingMessage{ID: "m2"})
	if len(received) != 1 {
		t.Fatalf("expected no delivery after close, got %v", received)
	}
}

func TestRegisterRejectsForeignMessageTypes(t *testing.T) {
	registrar := NewRegistrar(command.NewRegistry())
	cmd := command.CommandFunc[foreignMessage](func(context.Context, foreignMessage) error { return nil })
	if err := RegisterCommand[foreignMessage](registrar, cmd); err == nil {
		t.Fatalf("expected a foreign message type to be rejected")
	}
	if len(registrar.Subscriptions()) != 0 {
		t.Fatalf("rejected registrations must not subscribe")
	}
}

func TestRegisterRequiresRegistrar(t *testing.T) {
	cmd := command.CommandFunc[pingMessage](func(context.Context, pingMessage) error { return nil })
	if err := RegisterCommand[pingMessage](nil, cmd); err == nil {
		t.Fatalf("expected nil registrar to fail")
	}
	var nilRegistrar *Registrar
	nilRegistrar.Close()
	if nilRegistrar.HasResolver("queue") {
		t.Fatalf("nil registrar has no resolvers")
	}
}

func TestDispatchValidatesBeforeSending(t *testing.T) {
	if err := Dispatch(context.Background(), rejectedMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestMirrorToQueue(t *testing.T) {
	registrar := NewRegistrar(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()
	defer registrar.Close()

	if err := registrar.MirrorToQueue("queue", nil); err == nil {
		t.Fatalf("expected nil queue registry to fail")
	}
	if err := registrar.MirrorToQueue("queue", queueRegistry); err != nil {
		t.Fatalf("mirror to queue: %v", err)
	}
	if !registrar.HasResolver("queue") {
		t.Fatalf("expected queue resolver to be registered")
	}
	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })
	if err := RegisterCommand[queueMessage](registrar, cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := registrar.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := queueRegistry.Get("authcache.command.queue"); !ok {
		t.Fatalf("expected command to be mirrored into the queue registry")
	}
}
