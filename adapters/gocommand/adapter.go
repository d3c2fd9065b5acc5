// Package gocommand registers authcache commands and queries with a go-command
// registry and dispatcher.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// MessagePrefix namespaces every message type this package accepts.
const MessagePrefix = "authcache."

type typedMessage interface {
	Type() string
}

// ValidateMessageContract checks the message type namespace and runs the
// message's own Validate when it has one.
func ValidateMessageContract(msg any) error {
	if err := checkMessageType(msg); err != nil {
		return err
	}
	return command.ValidateMessage(msg)
}

func checkMessageType(msg any) error {
	m, ok := msg.(typedMessage)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	messageType := strings.TrimSpace(m.Type())
	if messageType == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	if !strings.HasPrefix(messageType, MessagePrefix) {
		return fmt.Errorf("gocommand: message type %q is outside the %s namespace", messageType, MessagePrefix)
	}
	return nil
}

// Registrar adds handlers to a go-command registry and subscribes them to the
// process dispatcher. It keeps every subscription it makes so Close can
// detach them together.
type Registrar struct {
	registry   *command.Registry
	runnerOpts []runner.Option

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
}

func NewRegistrar(registry *command.Registry, runnerOpts ...runner.Option) *Registrar {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Registrar{registry: registry, runnerOpts: runnerOpts}
}

func (r *Registrar) Registry() *command.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// MirrorToQueue registers a resolver that copies every registered command
// into queueRegistry, so go-job workers can run them.
func (r *Registrar) MirrorToQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return r.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (r *Registrar) HasResolver(key string) bool {
	if r == nil || r.registry == nil {
		return false
	}
	return r.registry.HasResolver(strings.TrimSpace(key))
}

// Initialize runs the registry resolvers over everything registered so far.
func (r *Registrar) Initialize() error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return r.registry.Initialize()
}

func (r *Registrar) Subscriptions() []commanddispatcher.Subscription {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]commanddispatcher.Subscription(nil), r.subscriptions...)
}

// Close unsubscribes every handler this registrar subscribed. The registry
// entries stay in place.
func (r *Registrar) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	subscriptions := r.subscriptions
	r.subscriptions = nil
	r.mu.Unlock()
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

func (r *Registrar) track(subscription commanddispatcher.Subscription) {
	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, subscription)
	r.mu.Unlock()
}

// RegisterCommand subscribes cmd for messages of type T and adds it to the
// registry. The subscription is dropped if registration fails.
func RegisterCommand[T typedMessage](r *Registrar, cmd command.Commander[T]) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	var zero T
	if err := checkMessageType(zero); err != nil {
		return err
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, r.runnerOpts...)
	if err := r.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.track(subscription)
	return nil
}

func RegisterQuery[T typedMessage, R any](r *Registrar, qry command.Querier[T, R]) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	var zero T
	if err := checkMessageType(zero); err != nil {
		return err
	}
	subscription := commanddispatcher.SubscribeQuery(qry, r.runnerOpts...)
	if err := r.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.track(subscription)
	return nil
}

// Dispatch validates msg and sends it to the subscribed command handler.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Ask validates msg and returns the subscribed query handler's answer.
func Ask[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
