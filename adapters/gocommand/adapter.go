package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	sessioncommand "github.com/goliatone/go-sessionguard/command"
	sessionquery "github.com/goliatone/go-sessionguard/query"
)

// ValidateMessageContract enforces the Type() plus optional Validate()
// contract every lifecycle message carries.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	typed, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(typed.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// RegistryAdapter owns the go-command registry the lifecycle wrappers
// register into, including the resolver hook that mirrors registered
// commands into a go-job queue registry.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) guard() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry adapter is not initialized")
	}
	return nil
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(cmd)
}

// RegisterQuery feeds queries through the same registration path; the
// underlying registry keys both by message type.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a.guard() != nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe puts one command on both rails: the dispatcher for
// in-process dispatch and the registry for CLI/queue exposure. Registration
// failure rolls the subscription back.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.guard(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.guard(); err != nil {
		return nil, err
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// LifecycleSubscriptions tracks the dispatcher subscriptions behind a full
// lifecycle registration so hosts can tear the bus wiring down as one unit.
type LifecycleSubscriptions struct {
	subscriptions []commanddispatcher.Subscription
}

func (s *LifecycleSubscriptions) Unsubscribe() {
	if s == nil {
		return
	}
	for _, subscription := range s.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	s.subscriptions = nil
}

// RegisterLifecycle registers every session lifecycle command wrapper, plus
// the status and transition queries when readers are provided, on the
// adapter's registry and the package dispatcher. Any failure rolls back the
// subscriptions made so far.
func RegisterLifecycle(
	adapter *RegistryAdapter,
	service sessioncommand.MutatingService,
	status sessionquery.StatusReader,
	transitions sessionquery.TransitionReader,
	runnerOpts ...runner.Option,
) (*LifecycleSubscriptions, error) {
	if err := adapter.guard(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: mutating service is required")
	}

	bundle := &LifecycleSubscriptions{}
	add := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			bundle.Unsubscribe()
			return err
		}
		bundle.subscriptions = append(bundle.subscriptions, subscription)
		return nil
	}

	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewStartAuthCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewSubmitPasswordCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewFinalizeCallbackCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewRevokeCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewResetCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewSweepTicketsCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := add(RegisterAndSubscribe(adapter, sessioncommand.NewRecoverCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if status != nil {
		if err := add(RegisterAndSubscribeQuery(adapter, sessionquery.NewGetStatusQuery(status), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if transitions != nil {
		if err := add(RegisterAndSubscribeQuery(adapter, sessionquery.NewListTransitionsQuery(transitions), runnerOpts...)); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}
