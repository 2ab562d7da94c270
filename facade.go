package sessionguard

import (
	"context"
	"fmt"
	"reflect"

	sessioncommand "github.com/goliatone/go-sessionguard/command"
	"github.com/goliatone/go-sessionguard/core"
	sessionquery "github.com/goliatone/go-sessionguard/query"
)

type CommandQueryService interface {
	sessioncommand.MutatingService
	sessionquery.StatusReader
}

type Commands struct {
	StartAuth        *sessioncommand.StartAuthCommand
	SubmitPassword   *sessioncommand.SubmitPasswordCommand
	FinalizeCallback *sessioncommand.FinalizeCallbackCommand
	Revoke           *sessioncommand.RevokeCommand
	Reset            *sessioncommand.ResetCommand
	SweepTickets     *sessioncommand.SweepTicketsCommand
	Recover          *sessioncommand.RecoverCommand
}

type Queries struct {
	GetStatus       *sessionquery.GetStatusQuery
	ListTransitions *sessionquery.ListTransitionsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	transitionReader sessionquery.TransitionReader
}

func WithTransitionReader(reader sessionquery.TransitionReader) FacadeOption {
	return func(options *facadeOptions) {
		options.transitionReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("sessionguard: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	reader := cfg.transitionReader
	if reader == nil {
		reader = resolveTransitionReader(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		StartAuth:        sessioncommand.NewStartAuthCommand(service),
		SubmitPassword:   sessioncommand.NewSubmitPasswordCommand(service),
		FinalizeCallback: sessioncommand.NewFinalizeCallbackCommand(service),
		Revoke:           sessioncommand.NewRevokeCommand(service),
		Reset:            sessioncommand.NewResetCommand(service),
		SweepTickets:     sessioncommand.NewSweepTicketsCommand(service),
		Recover:          sessioncommand.NewRecoverCommand(service),
	}
	facade.queries = Queries{
		GetStatus:       sessionquery.NewGetStatusQuery(service),
		ListTransitions: sessionquery.NewListTransitionsQuery(reader),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// resolveTransitionReader finds a transition log reader for the facade: the
// service itself when it exposes ListTransitions, its typed dependencies next,
// and finally a TransitionLogStore method discovered on whatever repository
// factory the host injected.
func resolveTransitionReader(service CommandQueryService) sessionquery.TransitionReader {
	if service == nil {
		return nil
	}
	if reader, ok := service.(sessionquery.TransitionReader); ok {
		return reader
	}
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return nil
	}
	deps := provider.Dependencies()
	if deps.TransitionLogStore != nil {
		return transitionLogReader{store: deps.TransitionLogStore}
	}
	if deps.RepositoryFactory == nil {
		return nil
	}

	factoryValue := reflect.ValueOf(deps.RepositoryFactory)
	if !factoryValue.IsValid() {
		return nil
	}
	if factoryValue.Kind() == reflect.Ptr && factoryValue.IsNil() {
		return nil
	}
	method := factoryValue.MethodByName("TransitionLogStore")
	if !method.IsValid() || method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return nil
	}

	results, ok := safeReflectCall(method)
	if !ok {
		return nil
	}
	if len(results) != 1 {
		return nil
	}
	candidate := results[0]
	if !candidate.IsValid() {
		return nil
	}
	if candidate.Kind() == reflect.Ptr && candidate.IsNil() {
		return nil
	}
	store, ok := candidate.Interface().(core.TransitionLogStore)
	if !ok {
		return nil
	}
	return transitionLogReader{store: store}
}

type transitionLogReader struct {
	store core.TransitionLogStore
}

func (r transitionLogReader) ListTransitions(
	ctx context.Context,
	filter core.TransitionFilter,
) (core.TransitionPage, error) {
	if r.store == nil {
		return core.TransitionPage{}, fmt.Errorf("sessionguard: transition log store is required")
	}
	return r.store.List(ctx, filter)
}

func safeReflectCall(method reflect.Value) (_ []reflect.Value, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return method.Call(nil), true
}
