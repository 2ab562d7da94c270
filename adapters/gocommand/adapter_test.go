package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	sessioncommand "github.com/goliatone/go-sessionguard/command"
	"github.com/goliatone/go-sessionguard/core"
	sessionquery "github.com/goliatone/go-sessionguard/query"
)

type untypedMessage struct{}

func (untypedMessage) Type() string { return "" }

type brokenMessage struct{}

func (brokenMessage) Type() string { return "sessionguard.command.broken" }

func (brokenMessage) Validate() error { return errors.New("invalid payload") }

type sweepProbeMessage struct {
	Limit int
}

func (sweepProbeMessage) Type() string { return "sessionguard.command.sweep_probe" }

type queueProbeMessage struct{}

func (queueProbeMessage) Type() string { return "sessionguard.command.queue_probe" }

func TestValidateMessageContract(t *testing.T) {
	valid := sessioncommand.RevokeMessage{
		Request: core.RevokeRequest{TenantID: "tenant-a", Reason: "manual"},
	}
	if err := ValidateMessageContract(valid); err != nil {
		t.Fatalf("expected revoke message to pass the contract, got %v", err)
	}
	if err := ValidateMessageContract(sessioncommand.RevokeMessage{}); err == nil {
		t.Fatalf("expected missing tenant to fail message validation")
	}
	if err := ValidateMessageContract(untypedMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(brokenMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	resolverCalled := 0

	cmd := command.CommandFunc[sweepProbeMessage](func(_ context.Context, msg sweepProbeMessage) error {
		executed += msg.Limit
		return nil
	})

	subscription, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		resolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if resolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), sweepProbeMessage{Limit: 25}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 25 {
		t.Fatalf("expected handler to see the dispatched limit, got %d", executed)
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueProbeMessage](func(context.Context, queueProbeMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("sessionguard.command.queue_probe"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

func TestRegisterLifecycle(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	svc := &lifecycleStubService{}

	bundle, err := RegisterLifecycle(adapter, svc, svc, svc)
	if err != nil {
		t.Fatalf("register lifecycle: %v", err)
	}
	defer bundle.Unsubscribe()

	if got := len(bundle.subscriptions); got != 9 {
		t.Fatalf("expected 7 command and 2 query subscriptions, got %d", got)
	}

	if err := Dispatch(context.Background(), sessioncommand.RevokeMessage{
		Request: core.RevokeRequest{TenantID: "tenant-a", Reason: "manual"},
	}); err != nil {
		t.Fatalf("dispatch revoke: %v", err)
	}
	if svc.revokeCalls != 1 || svc.lastRevokeTenantID != "tenant-a" {
		t.Fatalf("expected revoke to reach the service, got %+v", svc)
	}

	status, err := Query[sessionquery.GetStatusMessage, core.SessionStatus](
		context.Background(),
		sessionquery.GetStatusMessage{TenantID: "tenant-a"},
	)
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.TenantID != "tenant-a" || status.State != core.SessionStateAuthorized {
		t.Fatalf("unexpected status payload: %+v", status)
	}

	bundle.Unsubscribe()
	if len(bundle.subscriptions) != 0 {
		t.Fatalf("expected unsubscribe to drop all subscriptions")
	}
}

func TestRegisterLifecycleRequiresService(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	if _, err := RegisterLifecycle(adapter, nil, nil, nil); err == nil {
		t.Fatalf("expected nil service to be rejected")
	}

	var uninitialized *RegistryAdapter
	if _, err := RegisterLifecycle(uninitialized, &lifecycleStubService{}, nil, nil); err == nil {
		t.Fatalf("expected nil adapter to be rejected")
	}
}

type lifecycleStubService struct {
	revokeCalls        int
	lastRevokeTenantID string
}

func (s *lifecycleStubService) StartAuth(context.Context, core.StartAuthRequest) (core.StartAuthResponse, error) {
	return core.StartAuthResponse{}, nil
}

func (s *lifecycleStubService) SubmitPassword(context.Context, core.SubmitPasswordRequest) (core.SubmitPasswordResponse, error) {
	return core.SubmitPasswordResponse{}, nil
}

func (s *lifecycleStubService) FinalizeCallback(context.Context, core.FinalizeCallbackRequest) (core.FinalizeCallbackResponse, error) {
	return core.FinalizeCallbackResponse{}, nil
}

func (s *lifecycleStubService) Revoke(_ context.Context, req core.RevokeRequest) error {
	s.revokeCalls++
	s.lastRevokeTenantID = req.TenantID
	return nil
}

func (s *lifecycleStubService) Reset(context.Context, core.ResetRequest) error { return nil }

func (s *lifecycleStubService) ExpireTickets(context.Context, int) (core.ExpireSweepStats, error) {
	return core.ExpireSweepStats{}, nil
}

func (s *lifecycleStubService) Recover(_ context.Context, req core.RecoverRequest) (core.RecoverResponse, error) {
	return core.RecoverResponse{TenantID: req.TenantID, State: core.SessionStateAuthorized}, nil
}

func (s *lifecycleStubService) GetStatus(_ context.Context, tenantID string) (core.SessionStatus, error) {
	return core.SessionStatus{TenantID: tenantID, State: core.SessionStateAuthorized}, nil
}

func (s *lifecycleStubService) ListTransitions(context.Context, core.TransitionFilter) (core.TransitionPage, error) {
	return core.TransitionPage{}, nil
}

var (
	_ sessioncommand.MutatingService = (*lifecycleStubService)(nil)
	_ sessionquery.StatusReader      = (*lifecycleStubService)(nil)
	_ sessionquery.TransitionReader  = (*lifecycleStubService)(nil)
)
