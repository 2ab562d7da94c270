package sessionguard

import (
	"context"
	"fmt"
	"testing"

	"github.com/goliatone/go-sessionguard/core"
)

func TestExtensionHooks_GatewayPacks(t *testing.T) {
	hooks := NewExtensionHooks()

	if err := hooks.RegisterGatewayPack(GatewayPack{Name: " "}); err == nil {
		t.Fatalf("expected empty pack name error")
	}
	if err := hooks.RegisterGatewayPack(GatewayPack{Name: "devkit"}); err == nil {
		t.Fatalf("expected empty gateway list error")
	}

	pack := GatewayPack{
		Name: "devkit",
		Gateways: []core.UpstreamGateway{
			&hookGateway{name: "messaging-devkit"},
			&hookGateway{name: "messaging-sandbox"},
		},
	}
	if err := hooks.RegisterGatewayPack(pack); err != nil {
		t.Fatalf("register gateway pack: %v", err)
	}
	if err := hooks.RegisterGatewayPack(pack); err == nil {
		t.Fatalf("expected duplicate pack rejection")
	}

	registry := core.NewGatewayRegistry()
	if err := hooks.ApplyGatewayPacks(registry); err != nil {
		t.Fatalf("apply gateway packs: %v", err)
	}
	if _, ok := registry.Get("messaging-devkit"); !ok {
		t.Fatalf("expected devkit gateway registered")
	}
	if _, ok := registry.Get("messaging-sandbox"); !ok {
		t.Fatalf("expected sandbox gateway registered")
	}

	packs := hooks.GatewayPacks()
	if len(packs) != 1 || packs[0].Name != "devkit" || len(packs[0].Gateways) != 2 {
		t.Fatalf("unexpected gateway pack snapshot: %#v", packs)
	}
}

func TestExtensionHooks_ApplyGatewayPacksRejectsNilGateway(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterGatewayPack(GatewayPack{
		Name:     "broken",
		Gateways: []core.UpstreamGateway{nil},
	}); err != nil {
		t.Fatalf("register gateway pack: %v", err)
	}

	if err := hooks.ApplyGatewayPacks(core.NewGatewayRegistry()); err == nil {
		t.Fatalf("expected nil gateway error on apply")
	}
}

func TestExtensionHooks_TransitionHandlerPacksOrderedByName(t *testing.T) {
	hooks := NewExtensionHooks()
	var order []string

	if err := hooks.RegisterTransitionHandlerPack(TransitionHandlerPack{
		Name:     "beta",
		Handlers: []core.TransitionEventHandler{&hookTransitionHandler{tag: "beta.0", order: &order}},
	}); err != nil {
		t.Fatalf("register beta pack: %v", err)
	}
	if err := hooks.RegisterTransitionHandlerPack(TransitionHandlerPack{
		Name: "alpha",
		Handlers: []core.TransitionEventHandler{
			&hookTransitionHandler{tag: "alpha.0", order: &order},
			&hookTransitionHandler{tag: "alpha.1", order: &order},
		},
	}); err != nil {
		t.Fatalf("register alpha pack: %v", err)
	}
	if err := hooks.RegisterTransitionHandlerPack(TransitionHandlerPack{
		Name:     "audit",
		Channel:  "sessionguard.audit",
		Handlers: []core.TransitionEventHandler{&hookTransitionHandler{tag: "audit.0", order: &order}},
	}); err != nil {
		t.Fatalf("register audit pack: %v", err)
	}

	handlers := hooks.HandlersForChannel(core.DefaultTransitionChannel)
	if len(handlers) != 3 {
		t.Fatalf("expected 3 default-channel handlers, got %d", len(handlers))
	}
	for _, handler := range handlers {
		if err := handler.Handle(context.Background(), core.TransitionEvent{}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	want := []string{"alpha.0", "alpha.1", "beta.0"}
	if len(order) != len(want) {
		t.Fatalf("unexpected handler invocation count: %v", order)
	}
	for i, tag := range want {
		if order[i] != tag {
			t.Fatalf("unexpected handler order: %v", order)
		}
	}

	if got := hooks.HandlersForChannel("sessionguard.audit"); len(got) != 1 {
		t.Fatalf("expected 1 audit-channel handler, got %d", len(got))
	}

	registry := core.NewTransitionHandlerRegistry()
	if err := hooks.ApplyTransitionHandlerPacks(registry); err != nil {
		t.Fatalf("apply transition handler packs: %v", err)
	}
	if got := len(registry.Handlers()); got != 4 {
		t.Fatalf("expected 4 registered handlers, got %d", got)
	}
}

func TestExtensionHooks_CommandQueryBundles(t *testing.T) {
	hooks := NewExtensionHooks()
	svc := &stubFacadeService{}

	if err := hooks.RegisterCommandQueryBundle("metrics", nil); err == nil {
		t.Fatalf("expected nil factory rejection")
	}
	if err := hooks.RegisterCommandQueryBundle("metrics", func(service CommandQueryService) (any, error) {
		return hookBundle{service: service}, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("metrics", func(CommandQueryService) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatalf("expected duplicate bundle rejection")
	}
	if err := hooks.RegisterCommandQueryBundle("broken", func(CommandQueryService) (any, error) {
		return nil, fmt.Errorf("bundle construction failed")
	}); err != nil {
		t.Fatalf("register broken bundle: %v", err)
	}

	names := hooks.BundleNames()
	if len(names) != 2 || names[0] != "broken" || names[1] != "metrics" {
		t.Fatalf("unexpected bundle names: %v", names)
	}

	if _, err := hooks.BuildCommandQueryBundles(nil); err == nil {
		t.Fatalf("expected nil service rejection")
	}
	if _, err := hooks.BuildCommandQueryBundles(svc); err == nil {
		t.Fatalf("expected broken bundle factory error to propagate")
	}
}

func TestExtensionHooks_BuildCommandQueryBundles(t *testing.T) {
	hooks := NewExtensionHooks()
	svc := &stubFacadeService{}

	if err := hooks.RegisterCommandQueryBundle("ops", func(service CommandQueryService) (any, error) {
		return hookBundle{service: service}, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}

	bundles, err := hooks.BuildCommandQueryBundles(svc)
	if err != nil {
		t.Fatalf("build bundles: %v", err)
	}
	built, ok := bundles["ops"].(hookBundle)
	if !ok {
		t.Fatalf("unexpected bundle type: %#v", bundles["ops"])
	}
	if built.service != CommandQueryService(svc) {
		t.Fatalf("expected factory to receive the shared service")
	}
}

type hookBundle struct {
	service CommandQueryService
}

type hookGateway struct {
	name string
}

func (g *hookGateway) Name() string { return g.name }

func (g *hookGateway) BeginPair(context.Context, core.PairRequest) (core.PairChallenge, error) {
	return core.PairChallenge{}, nil
}

func (g *hookGateway) AwaitDecision(context.Context, core.AwaitRequest) (core.PairDecision, error) {
	return core.PairDecision{}, nil
}

func (g *hookGateway) SubmitPassword(context.Context, core.PasswordRequest) (core.PasswordResult, error) {
	return core.PasswordResult{}, nil
}

func (g *hookGateway) Validate(context.Context, core.ValidateRequest) (core.ValidateResult, error) {
	return core.ValidateResult{}, nil
}

func (g *hookGateway) Logout(context.Context, core.LogoutRequest) error { return nil }

type hookTransitionHandler struct {
	tag   string
	order *[]string
}

func (h *hookTransitionHandler) Handle(context.Context, core.TransitionEvent) error {
	if h.order != nil {
		*h.order = append(*h.order, h.tag)
	}
	return nil
}

var (
	_ core.UpstreamGateway        = (*hookGateway)(nil)
	_ core.TransitionEventHandler = (*hookTransitionHandler)(nil)
)
