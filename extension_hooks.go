package sessionguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-sessionguard/core"
)

// GatewayPack groups upstream gateway implementations a host registers as one
// unit, usually one pack per messaging platform build flavor.
type GatewayPack struct {
	Name     string
	Gateways []core.UpstreamGateway
}

// TransitionHandlerPack groups downstream transition deliveries keyed by the
// channel they subscribe to.
type TransitionHandlerPack struct {
	Name     string
	Channel  string
	Handlers []core.TransitionEventHandler
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	gatewayPacks map[string]GatewayPack
	handlerPacks map[string]TransitionHandlerPack
	bundles      map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		gatewayPacks: map[string]GatewayPack{},
		handlerPacks: map[string]TransitionHandlerPack{},
		bundles:      map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterGatewayPack(pack GatewayPack) error {
	if h == nil {
		return fmt.Errorf("sessionguard: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("sessionguard: gateway pack name is required")
	}
	if len(pack.Gateways) == 0 {
		return fmt.Errorf("sessionguard: gateway pack %q has no gateways", name)
	}

	normalized := GatewayPack{
		Name:     name,
		Gateways: append([]core.UpstreamGateway(nil), pack.Gateways...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.gatewayPacks[name]; exists {
		return fmt.Errorf("sessionguard: gateway pack %q already registered", name)
	}
	h.gatewayPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterTransitionHandlerPack(pack TransitionHandlerPack) error {
	if h == nil {
		return fmt.Errorf("sessionguard: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	channel := strings.TrimSpace(pack.Channel)
	if name == "" {
		return fmt.Errorf("sessionguard: transition handler pack name is required")
	}
	if channel == "" {
		channel = core.DefaultTransitionChannel
	}
	if len(pack.Handlers) == 0 {
		return fmt.Errorf("sessionguard: transition handler pack %q has no handlers", name)
	}

	normalized := TransitionHandlerPack{
		Name:    name,
		Channel: channel,
		Handlers: append(
			[]core.TransitionEventHandler(nil),
			pack.Handlers...,
		),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlerPacks[name]; exists {
		return fmt.Errorf("sessionguard: transition handler pack %q already registered", name)
	}
	h.handlerPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("sessionguard: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("sessionguard: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("sessionguard: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("sessionguard: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

func (h *ExtensionHooks) ApplyGatewayPacks(registry core.GatewayRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("sessionguard: gateway registry is required")
	}

	packs := h.GatewayPacks()
	for _, pack := range packs {
		for _, gateway := range pack.Gateways {
			if gateway == nil {
				return fmt.Errorf("sessionguard: gateway pack %q contains nil gateway", pack.Name)
			}
			if err := registry.Register(gateway); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) ApplyTransitionHandlerPacks(registry core.TransitionHandlerRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("sessionguard: transition handler registry is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.handlerPacks))
	for name := range h.handlerPacks {
		names = append(names, name)
	}
	sort.Strings(names)
	packs := make([]TransitionHandlerPack, 0, len(names))
	for _, name := range names {
		packs = append(packs, h.handlerPacks[name])
	}
	h.mu.RUnlock()

	for _, pack := range packs {
		for i, handler := range pack.Handlers {
			if handler == nil {
				return fmt.Errorf("sessionguard: transition handler pack %q contains nil handler", pack.Name)
			}
			registry.Register(fmt.Sprintf("%s.%d", pack.Name, i), handler)
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("sessionguard: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) GatewayPacks() []GatewayPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.gatewayPacks))
	for name := range h.gatewayPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GatewayPack, 0, len(names))
	for _, name := range names {
		pack := h.gatewayPacks[name]
		out = append(out, GatewayPack{
			Name:     pack.Name,
			Gateways: append([]core.UpstreamGateway(nil), pack.Gateways...),
		})
	}
	return out
}

// HandlersForChannel returns every registered handler subscribed to channel,
// ordered by pack name so application order stays deterministic.
func (h *ExtensionHooks) HandlersForChannel(channel string) []core.TransitionEventHandler {
	if h == nil {
		return nil
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = core.DefaultTransitionChannel
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	packNames := make([]string, 0, len(h.handlerPacks))
	for name, pack := range h.handlerPacks {
		if pack.Channel == channel {
			packNames = append(packNames, name)
		}
	}
	sort.Strings(packNames)

	out := []core.TransitionEventHandler{}
	for _, name := range packNames {
		pack := h.handlerPacks[name]
		out = append(out, pack.Handlers...)
	}
	return append([]core.TransitionEventHandler(nil), out...)
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
