package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type gatewayRegistry struct {
	mu       sync.RWMutex
	gateways map[string]UpstreamGateway
}

func NewGatewayRegistry() GatewayRegistry {
	return &gatewayRegistry{gateways: make(map[string]UpstreamGateway)}
}

func (r *gatewayRegistry) Register(gateway UpstreamGateway) error {
	if gateway == nil {
		return fmt.Errorf("core: gateway is nil")
	}
	name := strings.TrimSpace(gateway.Name())
	if name == "" {
		return fmt.Errorf("core: gateway name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[name]; exists {
		return fmt.Errorf("core: gateway already registered: %s", name)
	}
	r.gateways[name] = gateway
	return nil
}

func (r *gatewayRegistry) Get(name string) (UpstreamGateway, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	gateway, ok := r.gateways[name]
	r.mu.RUnlock()
	return gateway, ok
}

func (r *gatewayRegistry) List() []UpstreamGateway {
	r.mu.RLock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	gateways := make([]UpstreamGateway, 0, len(names))
	r.mu.RLock()
	for _, name := range names {
		gateways = append(gateways, r.gateways[name])
	}
	r.mu.RUnlock()
	return gateways
}
