package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const DefaultTransitionChannel = "sessionguard.transitions"

type transitionHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TransitionEventHandler
	order    []string
}

func NewTransitionHandlerRegistry() TransitionHandlerRegistry {
	return &transitionHandlerRegistry{
		handlers: make(map[string]TransitionEventHandler),
		order:    make([]string, 0),
	}
}

func (r *transitionHandlerRegistry) Register(name string, handler TransitionEventHandler) {
	if r == nil || handler == nil {
		return
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]TransitionEventHandler)
	}
	if _, exists := r.handlers[key]; !exists {
		r.order = append(r.order, key)
		sort.Strings(r.order)
	}
	r.handlers[key] = handler
}

func (r *transitionHandlerRegistry) Handlers() []TransitionEventHandler {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TransitionEventHandler, 0, len(r.order))
	for _, key := range r.order {
		handler := r.handlers[key]
		if handler != nil {
			out = append(out, handler)
		}
	}
	return out
}

// LoggingTransitionHandler writes every dispatched transition to the
// structured log. Metadata is redacted before it leaves the process.
type LoggingTransitionHandler struct {
	Logger  Logger
	Channel string
}

func (h LoggingTransitionHandler) Handle(_ context.Context, event TransitionEvent) error {
	if h.Logger == nil {
		return nil
	}
	channel := strings.TrimSpace(h.Channel)
	if channel == "" {
		channel = DefaultTransitionChannel
	}
	h.Logger.Info("session transition",
		"channel", channel,
		"event_id", event.ID,
		"event_name", event.Name,
		"tenant_id", event.TenantID,
		"from_state", string(event.FromState),
		"to_state", string(event.ToState),
		"reason", event.Reason,
		"actor", event.Actor,
		"occurred_at", event.OccurredAt,
		"metadata", RedactSensitiveMap(event.Metadata),
	)
	return nil
}

var _ TransitionEventHandler = LoggingTransitionHandler{}
