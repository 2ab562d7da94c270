package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type hookPhase int

const (
	phasePreCommit hookPhase = iota
	phasePostCommit
)

// LifecycleHookCoordinator fans transition events out to registered hooks.
// Pre-commit hooks run inside the transition and can veto it; post-commit
// hooks only observe, so their failures never unwind a committed state.
type LifecycleHookCoordinator struct {
	mu     sync.RWMutex
	chains map[hookPhase][]LifecycleHook
}

func NewLifecycleHookCoordinator() *LifecycleHookCoordinator {
	return &LifecycleHookCoordinator{chains: map[hookPhase][]LifecycleHook{}}
}

func (c *LifecycleHookCoordinator) RegisterPreCommit(hook LifecycleHook) {
	c.register(phasePreCommit, hook)
}

func (c *LifecycleHookCoordinator) RegisterPostCommit(hook LifecycleHook) {
	c.register(phasePostCommit, hook)
}

func (c *LifecycleHookCoordinator) register(phase hookPhase, hook LifecycleHook) {
	if c == nil || hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chains == nil {
		c.chains = map[hookPhase][]LifecycleHook{}
	}
	c.chains[phase] = append(c.chains[phase], hook)
}

// ExecutePreCommit runs the strict hooks synchronously in registration
// order. The first error wins and is returned so the caller can fail the
// transition before anything is persisted.
func (c *LifecycleHookCoordinator) ExecutePreCommit(ctx context.Context, event TransitionEvent) error {
	for _, hook := range c.chain(phasePreCommit) {
		if err := hook.OnEvent(ctx, event); err != nil {
			return fmt.Errorf("core: pre-commit lifecycle hook %q failed: %w", hookName(hook), err)
		}
	}
	return nil
}

// ExecutePostCommit runs every observing hook even when earlier ones fail.
// Failures are aggregated and returned for observability without implying
// rollback.
func (c *LifecycleHookCoordinator) ExecutePostCommit(ctx context.Context, event TransitionEvent) error {
	var hookErr error
	for _, hook := range c.chain(phasePostCommit) {
		if err := hook.OnEvent(ctx, event); err != nil {
			hookErr = errors.Join(hookErr, fmt.Errorf("post-commit lifecycle hook %q failed: %w", hookName(hook), err))
		}
	}
	return hookErr
}

// chain snapshots one phase under the read lock so hooks run without
// holding it.
func (c *LifecycleHookCoordinator) chain(phase hookPhase) []LifecycleHook {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	registered := c.chains[phase]
	out := make([]LifecycleHook, 0, len(registered))
	for _, hook := range registered {
		if hook != nil {
			out = append(out, hook)
		}
	}
	return out
}

func hookName(hook LifecycleHook) string {
	if hook == nil {
		return "unknown"
	}
	name := strings.TrimSpace(hook.Name())
	if name == "" {
		return "unnamed"
	}
	return name
}
