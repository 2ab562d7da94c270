package breaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-sessionguard/core"
)

var ErrStateNotFound = errors.New("breaker: state not found")

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// State is the persisted bookkeeping for one endpoint key. RetryAt carries
// the cooldown deadline while open and the probe-reclaim deadline while
// half-open: a probe that never reported back may be stolen once it passes.
type State struct {
	Endpoint      string
	Circuit       CircuitState
	Failures      int
	WindowStart   time.Time
	OpenedAt      *time.Time
	RetryAt       *time.Time
	ProbeInFlight bool
	LastFailure   string
	UpdatedAt     time.Time
}

type StateStore interface {
	Get(ctx context.Context, endpoint string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// OpenCircuitError is the fail-fast answer while an endpoint's circuit is
// open. It unwraps to core.ErrUpstreamUnavailable so the service error
// mapper classifies it without importing this package.
type OpenCircuitError struct {
	Endpoint   string
	RetryAt    time.Time
	RetryAfter time.Duration
}

func (e OpenCircuitError) Error() string {
	return fmt.Sprintf(
		"breaker: endpoint %q circuit is open, retry after %s",
		strings.TrimSpace(e.Endpoint),
		e.RetryAfter,
	)
}

func (e OpenCircuitError) Unwrap() error { return core.ErrUpstreamUnavailable }

func (e OpenCircuitError) ToSessionError() *goerrors.Error {
	metadata := map[string]any{
		"endpoint": strings.TrimSpace(e.Endpoint),
	}
	if !e.RetryAt.IsZero() {
		metadata["retry_at"] = e.RetryAt.UTC().Format(time.RFC3339)
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(core.SessionErrorUpstreamUnavailable).
		WithMetadata(metadata)
}

// Gate is the per-endpoint circuit breaker behind the service's upstream
// calls. FailureThreshold consecutive failures inside Window open the
// circuit for Cooldown; after the cooldown one probe is admitted, and its
// outcome closes the circuit or reopens it for another cooldown.
type Gate struct {
	Store            StateStore
	Now              func() time.Time
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Logger           core.Logger
}

// New builds a gate with the core breaker defaults.
func New(store StateStore) *Gate {
	return FromConfig(store, core.DefaultConfig().Breaker)
}

// FromConfig builds a gate from a breaker config section, filling zero
// fields from the defaults.
func FromConfig(store StateStore, cfg core.BreakerConfig) *Gate {
	defaults := core.DefaultConfig().Breaker
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	return &Gate{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		FailureThreshold: cfg.FailureThreshold,
		Window:           cfg.Window,
		Cooldown:         cfg.Cooldown,
	}
}

// Allow reports whether a call to the endpoint may proceed. While open it
// fails fast with OpenCircuitError; once the cooldown lapses it flips the
// circuit to half-open and admits exactly one probe call.
func (g *Gate) Allow(ctx context.Context, endpoint string) error {
	if g == nil || g.Store == nil {
		return nil
	}
	endpoint = normalizeEndpoint(endpoint)
	state, err := g.Store.Get(ctx, endpoint)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := g.now()
	switch state.Circuit {
	case CircuitOpen:
		if state.RetryAt != nil && now.Before(*state.RetryAt) {
			return OpenCircuitError{
				Endpoint:   endpoint,
				RetryAt:    *state.RetryAt,
				RetryAfter: state.RetryAt.Sub(now),
			}
		}
		return g.admitProbe(ctx, state, now)
	case CircuitHalfOpen:
		if !state.ProbeInFlight {
			return g.admitProbe(ctx, state, now)
		}
		if state.RetryAt != nil && now.Before(*state.RetryAt) {
			// Another caller owns the probe; fail fast until it reports.
			return OpenCircuitError{
				Endpoint:   endpoint,
				RetryAt:    *state.RetryAt,
				RetryAfter: state.RetryAt.Sub(now),
			}
		}
		// The probe never reported back. Steal it rather than wedging the
		// endpoint on a crashed caller.
		return g.admitProbe(ctx, state, now)
	}
	return nil
}

// Record feeds one call outcome into the circuit. A success closes the
// circuit from any state; a failure advances the windowed count while
// closed and reopens immediately while half-open.
func (g *Gate) Record(ctx context.Context, endpoint string, callErr error) {
	if g == nil || g.Store == nil {
		return
	}
	endpoint = normalizeEndpoint(endpoint)
	state, err := g.Store.Get(ctx, endpoint)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		g.logStoreFailure(endpoint, err)
		return
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Endpoint: endpoint, Circuit: CircuitClosed}
	}

	now := g.now()
	state.UpdatedAt = now

	if callErr == nil {
		state.Circuit = CircuitClosed
		state.Failures = 0
		state.WindowStart = time.Time{}
		state.OpenedAt = nil
		state.RetryAt = nil
		state.ProbeInFlight = false
		state.LastFailure = ""
		if upsertErr := g.Store.Upsert(ctx, state); upsertErr != nil {
			g.logStoreFailure(endpoint, upsertErr)
		}
		return
	}

	state.LastFailure = callErr.Error()
	switch state.Circuit {
	case CircuitHalfOpen:
		g.reopen(&state, now)
	case CircuitOpen:
		// A straggler admitted before the circuit opened. The cooldown
		// already running is not extended.
	default:
		if state.WindowStart.IsZero() || now.Sub(state.WindowStart) > g.window() {
			state.WindowStart = now
			state.Failures = 1
		} else {
			state.Failures++
		}
		if state.Failures >= g.failureThreshold() {
			g.reopen(&state, now)
		}
	}
	if upsertErr := g.Store.Upsert(ctx, state); upsertErr != nil {
		g.logStoreFailure(endpoint, upsertErr)
	}
}

// admitProbe flips the circuit to half-open and claims the single probe
// slot. RetryAt becomes the reclaim deadline in case this caller vanishes.
func (g *Gate) admitProbe(ctx context.Context, state State, now time.Time) error {
	reclaimAt := now.Add(g.cooldown())
	state.Circuit = CircuitHalfOpen
	state.ProbeInFlight = true
	state.RetryAt = &reclaimAt
	state.UpdatedAt = now
	if err := g.Store.Upsert(ctx, state); err != nil {
		return err
	}
	return nil
}

func (g *Gate) reopen(state *State, now time.Time) {
	retryAt := now.Add(g.cooldown())
	openedAt := now
	state.Circuit = CircuitOpen
	state.OpenedAt = &openedAt
	state.RetryAt = &retryAt
	state.ProbeInFlight = false
	state.Failures = 0
	state.WindowStart = time.Time{}
}

func (g *Gate) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Gate) failureThreshold() int {
	if g != nil && g.FailureThreshold > 0 {
		return g.FailureThreshold
	}
	return core.DefaultConfig().Breaker.FailureThreshold
}

func (g *Gate) window() time.Duration {
	if g != nil && g.Window > 0 {
		return g.Window
	}
	return core.DefaultConfig().Breaker.Window
}

func (g *Gate) cooldown() time.Duration {
	if g != nil && g.Cooldown > 0 {
		return g.Cooldown
	}
	return core.DefaultConfig().Breaker.Cooldown
}

func (g *Gate) logStoreFailure(endpoint string, err error) {
	if g == nil || g.Logger == nil {
		return
	}
	g.Logger.Error("breaker state write failed", "endpoint", endpoint, "error", err.Error())
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimSpace(strings.ToLower(endpoint))
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, endpoint string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("breaker: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeEndpoint(endpoint)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("breaker: state store is nil")
	}
	state.Endpoint = normalizeEndpoint(state.Endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Endpoint] = cloneState(state)
	return nil
}

func cloneState(state State) State {
	if state.OpenedAt != nil {
		openedAt := *state.OpenedAt
		state.OpenedAt = &openedAt
	}
	if state.RetryAt != nil {
		retryAt := *state.RetryAt
		state.RetryAt = &retryAt
	}
	return state
}

var _ core.CircuitGate = (*Gate)(nil)
var _ StateStore = (*MemoryStateStore)(nil)
