package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

func testGate(threshold int, window, cooldown time.Duration) (*Gate, *MemoryStateStore) {
	store := NewMemoryStateStore()
	gate := FromConfig(store, core.BreakerConfig{
		FailureThreshold: threshold,
		Window:           window,
		Cooldown:         cooldown,
	})
	return gate, store
}

func TestGate_AllowsWhenNoState(t *testing.T) {
	gate, _ := testGate(3, time.Minute, 30*time.Second)

	if err := gate.Allow(context.Background(), "testchat:validate"); err != nil {
		t.Fatalf("expected closed circuit to admit, got %v", err)
	}
}

func TestGate_OpensAfterThresholdWithinWindow(t *testing.T) {
	gate, store := testGate(3, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	for i := 0; i < 3; i++ {
		gate.Record(ctx, "testchat:validate", upstreamErr)
	}

	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", state.Circuit)
	}
	if state.RetryAt == nil || !state.RetryAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("expected retry at now+cooldown, got %+v", state.RetryAt)
	}
	if state.LastFailure != "gateway timeout" {
		t.Fatalf("expected last failure recorded, got %q", state.LastFailure)
	}

	allowErr := gate.Allow(ctx, "testchat:validate")
	var openErr OpenCircuitError
	if !errors.As(allowErr, &openErr) {
		t.Fatalf("expected OpenCircuitError, got %T (%v)", allowErr, allowErr)
	}
	if openErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s retry hint, got %s", openErr.RetryAfter)
	}
	if !errors.Is(allowErr, core.ErrUpstreamUnavailable) {
		t.Fatalf("open circuit must unwrap to the upstream sentinel")
	}
}

func TestGate_WindowExpiryRestartsFailureCount(t *testing.T) {
	gate, store := testGate(3, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	gate.Record(ctx, "testchat:pair", upstreamErr)
	gate.Record(ctx, "testchat:pair", upstreamErr)
	now = now.Add(2 * time.Minute)
	gate.Record(ctx, "testchat:pair", upstreamErr)

	state, err := store.Get(ctx, "testchat:pair")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitClosed {
		t.Fatalf("stale window must not open the circuit, got %s", state.Circuit)
	}
	if state.Failures != 1 {
		t.Fatalf("expected restarted count of 1, got %d", state.Failures)
	}
	if err := gate.Allow(ctx, "testchat:pair"); err != nil {
		t.Fatalf("closed circuit must admit, got %v", err)
	}
}

func TestGate_SuccessResetsFailureCount(t *testing.T) {
	gate, store := testGate(3, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", nil)
	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", upstreamErr)

	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitClosed {
		t.Fatalf("success must break the consecutive run, got %s", state.Circuit)
	}
	if state.Failures != 2 {
		t.Fatalf("expected two failures after reset, got %d", state.Failures)
	}
}

func TestGate_HalfOpenAdmitsSingleProbe(t *testing.T) {
	gate, store := testGate(2, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", upstreamErr)
	now = now.Add(31 * time.Second)

	if err := gate.Allow(ctx, "testchat:validate"); err != nil {
		t.Fatalf("cooldown lapsed, probe must be admitted: %v", err)
	}
	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitHalfOpen || !state.ProbeInFlight {
		t.Fatalf("expected half-open with probe in flight, got %+v", state)
	}

	blocked := gate.Allow(ctx, "testchat:validate")
	var openErr OpenCircuitError
	if !errors.As(blocked, &openErr) {
		t.Fatalf("second caller must fail fast while the probe runs, got %v", blocked)
	}

	gate.Record(ctx, "testchat:validate", nil)
	state, err = store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitClosed || state.ProbeInFlight {
		t.Fatalf("successful probe must close the circuit, got %+v", state)
	}
	if err := gate.Allow(ctx, "testchat:validate"); err != nil {
		t.Fatalf("closed circuit must admit, got %v", err)
	}
}

func TestGate_ProbeFailureReopens(t *testing.T) {
	gate, store := testGate(2, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", upstreamErr)
	now = now.Add(31 * time.Second)
	if err := gate.Allow(ctx, "testchat:validate"); err != nil {
		t.Fatalf("probe admission: %v", err)
	}

	gate.Record(ctx, "testchat:validate", upstreamErr)

	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitOpen {
		t.Fatalf("failed probe must reopen, got %s", state.Circuit)
	}
	if state.RetryAt == nil || !state.RetryAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("expected a fresh cooldown, got %+v", state.RetryAt)
	}
	if allowErr := gate.Allow(ctx, "testchat:validate"); allowErr == nil {
		t.Fatal("reopened circuit must fail fast")
	}
}

func TestGate_StaleProbeIsReclaimed(t *testing.T) {
	gate, store := testGate(2, time.Minute, 30*time.Second)
	now := time.Unix(1_700_000_000, 0).UTC()
	gate.Now = func() time.Time { return now }
	ctx := context.Background()
	upstreamErr := errors.New("gateway timeout")

	gate.Record(ctx, "testchat:validate", upstreamErr)
	gate.Record(ctx, "testchat:validate", upstreamErr)
	now = now.Add(31 * time.Second)
	if err := gate.Allow(ctx, "testchat:validate"); err != nil {
		t.Fatalf("probe admission: %v", err)
	}

	// The probe holder never reports back. Once its reclaim deadline
	// passes the slot is stolen instead of wedging the endpoint.
	now = now.Add(31 * time.Second)
	if err := gate.Allow(ctx, "testchat:validate"); err != nil {
		t.Fatalf("stale probe must be reclaimed: %v", err)
	}
	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Circuit != CircuitHalfOpen || !state.ProbeInFlight {
		t.Fatalf("expected reclaimed half-open probe, got %+v", state)
	}
	if state.RetryAt == nil || !state.RetryAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("expected a fresh reclaim deadline, got %+v", state.RetryAt)
	}
}

func TestGate_NilStoreAdmitsEverything(t *testing.T) {
	gate := &Gate{}

	if err := gate.Allow(context.Background(), "testchat:validate"); err != nil {
		t.Fatalf("nil store must admit, got %v", err)
	}
	gate.Record(context.Background(), "testchat:validate", errors.New("ignored"))
}

func TestMemoryStateStore_NormalizesEndpoint(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, State{Endpoint: " TestChat:Validate ", Circuit: CircuitOpen}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := store.Get(ctx, "testchat:validate")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Circuit != CircuitOpen {
		t.Fatalf("expected open state back, got %s", state.Circuit)
	}
	if _, err := store.Get(ctx, "testchat:unknown"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}
