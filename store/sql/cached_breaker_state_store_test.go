package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-sessionguard/breaker"
)

type stubBreakerStateStore struct {
	mu          sync.Mutex
	state       breaker.State
	getCalls    int
	upsertCalls int
	getErr      error
	upsertErr   error
}

func (s *stubBreakerStateStore) Get(_ context.Context, _ string) (breaker.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return breaker.State{}, s.getErr
	}
	return cloneBreakerState(s.state), nil
}

func (s *stubBreakerStateStore) Upsert(_ context.Context, state breaker.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.state = cloneBreakerState(state)
	return nil
}

func TestCachedBreakerStateStore_Get_MissFetchThenHit(t *testing.T) {
	cacheService := newTestBreakerCacheService(t)
	base := &stubBreakerStateStore{
		state: breaker.State{
			Endpoint:  "auth.start",
			Circuit:   breaker.CircuitClosed,
			Failures:  2,
			UpdatedAt: time.Now().UTC(),
		},
	}

	store, err := NewCachedBreakerStateStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	if _, err := store.Get(context.Background(), "auth.start"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected first get to fetch base store once, got %d", base.getCalls)
	}

	if _, err := store.Get(context.Background(), "auth.start"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be cache hit, base get calls=%d", base.getCalls)
	}
}

func TestCachedBreakerStateStore_Upsert_InvalidatesCachedKey(t *testing.T) {
	cacheService := newTestBreakerCacheService(t)
	base := &stubBreakerStateStore{
		state: breaker.State{
			Endpoint:  "callback.finalize",
			Circuit:   breaker.CircuitClosed,
			Failures:  1,
			UpdatedAt: time.Now().UTC(),
		},
	}

	store, err := NewCachedBreakerStateStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	if _, err := store.Get(context.Background(), "callback.finalize"); err != nil {
		t.Fatalf("prime cache with get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected one base read after cache prime, got %d", base.getCalls)
	}

	if err := store.Upsert(context.Background(), breaker.State{
		Endpoint:  "callback.finalize",
		Circuit:   breaker.CircuitOpen,
		Failures:  5,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert through cached store: %v", err)
	}
	if base.upsertCalls != 1 {
		t.Fatalf("expected base upsert call count=1, got %d", base.upsertCalls)
	}

	state, err := store.Get(context.Background(), "callback.finalize")
	if err != nil {
		t.Fatalf("get after upsert invalidation: %v", err)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected invalidated key to force second base read, got %d", base.getCalls)
	}
	if state.Circuit != breaker.CircuitOpen || state.Failures != 5 {
		t.Fatalf("expected refreshed open state, got %+v", state)
	}
}

func TestCachedBreakerStateStore_NormalizationSharesCacheEntry(t *testing.T) {
	cacheService := newTestBreakerCacheService(t)
	base := &stubBreakerStateStore{
		state: breaker.State{
			Endpoint:  "auth.password",
			Circuit:   breaker.CircuitClosed,
			UpdatedAt: time.Now().UTC(),
		},
	}
	store, err := NewCachedBreakerStateStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	if _, err := store.Get(context.Background(), "  AUTH.Password "); err != nil {
		t.Fatalf("first normalized get: %v", err)
	}
	if _, err := store.Get(context.Background(), "auth.password"); err != nil {
		t.Fatalf("second normalized get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected normalized endpoints to share cache entry, base get calls=%d", base.getCalls)
	}

	firstCacheKey, err := BreakerStateCacheKey("  AUTH.Password ")
	if err != nil {
		t.Fatalf("cache key for first input: %v", err)
	}
	secondCacheKey, err := BreakerStateCacheKey("auth.password")
	if err != nil {
		t.Fatalf("cache key for second input: %v", err)
	}
	if firstCacheKey != secondCacheKey {
		t.Fatalf("expected normalized cache keys to match, got %q != %q", firstCacheKey, secondCacheKey)
	}
}

func TestBreakerStateCacheKey_Contract(t *testing.T) {
	key, err := BreakerStateCacheKey(" Upstream/Auth Start ")
	if err != nil {
		t.Fatalf("build cache key: %v", err)
	}

	const expected = "go-sessionguard::breaker_state::v1::upstream%2Fauth%20start"
	if key != expected {
		t.Fatalf("unexpected cache key contract: got %q want %q", key, expected)
	}

	if _, err := BreakerStateCacheKey("   "); err == nil {
		t.Fatalf("expected error for blank endpoint")
	}
}

func TestCachedBreakerStateStore_PropagatesBaseErrors(t *testing.T) {
	cacheService := newTestBreakerCacheService(t)
	base := &stubBreakerStateStore{getErr: breaker.ErrStateNotFound}
	store, err := NewCachedBreakerStateStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	if _, err := store.Get(context.Background(), "auth.start"); !errors.Is(err, breaker.ErrStateNotFound) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

func newTestBreakerCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
