package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-sessionguard/breaker"
)

const breakerStateCacheKeyPrefix = "go-sessionguard::breaker_state::v1"

// CachedBreakerStateStore fronts a breaker StateStore with a read cache.
// Reads are hot on every upstream call; writes only happen on failures and
// circuit flips, so cache-aside with delete-on-write keeps the row fresh.
type CachedBreakerStateStore struct {
	base  breaker.StateStore
	cache repositorycache.CacheService
}

func NewCachedBreakerStateStore(
	base breaker.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedBreakerStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base breaker state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: breaker cache service is required")
	}
	return &CachedBreakerStateStore{base: base, cache: cacheService}, nil
}

// BreakerStateCacheKey returns the deterministic cache key contract for
// breaker state reads: go-sessionguard::breaker_state::v1::<endpoint> with
// the endpoint URL-path escaped after normalization.
func BreakerStateCacheKey(endpoint string) (string, error) {
	normalized := normalizeBreakerEndpoint(endpoint)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: breaker endpoint is required")
	}
	return strings.Join([]string{breakerStateCacheKeyPrefix, url.PathEscape(normalized)}, "::"), nil
}

func (s *CachedBreakerStateStore) Get(ctx context.Context, endpoint string) (breaker.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return breaker.State{}, fmt.Errorf("sqlstore: cached breaker state store is not configured")
	}
	normalized := normalizeBreakerEndpoint(endpoint)
	cacheKey, err := BreakerStateCacheKey(normalized)
	if err != nil {
		return breaker.State{}, err
	}

	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (breaker.State, error) {
		fetched, fetchErr := s.base.Get(ctx, normalized)
		if fetchErr != nil {
			return breaker.State{}, fetchErr
		}
		return cloneBreakerState(fetched), nil
	})
	if err != nil {
		return breaker.State{}, err
	}
	return cloneBreakerState(state), nil
}

func (s *CachedBreakerStateStore) Upsert(ctx context.Context, state breaker.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached breaker state store is not configured")
	}
	state.Endpoint = normalizeBreakerEndpoint(state.Endpoint)
	cacheKey, err := BreakerStateCacheKey(state.Endpoint)
	if err != nil {
		return err
	}

	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return err
	}
	return nil
}

func cloneBreakerState(state breaker.State) breaker.State {
	cloned := state
	cloned.OpenedAt = copyTimePointer(state.OpenedAt)
	cloned.RetryAt = copyTimePointer(state.RetryAt)
	return cloned
}

var _ breaker.StateStore = (*CachedBreakerStateStore)(nil)
