package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LeaseHandle is a live claim on a tenant's session resource. The heartbeat
// goroutine keeps the claim renewed until Release is called or the renewal
// chain breaks, in which case Lost is closed and Err reports ErrLeaseLost.
type LeaseHandle struct {
	resourceKey string
	holderToken string
	store       LeaseStore
	ttl         time.Duration

	lost chan struct{}
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	released  bool
	lastError error
}

func (h *LeaseHandle) ResourceKey() string {
	if h == nil {
		return ""
	}
	return h.resourceKey
}

func (h *LeaseHandle) Token() string {
	if h == nil {
		return ""
	}
	return h.holderToken
}

// Lost is closed when the handle can no longer guarantee exclusivity.
// Callers holding the lease across blocking work must select on it.
func (h *LeaseHandle) Lost() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.lost
}

func (h *LeaseHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// Release stops the heartbeat and frees the claim. Safe to call more than
// once; only the first call talks to the store.
func (h *LeaseHandle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	close(h.stop)
	<-h.done

	if h.store == nil {
		return nil
	}
	return h.store.Release(ctx, h.resourceKey, h.holderToken)
}

func (h *LeaseHandle) markLost(err error) {
	h.mu.Lock()
	if h.lastError == nil {
		h.lastError = err
	}
	h.mu.Unlock()
	select {
	case <-h.lost:
	default:
		close(h.lost)
	}
}

// LeaseCoordinator layers token generation and heartbeat renewal over a
// LeaseStore so call sites only deal in handles.
type LeaseCoordinator struct {
	store  LeaseStore
	config LeaseConfig
	logger Logger
	nowFn  func() time.Time
}

func NewLeaseCoordinator(store LeaseStore, cfg LeaseConfig, logger Logger) *LeaseCoordinator {
	return &LeaseCoordinator{
		store:  store,
		config: cfg,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Hold acquires the named resource and starts the renewal heartbeat. A
// contended resource surfaces ErrLeaseContention without retrying; callers
// decide whether contention is an error or a signal to back off.
func (c *LeaseCoordinator) Hold(ctx context.Context, resourceKey string) (*LeaseHandle, error) {
	if c == nil || c.store == nil {
		return nil, fmt.Errorf("core: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	if resourceKey == "" {
		return nil, fmt.Errorf("core: lease resource key is required")
	}

	ttl := c.config.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().Lease.TTL
	}
	holderToken := uuid.NewString()

	if _, err := c.store.Acquire(ctx, resourceKey, holderToken, ttl); err != nil {
		return nil, err
	}

	handle := &LeaseHandle{
		resourceKey: resourceKey,
		holderToken: holderToken,
		store:       c.store,
		ttl:         ttl,
		lost:        make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.heartbeat(handle)
	return handle, nil
}

func (c *LeaseCoordinator) heartbeat(handle *LeaseHandle) {
	defer close(handle.done)

	interval := c.config.EffectiveHeartbeat()
	maxFailures := c.config.MaxRenewalFailures
	if maxFailures < 1 {
		maxFailures = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := c.store.Renew(renewCtx, handle.resourceKey, handle.holderToken, handle.ttl)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		if c.logger != nil {
			c.logger.Error("lease renewal failed",
				"resource_key", handle.resourceKey,
				"failures", failures,
				"error", err,
			)
		}
		if failures >= maxFailures {
			handle.markLost(fmt.Errorf("%w: %d consecutive renewal failures: %v", ErrLeaseLost, failures, err))
			return
		}
	}
}

// SessionLeaseKey is the coordination key guarding all mutating operations
// for one tenant's session.
func SessionLeaseKey(tenantID string) string {
	return "session:" + strings.TrimSpace(tenantID)
}

// MemoryLeaseStore is the in-process LeaseStore used by tests and
// single-node deployments.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]Lease

	// Now is injectable for tests.
	Now func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[string]Lease),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryLeaseStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, resourceKey, holderToken string, ttl time.Duration) (Lease, error) {
	if s == nil {
		return Lease{}, fmt.Errorf("core: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)
	if resourceKey == "" {
		return Lease{}, fmt.Errorf("core: lease resource key is required")
	}
	if holderToken == "" {
		return Lease{}, fmt.Errorf("core: lease holder token is required")
	}
	if ttl <= 0 {
		ttl = DefaultConfig().Lease.TTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[resourceKey]
	if ok && !existing.Expired(now) && existing.HolderToken != holderToken {
		return Lease{}, ErrLeaseContention
	}

	lease := Lease{
		ResourceKey:     resourceKey,
		HolderToken:     holderToken,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastHeartbeatAt: now,
	}
	if ok && !existing.Expired(now) && existing.HolderToken == holderToken {
		lease.AcquiredAt = existing.AcquiredAt
	}
	s.leases[resourceKey] = lease
	return lease, nil
}

func (s *MemoryLeaseStore) Renew(_ context.Context, resourceKey, holderToken string, ttl time.Duration) (Lease, error) {
	if s == nil {
		return Lease{}, fmt.Errorf("core: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)
	if resourceKey == "" || holderToken == "" {
		return Lease{}, fmt.Errorf("core: lease resource key and holder token are required")
	}
	if ttl <= 0 {
		ttl = DefaultConfig().Lease.TTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[resourceKey]
	if !ok || existing.HolderToken != holderToken || existing.Expired(now) {
		return Lease{}, ErrLeaseLost
	}

	existing.ExpiresAt = now.Add(ttl)
	existing.LastHeartbeatAt = now
	s.leases[resourceKey] = existing
	return existing, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, resourceKey, holderToken string) error {
	if s == nil {
		return nil
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[resourceKey]
	if !ok || existing.HolderToken != holderToken {
		return nil
	}
	delete(s.leases, resourceKey)
	return nil
}
