package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultReplayLedgerTTL        = 24 * time.Hour
	defaultReplayLedgerMaxEntries = 8192
)

// MemoryReplayLedger is the in-process ReplayLedger. Expired claims are
// swept lazily on the next Claim, and the map is capacity bounded: when
// full, the entry closest to expiry is evicted to admit the new claim.
type MemoryReplayLedger struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	expiries   map[string]time.Time
	Now        func() time.Time
}

func NewMemoryReplayLedger(defaultTTL time.Duration) *MemoryReplayLedger {
	return NewMemoryReplayLedgerWithLimits(defaultTTL, defaultReplayLedgerMaxEntries)
}

func NewMemoryReplayLedgerWithLimits(defaultTTL time.Duration, maxEntries int) *MemoryReplayLedger {
	if defaultTTL <= 0 {
		defaultTTL = defaultReplayLedgerTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultReplayLedgerMaxEntries
	}
	return &MemoryReplayLedger{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		expiries:   map[string]time.Time{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Claim records key for ttl and reports whether it was the first claim
// inside the window. A second claim within the window returns false with
// no error so callers can treat it as a replay rather than a failure.
func (l *MemoryReplayLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("core: replay ledger is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("core: replay key is required")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)
	if l.activeLocked(key, now) {
		return false, nil
	}
	l.makeRoomLocked()
	l.expiries[key] = now.Add(ttl)
	return true, nil
}

// PurgeExpired drops every entry past its window and reports how many
// were removed. Claim sweeps lazily already; this exists for hosts that
// want to reclaim memory on their own schedule.
func (l *MemoryReplayLedger) PurgeExpired(_ context.Context) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("core: replay ledger is not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.expiries)
	l.sweepLocked(l.now())
	return before - len(l.expiries), nil
}

func (l *MemoryReplayLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *MemoryReplayLedger) sweepLocked(now time.Time) {
	for key, expiresAt := range l.expiries {
		if !now.Before(expiresAt) {
			delete(l.expiries, key)
		}
	}
}

// activeLocked reports whether key holds a live claim. A stale entry that
// the sweep has not reached yet counts as vacant and is dropped here.
func (l *MemoryReplayLedger) activeLocked(key string, now time.Time) bool {
	expiresAt, ok := l.expiries[key]
	if !ok {
		return false
	}
	if now.Before(expiresAt) {
		return true
	}
	delete(l.expiries, key)
	return false
}

// makeRoomLocked guarantees space for one more entry. Keys are non-empty
// by the time they reach the map, so the empty string works as the
// not-yet-found sentinel.
func (l *MemoryReplayLedger) makeRoomLocked() {
	if l.maxEntries <= 0 {
		return
	}
	for len(l.expiries) >= l.maxEntries {
		victim := ""
		var soonest time.Time
		for key, expiresAt := range l.expiries {
			if victim == "" || expiresAt.Before(soonest) {
				victim = key
				soonest = expiresAt
			}
		}
		delete(l.expiries, victim)
	}
}

var _ ReplayLedger = (*MemoryReplayLedger)(nil)
