package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-sessionguard/core"
	sqlstore "github.com/goliatone/go-sessionguard/store/sql"
)

func TestLeaseStore_AcquireContentionAndReacquire(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewLeaseStore(client.DB())
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}

	first, err := store.Acquire(ctx, "session:tenant-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.HolderToken != "holder-a" {
		t.Fatalf("expected holder-a, got %q", first.HolderToken)
	}

	if _, err := store.Acquire(ctx, "session:tenant-1", "holder-b", time.Minute); !errors.Is(err, core.ErrLeaseContention) {
		t.Fatalf("expected ErrLeaseContention, got %v", err)
	}

	again, err := store.Acquire(ctx, "session:tenant-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("reacquire as holder: %v", err)
	}
	if again.AcquiredAt.Unix() != first.AcquiredAt.Unix() {
		t.Fatalf("expected original acquired_at preserved, got %s then %s",
			first.AcquiredAt, again.AcquiredAt)
	}
	if !again.ExpiresAt.After(first.ExpiresAt.Add(-time.Second)) {
		t.Fatalf("expected reacquire to refresh expiry, got %s", again.ExpiresAt)
	}

	// Leases on other resources are independent.
	if _, err := store.Acquire(ctx, "session:tenant-2", "holder-b", time.Minute); err != nil {
		t.Fatalf("acquire other resource: %v", err)
	}
}

func TestLeaseStore_ExpiredRowCountsAsAbsent(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewLeaseStore(client.DB())
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}

	if _, err := store.Acquire(ctx, "session:tenant-exp", "holder-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Force expiry instead of sleeping through a real TTL.
	if _, err := client.DB().ExecContext(ctx,
		"UPDATE session_leases SET expires_at = ? WHERE resource_key = ?",
		time.Now().UTC().Add(-time.Minute), "session:tenant-exp",
	); err != nil {
		t.Fatalf("expire lease row: %v", err)
	}

	taken, err := store.Acquire(ctx, "session:tenant-exp", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire over expired row: %v", err)
	}
	if taken.HolderToken != "holder-b" {
		t.Fatalf("expected holder-b to take the expired lease, got %q", taken.HolderToken)
	}

	if _, err := store.Renew(ctx, "session:tenant-exp", "holder-a", time.Minute); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected previous holder to have lost the lease, got %v", err)
	}
}

func TestLeaseStore_RenewRequiresLiveHolder(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewLeaseStore(client.DB())
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}

	lease, err := store.Acquire(ctx, "session:tenant-renew", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	renewed, err := store.Renew(ctx, "session:tenant-renew", "holder-a", 2*time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.After(lease.ExpiresAt) {
		t.Fatalf("expected renewal to extend expiry; %s is not after %s",
			renewed.ExpiresAt, lease.ExpiresAt)
	}
	if renewed.AcquiredAt.Unix() != lease.AcquiredAt.Unix() {
		t.Fatalf("expected renewal to keep acquired_at, got %s then %s",
			lease.AcquiredAt, renewed.AcquiredAt)
	}

	if _, err := store.Renew(ctx, "session:tenant-renew", "intruder", time.Minute); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign holder, got %v", err)
	}
	if _, err := store.Renew(ctx, "session:never-held", "holder-a", time.Minute); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for missing lease, got %v", err)
	}
}

func TestLeaseStore_ReleaseIsGuardedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewLeaseStore(client.DB())
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}

	if _, err := store.Acquire(ctx, "session:tenant-rel", "holder-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A foreign release leaves the lease in place.
	if err := store.Release(ctx, "session:tenant-rel", "intruder"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, err := store.Acquire(ctx, "session:tenant-rel", "holder-b", time.Minute); !errors.Is(err, core.ErrLeaseContention) {
		t.Fatalf("expected lease still held after foreign release, got %v", err)
	}

	if err := store.Release(ctx, "session:tenant-rel", "holder-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, "session:tenant-rel", "holder-a"); err != nil {
		t.Fatalf("repeat release: %v", err)
	}

	if _, err := store.Acquire(ctx, "session:tenant-rel", "holder-b", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLeaseStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewLeaseStore(client.DB())
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}

	const workers = 16
	type result struct {
		holder string
		err    error
	}
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := fmt.Sprintf("holder_%d", i)
			_, callErr := store.Acquire(ctx, "session:tenant-race", holder, time.Minute)
			results <- result{holder: holder, err: callErr}
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	contended := 0
	for item := range results {
		switch {
		case item.err == nil:
			winners++
		case errors.Is(item.err, core.ErrLeaseContention):
			contended++
		default:
			t.Fatalf("parallel acquire %s: %v", item.holder, item.err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one lease winner, got %d", winners)
	}
	if contended != workers-1 {
		t.Fatalf("expected %d contended acquires, got %d", workers-1, contended)
	}
}
