package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// LeaseStore implements coordination leases on a plain SQL table. The
// unique index on resource_key turns Acquire into an atomic set-if-absent:
// the insert either wins the row or collides with the live holder.
type LeaseStore struct {
	db   *bun.DB
	repo repository.Repository[*leaseRecord]
}

func NewLeaseStore(db *bun.DB) (*LeaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*leaseRecord](db, leaseHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &LeaseStore{db: db, repo: repo}, nil
}

func (s *LeaseStore) Acquire(ctx context.Context, resourceKey, holderToken string, ttl time.Duration) (core.Lease, error) {
	if s == nil || s.db == nil {
		return core.Lease{}, fmt.Errorf("sqlstore: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)
	if resourceKey == "" {
		return core.Lease{}, fmt.Errorf("sqlstore: lease resource key is required")
	}
	if holderToken == "" {
		return core.Lease{}, fmt.Errorf("sqlstore: lease holder token is required")
	}
	if ttl <= 0 {
		ttl = core.DefaultConfig().Lease.TTL
	}
	now := time.Now().UTC()

	// An expired row counts as absent.
	if _, err := s.db.NewDelete().
		Model((*leaseRecord)(nil)).
		Where("resource_key = ?", resourceKey).
		Where("expires_at <= ?", now).
		Exec(ctx); err != nil {
		return core.Lease{}, err
	}

	record := &leaseRecord{
		ID:              uuid.NewString(),
		ResourceKey:     resourceKey,
		HolderToken:     holderToken,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastHeartbeatAt: now,
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	if err == nil {
		return record.toDomain(), nil
	}
	if !isUniqueViolation(err) {
		return core.Lease{}, err
	}

	// The row is live. Refresh it when we already hold it; anything else
	// is contention. The guarded update keeps acquired_at intact.
	result, updateErr := s.db.NewUpdate().
		Model((*leaseRecord)(nil)).
		Set("expires_at = ?", now.Add(ttl)).
		Set("last_heartbeat_at = ?", now).
		Where("resource_key = ?", resourceKey).
		Where("holder_token = ?", holderToken).
		Where("expires_at > ?", now).
		Exec(ctx)
	if updateErr != nil {
		return core.Lease{}, updateErr
	}
	affected, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return core.Lease{}, affectedErr
	}
	if affected == 0 {
		return core.Lease{}, core.ErrLeaseContention
	}
	return s.findByResourceKey(ctx, resourceKey)
}

func (s *LeaseStore) Renew(ctx context.Context, resourceKey, holderToken string, ttl time.Duration) (core.Lease, error) {
	if s == nil || s.db == nil {
		return core.Lease{}, fmt.Errorf("sqlstore: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)
	if resourceKey == "" || holderToken == "" {
		return core.Lease{}, fmt.Errorf("sqlstore: lease resource key and holder token are required")
	}
	if ttl <= 0 {
		ttl = core.DefaultConfig().Lease.TTL
	}
	now := time.Now().UTC()

	result, err := s.db.NewUpdate().
		Model((*leaseRecord)(nil)).
		Set("expires_at = ?", now.Add(ttl)).
		Set("last_heartbeat_at = ?", now).
		Where("resource_key = ?", resourceKey).
		Where("holder_token = ?", holderToken).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return core.Lease{}, err
	}
	affected, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return core.Lease{}, affectedErr
	}
	if affected == 0 {
		return core.Lease{}, core.ErrLeaseLost
	}
	return s.findByResourceKey(ctx, resourceKey)
}

func (s *LeaseStore) Release(ctx context.Context, resourceKey, holderToken string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: lease store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderToken = strings.TrimSpace(holderToken)
	if resourceKey == "" || holderToken == "" {
		return nil
	}

	_, err := s.db.NewDelete().
		Model((*leaseRecord)(nil)).
		Where("resource_key = ?", resourceKey).
		Where("holder_token = ?", holderToken).
		Exec(ctx)
	return err
}

func (s *LeaseStore) findByResourceKey(ctx context.Context, resourceKey string) (core.Lease, error) {
	record := new(leaseRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.resource_key = ?", resourceKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Lease{}, core.ErrLeaseLost
		}
		return core.Lease{}, err
	}
	return record.toDomain(), nil
}

// isUniqueViolation matches the postgres and sqlite unique index errors so
// callers can treat an insert collision as a dedupe signal. Postgres reports
// a typed driver error; the sqlite driver only exposes the message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
