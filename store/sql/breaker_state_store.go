package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/breaker"
	"github.com/uptrace/bun"
)

// BreakerStateStore persists per-endpoint circuit state so breaker
// decisions survive process restarts and are shared across nodes.
type BreakerStateStore struct {
	db   *bun.DB
	repo repository.Repository[*breakerStateRecord]
}

func NewBreakerStateStore(db *bun.DB) (*BreakerStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*breakerStateRecord](db, breakerStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &BreakerStateStore{db: db, repo: repo}, nil
}

func (s *BreakerStateStore) Get(ctx context.Context, endpoint string) (breaker.State, error) {
	if s == nil || s.db == nil {
		return breaker.State{}, fmt.Errorf("sqlstore: breaker state store is not configured")
	}
	endpoint = normalizeBreakerEndpoint(endpoint)
	if endpoint == "" {
		return breaker.State{}, fmt.Errorf("sqlstore: breaker endpoint is required")
	}

	record := new(breakerStateRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.endpoint = ?", endpoint).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return breaker.State{}, breaker.ErrStateNotFound
		}
		return breaker.State{}, err
	}
	return record.toDomain(), nil
}

func (s *BreakerStateStore) Upsert(ctx context.Context, state breaker.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: breaker state store is not configured")
	}
	endpoint := normalizeBreakerEndpoint(state.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("sqlstore: breaker endpoint is required")
	}
	state.Endpoint = endpoint
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findBreakerStateTx(ctx, tx, endpoint)
		if findErr != nil {
			return findErr
		}

		record := newBreakerStateRecord(state, now)
		if existing == nil {
			record.ID = uuid.NewString()
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}

		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

func findBreakerStateTx(ctx context.Context, tx bun.Tx, endpoint string) (*breakerStateRecord, error) {
	record := new(breakerStateRecord)
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.endpoint = ?", endpoint).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func newBreakerStateRecord(state breaker.State, now time.Time) *breakerStateRecord {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return &breakerStateRecord{
		Endpoint:      state.Endpoint,
		Circuit:       string(state.Circuit),
		Failures:      state.Failures,
		WindowStart:   timeToPointer(state.WindowStart),
		OpenedAt:      copyTimePointer(state.OpenedAt),
		RetryAt:       copyTimePointer(state.RetryAt),
		ProbeInFlight: state.ProbeInFlight,
		LastFailure:   state.LastFailure,
		CreatedAt:     now,
		UpdatedAt:     updatedAt,
	}
}

func normalizeBreakerEndpoint(endpoint string) string {
	return strings.TrimSpace(strings.ToLower(endpoint))
}
