package sqlstore

import (
	"context"
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/uptrace/bun"
)

// TransitionLogStore reads the append-only audit log the session store
// writes. The log itself has no mutators here; rows only ever arrive
// through ApplyTransition.
type TransitionLogStore struct {
	db   *bun.DB
	repo repository.Repository[*transitionRecord]
}

func NewTransitionLogStore(db *bun.DB) (*TransitionLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*transitionRecord](db, transitionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &TransitionLogStore{db: db, repo: repo}, nil
}

func (s *TransitionLogStore) List(ctx context.Context, filter core.TransitionFilter) (core.TransitionPage, error) {
	if s == nil || s.db == nil {
		return core.TransitionPage{}, fmt.Errorf("sqlstore: transition log store is not configured")
	}
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return core.TransitionPage{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	var records []*transitionRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.seq > ?", filter.AfterSeq).
		OrderExpr("?TableAlias.seq ASC")
	if filter.Limit > 0 {
		// One extra row decides HasMore without a second count query.
		query = query.Limit(filter.Limit + 1)
	}
	if err := query.Scan(ctx); err != nil {
		return core.TransitionPage{}, err
	}

	page := core.TransitionPage{Records: []core.TransitionRecord{}}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
		page.HasMore = true
	}
	for _, record := range records {
		page.Records = append(page.Records, record.toDomain())
	}
	if len(page.Records) > 0 {
		page.NextSeq = page.Records[len(page.Records)-1].Seq
	} else {
		page.NextSeq = filter.AfterSeq
	}
	return page, nil
}
