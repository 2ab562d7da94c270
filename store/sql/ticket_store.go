package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/uptrace/bun"
)

// TicketStore persists challenge tickets. Create enforces the
// one-active-ticket-per-tenant rule; the session store commit path upserts
// tickets directly because the tenant lease already serializes writers.
type TicketStore struct {
	db   *bun.DB
	repo repository.Repository[*ticketRecord]
}

func NewTicketStore(db *bun.DB) (*TicketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*ticketRecord](db, ticketHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &TicketStore{db: db, repo: repo}, nil
}

func (s *TicketStore) Create(ctx context.Context, ticket core.Ticket) (core.Ticket, error) {
	if s == nil || s.db == nil {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket store is not configured")
	}
	if strings.TrimSpace(ticket.ID) == "" {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket id is required")
	}
	tenantID := strings.TrimSpace(ticket.TenantID)
	if tenantID == "" {
		return core.Ticket{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	now := time.Now().UTC()
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		active, countErr := tx.NewSelect().
			Model((*ticketRecord)(nil)).
			Where("?TableAlias.tenant_id = ?", tenantID).
			Where("?TableAlias.status <> ?", string(core.TicketStatusFinalized)).
			Where("?TableAlias.status <> ?", string(core.TicketStatusExpired)).
			Where("?TableAlias.expires_at > ?", now).
			Count(ctx)
		if countErr != nil {
			return countErr
		}
		if active > 0 {
			return fmt.Errorf("%w: tenant %s", core.ErrActiveTicketExists, tenantID)
		}

		_, insertErr := tx.NewInsert().Model(newTicketRecord(ticket)).Exec(ctx)
		return insertErr
	})
	if err != nil {
		return core.Ticket{}, err
	}
	return ticket, nil
}

func (s *TicketStore) Get(ctx context.Context, ticketID string) (core.Ticket, error) {
	if s == nil || s.db == nil {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket store is not configured")
	}
	trimmed := strings.TrimSpace(ticketID)
	if trimmed == "" {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket id is required")
	}

	record := new(ticketRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Ticket{}, fmt.Errorf("%w: %s", core.ErrTicketNotFound, trimmed)
		}
		return core.Ticket{}, err
	}
	return record.toDomain(), nil
}

func (s *TicketStore) GetActiveByTenant(ctx context.Context, tenantID string) (core.Ticket, error) {
	if s == nil || s.db == nil {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return core.Ticket{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	record := new(ticketRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", trimmed).
		Where("?TableAlias.status <> ?", string(core.TicketStatusFinalized)).
		Where("?TableAlias.status <> ?", string(core.TicketStatusExpired)).
		Where("?TableAlias.expires_at > ?", time.Now().UTC()).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Ticket{}, fmt.Errorf("%w: tenant %s", core.ErrTicketNotFound, trimmed)
		}
		return core.Ticket{}, err
	}
	return record.toDomain(), nil
}

func (s *TicketStore) Update(ctx context.Context, ticket core.Ticket) (core.Ticket, error) {
	if s == nil || s.db == nil {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket store is not configured")
	}
	ticketID := strings.TrimSpace(ticket.ID)
	if ticketID == "" {
		return core.Ticket{}, fmt.Errorf("sqlstore: ticket id is required")
	}

	record := newTicketRecord(ticket)
	result, err := s.db.NewUpdate().
		Model(record).
		Where("id = ?", ticketID).
		Exec(ctx)
	if err != nil {
		return core.Ticket{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.Ticket{}, err
	}
	if affected == 0 {
		return core.Ticket{}, fmt.Errorf("%w: %s", core.ErrTicketNotFound, ticketID)
	}
	return ticket, nil
}

func (s *TicketStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]core.Ticket, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: ticket store is not configured")
	}

	var records []*ticketRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status <> ?", string(core.TicketStatusFinalized)).
		Where("?TableAlias.status <> ?", string(core.TicketStatusExpired)).
		Where("?TableAlias.expires_at <= ?", asOf).
		OrderExpr("?TableAlias.expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}

	tickets := make([]core.Ticket, 0, len(records))
	for _, record := range records {
		tickets = append(tickets, record.toDomain())
	}
	return tickets, nil
}
