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
	"github.com/uptrace/bun"
)

// SessionStore persists the authoritative per-tenant session records.
// ApplyTransition commits the session row, its audit entry, the optional
// outbox event, and the optional ticket snapshot in one transaction so a
// crash never leaves a state change without its trail.
type SessionStore struct {
	db   *bun.DB
	repo repository.Repository[*sessionRecord]
}

func NewSessionStore(db *bun.DB) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*sessionRecord](db, sessionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &SessionStore{db: db, repo: repo}, nil
}

func (s *SessionStore) Get(ctx context.Context, tenantID string) (core.Session, error) {
	if s == nil || s.db == nil {
		return core.Session{}, fmt.Errorf("sqlstore: session store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return core.Session{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	record := new(sessionRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Session{}, fmt.Errorf("%w: tenant %s", core.ErrSessionNotFound, trimmed)
		}
		return core.Session{}, err
	}
	return record.toDomain(), nil
}

func (s *SessionStore) GetOrCreate(ctx context.Context, tenantID string, now time.Time) (core.Session, error) {
	if s == nil || s.db == nil {
		return core.Session{}, fmt.Errorf("sqlstore: session store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return core.Session{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	session, err := s.Get(ctx, trimmed)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, core.ErrSessionNotFound) {
		return core.Session{}, err
	}

	record := newSessionRecord(core.Session{
		TenantID:  trimmed,
		State:     core.SessionStateAbsent,
		CreatedAt: now,
		UpdatedAt: now,
	})
	record.ID = uuid.NewString()
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		// A concurrent caller won the insert race; their row is the session.
		if isUniqueViolation(err) {
			return s.Get(ctx, trimmed)
		}
		return core.Session{}, err
	}
	return record.toDomain(), nil
}

func (s *SessionStore) ApplyTransition(ctx context.Context, in core.ApplyTransitionInput) (core.Session, error) {
	if s == nil || s.db == nil {
		return core.Session{}, fmt.Errorf("sqlstore: session store is not configured")
	}
	tenantID := strings.TrimSpace(in.Session.TenantID)
	if tenantID == "" {
		return core.Session{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		seq, seqErr := nextTransitionSeqTx(ctx, tx, tenantID)
		if seqErr != nil {
			return seqErr
		}

		record := in.Record
		record.TenantID = tenantID
		record.Seq = seq
		if strings.TrimSpace(record.ID) == "" {
			record.ID = uuid.NewString()
		}
		if _, insertErr := tx.NewInsert().Model(newTransitionRecord(record)).Exec(ctx); insertErr != nil {
			// The (tenant_id, seq) unique index caught a concurrent writer,
			// so lease exclusivity was broken. Roll everything back.
			if isUniqueViolation(insertErr) {
				return fmt.Errorf("%w: transition seq %d already committed for tenant %s",
					core.ErrLeaseLost, seq, tenantID)
			}
			return insertErr
		}

		if upsertErr := upsertSessionTx(ctx, tx, in.Session); upsertErr != nil {
			return upsertErr
		}

		if in.Event != nil {
			eventRow := newOutboxRecord(*in.Event, time.Now().UTC())
			eventRow.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(eventRow).Exec(ctx); insertErr != nil {
				return insertErr
			}
		}
		if in.Ticket != nil {
			if upsertErr := upsertTicketTx(ctx, tx, *in.Ticket); upsertErr != nil {
				return upsertErr
			}
		}
		return nil
	})
	if err != nil {
		return core.Session{}, err
	}
	return in.Session, nil
}

func (s *SessionStore) ListByState(ctx context.Context, state core.SessionState, limit int) ([]core.Session, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: session store is not configured")
	}

	var records []*sessionRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.state = ?", string(state)).
		OrderExpr("?TableAlias.tenant_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}

	sessions := make([]core.Session, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, record.toDomain())
	}
	return sessions, nil
}

func nextTransitionSeqTx(ctx context.Context, tx bun.Tx, tenantID string) (int64, error) {
	var maxSeq int64
	if err := tx.NewSelect().
		Model((*transitionRecord)(nil)).
		ColumnExpr("COALESCE(MAX(seq), 0)").
		Where("?TableAlias.tenant_id = ?", tenantID).
		Scan(ctx, &maxSeq); err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}

func findSessionTx(ctx context.Context, tx bun.Tx, tenantID string) (*sessionRecord, error) {
	record := new(sessionRecord)
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
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

func upsertSessionTx(ctx context.Context, tx bun.Tx, session core.Session) error {
	existing, err := findSessionTx(ctx, tx, session.TenantID)
	if err != nil {
		return err
	}

	record := newSessionRecord(session)
	if existing == nil {
		record.ID = uuid.NewString()
		_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
		return insertErr
	}

	record.ID = existing.ID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	_, updateErr := tx.NewUpdate().
		Model(record).
		Where("id = ?", record.ID).
		Exec(ctx)
	return updateErr
}

func upsertTicketTx(ctx context.Context, tx bun.Tx, ticket core.Ticket) error {
	ticketID := strings.TrimSpace(ticket.ID)
	if ticketID == "" {
		return fmt.Errorf("sqlstore: ticket id is required")
	}

	existing := new(ticketRecord)
	err := tx.NewSelect().
		Model(existing).
		Where("?TableAlias.id = ?", ticketID).
		Limit(1).
		Scan(ctx)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	record := newTicketRecord(ticket)
	if err == sql.ErrNoRows {
		_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
		return insertErr
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	_, updateErr := tx.NewUpdate().
		Model(record).
		Where("id = ?", record.ID).
		Exec(ctx)
	return updateErr
}
