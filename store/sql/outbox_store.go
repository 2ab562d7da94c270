package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/uptrace/bun"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

// OutboxStore queues committed transition events for at-least-once
// delivery. Rows normally arrive through the session store commit path;
// Enqueue exists for callers that publish outside a transition.
type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxRecord]
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{db: db, repo: repo}, nil
}

func (s *OutboxStore) Enqueue(ctx context.Context, event core.TransitionEvent) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	event.ID = strings.TrimSpace(event.ID)
	event.Name = strings.TrimSpace(event.Name)
	event.TenantID = strings.TrimSpace(event.TenantID)
	if event.ID == "" {
		return fmt.Errorf("sqlstore: outbox event id is required")
	}
	if event.Name == "" {
		return fmt.Errorf("sqlstore: outbox event name is required")
	}
	if event.TenantID == "" {
		return fmt.Errorf("sqlstore: outbox tenant id is required")
	}

	event.OccurredAt = event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	record := newOutboxRecord(event, time.Now().UTC())
	record.ID = uuid.NewString()

	_, err := s.repo.Create(ctx, record)
	return err
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.TransitionEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	var records []outboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM session_outbox
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY occurred_at ASC
	LIMIT ?
)
UPDATE session_outbox
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	event_name,
	tenant_id,
	from_state,
	to_state,
	reason,
	actor,
	source,
	payload,
	metadata,
	status,
	attempts,
	last_error,
	next_attempt_at,
	occurred_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			outboxStatusPending,
			now,
			limit,
			outboxStatusProcessing,
			now,
			outboxStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.TransitionEvent, 0, len(records))
	for _, record := range records {
		event := record.toEvent()
		event.Metadata[core.MetadataKeyOutboxAttempts] = record.Attempts
		events = append(events, event)
	}
	return events, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", outboxStatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	status := outboxStatusPending
	var next *time.Time
	if !nextAttemptAt.IsZero() {
		nextValue := nextAttemptAt.UTC()
		next = &nextValue
	} else {
		status = outboxStatusFailed
	}

	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", status).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}
