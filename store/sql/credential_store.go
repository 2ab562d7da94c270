package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/uptrace/bun"
)

// CredentialStore owns the sealed credential blob and its fingerprint
// sidecar columns. Write stamps a fresh modification marker, recomputes the
// fingerprint over the sealed bytes, and bumps the version, all in one
// transaction so blob and sidecar can never disagree after a crash.
type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*credentialRecord]
}

func NewCredentialStore(db *bun.DB) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &CredentialStore{db: db, repo: repo}, nil
}

func (s *CredentialStore) Read(ctx context.Context, tenantID string) (core.StoredCredential, error) {
	if s == nil || s.db == nil {
		return core.StoredCredential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return core.StoredCredential{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	record := new(credentialRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.StoredCredential{}, fmt.Errorf("%w: tenant %s", core.ErrCredentialNotFound, trimmed)
		}
		return core.StoredCredential{}, err
	}
	return record.toStored(), nil
}

func (s *CredentialStore) Write(ctx context.Context, tenantID string, sealed []byte) (core.StoredCredential, error) {
	if s == nil || s.db == nil {
		return core.StoredCredential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return core.StoredCredential{}, fmt.Errorf("sqlstore: tenant id is required")
	}

	now := time.Now().UTC()
	var stored core.StoredCredential
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findCredentialTx(ctx, tx, trimmed)
		if findErr != nil {
			return findErr
		}

		marker := uuid.NewString()
		fingerprint := core.ComputeFingerprint(sealed, marker)
		record := &credentialRecord{
			TenantID:          trimmed,
			Sealed:            append([]byte(nil), sealed...),
			Marker:            marker,
			FingerprintHash:   fingerprint.Hash,
			FingerprintSize:   fingerprint.Size,
			FingerprintMarker: fingerprint.Marker,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		if existing == nil {
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
			stored = record.toStored()
			return nil
		}

		record.ID = existing.ID
		record.Version = existing.Version + 1
		record.CreatedAt = existing.CreatedAt
		if _, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		stored = record.toStored()
		return nil
	})
	if err != nil {
		return core.StoredCredential{}, err
	}
	return stored, nil
}

func (s *CredentialStore) Delete(ctx context.Context, tenantID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return fmt.Errorf("sqlstore: tenant id is required")
	}

	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("tenant_id = ?", trimmed).
		Exec(ctx)
	return err
}

func findCredentialTx(ctx context.Context, tx bun.Tx, tenantID string) (*credentialRecord, error) {
	record := new(credentialRecord)
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
