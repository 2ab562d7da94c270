package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type sessionRecord struct {
	bun.BaseModel `bun:"table:session_records,alias:sr"`

	ID                string     `bun:"id,pk"`
	TenantID          string     `bun:"tenant_id,notnull"`
	State             string     `bun:"state,notnull"`
	FingerprintHash   string     `bun:"fingerprint_hash"`
	FingerprintSize   int64      `bun:"fingerprint_size"`
	FingerprintMarker string     `bun:"fingerprint_marker"`
	LastError         string     `bun:"last_error"`
	LastValidatedAt   *time.Time `bun:"last_validated_at,nullzero"`
	RevokedAt         *time.Time `bun:"revoked_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type ticketRecord struct {
	bun.BaseModel `bun:"table:ticket_records,alias:tr"`

	ID                string     `bun:"id,pk"`
	TenantID          string     `bun:"tenant_id,notnull"`
	Kind              string     `bun:"kind,notnull"`
	Status            string     `bun:"status,notnull"`
	ChallengeID       string     `bun:"challenge_id"`
	Payload           []byte     `bun:"payload"`
	AttemptCount      int        `bun:"attempt_count,notnull"`
	ResolutionOutcome string     `bun:"resolution_outcome"`
	ResolutionState   string     `bun:"resolution_state"`
	ResolvedAt        *time.Time `bun:"resolved_at,nullzero"`
	ExpiresAt         time.Time  `bun:"expires_at,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:credential_records,alias:cr"`

	ID                string    `bun:"id,pk"`
	TenantID          string    `bun:"tenant_id,notnull"`
	Sealed            []byte    `bun:"sealed,notnull"`
	Marker            string    `bun:"marker,notnull"`
	FingerprintHash   string    `bun:"fingerprint_hash,notnull"`
	FingerprintSize   int64     `bun:"fingerprint_size,notnull"`
	FingerprintMarker string    `bun:"fingerprint_marker,notnull"`
	Version           int64     `bun:"version,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type leaseRecord struct {
	bun.BaseModel `bun:"table:session_leases,alias:sl"`

	ID              string    `bun:"id,pk"`
	ResourceKey     string    `bun:"resource_key,notnull"`
	HolderToken     string    `bun:"holder_token,notnull"`
	AcquiredAt      time.Time `bun:"acquired_at,notnull"`
	ExpiresAt       time.Time `bun:"expires_at,notnull"`
	LastHeartbeatAt time.Time `bun:"last_heartbeat_at,notnull"`
}

type transitionRecord struct {
	bun.BaseModel `bun:"table:session_transitions,alias:stn"`

	ID         string         `bun:"id,pk"`
	TenantID   string         `bun:"tenant_id,notnull"`
	Seq        int64          `bun:"seq,notnull"`
	FromState  string         `bun:"from_state,notnull"`
	ToState    string         `bun:"to_state,notnull"`
	Reason     string         `bun:"reason,notnull"`
	Actor      string         `bun:"actor"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,notnull"`
	OccurredAt time.Time      `bun:"occurred_at,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type outboxRecord struct {
	bun.BaseModel `bun:"table:session_outbox,alias:sox"`

	ID            string         `bun:"id,pk"`
	EventID       string         `bun:"event_id,notnull"`
	EventName     string         `bun:"event_name,notnull"`
	TenantID      string         `bun:"tenant_id,notnull"`
	FromState     string         `bun:"from_state"`
	ToState       string         `bun:"to_state"`
	Reason        string         `bun:"reason"`
	Actor         string         `bun:"actor"`
	Source        string         `bun:"source"`
	Payload       map[string]any `bun:"payload,type:jsonb,notnull"`
	Metadata      map[string]any `bun:"metadata,type:jsonb,notnull"`
	Status        string         `bun:"status,notnull"`
	Attempts      int            `bun:"attempts,notnull"`
	LastError     string         `bun:"last_error"`
	NextAttemptAt *time.Time     `bun:"next_attempt_at,nullzero"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type breakerStateRecord struct {
	bun.BaseModel `bun:"table:breaker_states,alias:bst"`

	ID            string     `bun:"id,pk"`
	Endpoint      string     `bun:"endpoint,notnull"`
	Circuit       string     `bun:"circuit,notnull"`
	Failures      int        `bun:"failures,notnull"`
	WindowStart   *time.Time `bun:"window_start,nullzero"`
	OpenedAt      *time.Time `bun:"opened_at,nullzero"`
	RetryAt       *time.Time `bun:"retry_at,nullzero"`
	ProbeInFlight bool       `bun:"probe_in_flight,notnull"`
	LastFailure   string     `bun:"last_failure"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
