package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSessionStateTransition = errors.New("core: invalid session state transition")
	ErrInvalidTicketStatusTransition = errors.New("core: invalid ticket status transition")
	ErrInvalidTicketKind             = errors.New("core: invalid ticket kind")
	ErrInvalidFinalizeOutcome        = errors.New("core: invalid finalize outcome")
	ErrUnknownSessionState           = errors.New("core: unknown session state")
)

type SessionState string

const (
	SessionStateAbsent          SessionState = "absent"
	SessionStatePendingQR       SessionState = "pending_qr"
	SessionStatePendingCode     SessionState = "pending_code"
	SessionStatePendingPassword SessionState = "pending_password"
	SessionStateAuthorized      SessionState = "authorized"
	SessionStateStale           SessionState = "stale"
	SessionStateRevoked         SessionState = "revoked"
)

// Pending reports whether the session is waiting on an active ticket.
func (s SessionState) Pending() bool {
	switch s {
	case SessionStatePendingQR, SessionStatePendingCode, SessionStatePendingPassword:
		return true
	default:
		return false
	}
}

func ParseSessionState(raw string) (SessionState, error) {
	state := SessionState(strings.TrimSpace(strings.ToLower(raw)))
	switch state {
	case SessionStateAbsent, SessionStatePendingQR, SessionStatePendingCode,
		SessionStatePendingPassword, SessionStateAuthorized, SessionStateStale,
		SessionStateRevoked:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSessionState, raw)
	}
}

// Session is the authoritative per-tenant record. It is mutated only while
// the mutating process holds the tenant's lease.
// Canonical transition reasons. Every committed state change records one of
// these on its audit entry, and the outbox event name is derived from it.
const (
	TransitionReasonStartQR            = "start_qr"
	TransitionReasonStartCode          = "start_code"
	TransitionReasonTwoFactorRequested = "upstream_requests_2fa"
	TransitionReasonChallengeConfirmed = "challenge_confirmed"
	TransitionReasonChallengeRejected  = "challenge_rejected"
	TransitionReasonTicketExpired      = "ticket_expired"
	TransitionReasonPasswordVerified   = "password_verified"
	TransitionReasonPasswordExhausted  = "password_attempts_exhausted"
	TransitionReasonValidationFailed   = "validation_failed"
	TransitionReasonValidationOK       = "validation_succeeded"
	TransitionReasonManualRevoke       = "manual_revoke"
	TransitionReasonRecoverySucceeded  = "recovery_succeeded"
	TransitionReasonRecoveryExhausted  = "recovery_exhausted"
	TransitionReasonUpstreamRevoked    = "upstream_revoked"
	TransitionReasonReset              = "reset"
	TransitionReasonTamperDetected     = "tamper_detected"
)

type Session struct {
	TenantID        string
	State           SessionState
	Fingerprint     Fingerprint
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastValidatedAt time.Time
	RevokedAt       *time.Time
}

func (s *Session) TransitionTo(state SessionState, reason string, now time.Time) error {
	if s == nil {
		return nil
	}
	if s.State == state {
		s.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			s.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !sessionTransitionAllowed(s.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSessionStateTransition, s.State, state)
	}
	s.State = state
	s.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		s.LastError = strings.TrimSpace(reason)
	}
	switch state {
	case SessionStateAuthorized:
		s.LastError = ""
		s.RevokedAt = nil
	case SessionStateRevoked:
		revokedAt := now
		s.RevokedAt = &revokedAt
	case SessionStateAbsent:
		s.Fingerprint = Fingerprint{}
		s.LastValidatedAt = time.Time{}
	}
	return nil
}

func sessionTransitionAllowed(current, next SessionState) bool {
	allowed := map[SessionState]map[SessionState]struct{}{
		SessionStateAbsent: {
			SessionStatePendingQR:   {},
			SessionStatePendingCode: {},
		},
		SessionStatePendingQR: {
			SessionStatePendingPassword: {},
			SessionStateAuthorized:      {},
			SessionStateAbsent:          {},
		},
		SessionStatePendingCode: {
			SessionStatePendingPassword: {},
			SessionStateAuthorized:      {},
			SessionStateAbsent:          {},
		},
		SessionStatePendingPassword: {
			SessionStateAuthorized: {},
			SessionStateAbsent:     {},
		},
		SessionStateAuthorized: {
			SessionStateStale:   {},
			SessionStateRevoked: {},
		},
		SessionStateStale: {
			SessionStateAuthorized: {},
			SessionStateAbsent:     {},
			SessionStateRevoked:    {},
		},
		SessionStateRevoked: {
			SessionStateAbsent: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type TicketKind string

const (
	TicketKindQR   TicketKind = "qr"
	TicketKindCode TicketKind = "code"
)

func ParseTicketKind(raw string) (TicketKind, error) {
	kind := TicketKind(strings.TrimSpace(strings.ToLower(raw)))
	switch kind {
	case TicketKindQR, TicketKindCode:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTicketKind, raw)
	}
}

// PendingState maps the ticket kind to the session state a freshly created
// ticket puts its owning tenant into.
func (k TicketKind) PendingState() SessionState {
	if k == TicketKindCode {
		return SessionStatePendingCode
	}
	return SessionStatePendingQR
}

type TicketStatus string

const (
	TicketStatusPending          TicketStatus = "pending"
	TicketStatusScanned          TicketStatus = "scanned"
	TicketStatusPasswordRequired TicketStatus = "password_required"
	TicketStatusFinalized        TicketStatus = "finalized"
	TicketStatusExpired          TicketStatus = "expired"
)

// Terminal reports whether the ticket can never change status again.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusFinalized || s == TicketStatusExpired
}

type FinalizeOutcome string

const (
	// FinalizeOutcomeConfirmed records a successful challenge confirmation.
	FinalizeOutcomeConfirmed FinalizeOutcome = "confirmed"
	// FinalizeOutcomeRejected records an explicit upstream rejection.
	FinalizeOutcomeRejected FinalizeOutcome = "rejected"
	// FinalizeOutcomeTwoFactor records an upstream request for the second
	// factor; the ticket stays open in password_required.
	FinalizeOutcomeTwoFactor FinalizeOutcome = "two_factor_required"
	// FinalizeOutcomeExpired records TTL expiry observed by the sweep or a
	// lazy read.
	FinalizeOutcomeExpired FinalizeOutcome = "expired"
	// FinalizeOutcomeScanned is a progress signal: the challenge was picked
	// up on the device but not yet confirmed. The ticket stays open.
	FinalizeOutcomeScanned FinalizeOutcome = "scanned"
)

// Terminal reports whether the outcome closes the ticket.
func (o FinalizeOutcome) Terminal() bool {
	switch o {
	case FinalizeOutcomeConfirmed, FinalizeOutcomeRejected, FinalizeOutcomeExpired:
		return true
	default:
		return false
	}
}

func ParseFinalizeOutcome(raw string) (FinalizeOutcome, error) {
	outcome := FinalizeOutcome(strings.TrimSpace(strings.ToLower(raw)))
	switch outcome {
	case FinalizeOutcomeConfirmed, FinalizeOutcomeRejected,
		FinalizeOutcomeTwoFactor, FinalizeOutcomeExpired,
		FinalizeOutcomeScanned:
		return outcome, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFinalizeOutcome, raw)
	}
}

// TicketResolution is the stored result of a finalize so replays of an
// already-finalized ticket return the original answer without side effects.
type TicketResolution struct {
	Outcome    FinalizeOutcome
	State      SessionState
	ResolvedAt time.Time
}

// Ticket is one pending authentication challenge. A tenant has at most one
// non-terminal ticket at a time.
type Ticket struct {
	ID           string
	TenantID     string
	Kind         TicketKind
	Status       TicketStatus
	ChallengeID  string
	Payload      []byte
	AttemptCount int
	Resolution   *TicketResolution
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

func (t *Ticket) TransitionTo(status TicketStatus, now time.Time) error {
	if t == nil {
		return nil
	}
	if t.Status == status {
		t.UpdatedAt = now
		return nil
	}
	if !ticketTransitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTicketStatusTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = now
	return nil
}

func ticketTransitionAllowed(current, next TicketStatus) bool {
	allowed := map[TicketStatus]map[TicketStatus]struct{}{
		TicketStatusPending: {
			TicketStatusScanned:          {},
			TicketStatusPasswordRequired: {},
			TicketStatusFinalized:        {},
			TicketStatusExpired:          {},
		},
		TicketStatusScanned: {
			TicketStatusPasswordRequired: {},
			TicketStatusFinalized:        {},
			TicketStatusExpired:          {},
		},
		TicketStatusPasswordRequired: {
			TicketStatusFinalized: {},
			TicketStatusExpired:   {},
		},
		TicketStatusFinalized: {},
		TicketStatusExpired:   {},
	}
	_, ok := allowed[current][next]
	return ok
}

// Expired reports whether the ticket TTL has passed. A ticket whose
// expires_at equals now is already expired.
func (t *Ticket) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.After(now)
}

// Active reports whether the ticket still gates its tenant's session.
func (t *Ticket) Active(now time.Time) bool {
	if t == nil {
		return false
	}
	return !t.Status.Terminal() && !t.Expired(now)
}

// Lease is the ephemeral exclusive claim on a tenant's mutation rights. It
// lives only in the coordination store and is never treated as durable.
type Lease struct {
	ResourceKey     string
	HolderToken     string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
}

func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// TransitionRecord is the append-only audit entry for one committed state
// change. Seq is monotonic per tenant.
type TransitionRecord struct {
	ID         string
	TenantID   string
	Seq        int64
	FromState  SessionState
	ToState    SessionState
	Reason     string
	Actor      string
	OccurredAt time.Time
	Metadata   map[string]any
}

// TransitionEvent is the outbox envelope derived from a TransitionRecord.
// Delivery is at-least-once; consumers dedupe on ID.
type TransitionEvent struct {
	ID         string
	Name       string
	TenantID   string
	FromState  SessionState
	ToState    SessionState
	Reason     string
	Actor      string
	Source     string
	OccurredAt time.Time
	Payload    map[string]any
	Metadata   map[string]any
}

func copyAnyMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
