package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// StartAuthRequest opens a new authentication challenge for a tenant.
type StartAuthRequest struct {
	TenantID string
	Kind     TicketKind
	Actor    string
	Gateway  string
	Metadata map[string]any
}

type StartAuthResponse struct {
	TicketID         string
	State            SessionState
	ChallengePayload []byte
	ExpiresAt        time.Time
}

type SessionStatus struct {
	TenantID        string
	State           SessionState
	TicketID        string
	TicketStatus    TicketStatus
	TicketExpiresAt time.Time
	LastValidatedAt time.Time
	RevokedAt       *time.Time
}

type SubmitPasswordRequest struct {
	TenantID string
	Password string
	Actor    string
	Gateway  string
}

type SubmitPasswordResponse struct {
	State             SessionState
	AttemptsRemaining int
}

// FinalizeCallbackRequest carries the out-of-band challenge decision. The
// signature and timestamp are verified before any state is touched; replays
// of already-finalized tickets return the stored result.
type FinalizeCallbackRequest struct {
	TicketID  string
	Outcome   FinalizeOutcome
	Payload   []byte
	Signature string
	Timestamp time.Time
	Actor     string
	Gateway   string
}

type FinalizeCallbackResponse struct {
	TenantID     string
	State        SessionState
	TicketStatus TicketStatus
	Replayed     bool
}

type RevokeRequest struct {
	TenantID string
	Reason   string
	Actor    string
	Gateway  string
}

type ResetRequest struct {
	TenantID string
	Actor    string
}

// AwaitTicketRequest blocks until the ticket resolves, expires, or the
// context is cancelled. The tenant lease is held with heartbeat for the
// whole wait.
type AwaitTicketRequest struct {
	TenantID string
	TicketID string
	Actor    string
	Gateway  string
	Timeout  time.Duration
}

type AwaitTicketResponse struct {
	TenantID     string
	State        SessionState
	TicketStatus TicketStatus
	Outcome      FinalizeOutcome
}

type RecoverRequest struct {
	TenantID string
	Actor    string
	Gateway  string
}

type RecoverResponse struct {
	TenantID string
	State    SessionState
	Attempts int
}

// SessionStore persists the authoritative per-tenant session row. All
// mutations that change state go through ApplyTransition, which must commit
// the session row, the transition record, the outbox event, and the optional
// ticket mutation in one consistency unit.
type SessionStore interface {
	Get(ctx context.Context, tenantID string) (Session, error)
	GetOrCreate(ctx context.Context, tenantID string, now time.Time) (Session, error)
	ApplyTransition(ctx context.Context, in ApplyTransitionInput) (Session, error)
	ListByState(ctx context.Context, state SessionState, limit int) ([]Session, error)
}

type ApplyTransitionInput struct {
	Session Session
	Record  TransitionRecord
	Event   *TransitionEvent
	Ticket  *Ticket
}

// TicketStore persists challenge tickets. Create must reject a second
// active ticket for the same tenant.
type TicketStore interface {
	Create(ctx context.Context, ticket Ticket) (Ticket, error)
	Get(ctx context.Context, ticketID string) (Ticket, error)
	GetActiveByTenant(ctx context.Context, tenantID string) (Ticket, error)
	Update(ctx context.Context, ticket Ticket) (Ticket, error)
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]Ticket, error)
}

// StoredCredential is the sealed blob plus its fingerprint sidecar as read
// back from durable storage. Marker is the modification marker the store
// stamped on the blob row at write time; the sidecar fingerprint embeds the
// same marker, so disagreement between the two is tampering.
type StoredCredential struct {
	TenantID    string
	Sealed      []byte
	Marker      string
	Fingerprint Fingerprint
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CredentialStore owns the blob and its fingerprint sidecar. Write computes
// the fingerprint and persists both in the same transaction; Delete removes
// both. Callers hold the tenant lease around every call.
type CredentialStore interface {
	Read(ctx context.Context, tenantID string) (StoredCredential, error)
	Write(ctx context.Context, tenantID string, sealed []byte) (StoredCredential, error)
	Delete(ctx context.Context, tenantID string) error
}

// LeaseStore is the coordination-store primitive under the LeaseCoordinator.
// Acquire is atomic set-if-absent; an expired row counts as absent. Renew
// and Release are no-ops for any holder but the named one.
type LeaseStore interface {
	Acquire(ctx context.Context, resourceKey, holderToken string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, resourceKey, holderToken string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, resourceKey, holderToken string) error
}

type TransitionFilter struct {
	TenantID string
	AfterSeq int64
	Limit    int
}

type TransitionPage struct {
	Records []TransitionRecord
	NextSeq int64
	HasMore bool
}

// TransitionLogStore reads the append-only audit trail. Appends happen only
// inside SessionStore.ApplyTransition.
type TransitionLogStore interface {
	List(ctx context.Context, filter TransitionFilter) (TransitionPage, error)
}

// OutboxStore holds committed transition events awaiting delivery. Enqueue
// is used by ApplyTransition implementations and by replays; ClaimBatch
// marks a batch in-flight for one dispatcher pass.
type OutboxStore interface {
	Enqueue(ctx context.Context, event TransitionEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]TransitionEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

// ReplayLedger records callback identities for the replay-protection window.
// Claim returns false when the key was already claimed inside the TTL.
type ReplayLedger interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TicketNotifier is the in-process rendezvous between a blocked AwaitTicket
// and a callback landing on the same process. Cross-process resolution rides
// on the store and the expiry sweep; correctness never depends on this.
type TicketNotifier interface {
	Subscribe(ticketID string) (<-chan TicketResolution, func())
	Publish(ticketID string, resolution TicketResolution)
}

// CircuitGate fronts every upstream endpoint call. Allow fails fast while
// the endpoint's circuit is open; Record feeds the outcome back.
type CircuitGate interface {
	Allow(ctx context.Context, endpoint string) error
	Record(ctx context.Context, endpoint string, callErr error)
}

// Upstream endpoint names used for circuit keying and observability.
const (
	UpstreamEndpointPair     = "pair"
	UpstreamEndpointAwait    = "await"
	UpstreamEndpointPassword = "password"
	UpstreamEndpointValidate = "validate"
	UpstreamEndpointLogout   = "logout"
)

type PairRequest struct {
	TenantID string
	Kind     TicketKind
	Metadata map[string]any
}

// PairChallenge is the opaque challenge the platform hands back: QR payload
// bytes or a numeric pairing code, plus the platform's own TTL hint.
type PairChallenge struct {
	ChallengeID string
	Payload     []byte
	ExpiresIn   time.Duration
	Metadata    map[string]any
}

type AwaitRequest struct {
	TenantID    string
	ChallengeID string
	Deadline    time.Time
}

// PairDecision is what the platform reports once the user acts on the
// challenge (or it times out upstream).
type PairDecision struct {
	Outcome    FinalizeOutcome
	Credential []byte
	Metadata   map[string]any
}

type PasswordRequest struct {
	TenantID    string
	ChallengeID string
	Password    string
}

type PasswordResult struct {
	Accepted   bool
	Rejected   bool
	Credential []byte
	Metadata   map[string]any
}

type ValidateRequest struct {
	TenantID   string
	Credential []byte
}

type ValidateResult struct {
	Valid    bool
	Revoked  bool
	Metadata map[string]any
}

type LogoutRequest struct {
	TenantID   string
	Credential []byte
}

// UpstreamGateway is the messaging platform boundary. Implementations wrap
// the platform protocol; the core only sees challenge/credential bytes.
type UpstreamGateway interface {
	Name() string
	BeginPair(ctx context.Context, req PairRequest) (PairChallenge, error)
	AwaitDecision(ctx context.Context, req AwaitRequest) (PairDecision, error)
	SubmitPassword(ctx context.Context, req PasswordRequest) (PasswordResult, error)
	Validate(ctx context.Context, req ValidateRequest) (ValidateResult, error)
	Logout(ctx context.Context, req LogoutRequest) error
}

// GatewayRegistry resolves named gateways (production, sandbox, devkit).
type GatewayRegistry interface {
	Register(gateway UpstreamGateway) error
	Get(name string) (UpstreamGateway, bool)
	List() []UpstreamGateway
}

// UpstreamError classifies a gateway failure for recovery decisions.
// Retryable failures feed the backoff loop; Revoked short-circuits to
// credential teardown.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Retryable  bool
	Revoked    bool
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "core: upstream error"
	}
	msg := fmt.Sprintf("core: upstream %s failed", e.Endpoint)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func IsUpstreamRevoked(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Revoked
	}
	return false
}

func IsUpstreamRetryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable
	}
	return false
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CallbackVerifier authenticates a finalize callback before the core trusts
// its payload: shared-secret signature plus bounded timestamp tolerance.
type CallbackVerifier interface {
	Verify(ctx context.Context, req FinalizeCallbackRequest) error
}

type StoreProvider interface {
	SessionStore() SessionStore
	TicketStore() TicketStore
	CredentialStore() CredentialStore
	LeaseStore() LeaseStore
	TransitionLogStore() TransitionLogStore
	OutboxStore() OutboxStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

type TransitionDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error)
}

type TransitionEventHandler interface {
	Handle(ctx context.Context, event TransitionEvent) error
}

// TransitionHandlerRegistry holds the downstream deliveries the dispatcher
// drains outbox events into, keyed by a stable name so registration stays
// idempotent across restarts.
type TransitionHandlerRegistry interface {
	Register(name string, handler TransitionEventHandler)
	Handlers() []TransitionEventHandler
}

type LifecycleHook interface {
	Name() string
	OnEvent(ctx context.Context, event TransitionEvent) error
}

// SessionService is the operation surface consumed by command and query
// handlers and by embedding hosts.
type SessionService interface {
	StartAuth(ctx context.Context, req StartAuthRequest) (StartAuthResponse, error)
	GetStatus(ctx context.Context, tenantID string) (SessionStatus, error)
	SubmitPassword(ctx context.Context, req SubmitPasswordRequest) (SubmitPasswordResponse, error)
	FinalizeCallback(ctx context.Context, req FinalizeCallbackRequest) (FinalizeCallbackResponse, error)
	Revoke(ctx context.Context, req RevokeRequest) error
	Reset(ctx context.Context, req ResetRequest) error
	AwaitTicket(ctx context.Context, req AwaitTicketRequest) (AwaitTicketResponse, error)
	SubmitTicketDecision(ctx context.Context, req SubmitTicketDecisionRequest) (FinalizeCallbackResponse, error)
	ExpireTickets(ctx context.Context, limit int) (ExpireSweepStats, error)
	Recover(ctx context.Context, req RecoverRequest) (RecoverResponse, error)
	EnsureFresh(ctx context.Context, tenantID string) (SessionStatus, error)
}

// SubmitTicketDecisionRequest is the trusted-path variant of a finalize:
// same transition semantics, no signature envelope. Used by AwaitTicket and
// by hosts that already authenticated the decision source.
type SubmitTicketDecisionRequest struct {
	TicketID   string
	Outcome    FinalizeOutcome
	Credential []byte
	Actor      string
	Gateway    string
}

type ExpireSweepStats struct {
	Scanned   int
	Expired   int
	Skipped   int
	Contended int
}

// RecoveryScanStats summarizes one pass over stale sessions. Retired counts
// tenants recovery folded down to absent or revoked, including teardowns
// that surfaced an error; per-tenant failures never stop the scan.
type RecoveryScanStats struct {
	Scanned   int
	Recovered int
	Retired   int
	Skipped   int
	Contended int
}

func normalizeTenantID(raw string) (string, error) {
	tenantID := strings.TrimSpace(raw)
	if tenantID == "" {
		return "", fmt.Errorf("core: tenant id is required")
	}
	return tenantID, nil
}
