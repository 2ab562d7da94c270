package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func requireTextCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q, got nil", code)
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected mapped error, got %T: %v", err, err)
	}
	if richErr.TextCode != code {
		t.Fatalf("expected text code %q, got %q (%v)", code, richErr.TextCode, err)
	}
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimSpace(string(ciphertext))
	if value == "" || !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return nil, fmt.Errorf("test secret provider: decode ciphertext: %w", err)
	}
	return decoded, nil
}

type zeroBackoff struct{}

func (zeroBackoff) NextDelay(int) time.Duration { return 0 }

type awaitStep struct {
	decision PairDecision
	err      error
}

type passwordStep struct {
	result PasswordResult
	err    error
}

type validateStep struct {
	result ValidateResult
	err    error
}

// testGateway is a scripted platform: each Await/Password/Validate call pops
// the next step; an empty script falls back to a benign default. AwaitDecision
// with no script blocks until the context ends, like a quiet long-poll.
type testGateway struct {
	mu            sync.Mutex
	name          string
	pairChallenge PairChallenge
	pairErr       error
	pairCalls     int
	awaitScript   []awaitStep
	passwordSteps []passwordStep
	passwordCalls int
	validateSteps []validateStep
	validateCalls int
	logoutErr     error
	logoutCalls   int
}

func newTestGateway(name string) *testGateway {
	if strings.TrimSpace(name) == "" {
		name = "testchat"
	}
	return &testGateway{
		name: name,
		pairChallenge: PairChallenge{
			ChallengeID: "chal_1",
			Payload:     []byte("qr-challenge-bytes"),
		},
	}
}

func (g *testGateway) Name() string { return g.name }

func (g *testGateway) BeginPair(_ context.Context, _ PairRequest) (PairChallenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pairCalls++
	if g.pairErr != nil {
		return PairChallenge{}, g.pairErr
	}
	return g.pairChallenge, nil
}

func (g *testGateway) AwaitDecision(ctx context.Context, _ AwaitRequest) (PairDecision, error) {
	g.mu.Lock()
	if len(g.awaitScript) > 0 {
		step := g.awaitScript[0]
		g.awaitScript = g.awaitScript[1:]
		g.mu.Unlock()
		return step.decision, step.err
	}
	g.mu.Unlock()
	<-ctx.Done()
	return PairDecision{}, ctx.Err()
}

func (g *testGateway) SubmitPassword(_ context.Context, _ PasswordRequest) (PasswordResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwordCalls++
	if len(g.passwordSteps) > 0 {
		step := g.passwordSteps[0]
		g.passwordSteps = g.passwordSteps[1:]
		return step.result, step.err
	}
	return PasswordResult{Accepted: true, Credential: []byte("credential-after-password")}, nil
}

func (g *testGateway) Validate(_ context.Context, _ ValidateRequest) (ValidateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validateCalls++
	if len(g.validateSteps) > 0 {
		step := g.validateSteps[0]
		g.validateSteps = g.validateSteps[1:]
		return step.result, step.err
	}
	return ValidateResult{Valid: true}, nil
}

func (g *testGateway) Logout(_ context.Context, _ LogoutRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logoutCalls++
	return g.logoutErr
}

func (g *testGateway) scriptAwait(steps ...awaitStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaitScript = append(g.awaitScript, steps...)
}

func (g *testGateway) scriptPassword(steps ...passwordStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwordSteps = append(g.passwordSteps, steps...)
}

func (g *testGateway) scriptValidate(steps ...validateStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validateSteps = append(g.validateSteps, steps...)
}

func (g *testGateway) validateCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateCalls
}

func (g *testGateway) logoutCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logoutCalls
}

type testCallbackVerifier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (v *testCallbackVerifier) Verify(_ context.Context, _ FinalizeCallbackRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.err
}

func (v *testCallbackVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type testCircuitGate struct {
	mu       sync.Mutex
	allowErr error
	allowed  []string
	recorded map[string]int
	failures map[string]int
}

func (g *testCircuitGate) Allow(_ context.Context, endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = append(g.allowed, endpoint)
	return g.allowErr
}

func (g *testCircuitGate) Record(_ context.Context, endpoint string, callErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recorded == nil {
		g.recorded = map[string]int{}
	}
	g.recorded[endpoint]++
	if callErr != nil {
		if g.failures == nil {
			g.failures = map[string]int{}
		}
		g.failures[endpoint]++
	}
}

func (g *testCircuitGate) recordedCount(endpoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recorded[endpoint]
}

type captureHook struct {
	mu     sync.Mutex
	name   string
	fail   error
	events []TransitionEvent
}

func (h *captureHook) Name() string {
	if strings.TrimSpace(h.name) == "" {
		return "capture"
	}
	return h.name
}

func (h *captureHook) OnEvent(_ context.Context, event TransitionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.fail
}

func (h *captureHook) Events() []TransitionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TransitionEvent(nil), h.events...)
}

type memoryTicketStore struct {
	mu        sync.Mutex
	byID      map[string]Ticket
	createErr error
	updateErr error
}

func newMemoryTicketStore() *memoryTicketStore {
	return &memoryTicketStore{byID: map[string]Ticket{}}
}

func (s *memoryTicketStore) Create(_ context.Context, ticket Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return Ticket{}, s.createErr
	}
	now := time.Now().UTC()
	for _, existing := range s.byID {
		if existing.TenantID == ticket.TenantID && existing.Active(now) {
			return Ticket{}, fmt.Errorf("%w: tenant %s", ErrActiveTicketExists, ticket.TenantID)
		}
	}
	s.byID[ticket.ID] = cloneTicket(ticket)
	return ticket, nil
}

func (s *memoryTicketStore) Get(_ context.Context, ticketID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.byID[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return cloneTicket(ticket), nil
}

func (s *memoryTicketStore) GetActiveByTenant(_ context.Context, tenantID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, ticket := range s.byID {
		if ticket.TenantID == tenantID && ticket.Active(now) {
			return cloneTicket(ticket), nil
		}
	}
	return Ticket{}, fmt.Errorf("%w: tenant %s", ErrTicketNotFound, tenantID)
}

func (s *memoryTicketStore) Update(_ context.Context, ticket Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return Ticket{}, s.updateErr
	}
	if _, ok := s.byID[ticket.ID]; !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticket.ID)
	}
	s.byID[ticket.ID] = cloneTicket(ticket)
	return ticket, nil
}

func (s *memoryTicketStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Ticket{}
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ticket := s.byID[id]
		if ticket.Status.Terminal() || !ticket.Expired(asOf) {
			continue
		}
		out = append(out, cloneTicket(ticket))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// put upserts directly, bypassing the single-active-ticket guard. Used by
// the session store commit path and by tests that need a doctored ticket.
func (s *memoryTicketStore) put(ticket Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ticket.ID] = cloneTicket(ticket)
}

func cloneTicket(ticket Ticket) Ticket {
	out := ticket
	out.Payload = append([]byte(nil), ticket.Payload...)
	if ticket.Resolution != nil {
		resolution := *ticket.Resolution
		out.Resolution = &resolution
	}
	return out
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	seq      map[string]int64
	records  map[string][]TransitionRecord
	events   []TransitionEvent
	tickets  *memoryTicketStore
	applyErr error
}

func newMemorySessionStore(tickets *memoryTicketStore) *memorySessionStore {
	return &memorySessionStore{
		sessions: map[string]Session{},
		seq:      map[string]int64{},
		records:  map[string][]TransitionRecord{},
		tickets:  tickets,
	}
}

func (s *memorySessionStore) Get(_ context.Context, tenantID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tenantID]
	if !ok {
		return Session{}, fmt.Errorf("%w: tenant %s", ErrSessionNotFound, tenantID)
	}
	return session, nil
}

func (s *memorySessionStore) GetOrCreate(_ context.Context, tenantID string, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tenantID]; ok {
		return session, nil
	}
	session := Session{
		TenantID:  tenantID,
		State:     SessionStateAbsent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[tenantID] = session
	return session, nil
}

func (s *memorySessionStore) ApplyTransition(_ context.Context, in ApplyTransitionInput) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return Session{}, s.applyErr
	}
	tenantID := in.Session.TenantID
	s.seq[tenantID]++

	record := in.Record
	record.TenantID = tenantID
	record.Seq = s.seq[tenantID]
	record.Metadata = copyAnyMap(record.Metadata)
	s.records[tenantID] = append(s.records[tenantID], record)

	if in.Event != nil {
		event := *in.Event
		event.Metadata = copyAnyMap(event.Metadata)
		s.events = append(s.events, event)
	}
	if in.Ticket != nil && s.tickets != nil {
		s.tickets.put(*in.Ticket)
	}
	s.sessions[tenantID] = in.Session
	return in.Session, nil
}

func (s *memorySessionStore) ListByState(_ context.Context, state SessionState, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenants := make([]string, 0, len(s.sessions))
	for tenantID := range s.sessions {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	out := []Session{}
	for _, tenantID := range tenants {
		session := s.sessions[tenantID]
		if session.State != state {
			continue
		}
		out = append(out, session)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memorySessionStore) List(_ context.Context, filter TransitionFilter) (TransitionPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records[filter.TenantID]
	out := []TransitionRecord{}
	for _, record := range records {
		if record.Seq <= filter.AfterSeq {
			continue
		}
		out = append(out, record)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = len(out)
	}
	page := TransitionPage{}
	if len(out) > limit {
		page.Records = out[:limit]
		page.HasMore = true
	} else {
		page.Records = out
	}
	if len(page.Records) > 0 {
		page.NextSeq = page.Records[len(page.Records)-1].Seq
	} else {
		page.NextSeq = filter.AfterSeq
	}
	return page, nil
}

// put stores a session row directly, bypassing transition validation. Tests
// use it to set up mid-lifecycle states.
func (s *memorySessionStore) put(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.TenantID] = session
}

func (s *memorySessionStore) Records(tenantID string) []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionRecord(nil), s.records[tenantID]...)
}

func (s *memorySessionStore) Events() []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionEvent(nil), s.events...)
}

type memoryCredentialStore struct {
	mu       sync.Mutex
	byTenant map[string]StoredCredential
	next     int64
	writeErr error
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{byTenant: map[string]StoredCredential{}}
}

func (s *memoryCredentialStore) Read(_ context.Context, tenantID string) (StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byTenant[tenantID]
	if !ok {
		return StoredCredential{}, fmt.Errorf("%w: tenant %s", ErrCredentialNotFound, tenantID)
	}
	stored.Sealed = append([]byte(nil), stored.Sealed...)
	return stored, nil
}

func (s *memoryCredentialStore) Write(_ context.Context, tenantID string, sealed []byte) (StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return StoredCredential{}, s.writeErr
	}
	now := time.Now().UTC()
	s.next++
	marker := fmt.Sprintf("marker_%d", s.next)
	stored := StoredCredential{
		TenantID:    tenantID,
		Sealed:      append([]byte(nil), sealed...),
		Marker:      marker,
		Fingerprint: ComputeFingerprint(sealed, marker),
		Version:     s.next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, ok := s.byTenant[tenantID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.byTenant[tenantID] = stored
	return stored, nil
}

func (s *memoryCredentialStore) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTenant, tenantID)
	return nil
}

// tamper mutates the sealed blob behind the store's back without refreshing
// the fingerprint sidecar, the way an external writer would.
func (s *memoryCredentialStore) tamper(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byTenant[tenantID]
	if !ok {
		return fmt.Errorf("no credential for tenant %s", tenantID)
	}
	stored.Sealed = append(append([]byte(nil), stored.Sealed...), '!')
	s.byTenant[tenantID] = stored
	return nil
}

func (s *memoryCredentialStore) has(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byTenant[tenantID]
	return ok
}

type memoryOutboxStore struct {
	mu      sync.Mutex
	pending []TransitionEvent
	claimed map[string]TransitionEvent
	acked   []string
	parked  []TransitionEvent
	retryAt map[string]time.Time
}

func newMemoryOutboxStore() *memoryOutboxStore {
	return &memoryOutboxStore{
		claimed: map[string]TransitionEvent{},
		retryAt: map[string]time.Time{},
	}
}

func (s *memoryOutboxStore) Enqueue(_ context.Context, event TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Metadata = copyAnyMap(event.Metadata)
	s.pending = append(s.pending, event)
	return nil
}

func (s *memoryOutboxStore) ClaimBatch(_ context.Context, limit int) ([]TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.pending) {
		limit = len(s.pending)
	}
	batch := s.pending[:limit]
	s.pending = append([]TransitionEvent(nil), s.pending[limit:]...)
	out := make([]TransitionEvent, 0, len(batch))
	for _, event := range batch {
		s.claimed[event.ID] = event
		out = append(out, event)
	}
	return out, nil
}

func (s *memoryOutboxStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[eventID]; !ok {
		return fmt.Errorf("outbox event %s is not claimed", eventID)
	}
	delete(s.claimed, eventID)
	s.acked = append(s.acked, eventID)
	return nil
}

func (s *memoryOutboxStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.claimed[eventID]
	if !ok {
		return fmt.Errorf("outbox event %s is not claimed", eventID)
	}
	delete(s.claimed, eventID)
	metadata := copyAnyMap(event.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[MetadataKeyOutboxAttempts] = nextAttemptIndex(event) + 1
	if cause != nil {
		metadata["last_error"] = cause.Error()
	}
	event.Metadata = metadata
	if nextAttemptAt.IsZero() {
		s.parked = append(s.parked, event)
		return nil
	}
	s.retryAt[eventID] = nextAttemptAt
	s.pending = append(s.pending, event)
	return nil
}

func (s *memoryOutboxStore) pendingEvents() []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionEvent(nil), s.pending...)
}

func (s *memoryOutboxStore) parkedEvents() []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionEvent(nil), s.parked...)
}

func (s *memoryOutboxStore) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type serviceFixture struct {
	service     *Service
	sessions    *memorySessionStore
	tickets     *memoryTicketStore
	credentials *memoryCredentialStore
	outbox      *memoryOutboxStore
	leases      *MemoryLeaseStore
	gateway     *testGateway
	verifier    *testCallbackVerifier
	gate        *testCircuitGate
	notifier    *MemoryTicketNotifier
	ledger      *MemoryReplayLedger
}

func newServiceFixture(t *testing.T, options ...Option) *serviceFixture {
	t.Helper()
	return newServiceFixtureWithConfig(t, Config{}, options...)
}

func newServiceFixtureWithConfig(t *testing.T, cfg Config, options ...Option) *serviceFixture {
	t.Helper()
	if strings.TrimSpace(cfg.DefaultGateway) == "" {
		cfg.DefaultGateway = "testchat"
	}

	tickets := newMemoryTicketStore()
	fixture := &serviceFixture{
		sessions:    newMemorySessionStore(tickets),
		tickets:     tickets,
		credentials: newMemoryCredentialStore(),
		outbox:      newMemoryOutboxStore(),
		leases:      NewMemoryLeaseStore(),
		gateway:     newTestGateway(cfg.DefaultGateway),
		verifier:    &testCallbackVerifier{},
		gate:        &testCircuitGate{},
		notifier:    NewMemoryTicketNotifier(),
		ledger:      NewMemoryReplayLedger(time.Hour),
	}

	base := []Option{
		WithLogger(stubLogger{}),
		WithSessionStore(fixture.sessions),
		WithTicketStore(fixture.tickets),
		WithCredentialStore(fixture.credentials),
		WithOutboxStore(fixture.outbox),
		WithTransitionLogStore(fixture.sessions),
		WithLeaseStore(fixture.leases),
		WithGateway(fixture.gateway),
		WithCallbackVerifier(fixture.verifier),
		WithCircuitGate(fixture.gate),
		WithTicketNotifier(fixture.notifier),
		WithReplayLedger(fixture.ledger),
		WithSecretProvider(testSecretProvider{}),
		WithRecoveryScheduler(zeroBackoff{}),
	}
	base = append(base, options...)

	svc, err := NewService(cfg, base...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.service = svc
	return fixture
}

// authorizeTenant drives a full QR pairing to AUTHORIZED: start, then a
// confirmed decision on the trusted path.
func authorizeTenant(t *testing.T, fixture *serviceFixture, tenantID string) StartAuthResponse {
	t.Helper()
	ctx := context.Background()
	started, err := fixture.service.StartAuth(ctx, StartAuthRequest{
		TenantID: tenantID,
		Kind:     TicketKindQR,
	})
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}
	_, err = fixture.service.SubmitTicketDecision(ctx, SubmitTicketDecisionRequest{
		TicketID:   started.TicketID,
		Outcome:    FinalizeOutcomeConfirmed,
		Credential: []byte("credential-bytes"),
		Actor:      "test",
	})
	if err != nil {
		t.Fatalf("confirm ticket: %v", err)
	}
	return started
}

// staleTenant authorizes the tenant and then marks the session stale the way
// a failed validation would, leaving the stored credential intact.
func staleTenant(t *testing.T, fixture *serviceFixture, tenantID string) {
	t.Helper()
	authorizeTenant(t, fixture, tenantID)
	session, err := fixture.sessions.Get(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	now := time.Now().UTC()
	if err := session.TransitionTo(SessionStateStale, TransitionReasonValidationFailed, now); err != nil {
		t.Fatalf("force stale: %v", err)
	}
	fixture.sessions.put(session)
}
