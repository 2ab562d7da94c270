package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStores bundles the in-memory store implementations behind one
// StoreProvider so the full lifecycle runs without a database. NewService
// falls back to it slot by slot when nothing else is injected; embedders use
// it directly for local development and tests.
type MemoryStores struct {
	sessions    *MemorySessionStore
	tickets     *MemoryTicketStore
	credentials *MemoryCredentialStore
	leases      *MemoryLeaseStore
	outbox      *MemoryOutboxStore
}

func NewMemoryStores() *MemoryStores {
	tickets := NewMemoryTicketStore()
	outbox := NewMemoryOutboxStore()
	return &MemoryStores{
		sessions:    NewMemorySessionStore(tickets, outbox),
		tickets:     tickets,
		credentials: NewMemoryCredentialStore(),
		leases:      NewMemoryLeaseStore(),
		outbox:      outbox,
	}
}

func (m *MemoryStores) SessionStore() SessionStore { return m.sessions }

func (m *MemoryStores) TicketStore() TicketStore { return m.tickets }

func (m *MemoryStores) CredentialStore() CredentialStore { return m.credentials }

func (m *MemoryStores) LeaseStore() LeaseStore { return m.leases }

// TransitionLogStore reads the same append-only log the session store writes.
func (m *MemoryStores) TransitionLogStore() TransitionLogStore { return m.sessions }

func (m *MemoryStores) OutboxStore() OutboxStore { return m.outbox }

// MemoryTicketStore keeps challenge tickets keyed by ID. Create enforces the
// one-active-ticket-per-tenant rule; upserts from the session store commit
// path bypass it because the lease already serializes the tenant.
type MemoryTicketStore struct {
	mu   sync.Mutex
	byID map[string]Ticket

	Now func() time.Time
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{
		byID: map[string]Ticket{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryTicketStore) Create(_ context.Context, ticket Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, existing := range s.byID {
		if existing.TenantID == ticket.TenantID && existing.Active(now) {
			return Ticket{}, fmt.Errorf("%w: tenant %s", ErrActiveTicketExists, ticket.TenantID)
		}
	}
	s.byID[ticket.ID] = cloneStoredTicket(ticket)
	return ticket, nil
}

func (s *MemoryTicketStore) Get(_ context.Context, ticketID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.byID[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return cloneStoredTicket(ticket), nil
}

func (s *MemoryTicketStore) GetActiveByTenant(_ context.Context, tenantID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, ticket := range s.byID {
		if ticket.TenantID == tenantID && ticket.Active(now) {
			return cloneStoredTicket(ticket), nil
		}
	}
	return Ticket{}, fmt.Errorf("%w: tenant %s", ErrTicketNotFound, tenantID)
}

func (s *MemoryTicketStore) Update(_ context.Context, ticket Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ticket.ID]; !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticket.ID)
	}
	s.byID[ticket.ID] = cloneStoredTicket(ticket)
	return ticket, nil
}

func (s *MemoryTicketStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []Ticket{}
	for _, id := range ids {
		ticket := s.byID[id]
		if ticket.Status.Terminal() || !ticket.Expired(asOf) {
			continue
		}
		out = append(out, cloneStoredTicket(ticket))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryTicketStore) upsert(ticket Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ticket.ID] = cloneStoredTicket(ticket)
}

func cloneStoredTicket(ticket Ticket) Ticket {
	out := ticket
	out.Payload = append([]byte(nil), ticket.Payload...)
	if ticket.Resolution != nil {
		resolution := *ticket.Resolution
		out.Resolution = &resolution
	}
	return out
}

// MemorySessionStore holds the authoritative session rows plus the
// append-only transition log. ApplyTransition commits the session row, the
// record, the outbox event, and the optional ticket mutation under one mutex,
// matching the single-transaction contract of the SQL store.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	seq      map[string]int64
	records  map[string][]TransitionRecord
	tickets  *MemoryTicketStore
	outbox   OutboxStore
}

func NewMemorySessionStore(tickets *MemoryTicketStore, outbox OutboxStore) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: map[string]Session{},
		seq:      map[string]int64{},
		records:  map[string][]TransitionRecord{},
		tickets:  tickets,
		outbox:   outbox,
	}
}

func (s *MemorySessionStore) Get(_ context.Context, tenantID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tenantID]
	if !ok {
		return Session{}, fmt.Errorf("%w: tenant %s", ErrSessionNotFound, tenantID)
	}
	return cloneStoredSession(session), nil
}

func (s *MemorySessionStore) GetOrCreate(_ context.Context, tenantID string, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tenantID]; ok {
		return cloneStoredSession(session), nil
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

func (s *MemorySessionStore) ApplyTransition(ctx context.Context, in ApplyTransitionInput) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenantID := in.Session.TenantID
	s.seq[tenantID]++

	record := in.Record
	record.TenantID = tenantID
	record.Seq = s.seq[tenantID]
	record.Metadata = copyAnyMap(record.Metadata)
	s.records[tenantID] = append(s.records[tenantID], record)

	if in.Event != nil && s.outbox != nil {
		event := *in.Event
		event.Metadata = copyAnyMap(event.Metadata)
		if err := s.outbox.Enqueue(ctx, event); err != nil {
			s.seq[tenantID]--
			s.records[tenantID] = s.records[tenantID][:len(s.records[tenantID])-1]
			return Session{}, err
		}
	}
	if in.Ticket != nil && s.tickets != nil {
		s.tickets.upsert(*in.Ticket)
	}
	s.sessions[tenantID] = cloneStoredSession(in.Session)
	return in.Session, nil
}

func (s *MemorySessionStore) ListByState(_ context.Context, state SessionState, limit int) ([]Session, error) {
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
		out = append(out, cloneStoredSession(session))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySessionStore) List(_ context.Context, filter TransitionFilter) (TransitionPage, error) {
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

func cloneStoredSession(session Session) Session {
	if session.RevokedAt != nil {
		revokedAt := *session.RevokedAt
		session.RevokedAt = &revokedAt
	}
	return session
}

// MemoryCredentialStore keeps sealed blobs with their fingerprint sidecars.
// Every write stamps a fresh modification marker and recomputes the
// fingerprint over the sealed bytes, so out-of-band edits surface as
// fingerprint mismatches on the next read-and-verify.
type MemoryCredentialStore struct {
	mu       sync.Mutex
	byTenant map[string]StoredCredential
	version  int64

	Now func() time.Time
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byTenant: map[string]StoredCredential{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryCredentialStore) Read(_ context.Context, tenantID string) (StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byTenant[tenantID]
	if !ok {
		return StoredCredential{}, fmt.Errorf("%w: tenant %s", ErrCredentialNotFound, tenantID)
	}
	stored.Sealed = append([]byte(nil), stored.Sealed...)
	return stored, nil
}

func (s *MemoryCredentialStore) Write(_ context.Context, tenantID string, sealed []byte) (StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	s.version++
	marker := uuid.NewString()
	stored := StoredCredential{
		TenantID:    tenantID,
		Sealed:      append([]byte(nil), sealed...),
		Marker:      marker,
		Fingerprint: ComputeFingerprint(sealed, marker),
		Version:     s.version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, ok := s.byTenant[tenantID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.byTenant[tenantID] = stored
	return stored, nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTenant, tenantID)
	return nil
}

type memoryOutboxEntry struct {
	event     TransitionEvent
	notBefore time.Time
}

// MemoryOutboxStore queues committed transition events in enqueue order.
// ClaimBatch skips events whose retry time has not arrived; Retry either
// reschedules with the given time or parks the event when the time is zero.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	entries []memoryOutboxEntry
	claimed map[string]TransitionEvent
	parked  []TransitionEvent

	Now func() time.Time
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		claimed: map[string]TransitionEvent{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryOutboxStore) Enqueue(_ context.Context, event TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Metadata = copyAnyMap(event.Metadata)
	s.entries = append(s.entries, memoryOutboxEntry{event: event})
	return nil
}

func (s *MemoryOutboxStore) ClaimBatch(_ context.Context, limit int) ([]TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	out := []TransitionEvent{}
	remaining := make([]memoryOutboxEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if (limit > 0 && len(out) >= limit) || entry.notBefore.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		s.claimed[entry.event.ID] = entry.event
		out = append(out, entry.event)
	}
	s.entries = remaining
	return out, nil
}

func (s *MemoryOutboxStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[eventID]; !ok {
		return fmt.Errorf("core: outbox event %s is not claimed", eventID)
	}
	delete(s.claimed, eventID)
	return nil
}

func (s *MemoryOutboxStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.claimed[eventID]
	if !ok {
		return fmt.Errorf("core: outbox event %s is not claimed", eventID)
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
	s.entries = append(s.entries, memoryOutboxEntry{event: event, notBefore: nextAttemptAt})
	return nil
}

// Parked returns the events that exhausted their delivery budget.
func (s *MemoryOutboxStore) Parked() []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionEvent(nil), s.parked...)
}

// Depth reports how many events wait for a future claim.
func (s *MemoryOutboxStore) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var (
	_ StoreProvider      = (*MemoryStores)(nil)
	_ SessionStore       = (*MemorySessionStore)(nil)
	_ TransitionLogStore = (*MemorySessionStore)(nil)
	_ TicketStore        = (*MemoryTicketStore)(nil)
	_ CredentialStore    = (*MemoryCredentialStore)(nil)
	_ OutboxStore        = (*MemoryOutboxStore)(nil)
)
