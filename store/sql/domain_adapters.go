package sqlstore

import (
	"time"

	"github.com/goliatone/go-sessionguard/breaker"
	"github.com/goliatone/go-sessionguard/core"
)

func newSessionRecord(session core.Session) *sessionRecord {
	return &sessionRecord{
		TenantID:          session.TenantID,
		State:             string(session.State),
		FingerprintHash:   session.Fingerprint.Hash,
		FingerprintSize:   session.Fingerprint.Size,
		FingerprintMarker: session.Fingerprint.Marker,
		LastError:         session.LastError,
		LastValidatedAt:   timeToPointer(session.LastValidatedAt),
		RevokedAt:         copyTimePointer(session.RevokedAt),
		CreatedAt:         session.CreatedAt,
		UpdatedAt:         session.UpdatedAt,
	}
}

func (r *sessionRecord) toDomain() core.Session {
	if r == nil {
		return core.Session{}
	}
	session := core.Session{
		TenantID: r.TenantID,
		State:    core.SessionState(r.State),
		Fingerprint: core.Fingerprint{
			Hash:   r.FingerprintHash,
			Size:   r.FingerprintSize,
			Marker: r.FingerprintMarker,
		},
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		RevokedAt: copyTimePointer(r.RevokedAt),
	}
	if r.LastValidatedAt != nil {
		session.LastValidatedAt = *r.LastValidatedAt
	}
	return session
}

func newTicketRecord(ticket core.Ticket) *ticketRecord {
	record := &ticketRecord{
		ID:           ticket.ID,
		TenantID:     ticket.TenantID,
		Kind:         string(ticket.Kind),
		Status:       string(ticket.Status),
		ChallengeID:  ticket.ChallengeID,
		Payload:      append([]byte(nil), ticket.Payload...),
		AttemptCount: ticket.AttemptCount,
		ExpiresAt:    ticket.ExpiresAt,
		CreatedAt:    ticket.CreatedAt,
		UpdatedAt:    ticket.UpdatedAt,
	}
	if ticket.Resolution != nil {
		resolvedAt := ticket.Resolution.ResolvedAt
		record.ResolutionOutcome = string(ticket.Resolution.Outcome)
		record.ResolutionState = string(ticket.Resolution.State)
		record.ResolvedAt = &resolvedAt
	}
	return record
}

func (r *ticketRecord) toDomain() core.Ticket {
	if r == nil {
		return core.Ticket{}
	}
	ticket := core.Ticket{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Kind:         core.TicketKind(r.Kind),
		Status:       core.TicketStatus(r.Status),
		ChallengeID:  r.ChallengeID,
		Payload:      append([]byte(nil), r.Payload...),
		AttemptCount: r.AttemptCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		ExpiresAt:    r.ExpiresAt,
	}
	if r.ResolvedAt != nil {
		ticket.Resolution = &core.TicketResolution{
			Outcome:    core.FinalizeOutcome(r.ResolutionOutcome),
			State:      core.SessionState(r.ResolutionState),
			ResolvedAt: *r.ResolvedAt,
		}
	}
	return ticket
}

func (r *credentialRecord) toStored() core.StoredCredential {
	if r == nil {
		return core.StoredCredential{}
	}
	return core.StoredCredential{
		TenantID: r.TenantID,
		Sealed:   append([]byte(nil), r.Sealed...),
		Marker:   r.Marker,
		Fingerprint: core.Fingerprint{
			Hash:   r.FingerprintHash,
			Size:   r.FingerprintSize,
			Marker: r.FingerprintMarker,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r *leaseRecord) toDomain() core.Lease {
	if r == nil {
		return core.Lease{}
	}
	return core.Lease{
		ResourceKey:     r.ResourceKey,
		HolderToken:     r.HolderToken,
		AcquiredAt:      r.AcquiredAt,
		ExpiresAt:       r.ExpiresAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}
}

func newTransitionRecord(record core.TransitionRecord) *transitionRecord {
	return &transitionRecord{
		ID:         record.ID,
		TenantID:   record.TenantID,
		Seq:        record.Seq,
		FromState:  string(record.FromState),
		ToState:    string(record.ToState),
		Reason:     record.Reason,
		Actor:      record.Actor,
		Metadata:   copyAnyMap(record.Metadata),
		OccurredAt: record.OccurredAt,
	}
}

func (r *transitionRecord) toDomain() core.TransitionRecord {
	if r == nil {
		return core.TransitionRecord{}
	}
	return core.TransitionRecord{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Seq:        r.Seq,
		FromState:  core.SessionState(r.FromState),
		ToState:    core.SessionState(r.ToState),
		Reason:     r.Reason,
		Actor:      r.Actor,
		OccurredAt: r.OccurredAt,
		Metadata:   copyAnyMap(r.Metadata),
	}
}

func newOutboxRecord(event core.TransitionEvent, now time.Time) *outboxRecord {
	return &outboxRecord{
		EventID:    event.ID,
		EventName:  event.Name,
		TenantID:   event.TenantID,
		FromState:  string(event.FromState),
		ToState:    string(event.ToState),
		Reason:     event.Reason,
		Actor:      event.Actor,
		Source:     event.Source,
		Payload:    copyAnyMap(event.Payload),
		Metadata:   copyAnyMap(event.Metadata),
		Status:     outboxStatusPending,
		Attempts:   0,
		OccurredAt: event.OccurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *outboxRecord) toEvent() core.TransitionEvent {
	if r == nil {
		return core.TransitionEvent{}
	}
	return core.TransitionEvent{
		ID:         r.EventID,
		Name:       r.EventName,
		TenantID:   r.TenantID,
		FromState:  core.SessionState(r.FromState),
		ToState:    core.SessionState(r.ToState),
		Reason:     r.Reason,
		Actor:      r.Actor,
		Source:     r.Source,
		OccurredAt: r.OccurredAt,
		Payload:    copyAnyMap(r.Payload),
		Metadata:   copyAnyMap(r.Metadata),
	}
}

func (r *breakerStateRecord) toDomain() breaker.State {
	if r == nil {
		return breaker.State{}
	}
	state := breaker.State{
		Endpoint:      r.Endpoint,
		Circuit:       breaker.CircuitState(r.Circuit),
		Failures:      r.Failures,
		OpenedAt:      copyTimePointer(r.OpenedAt),
		RetryAt:       copyTimePointer(r.RetryAt),
		ProbeInFlight: r.ProbeInFlight,
		LastFailure:   r.LastFailure,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.WindowStart != nil {
		state.WindowStart = *r.WindowStart
	}
	return state
}

// copyAnyMap always returns a non-nil map so jsonb notnull columns never
// receive a SQL NULL.
func copyAnyMap(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func copyTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func timeToPointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	copied := value
	return &copied
}
