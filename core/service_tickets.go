package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sweepActor = "expiry_sweep"

// FinalizeCallback applies an out-of-band challenge decision delivered by
// the platform. The signature envelope is verified before any state is read;
// a callback for an already finalized ticket returns the stored result
// without re-running the transition.
func (s *Service) FinalizeCallback(ctx context.Context, req FinalizeCallbackRequest) (response FinalizeCallbackResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"ticket_id": req.TicketID,
		"gateway":   req.Gateway,
		"outcome":   string(req.Outcome),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "finalize_callback", err, fields)
	}()

	ticketID := strings.TrimSpace(req.TicketID)
	if ticketID == "" {
		err = s.mapError(fmt.Errorf("core: ticket id is required"))
		return FinalizeCallbackResponse{}, err
	}
	fields["ticket_id"] = ticketID
	outcome, err := ParseFinalizeOutcome(string(req.Outcome))
	if err != nil {
		err = s.mapError(err)
		return FinalizeCallbackResponse{}, err
	}
	if s.callbackVerifier == nil {
		err = s.mapError(fmt.Errorf("core: callback verifier is not configured"))
		return FinalizeCallbackResponse{}, err
	}
	// The envelope is authenticated before any state is read or claimed.
	if verifyErr := s.callbackVerifier.Verify(ctx, req); verifyErr != nil {
		err = s.mapError(verifyErr)
		return FinalizeCallbackResponse{}, err
	}
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return FinalizeCallbackResponse{}, err
	}
	fields["gateway"] = gateway.Name()

	response, err = s.finalizeTicket(ctx, finalizeTicketInput{
		ticketID:   ticketID,
		outcome:    outcome,
		credential: req.Payload,
		actor:      req.Actor,
		gateway:    gateway.Name(),
		claimKey:   callbackClaimKey(ticketID, req.Signature),
	})
	if err != nil {
		return response, err
	}
	fields["tenant_id"] = response.TenantID
	fields["replayed"] = response.Replayed
	return response, nil
}

// SubmitTicketDecision applies a challenge decision from a source the host
// already trusts: same transition semantics as FinalizeCallback without the
// signature envelope or the replay ledger. Idempotency rides on the
// finalized-ticket check alone.
func (s *Service) SubmitTicketDecision(ctx context.Context, req SubmitTicketDecisionRequest) (response FinalizeCallbackResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"ticket_id": req.TicketID,
		"gateway":   req.Gateway,
		"outcome":   string(req.Outcome),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "submit_ticket_decision", err, fields)
	}()

	ticketID := strings.TrimSpace(req.TicketID)
	if ticketID == "" {
		err = s.mapError(fmt.Errorf("core: ticket id is required"))
		return FinalizeCallbackResponse{}, err
	}
	fields["ticket_id"] = ticketID
	outcome, err := ParseFinalizeOutcome(string(req.Outcome))
	if err != nil {
		err = s.mapError(err)
		return FinalizeCallbackResponse{}, err
	}
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return FinalizeCallbackResponse{}, err
	}
	fields["gateway"] = gateway.Name()

	response, err = s.finalizeTicket(ctx, finalizeTicketInput{
		ticketID:   ticketID,
		outcome:    outcome,
		credential: req.Credential,
		actor:      req.Actor,
		gateway:    gateway.Name(),
	})
	if err != nil {
		return response, err
	}
	fields["tenant_id"] = response.TenantID
	fields["replayed"] = response.Replayed
	return response, nil
}

type finalizeTicketInput struct {
	ticketID   string
	outcome    FinalizeOutcome
	credential []byte
	actor      string
	gateway    string
	metadata   map[string]any
	// claimKey, when set, must be claimed in the replay ledger before the
	// outcome is applied. Empty skips replay protection (trusted path).
	claimKey string
}

func (s *Service) finalizeTicket(ctx context.Context, in finalizeTicketInput) (FinalizeCallbackResponse, error) {
	if s.ticketStore == nil || s.sessionStore == nil {
		return FinalizeCallbackResponse{}, s.mapError(fmt.Errorf("core: ticket store is not configured"))
	}

	ticket, getErr := s.ticketStore.Get(ctx, in.ticketID)
	if getErr != nil {
		return FinalizeCallbackResponse{}, s.mapError(getErr)
	}
	if response, done, replayErr := s.replayedTicketResponse(ctx, ticket); done {
		return response, replayErr
	}

	handle, err := s.acquireTenantLease(ctx, ticket.TenantID)
	if err != nil {
		return FinalizeCallbackResponse{}, err
	}
	defer s.releaseLease(handle)

	// Fresh read under the lease; a racing holder may have finalized the
	// ticket between the first read and acquisition.
	ticket, getErr = s.ticketStore.Get(ctx, in.ticketID)
	if getErr != nil {
		return FinalizeCallbackResponse{}, s.mapError(getErr)
	}
	if response, done, replayErr := s.replayedTicketResponse(ctx, ticket); done {
		return response, replayErr
	}

	now := time.Now().UTC()
	session, sessionErr := s.sessionStore.Get(ctx, ticket.TenantID)
	if sessionErr != nil {
		return FinalizeCallbackResponse{}, s.mapError(sessionErr)
	}

	if ticket.Expired(now) {
		if _, expireErr := s.expireTicket(ctx, handle, session, ticket, in.actor); expireErr != nil {
			return FinalizeCallbackResponse{}, expireErr
		}
		return FinalizeCallbackResponse{
				TenantID:     ticket.TenantID,
				State:        SessionStateAbsent,
				TicketStatus: TicketStatusExpired,
			},
			s.mapError(fmt.Errorf("%w: ticket %s", ErrTicketExpired, ticket.ID))
	}

	if strings.TrimSpace(in.claimKey) != "" && s.replayLedger != nil {
		claimed, claimErr := s.replayLedger.Claim(ctx, in.claimKey, s.replayWindow())
		if claimErr != nil {
			return FinalizeCallbackResponse{}, s.mapError(claimErr)
		}
		if !claimed {
			return FinalizeCallbackResponse{}, s.mapError(fmt.Errorf("%w: ticket %s", ErrReplayRejected, ticket.ID))
		}
	}

	committed, status, applyErr := s.applyTicketOutcome(ctx, handle, ticketOutcomeInput{
		session:    session,
		ticket:     ticket,
		outcome:    in.outcome,
		credential: in.credential,
		actor:      in.actor,
		gateway:    in.gateway,
		metadata:   in.metadata,
	})
	if applyErr != nil {
		return FinalizeCallbackResponse{}, applyErr
	}
	return FinalizeCallbackResponse{
		TenantID:     ticket.TenantID,
		State:        committed.State,
		TicketStatus: status,
	}, nil
}

// replayedTicketResponse answers for tickets that are already terminal. A
// finalized ticket replays its stored resolution; an expired one surfaces
// the expiry error. done is false when the ticket is still live.
func (s *Service) replayedTicketResponse(ctx context.Context, ticket Ticket) (FinalizeCallbackResponse, bool, error) {
	switch ticket.Status {
	case TicketStatusFinalized:
		state, stateErr := s.resolutionState(ctx, ticket)
		if stateErr != nil {
			return FinalizeCallbackResponse{}, true, s.mapError(stateErr)
		}
		return FinalizeCallbackResponse{
			TenantID:     ticket.TenantID,
			State:        state,
			TicketStatus: ticket.Status,
			Replayed:     true,
		}, true, nil
	case TicketStatusExpired:
		state, stateErr := s.resolutionState(ctx, ticket)
		if stateErr != nil {
			return FinalizeCallbackResponse{}, true, s.mapError(stateErr)
		}
		return FinalizeCallbackResponse{
				TenantID:     ticket.TenantID,
				State:        state,
				TicketStatus: ticket.Status,
			}, true,
			s.mapError(fmt.Errorf("%w: ticket %s", ErrTicketExpired, ticket.ID))
	default:
		return FinalizeCallbackResponse{}, false, nil
	}
}

func (s *Service) resolutionState(ctx context.Context, ticket Ticket) (SessionState, error) {
	if ticket.Resolution != nil {
		return ticket.Resolution.State, nil
	}
	session, err := s.sessionStore.Get(ctx, ticket.TenantID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return SessionStateAbsent, nil
		}
		return "", err
	}
	return session.State, nil
}

func callbackClaimKey(ticketID, signature string) string {
	return "callback:" + strings.TrimSpace(ticketID) + ":" + strings.TrimSpace(signature)
}

func (s *Service) replayWindow() time.Duration {
	if s != nil && s.config.Callback.ReplayWindow > 0 {
		return s.config.Callback.ReplayWindow
	}
	return DefaultConfig().Callback.ReplayWindow
}

type ticketOutcomeInput struct {
	session    Session
	ticket     Ticket
	outcome    FinalizeOutcome
	credential []byte
	actor      string
	gateway    string
	metadata   map[string]any
}

// applyTicketOutcome routes a challenge decision to its transition. The
// caller holds the tenant lease and has verified the ticket is live.
func (s *Service) applyTicketOutcome(ctx context.Context, handle *LeaseHandle, in ticketOutcomeInput) (Session, TicketStatus, error) {
	switch in.outcome {
	case FinalizeOutcomeConfirmed:
		session, err := s.finalizeAuthorized(ctx, handle, finalizeAuthorizedInput{
			session:    in.session,
			ticket:     in.ticket,
			credential: in.credential,
			reason:     TransitionReasonChallengeConfirmed,
			actor:      in.actor,
			gateway:    in.gateway,
			metadata:   in.metadata,
		})
		if err != nil {
			return Session{}, "", err
		}
		return session, TicketStatusFinalized, nil
	case FinalizeOutcomeRejected:
		session, err := s.abortTicket(ctx, handle, in.session, in.ticket, TransitionReasonChallengeRejected, in.actor, in.gateway)
		if err != nil {
			return Session{}, "", err
		}
		return session, TicketStatusFinalized, nil
	case FinalizeOutcomeExpired:
		session, err := s.expireTicket(ctx, handle, in.session, in.ticket, in.actor)
		if err != nil {
			return Session{}, "", err
		}
		return session, TicketStatusExpired, nil
	case FinalizeOutcomeTwoFactor:
		session, err := s.requestSecondFactor(ctx, handle, in.session, in.ticket, in.actor, in.gateway)
		if err != nil {
			return Session{}, "", err
		}
		return session, TicketStatusPasswordRequired, nil
	case FinalizeOutcomeScanned:
		// Progress signal: the challenge was picked up on the device. The
		// session stays put and the ticket is not finalized.
		ticket := in.ticket
		if transitionErr := ticket.TransitionTo(TicketStatusScanned, time.Now().UTC()); transitionErr != nil {
			return Session{}, "", s.mapError(transitionErr)
		}
		if _, updateErr := s.ticketStore.Update(ctx, ticket); updateErr != nil {
			return Session{}, "", s.mapError(updateErr)
		}
		return in.session, TicketStatusScanned, nil
	default:
		return Session{}, "", s.mapError(fmt.Errorf("%w: %q", ErrInvalidFinalizeOutcome, in.outcome))
	}
}

type finalizeAuthorizedInput struct {
	session    Session
	ticket     Ticket
	credential []byte
	reason     string
	actor      string
	gateway    string
	metadata   map[string]any
	now        time.Time
}

// finalizeAuthorized seals and stores the platform credential, records its
// fingerprint on the session row, and commits pending -> authorized together
// with the finalized ticket.
func (s *Service) finalizeAuthorized(ctx context.Context, handle *LeaseHandle, in finalizeAuthorizedInput) (Session, error) {
	if len(in.credential) == 0 {
		return Session{}, s.mapError(fmt.Errorf("core: gateway %s returned no credential", in.gateway))
	}
	if s.credentialStore == nil {
		return Session{}, s.mapError(fmt.Errorf("core: credential store is not configured"))
	}
	now := in.now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sealed, sealErr := s.sealCredential(ctx, SessionCredential{
		TenantID: in.session.TenantID,
		Gateway:  in.gateway,
		Secret:   in.credential,
		IssuedAt: now,
		Metadata: copyAnyMap(in.metadata),
	})
	if sealErr != nil {
		return Session{}, s.mapError(sealErr)
	}
	stored, writeErr := s.credentialStore.Write(ctx, in.session.TenantID, sealed)
	if writeErr != nil {
		return Session{}, s.mapError(writeErr)
	}

	session := in.session
	session.Fingerprint = stored.Fingerprint
	session.LastValidatedAt = now

	ticket := in.ticket
	if transitionErr := ticket.TransitionTo(TicketStatusFinalized, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	ticket.Resolution = &TicketResolution{
		Outcome:    FinalizeOutcomeConfirmed,
		State:      SessionStateAuthorized,
		ResolvedAt: now,
	}

	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAuthorized, in.reason, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	committed, err := s.commitTransition(ctx, handle, transitionCommit{
		session: session,
		from:    from,
		reason:  in.reason,
		actor:   in.actor,
		gateway: in.gateway,
		ticket:  &ticket,
		metadata: map[string]any{
			"ticket_id":   ticket.ID,
			"fingerprint": stored.Fingerprint.Hash,
		},
	})
	if err != nil {
		return Session{}, err
	}
	s.publishResolution(ticket)
	return committed, nil
}

// abortTicket finalizes a live ticket as rejected and folds the session back
// to absent under the given reason.
func (s *Service) abortTicket(ctx context.Context, handle *LeaseHandle, session Session, ticket Ticket, reason, actor, gateway string) (Session, error) {
	now := time.Now().UTC()
	if transitionErr := ticket.TransitionTo(TicketStatusFinalized, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	ticket.Resolution = &TicketResolution{
		Outcome:    FinalizeOutcomeRejected,
		State:      SessionStateAbsent,
		ResolvedAt: now,
	}
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAbsent, reason, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	committed, err := s.commitTransition(ctx, handle, transitionCommit{
		session: session,
		from:    from,
		reason:  reason,
		actor:   actor,
		gateway: gateway,
		ticket:  &ticket,
		metadata: map[string]any{
			"ticket_id":     ticket.ID,
			"attempt_count": ticket.AttemptCount,
		},
	})
	if err != nil {
		return Session{}, err
	}
	s.publishResolution(ticket)
	return committed, nil
}

func (s *Service) exhaustPasswordAttempts(ctx context.Context, handle *LeaseHandle, session Session, ticket Ticket, actor, gateway string) (Session, error) {
	return s.abortTicket(ctx, handle, session, ticket, TransitionReasonPasswordExhausted, actor, gateway)
}

// requestSecondFactor moves the challenge into its password stage after the
// platform asked for the second factor.
func (s *Service) requestSecondFactor(ctx context.Context, handle *LeaseHandle, session Session, ticket Ticket, actor, gateway string) (Session, error) {
	now := time.Now().UTC()
	if transitionErr := ticket.TransitionTo(TicketStatusPasswordRequired, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	from := session.State
	if transitionErr := session.TransitionTo(SessionStatePendingPassword, TransitionReasonTwoFactorRequested, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	committed, err := s.commitTransition(ctx, handle, transitionCommit{
		session:  session,
		from:     from,
		reason:   TransitionReasonTwoFactorRequested,
		actor:    actor,
		gateway:  gateway,
		ticket:   &ticket,
		metadata: map[string]any{"ticket_id": ticket.ID},
	})
	if err != nil {
		return Session{}, err
	}
	if s.notifier != nil {
		s.notifier.Publish(ticket.ID, TicketResolution{
			Outcome:    FinalizeOutcomeTwoFactor,
			State:      committed.State,
			ResolvedAt: now,
		})
	}
	return committed, nil
}

// expireTicket commits TTL expiry: the ticket is marked expired and the
// pending session folds back to absent.
func (s *Service) expireTicket(ctx context.Context, handle *LeaseHandle, session Session, ticket Ticket, actor string) (Session, error) {
	now := time.Now().UTC()
	if transitionErr := ticket.TransitionTo(TicketStatusExpired, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	ticket.Resolution = &TicketResolution{
		Outcome:    FinalizeOutcomeExpired,
		State:      SessionStateAbsent,
		ResolvedAt: now,
	}
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAbsent, TransitionReasonTicketExpired, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	committed, err := s.commitTransition(ctx, handle, transitionCommit{
		session:  session,
		from:     from,
		reason:   TransitionReasonTicketExpired,
		actor:    actor,
		ticket:   &ticket,
		metadata: map[string]any{"ticket_id": ticket.ID},
	})
	if err != nil {
		return Session{}, err
	}
	s.publishResolution(ticket)
	return committed, nil
}

// expireTicketRow retires a straggler ticket whose session has already moved
// on. Only the ticket row changes; no session transition is committed.
func (s *Service) expireTicketRow(ctx context.Context, ticket Ticket, state SessionState, now time.Time) error {
	if transitionErr := ticket.TransitionTo(TicketStatusExpired, now); transitionErr != nil {
		return s.mapError(transitionErr)
	}
	ticket.Resolution = &TicketResolution{
		Outcome:    FinalizeOutcomeExpired,
		State:      state,
		ResolvedAt: now,
	}
	if _, updateErr := s.ticketStore.Update(ctx, ticket); updateErr != nil {
		return s.mapError(updateErr)
	}
	s.publishResolution(ticket)
	return nil
}

func (s *Service) publishResolution(ticket Ticket) {
	if s == nil || s.notifier == nil || ticket.Resolution == nil {
		return
	}
	s.notifier.Publish(ticket.ID, *ticket.Resolution)
}

type awaitDecisionResult struct {
	decision PairDecision
	err      error
}

// AwaitTicket blocks until the challenge resolves, the ticket expires, or
// the wait is cancelled. The tenant lease is held with heartbeat for the
// whole wait, so callbacks for the same tenant contend and retry; once the
// wait commits they land on the replay path and read the stored result.
func (s *Service) AwaitTicket(ctx context.Context, req AwaitTicketRequest) (response AwaitTicketResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tenant_id": req.TenantID,
		"ticket_id": req.TicketID,
		"gateway":   req.Gateway,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "await_ticket", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return AwaitTicketResponse{}, err
	}
	fields["tenant_id"] = tenantID
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return AwaitTicketResponse{}, err
	}
	fields["gateway"] = gateway.Name()
	if s.sessionStore == nil || s.ticketStore == nil {
		err = s.mapError(fmt.Errorf("core: ticket store is not configured"))
		return AwaitTicketResponse{}, err
	}

	waitCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return AwaitTicketResponse{}, err
	}
	defer s.releaseLease(handle)

	ticket, err := s.loadAwaitTicket(ctx, tenantID, req.TicketID)
	if err != nil {
		return AwaitTicketResponse{}, err
	}
	fields["ticket_id"] = ticket.ID

	// Subscribe before reading state; a resolution committed by a process
	// that slipped in ahead of the lease cannot be missed.
	updates, unsubscribe := s.subscribeTicket(ticket.ID)
	defer unsubscribe()

	now := time.Now().UTC()
	if ticket.Status.Terminal() {
		response, err = s.awaitResponseFromTicket(ctx, ticket)
		if err == nil {
			fields["outcome"] = string(response.Outcome)
		}
		return response, err
	}
	session, sessionErr := s.sessionStore.Get(ctx, tenantID)
	if sessionErr != nil {
		err = s.mapError(sessionErr)
		return AwaitTicketResponse{}, err
	}
	if ticket.Expired(now) {
		session, err = s.expireTicket(ctx, handle, session, ticket, req.Actor)
		if err != nil {
			return AwaitTicketResponse{}, err
		}
		fields["outcome"] = string(FinalizeOutcomeExpired)
		return AwaitTicketResponse{
			TenantID:     tenantID,
			State:        session.State,
			TicketStatus: TicketStatusExpired,
			Outcome:      FinalizeOutcomeExpired,
		}, nil
	}

	expiry := time.NewTimer(time.Until(ticket.ExpiresAt))
	defer expiry.Stop()

	decisions := make(chan awaitDecisionResult, 1)
	armAwait := func() error {
		if allowErr := s.allowUpstream(waitCtx, gateway.Name(), UpstreamEndpointAwait); allowErr != nil {
			return allowErr
		}
		challengeID := ticket.ChallengeID
		deadline := ticket.ExpiresAt
		go func() {
			decision, callErr := gateway.AwaitDecision(waitCtx, AwaitRequest{
				TenantID:    tenantID,
				ChallengeID: challengeID,
				Deadline:    deadline,
			})
			select {
			case decisions <- awaitDecisionResult{decision: decision, err: callErr}:
			case <-waitCtx.Done():
			}
		}()
		return nil
	}
	if err = armAwait(); err != nil {
		return AwaitTicketResponse{}, err
	}

	for {
		select {
		case result := <-decisions:
			s.recordUpstream(ctx, gateway.Name(), UpstreamEndpointAwait, result.err)
			if result.err != nil {
				err = s.mapError(result.err)
				return AwaitTicketResponse{}, err
			}
			outcome, parseErr := ParseFinalizeOutcome(string(result.decision.Outcome))
			if parseErr != nil {
				err = s.mapError(parseErr)
				return AwaitTicketResponse{}, err
			}
			if outcome == FinalizeOutcomeScanned {
				// Progress only; record it and keep waiting.
				scanned := ticket
				if transitionErr := scanned.TransitionTo(TicketStatusScanned, time.Now().UTC()); transitionErr == nil {
					if updated, updateErr := s.ticketStore.Update(ctx, scanned); updateErr == nil {
						ticket = updated
					}
				}
				if err = armAwait(); err != nil {
					return AwaitTicketResponse{}, err
				}
				continue
			}
			committed, status, applyErr := s.applyTicketOutcome(ctx, handle, ticketOutcomeInput{
				session:    session,
				ticket:     ticket,
				outcome:    outcome,
				credential: result.decision.Credential,
				actor:      req.Actor,
				gateway:    gateway.Name(),
				metadata:   result.decision.Metadata,
			})
			if applyErr != nil {
				err = applyErr
				return AwaitTicketResponse{}, err
			}
			fields["outcome"] = string(outcome)
			return AwaitTicketResponse{
				TenantID:     tenantID,
				State:        committed.State,
				TicketStatus: status,
				Outcome:      outcome,
			}, nil

		case resolution := <-updates:
			// Another holder committed the resolution; report it as stored.
			fields["outcome"] = string(resolution.Outcome)
			return AwaitTicketResponse{
				TenantID:     tenantID,
				State:        resolution.State,
				TicketStatus: ticketStatusForOutcome(resolution.Outcome),
				Outcome:      resolution.Outcome,
			}, nil

		case <-expiry.C:
			latest := time.Now().UTC()
			fresh, reloadErr := s.ticketStore.Get(ctx, ticket.ID)
			if reloadErr == nil && !fresh.Status.Terminal() && fresh.Expired(latest) {
				committed, expireErr := s.expireTicket(ctx, handle, session, fresh, req.Actor)
				if expireErr != nil {
					err = expireErr
					return AwaitTicketResponse{}, err
				}
				session = committed
			}
			fields["outcome"] = string(FinalizeOutcomeExpired)
			return AwaitTicketResponse{
				TenantID:     tenantID,
				State:        session.State,
				TicketStatus: TicketStatusExpired,
				Outcome:      FinalizeOutcomeExpired,
			}, nil

		case <-waitCtx.Done():
			err = s.mapError(waitCtx.Err())
			return AwaitTicketResponse{}, err

		case <-handle.Lost():
			err = s.mapError(handle.Err())
			return AwaitTicketResponse{}, err
		}
	}
}

func (s *Service) loadAwaitTicket(ctx context.Context, tenantID, ticketID string) (Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		ticket, found, activeErr := s.activeTicket(ctx, tenantID)
		if activeErr != nil {
			return Ticket{}, s.mapError(activeErr)
		}
		if !found {
			return Ticket{}, s.mapError(fmt.Errorf("%w: tenant %s has no active ticket", ErrTicketNotFound, tenantID))
		}
		return ticket, nil
	}
	ticket, err := s.ticketStore.Get(ctx, ticketID)
	if err != nil {
		return Ticket{}, s.mapError(err)
	}
	if ticket.TenantID != tenantID {
		return Ticket{}, s.mapError(fmt.Errorf("%w: ticket %s does not belong to tenant %s", ErrTicketNotFound, ticketID, tenantID))
	}
	return ticket, nil
}

func (s *Service) subscribeTicket(ticketID string) (<-chan TicketResolution, func()) {
	if s == nil || s.notifier == nil {
		blocked := make(chan TicketResolution)
		return blocked, func() {}
	}
	return s.notifier.Subscribe(ticketID)
}

func (s *Service) awaitResponseFromTicket(ctx context.Context, ticket Ticket) (AwaitTicketResponse, error) {
	state, stateErr := s.resolutionState(ctx, ticket)
	if stateErr != nil {
		return AwaitTicketResponse{}, s.mapError(stateErr)
	}
	response := AwaitTicketResponse{
		TenantID:     ticket.TenantID,
		State:        state,
		TicketStatus: ticket.Status,
	}
	if ticket.Resolution != nil {
		response.Outcome = ticket.Resolution.Outcome
	} else if ticket.Status == TicketStatusExpired {
		response.Outcome = FinalizeOutcomeExpired
	}
	return response, nil
}

func ticketStatusForOutcome(outcome FinalizeOutcome) TicketStatus {
	switch outcome {
	case FinalizeOutcomeExpired:
		return TicketStatusExpired
	case FinalizeOutcomeTwoFactor:
		return TicketStatusPasswordRequired
	case FinalizeOutcomeScanned:
		return TicketStatusScanned
	default:
		return TicketStatusFinalized
	}
}

// ExpireTickets sweeps tickets whose TTL has lapsed and commits their expiry
// transitions. Tenants whose lease is held elsewhere are skipped; a later
// sweep picks them up.
func (s *Service) ExpireTickets(ctx context.Context, limit int) (stats ExpireSweepStats, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"limit": limit}
	defer func() {
		fields["scanned"] = stats.Scanned
		fields["expired"] = stats.Expired
		fields["skipped"] = stats.Skipped
		fields["contended"] = stats.Contended
		s.observeOperation(ctx, startedAt, "expire_tickets", err, fields)
	}()

	if s.ticketStore == nil || s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: ticket store is not configured"))
		return ExpireSweepStats{}, err
	}
	if limit <= 0 {
		limit = s.config.Ticket.SweepLimit
	}
	if limit <= 0 {
		limit = DefaultConfig().Ticket.SweepLimit
	}

	now := time.Now().UTC()
	candidates, listErr := s.ticketStore.ListExpired(ctx, now, limit)
	if listErr != nil {
		err = s.mapError(listErr)
		return ExpireSweepStats{}, err
	}

	for _, candidate := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = s.mapError(ctxErr)
			return stats, err
		}
		stats.Scanned++
		handle, holdErr := s.leases.Hold(ctx, SessionLeaseKey(candidate.TenantID))
		if holdErr != nil {
			if errors.Is(holdErr, ErrLeaseContention) {
				stats.Contended++
				continue
			}
			stats.Skipped++
			s.logError(ctx, "expiry sweep could not acquire tenant lease", map[string]any{
				"tenant_id": candidate.TenantID,
				"ticket_id": candidate.ID,
				"error":     holdErr.Error(),
			})
			continue
		}
		expired, expireErr := s.expireTicketUnderLease(ctx, handle, candidate.ID)
		s.releaseLease(handle)
		if expireErr != nil {
			stats.Skipped++
			s.logError(ctx, "expiry sweep failed for ticket", map[string]any{
				"tenant_id": candidate.TenantID,
				"ticket_id": candidate.ID,
				"error":     expireErr.Error(),
			})
			continue
		}
		if expired {
			stats.Expired++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

// expireTicketUnderLease re-reads the ticket under the tenant lease and
// commits its expiry. Returns false when a racing finalize got there first
// or the fresh read shows the TTL has not actually lapsed.
func (s *Service) expireTicketUnderLease(ctx context.Context, handle *LeaseHandle, ticketID string) (bool, error) {
	now := time.Now().UTC()
	ticket, getErr := s.ticketStore.Get(ctx, ticketID)
	if getErr != nil {
		if errors.Is(getErr, ErrTicketNotFound) {
			return false, nil
		}
		return false, s.mapError(getErr)
	}
	if ticket.Status.Terminal() {
		return false, nil
	}
	if !ticket.Expired(now) {
		return false, nil
	}
	session, sessionErr := s.sessionStore.Get(ctx, ticket.TenantID)
	if sessionErr != nil {
		if errors.Is(sessionErr, ErrSessionNotFound) {
			return true, s.expireTicketRow(ctx, ticket, SessionStateAbsent, now)
		}
		return false, s.mapError(sessionErr)
	}
	if !session.State.Pending() {
		// The session has moved on; retire the straggler ticket alone.
		return true, s.expireTicketRow(ctx, ticket, session.State, now)
	}
	if _, expireErr := s.expireTicket(ctx, handle, session, ticket, sweepActor); expireErr != nil {
		return false, expireErr
	}
	return true, nil
}
