package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const recoveryScanActor = "recovery_scan"

// Recover drives a stale session back to authorized through a live
// validation, retrying transient failures with backoff up to the configured
// budget. Exhaustion, tamper, and explicit revocation all fold the session
// to absent; a tenant is never left parked in stale.
func (s *Service) Recover(ctx context.Context, req RecoverRequest) (response RecoverResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tenant_id": req.TenantID,
		"gateway":   req.Gateway,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "recover", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return RecoverResponse{}, err
	}
	fields["tenant_id"] = tenantID
	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return RecoverResponse{}, err
	}

	session, getErr := s.sessionStore.Get(ctx, tenantID)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return RecoverResponse{TenantID: tenantID, State: SessionStateAbsent}, nil
		}
		err = s.mapError(getErr)
		return RecoverResponse{}, err
	}
	if session.State != SessionStateStale {
		// Only stale sessions recover; anything else reports its state.
		fields["state"] = string(session.State)
		return RecoverResponse{TenantID: tenantID, State: session.State}, nil
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return RecoverResponse{}, err
	}
	defer s.releaseLease(handle)

	session, getErr = s.sessionStore.Get(ctx, tenantID)
	if getErr != nil {
		err = s.mapError(getErr)
		return RecoverResponse{}, err
	}
	if session.State != SessionStateStale {
		fields["state"] = string(session.State)
		return RecoverResponse{TenantID: tenantID, State: session.State}, nil
	}

	stored, verdict, verifyErr := s.verifyStoredCredential(ctx, session)
	if verifyErr != nil {
		err = s.mapError(verifyErr)
		return RecoverResponse{}, err
	}
	switch verdict {
	case FingerprintMismatch:
		s.logError(ctx, "credential fingerprint mismatch during recovery", map[string]any{
			"tenant_id": tenantID,
		})
		committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
			reason:   TransitionReasonRecoveryExhausted,
			actor:    req.Actor,
			gateway:  strings.TrimSpace(req.Gateway),
			metadata: map[string]any{"cause": "fingerprint_mismatch"},
		})
		if downErr != nil {
			err = downErr
			return RecoverResponse{}, err
		}
		err = s.mapError(fmt.Errorf("%w: tenant %s", ErrTamperDetected, tenantID))
		return RecoverResponse{TenantID: tenantID, State: committed.State}, err
	case FingerprintAbsent:
		// Nothing to validate; recovery resolves by resetting.
		committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
			reason:   TransitionReasonRecoveryExhausted,
			actor:    req.Actor,
			gateway:  strings.TrimSpace(req.Gateway),
			metadata: map[string]any{"cause": "credential_missing"},
		})
		if downErr != nil {
			err = downErr
			return RecoverResponse{}, err
		}
		return RecoverResponse{TenantID: tenantID, State: committed.State}, nil
	}

	credential, openErr := s.openCredential(ctx, stored.Sealed)
	if openErr != nil {
		// An unreadable sealed payload is corruption, not a transient fault.
		committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
			reason:   TransitionReasonRecoveryExhausted,
			actor:    req.Actor,
			gateway:  strings.TrimSpace(req.Gateway),
			metadata: map[string]any{"cause": "credential_unreadable"},
		})
		if downErr != nil {
			err = downErr
			return RecoverResponse{}, err
		}
		err = s.mapError(openErr)
		return RecoverResponse{TenantID: tenantID, State: committed.State}, err
	}

	gatewayName := strings.TrimSpace(req.Gateway)
	if gatewayName == "" {
		gatewayName = credential.Gateway
	}
	gateway, err := s.resolveGateway(gatewayName)
	if err != nil {
		return RecoverResponse{}, err
	}
	fields["gateway"] = gateway.Name()

	maxAttempts := s.recoveryMaxAttempts()
	scheduler := s.backoffScheduler()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fields["attempts"] = attempt
		if lostErr := handle.Err(); lostErr != nil {
			err = s.mapError(lostErr)
			return RecoverResponse{}, err
		}

		callErr := s.allowUpstream(ctx, gateway.Name(), UpstreamEndpointValidate)
		var result ValidateResult
		if callErr == nil {
			result, callErr = gateway.Validate(ctx, ValidateRequest{
				TenantID:   tenantID,
				Credential: credential.Secret,
			})
			s.recordUpstream(ctx, gateway.Name(), UpstreamEndpointValidate, callErr)
		}

		if callErr != nil {
			if IsUpstreamRevoked(callErr) {
				committed, downErr := s.retireRevokedSession(ctx, handle, session, req.Actor, gateway.Name())
				if downErr != nil {
					err = downErr
					return RecoverResponse{}, err
				}
				return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: attempt}, nil
			}
			if isUnrecoverableSessionError(callErr) {
				committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
					reason:  TransitionReasonRecoveryExhausted,
					actor:   req.Actor,
					gateway: gateway.Name(),
					metadata: map[string]any{
						"attempts": attempt,
						"cause":    callErr.Error(),
					},
				})
				if downErr != nil {
					err = downErr
					return RecoverResponse{}, err
				}
				err = s.mapError(callErr)
				return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: attempt}, err
			}
			lastErr = callErr
			if attempt < maxAttempts {
				if waitErr := waitWithContext(ctx, scheduler.NextDelay(attempt)); waitErr != nil {
					err = s.mapError(waitErr)
					return RecoverResponse{}, err
				}
			}
			continue
		}

		if result.Revoked {
			committed, downErr := s.retireRevokedSession(ctx, handle, session, req.Actor, gateway.Name())
			if downErr != nil {
				err = downErr
				return RecoverResponse{}, err
			}
			return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: attempt}, nil
		}
		if result.Valid {
			now := time.Now().UTC()
			from := session.State
			if transitionErr := session.TransitionTo(SessionStateAuthorized, TransitionReasonRecoverySucceeded, now); transitionErr != nil {
				err = s.mapError(transitionErr)
				return RecoverResponse{}, err
			}
			session.LastValidatedAt = now
			committed, commitErr := s.commitTransition(ctx, handle, transitionCommit{
				session:  session,
				from:     from,
				reason:   TransitionReasonRecoverySucceeded,
				actor:    req.Actor,
				gateway:  gateway.Name(),
				metadata: map[string]any{"attempts": attempt},
			})
			if commitErr != nil {
				err = commitErr
				return RecoverResponse{}, err
			}
			return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: attempt}, nil
		}

		// The platform answered and the credential did not pass. No retry
		// wins that back.
		committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
			reason:  TransitionReasonRecoveryExhausted,
			actor:   req.Actor,
			gateway: gateway.Name(),
			metadata: map[string]any{
				"attempts": attempt,
				"cause":    "credential_rejected",
			},
		})
		if downErr != nil {
			err = downErr
			return RecoverResponse{}, err
		}
		return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: attempt}, nil
	}

	metadata := map[string]any{"attempts": maxAttempts}
	if lastErr != nil {
		metadata["cause"] = lastErr.Error()
	}
	committed, downErr := s.teardownRecovery(ctx, handle, session, recoveryTeardown{
		reason:   TransitionReasonRecoveryExhausted,
		actor:    req.Actor,
		gateway:  gateway.Name(),
		metadata: metadata,
	})
	if downErr != nil {
		err = downErr
		return RecoverResponse{}, err
	}
	if lastErr != nil {
		err = s.mapError(lastErr)
	}
	return RecoverResponse{TenantID: tenantID, State: committed.State, Attempts: maxAttempts}, err
}

type recoveryTeardown struct {
	reason   string
	actor    string
	gateway  string
	metadata map[string]any
}

// teardownRecovery clears the credential and folds the session to absent.
// The purge runs first; committing absent while the blob lingers would leave
// an orphan nothing vouches for.
func (s *Service) teardownRecovery(ctx context.Context, handle *LeaseHandle, session Session, in recoveryTeardown) (Session, error) {
	if purgeErr := s.purgeCredential(ctx, session.TenantID); purgeErr != nil {
		return Session{}, s.mapError(purgeErr)
	}
	now := time.Now().UTC()
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAbsent, in.reason, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	return s.commitTransition(ctx, handle, transitionCommit{
		session:  session,
		from:     from,
		reason:   in.reason,
		actor:    in.actor,
		gateway:  in.gateway,
		metadata: in.metadata,
	})
}

// retireRevokedSession folds a session the platform reports as revoked down
// to absent. An authorized session passes through stale first so every hop
// stays inside the transition table.
func (s *Service) retireRevokedSession(ctx context.Context, handle *LeaseHandle, session Session, actor, gateway string) (Session, error) {
	current := session
	if current.State == SessionStateAuthorized {
		staled, staleErr := s.forceStale(ctx, handle, current, TransitionReasonValidationFailed, actor, map[string]any{
			"cause": "upstream_revoked",
		})
		if staleErr != nil {
			return Session{}, staleErr
		}
		current = staled
	}
	return s.teardownRecovery(ctx, handle, current, recoveryTeardown{
		reason:  TransitionReasonUpstreamRevoked,
		actor:   actor,
		gateway: gateway,
	})
}

// RecoverStaleSessions sweeps sessions parked in stale and drives each one
// through a full recovery pass. Recovery either promotes the tenant back to
// authorized or retires it, so a tenant surfaces in Skipped only when an
// infrastructure fault aborted its pass before anything committed.
func (s *Service) RecoverStaleSessions(ctx context.Context, limit int) (stats RecoveryScanStats, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"limit": limit}
	defer func() {
		fields["scanned"] = stats.Scanned
		fields["recovered"] = stats.Recovered
		fields["retired"] = stats.Retired
		fields["skipped"] = stats.Skipped
		fields["contended"] = stats.Contended
		s.observeOperation(ctx, startedAt, "recover_stale_sessions", err, fields)
	}()

	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return RecoveryScanStats{}, err
	}
	if limit <= 0 {
		limit = s.config.Recovery.ScanLimit
	}
	if limit <= 0 {
		limit = DefaultConfig().Recovery.ScanLimit
	}

	candidates, listErr := s.sessionStore.ListByState(ctx, SessionStateStale, limit)
	if listErr != nil {
		err = s.mapError(listErr)
		return RecoveryScanStats{}, err
	}

	for _, candidate := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = s.mapError(ctxErr)
			return stats, err
		}
		stats.Scanned++
		response, recoverErr := s.Recover(ctx, RecoverRequest{
			TenantID: candidate.TenantID,
			Actor:    recoveryScanActor,
		})
		switch {
		case isLeaseContentionError(recoverErr):
			stats.Contended++
		case response.State == SessionStateAuthorized:
			stats.Recovered++
		case response.State == SessionStateAbsent || response.State == SessionStateRevoked:
			// Teardowns report their cause as an error while still committing
			// the retirement; the committed state decides the bucket.
			stats.Retired++
		default:
			stats.Skipped++
			if recoverErr != nil {
				s.logError(ctx, "recovery scan failed for tenant", map[string]any{
					"tenant_id": candidate.TenantID,
					"error":     recoverErr.Error(),
				})
			}
		}
	}
	return stats, nil
}

func isLeaseContentionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLeaseContention) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(strings.TrimSpace(richErr.TextCode), SessionErrorLeaseContention)
	}
	return false
}

// EnsureFresh is the validate-before-use gate for an authorized session. A
// live validation inside the freshness window is trusted as-is; past it, the
// stored fingerprint and the credential are re-checked under the tenant
// lease before the session is vouched for again.
func (s *Service) EnsureFresh(ctx context.Context, tenantID string) (status SessionStatus, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"tenant_id": tenantID}
	defer func() {
		s.observeOperation(ctx, startedAt, "ensure_fresh", err, fields)
	}()

	normalized, err := normalizeTenantID(tenantID)
	if err != nil {
		err = s.mapError(err)
		return SessionStatus{}, err
	}
	fields["tenant_id"] = normalized
	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return SessionStatus{}, err
	}

	session, getErr := s.sessionStore.Get(ctx, normalized)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return SessionStatus{TenantID: normalized, State: SessionStateAbsent}, nil
		}
		err = s.mapError(getErr)
		return SessionStatus{}, err
	}
	if session.State != SessionStateAuthorized {
		fields["state"] = string(session.State)
		return sessionStatusOf(session), nil
	}
	if s.withinFreshness(session, time.Now().UTC()) {
		fields["fresh"] = true
		return sessionStatusOf(session), nil
	}

	handle, err := s.acquireTenantLease(ctx, normalized)
	if err != nil {
		return SessionStatus{}, err
	}
	defer s.releaseLease(handle)

	session, getErr = s.sessionStore.Get(ctx, normalized)
	if getErr != nil {
		err = s.mapError(getErr)
		return SessionStatus{}, err
	}
	if session.State != SessionStateAuthorized {
		fields["state"] = string(session.State)
		return sessionStatusOf(session), nil
	}
	if s.withinFreshness(session, time.Now().UTC()) {
		// Another holder revalidated while this caller waited on the lease.
		fields["fresh"] = true
		return sessionStatusOf(session), nil
	}

	stored, verdict, verifyErr := s.verifyStoredCredential(ctx, session)
	if verifyErr != nil {
		err = s.mapError(verifyErr)
		return SessionStatus{}, err
	}
	switch verdict {
	case FingerprintMismatch:
		s.logError(ctx, "credential fingerprint mismatch detected", map[string]any{
			"tenant_id": normalized,
			"state":     string(session.State),
		})
		committed, staleErr := s.forceStale(ctx, handle, session, TransitionReasonTamperDetected, "", map[string]any{
			"cause": "fingerprint_mismatch",
		})
		if staleErr != nil {
			err = staleErr
			return SessionStatus{}, err
		}
		err = s.mapError(fmt.Errorf("%w: tenant %s", ErrTamperDetected, normalized))
		return sessionStatusOf(committed), err
	case FingerprintAbsent:
		committed, staleErr := s.forceStale(ctx, handle, session, TransitionReasonValidationFailed, "", map[string]any{
			"cause": "credential_missing",
		})
		if staleErr != nil {
			err = staleErr
			return SessionStatus{}, err
		}
		err = s.mapError(fmt.Errorf("%w: tenant %s", ErrCredentialNotFound, normalized))
		return sessionStatusOf(committed), err
	}

	credential, openErr := s.openCredential(ctx, stored.Sealed)
	if openErr != nil {
		committed, staleErr := s.forceStale(ctx, handle, session, TransitionReasonTamperDetected, "", map[string]any{
			"cause": "credential_unreadable",
		})
		if staleErr != nil {
			err = staleErr
			return SessionStatus{}, err
		}
		err = s.mapError(openErr)
		return sessionStatusOf(committed), err
	}

	gateway, err := s.resolveGateway(credential.Gateway)
	if err != nil {
		return SessionStatus{}, err
	}
	fields["gateway"] = gateway.Name()

	if allowErr := s.allowUpstream(ctx, gateway.Name(), UpstreamEndpointValidate); allowErr != nil {
		// Circuit open: fail fast without demoting. Nothing new was observed
		// about the credential itself.
		err = allowErr
		return sessionStatusOf(session), err
	}
	result, callErr := gateway.Validate(ctx, ValidateRequest{
		TenantID:   normalized,
		Credential: credential.Secret,
	})
	s.recordUpstream(ctx, gateway.Name(), UpstreamEndpointValidate, callErr)
	if callErr != nil {
		if IsUpstreamRevoked(callErr) {
			committed, downErr := s.retireRevokedSession(ctx, handle, session, "", gateway.Name())
			if downErr != nil {
				err = downErr
				return SessionStatus{}, err
			}
			err = s.mapError(fmt.Errorf("%w: tenant %s", ErrSessionRevoked, normalized))
			return sessionStatusOf(committed), err
		}
		committed, staleErr := s.forceStale(ctx, handle, session, TransitionReasonValidationFailed, "", map[string]any{
			"cause": callErr.Error(),
		})
		if staleErr != nil {
			err = staleErr
			return SessionStatus{}, err
		}
		err = s.mapError(callErr)
		return sessionStatusOf(committed), err
	}
	if result.Revoked {
		committed, downErr := s.retireRevokedSession(ctx, handle, session, "", gateway.Name())
		if downErr != nil {
			err = downErr
			return SessionStatus{}, err
		}
		err = s.mapError(fmt.Errorf("%w: tenant %s", ErrSessionRevoked, normalized))
		return sessionStatusOf(committed), err
	}
	if !result.Valid {
		committed, staleErr := s.forceStale(ctx, handle, session, TransitionReasonValidationFailed, "", map[string]any{
			"cause": "credential_rejected",
		})
		if staleErr != nil {
			err = staleErr
			return SessionStatus{}, err
		}
		return sessionStatusOf(committed), nil
	}

	now := time.Now().UTC()
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAuthorized, "", now); transitionErr != nil {
		err = s.mapError(transitionErr)
		return SessionStatus{}, err
	}
	session.LastValidatedAt = now
	committed, commitErr := s.commitTransition(ctx, handle, transitionCommit{
		session: session,
		from:    from,
		reason:  TransitionReasonValidationOK,
		gateway: gateway.Name(),
	})
	if commitErr != nil {
		err = commitErr
		return SessionStatus{}, err
	}
	fields["validated"] = true
	return sessionStatusOf(committed), nil
}

func sessionStatusOf(session Session) SessionStatus {
	return SessionStatus{
		TenantID:        session.TenantID,
		State:           session.State,
		LastValidatedAt: session.LastValidatedAt,
		RevokedAt:       session.RevokedAt,
	}
}

func (s *Service) withinFreshness(session Session, now time.Time) bool {
	window := s.freshnessWindow()
	if window <= 0 {
		return false
	}
	if session.LastValidatedAt.IsZero() {
		return false
	}
	return now.Sub(session.LastValidatedAt) <= window
}

func (s *Service) freshnessWindow() time.Duration {
	if s != nil && s.config.Recovery.FreshnessWindow > 0 {
		return s.config.Recovery.FreshnessWindow
	}
	return DefaultConfig().Recovery.FreshnessWindow
}

func (s *Service) recoveryMaxAttempts() int {
	if s != nil && s.config.Recovery.MaxAttempts > 0 {
		return s.config.Recovery.MaxAttempts
	}
	return DefaultConfig().Recovery.MaxAttempts
}

func (s *Service) backoffScheduler() RecoveryBackoffScheduler {
	if s != nil && s.recoveryScheduler != nil {
		return s.recoveryScheduler
	}
	return ExponentialBackoffScheduler{
		Initial: s.config.Recovery.InitialBackoff,
		Max:     s.config.Recovery.MaxBackoff,
		Jitter:  s.config.Recovery.JitterFraction,
	}
}
