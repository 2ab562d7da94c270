package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

const (
	leaseReleaseTimeout        = 3 * time.Second
	defaultTransitionPageLimit = 50
)

// Service owns the lifecycle of per-tenant platform sessions. Every mutating
// operation acquires the tenant lease, commits its transition atomically, and
// releases the lease afterwards. Read operations never mutate.
type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	secretProvider    SecretProvider
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	sessionStore      SessionStore
	ticketStore       TicketStore
	credentialStore   CredentialStore
	leaseStore        LeaseStore
	leases            *LeaseCoordinator
	transitionLog     TransitionLogStore
	outboxStore       OutboxStore
	replayLedger      ReplayLedger
	notifier          TicketNotifier
	circuitGate       CircuitGate
	callbackVerifier  CallbackVerifier
	registry          GatewayRegistry
	credentialCodec   CredentialCodec
	recoveryScheduler RecoveryBackoffScheduler
	hooks             *LifecycleHookCoordinator
	jobEnqueuer       JobEnqueuer
}

var _ SessionService = (*Service)(nil)

type ServiceDependencies struct {
	Logger             Logger
	LoggerProvider     LoggerProvider
	MetricsRecorder    MetricsRecorder
	ErrorFactory       ErrorFactory
	ErrorMapper        ErrorMapper
	SecretProvider     SecretProvider
	PersistenceClient  any
	RepositoryFactory  any
	ConfigProvider     ConfigProvider
	OptionsResolver    OptionsResolver
	SessionStore       SessionStore
	TicketStore        TicketStore
	CredentialStore    CredentialStore
	LeaseStore         LeaseStore
	TransitionLogStore TransitionLogStore
	OutboxStore        OutboxStore
	ReplayLedger       ReplayLedger
	TicketNotifier     TicketNotifier
	CircuitGate        CircuitGate
	CallbackVerifier   CallbackVerifier
	Registry           GatewayRegistry
	CredentialCodec    CredentialCodec
	RecoveryScheduler  RecoveryBackoffScheduler
	JobEnqueuer        JobEnqueuer
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("sessionguard", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("sessionguard"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewGatewayRegistry()
	}
	if builder.credentialCodec == nil {
		builder.credentialCodec = JSONCredentialCodec{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	needsStores := builder.sessionStore == nil || builder.ticketStore == nil ||
		builder.credentialStore == nil || builder.leaseStore == nil ||
		builder.transitionLogStore == nil || builder.outboxStore == nil
	if needsStores && builder.repositoryFactory != nil {
		var stores StoreProvider
		if factory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			built, buildErr := factory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			stores = built
		} else if provided, ok := builder.repositoryFactory.(StoreProvider); ok {
			stores = provided
		}
		if stores != nil {
			if builder.sessionStore == nil {
				builder.sessionStore = stores.SessionStore()
			}
			if builder.ticketStore == nil {
				builder.ticketStore = stores.TicketStore()
			}
			if builder.credentialStore == nil {
				builder.credentialStore = stores.CredentialStore()
			}
			if builder.leaseStore == nil {
				builder.leaseStore = stores.LeaseStore()
			}
			if builder.transitionLogStore == nil {
				builder.transitionLogStore = stores.TransitionLogStore()
			}
			if builder.outboxStore == nil {
				builder.outboxStore = stores.OutboxStore()
			}
		}
	}

	if builder.ticketStore == nil {
		builder.ticketStore = NewMemoryTicketStore()
	}
	if builder.outboxStore == nil {
		builder.outboxStore = NewMemoryOutboxStore()
	}
	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryCredentialStore()
	}
	if builder.sessionStore == nil {
		// The memory session store commits ticket upserts only into a memory
		// ticket store; mixed memory/external topologies must inject both.
		ticketSink, _ := builder.ticketStore.(*MemoryTicketStore)
		memorySessions := NewMemorySessionStore(ticketSink, builder.outboxStore)
		builder.sessionStore = memorySessions
		if builder.transitionLogStore == nil {
			builder.transitionLogStore = memorySessions
		}
	}
	if builder.leaseStore == nil {
		builder.leaseStore = NewMemoryLeaseStore()
	}
	if builder.ticketNotifier == nil {
		builder.ticketNotifier = NewMemoryTicketNotifier()
	}
	if builder.replayLedger == nil {
		builder.replayLedger = NewMemoryReplayLedger(finalConfig.Callback.ReplayWindow)
	}
	if builder.recoveryScheduler == nil {
		builder.recoveryScheduler = ExponentialBackoffScheduler{
			Initial: finalConfig.Recovery.InitialBackoff,
			Max:     finalConfig.Recovery.MaxBackoff,
			Jitter:  finalConfig.Recovery.JitterFraction,
		}
	}

	hooks := NewLifecycleHookCoordinator()
	for _, hook := range builder.hooks {
		hooks.RegisterPostCommit(hook)
	}

	for _, gateway := range builder.gateways {
		if registerErr := builder.registry.Register(gateway); registerErr != nil {
			return nil, mapBuildError(builder.errorMapper, registerErr)
		}
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		secretProvider:    builder.secretProvider,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		sessionStore:      builder.sessionStore,
		ticketStore:       builder.ticketStore,
		credentialStore:   builder.credentialStore,
		leaseStore:        builder.leaseStore,
		leases:            NewLeaseCoordinator(builder.leaseStore, finalConfig.Lease, logger),
		transitionLog:     builder.transitionLogStore,
		outboxStore:       builder.outboxStore,
		replayLedger:      builder.replayLedger,
		notifier:          builder.ticketNotifier,
		circuitGate:       builder.circuitGate,
		callbackVerifier:  builder.callbackVerifier,
		registry:          builder.registry,
		credentialCodec:   builder.credentialCodec,
		recoveryScheduler: builder.recoveryScheduler,
		hooks:             hooks,
		jobEnqueuer:       builder.jobEnqueuer,
	}, nil
}

func Setup(cfg Config, options ...Option) (*Service, error) {
	return NewService(cfg, options...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:             s.logger,
		LoggerProvider:     s.loggerProvider,
		MetricsRecorder:    s.metricsRecorder,
		ErrorFactory:       s.errorFactory,
		ErrorMapper:        s.errorMapper,
		SecretProvider:     s.secretProvider,
		PersistenceClient:  s.persistenceClient,
		RepositoryFactory:  s.repositoryFactory,
		ConfigProvider:     s.configProvider,
		OptionsResolver:    s.optionsResolver,
		SessionStore:       s.sessionStore,
		TicketStore:        s.ticketStore,
		CredentialStore:    s.credentialStore,
		LeaseStore:         s.leaseStore,
		TransitionLogStore: s.transitionLog,
		OutboxStore:        s.outboxStore,
		ReplayLedger:       s.replayLedger,
		TicketNotifier:     s.notifier,
		CircuitGate:        s.circuitGate,
		CallbackVerifier:   s.callbackVerifier,
		Registry:           s.registry,
		CredentialCodec:    s.credentialCodec,
		RecoveryScheduler:  s.recoveryScheduler,
		JobEnqueuer:        s.jobEnqueuer,
	}
}

// Hooks exposes the lifecycle hook coordinator so hosts can register
// pre-commit guards and post-commit listeners after construction.
func (s *Service) Hooks() *LifecycleHookCoordinator {
	if s == nil {
		return nil
	}
	return s.hooks
}

// StartAuth opens a fresh authentication challenge for the tenant. The
// session must be absent; stale or revoked sessions need Recover or Reset
// first. An expired leftover ticket is folded away before the new challenge
// is requested.
func (s *Service) StartAuth(ctx context.Context, req StartAuthRequest) (response StartAuthResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tenant_id": req.TenantID,
		"gateway":   req.Gateway,
		"kind":      string(req.Kind),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "start_auth", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return StartAuthResponse{}, err
	}
	fields["tenant_id"] = tenantID
	kind, err := ParseTicketKind(string(req.Kind))
	if err != nil {
		err = s.mapError(err)
		return StartAuthResponse{}, err
	}
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return StartAuthResponse{}, err
	}
	fields["gateway"] = gateway.Name()
	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return StartAuthResponse{}, err
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return StartAuthResponse{}, err
	}
	defer s.releaseLease(handle)

	now := time.Now().UTC()
	session, getErr := s.sessionStore.GetOrCreate(ctx, tenantID, now)
	if getErr != nil {
		err = s.mapError(getErr)
		return StartAuthResponse{}, err
	}

	if session.State == SessionStateAuthorized {
		err = s.mapError(fmt.Errorf("%w: tenant %s", ErrAlreadyAuthorized, tenantID))
		return StartAuthResponse{}, err
	}
	if session.State.Pending() {
		leftover, found, ticketErr := s.activeTicket(ctx, tenantID)
		if ticketErr != nil {
			err = s.mapError(ticketErr)
			return StartAuthResponse{}, err
		}
		if found && !leftover.Expired(now) {
			fields["ticket_id"] = leftover.ID
			err = s.mapError(fmt.Errorf("%w: ticket %s", ErrActiveTicketExists, leftover.ID))
			return StartAuthResponse{}, err
		}
		if found {
			session, err = s.expireTicket(ctx, handle, session, leftover, req.Actor)
			if err != nil {
				return StartAuthResponse{}, err
			}
		} else {
			// Pending without a live ticket row: fold back to absent so a
			// fresh challenge can be issued.
			from := session.State
			if transitionErr := session.TransitionTo(SessionStateAbsent, TransitionReasonTicketExpired, now); transitionErr != nil {
				err = s.mapError(transitionErr)
				return StartAuthResponse{}, err
			}
			session, err = s.commitTransition(ctx, handle, transitionCommit{
				session: session,
				from:    from,
				reason:  TransitionReasonTicketExpired,
				actor:   req.Actor,
				gateway: gateway.Name(),
			})
			if err != nil {
				return StartAuthResponse{}, err
			}
		}
	}
	if session.State != SessionStateAbsent {
		err = s.mapError(fmt.Errorf("%w: %s -> %s", ErrInvalidSessionStateTransition, session.State, kind.PendingState()))
		return StartAuthResponse{}, err
	}

	endpoint := UpstreamEndpointPair
	if err = s.allowUpstream(ctx, gateway.Name(), endpoint); err != nil {
		return StartAuthResponse{}, err
	}
	challenge, callErr := gateway.BeginPair(ctx, PairRequest{
		TenantID: tenantID,
		Kind:     kind,
		Metadata: copyAnyMap(req.Metadata),
	})
	s.recordUpstream(ctx, gateway.Name(), endpoint, callErr)
	if callErr != nil {
		err = s.mapError(callErr)
		return StartAuthResponse{}, err
	}
	if len(challenge.Payload) == 0 {
		err = s.mapError(fmt.Errorf("core: gateway %s returned an empty challenge", gateway.Name()))
		return StartAuthResponse{}, err
	}

	expiresAt := now.Add(s.ticketTTL(challenge.ExpiresIn))
	ticket := Ticket{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Kind:        kind,
		Status:      TicketStatusPending,
		ChallengeID: strings.TrimSpace(challenge.ChallengeID),
		Payload:     append([]byte(nil), challenge.Payload...),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	fields["ticket_id"] = ticket.ID

	reason := TransitionReasonStartQR
	if kind == TicketKindCode {
		reason = TransitionReasonStartCode
	}
	from := session.State
	if transitionErr := session.TransitionTo(kind.PendingState(), reason, now); transitionErr != nil {
		err = s.mapError(transitionErr)
		return StartAuthResponse{}, err
	}
	session, err = s.commitTransition(ctx, handle, transitionCommit{
		session: session,
		from:    from,
		reason:  reason,
		actor:   req.Actor,
		gateway: gateway.Name(),
		ticket:  &ticket,
		metadata: map[string]any{
			"ticket_id":    ticket.ID,
			"challenge_id": ticket.ChallengeID,
		},
	})
	if err != nil {
		return StartAuthResponse{}, err
	}

	response = StartAuthResponse{
		TicketID:         ticket.ID,
		State:            session.State,
		ChallengePayload: append([]byte(nil), challenge.Payload...),
		ExpiresAt:        expiresAt,
	}
	return response, nil
}

// GetStatus reports the tenant's session without mutating anything. A tenant
// with no session row is absent, not an error.
func (s *Service) GetStatus(ctx context.Context, tenantID string) (status SessionStatus, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"tenant_id": tenantID}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_status", err, fields)
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

	status = sessionStatusOf(session)
	if session.State.Pending() && s.ticketStore != nil {
		ticket, found, ticketErr := s.activeTicket(ctx, normalized)
		if ticketErr != nil {
			err = s.mapError(ticketErr)
			return SessionStatus{}, err
		}
		if found {
			status.TicketID = ticket.ID
			status.TicketStatus = ticket.Status
			status.TicketExpiresAt = ticket.ExpiresAt
		}
	}
	return status, nil
}

// ListTransitions pages through the append-only audit trail for one tenant,
// oldest first. AfterSeq resumes a previous page; a non-positive limit falls
// back to defaultTransitionPageLimit.
func (s *Service) ListTransitions(ctx context.Context, filter TransitionFilter) (page TransitionPage, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"tenant_id": filter.TenantID}
	defer func() {
		s.observeOperation(ctx, startedAt, "list_transitions", err, fields)
	}()

	tenantID, err := normalizeTenantID(filter.TenantID)
	if err != nil {
		err = s.mapError(err)
		return TransitionPage{}, err
	}
	fields["tenant_id"] = tenantID
	if s.transitionLog == nil {
		err = s.mapError(fmt.Errorf("core: transition log store is not configured"))
		return TransitionPage{}, err
	}

	filter.TenantID = tenantID
	if filter.Limit <= 0 {
		filter.Limit = defaultTransitionPageLimit
	}
	page, listErr := s.transitionLog.List(ctx, filter)
	if listErr != nil {
		err = s.mapError(listErr)
		return TransitionPage{}, err
	}
	return page, nil
}

// SubmitPassword forwards the second-factor password for a ticket waiting on
// one. Each submission that reaches the platform consumes one attempt from
// the ticket's budget; exhaustion tears the challenge down.
func (s *Service) SubmitPassword(ctx context.Context, req SubmitPasswordRequest) (response SubmitPasswordResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tenant_id": req.TenantID,
		"gateway":   req.Gateway,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "submit_password", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return SubmitPasswordResponse{}, err
	}
	fields["tenant_id"] = tenantID
	if strings.TrimSpace(req.Password) == "" {
		err = s.mapError(fmt.Errorf("core: password is required"))
		return SubmitPasswordResponse{}, err
	}
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return SubmitPasswordResponse{}, err
	}
	fields["gateway"] = gateway.Name()
	if s.sessionStore == nil || s.ticketStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return SubmitPasswordResponse{}, err
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return SubmitPasswordResponse{}, err
	}
	defer s.releaseLease(handle)

	now := time.Now().UTC()
	session, getErr := s.sessionStore.Get(ctx, tenantID)
	if getErr != nil {
		err = s.mapError(getErr)
		return SubmitPasswordResponse{}, err
	}
	if session.State != SessionStatePendingPassword {
		err = s.mapError(fmt.Errorf("%w: password submission requires %s, session is %s",
			ErrInvalidSessionStateTransition, SessionStatePendingPassword, session.State))
		return SubmitPasswordResponse{}, err
	}

	ticket, found, ticketErr := s.activeTicket(ctx, tenantID)
	if ticketErr != nil {
		err = s.mapError(ticketErr)
		return SubmitPasswordResponse{}, err
	}
	if !found {
		err = s.mapError(fmt.Errorf("%w: tenant %s has no active ticket", ErrTicketNotFound, tenantID))
		return SubmitPasswordResponse{}, err
	}
	fields["ticket_id"] = ticket.ID
	if ticket.Expired(now) {
		if _, expireErr := s.expireTicket(ctx, handle, session, ticket, req.Actor); expireErr != nil {
			err = expireErr
			return SubmitPasswordResponse{}, err
		}
		err = s.mapError(fmt.Errorf("%w: ticket %s", ErrTicketExpired, ticket.ID))
		return SubmitPasswordResponse{State: SessionStateAbsent}, err
	}
	if ticket.Status != TicketStatusPasswordRequired {
		err = s.mapError(fmt.Errorf("%w: ticket %s is %s, password was not requested",
			ErrInvalidTicketStatusTransition, ticket.ID, ticket.Status))
		return SubmitPasswordResponse{}, err
	}

	maxAttempts := s.passwordMaxAttempts()
	if ticket.AttemptCount >= maxAttempts {
		session, err = s.exhaustPasswordAttempts(ctx, handle, session, ticket, req.Actor, gateway.Name())
		if err != nil {
			return SubmitPasswordResponse{}, err
		}
		err = s.mapError(fmt.Errorf("%w: ticket %s", ErrAttemptsExceeded, ticket.ID))
		return SubmitPasswordResponse{State: session.State}, err
	}

	endpoint := UpstreamEndpointPassword
	if err = s.allowUpstream(ctx, gateway.Name(), endpoint); err != nil {
		return SubmitPasswordResponse{}, err
	}
	result, callErr := gateway.SubmitPassword(ctx, PasswordRequest{
		TenantID:    tenantID,
		ChallengeID: ticket.ChallengeID,
		Password:    req.Password,
	})
	s.recordUpstream(ctx, gateway.Name(), endpoint, callErr)
	if callErr != nil {
		if IsUpstreamRevoked(callErr) {
			if _, abortErr := s.abortTicket(ctx, handle, session, ticket, TransitionReasonUpstreamRevoked, req.Actor, gateway.Name()); abortErr != nil {
				err = abortErr
				return SubmitPasswordResponse{}, err
			}
			err = s.mapError(callErr)
			return SubmitPasswordResponse{State: SessionStateAbsent}, err
		}
		// Transport failures never consume the attempt budget.
		err = s.mapError(callErr)
		return SubmitPasswordResponse{}, err
	}

	ticket.AttemptCount++
	ticket.UpdatedAt = now
	remaining := maxAttempts - ticket.AttemptCount
	if remaining < 0 {
		remaining = 0
	}
	fields["attempt_count"] = ticket.AttemptCount

	switch {
	case result.Accepted:
		session, err = s.finalizeAuthorized(ctx, handle, finalizeAuthorizedInput{
			session:    session,
			ticket:     ticket,
			credential: result.Credential,
			reason:     TransitionReasonPasswordVerified,
			actor:      req.Actor,
			gateway:    gateway.Name(),
			metadata:   result.Metadata,
			now:        now,
		})
		if err != nil {
			return SubmitPasswordResponse{}, err
		}
		response = SubmitPasswordResponse{State: session.State, AttemptsRemaining: remaining}
		return response, nil
	case result.Rejected:
		if ticket.AttemptCount >= maxAttempts {
			session, err = s.exhaustPasswordAttempts(ctx, handle, session, ticket, req.Actor, gateway.Name())
			if err != nil {
				return SubmitPasswordResponse{}, err
			}
			err = s.mapError(fmt.Errorf("%w: ticket %s", ErrAttemptsExceeded, ticket.ID))
			return SubmitPasswordResponse{State: session.State}, err
		}
		if _, updateErr := s.ticketStore.Update(ctx, ticket); updateErr != nil {
			err = s.mapError(updateErr)
			return SubmitPasswordResponse{}, err
		}
		err = s.mapError(fmt.Errorf("%w: %d attempts remaining", ErrPasswordRejected, remaining))
		return SubmitPasswordResponse{State: session.State, AttemptsRemaining: remaining}, err
	default:
		err = s.mapError(fmt.Errorf("core: gateway %s returned no password verdict", gateway.Name()))
		return SubmitPasswordResponse{}, err
	}
}

// Revoke tears the tenant's session down. Authorized and stale sessions get a
// best-effort upstream logout before the credential is destroyed; pending
// challenges are aborted. Revoking an absent or already revoked session is a
// no-op.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tenant_id": req.TenantID,
		"gateway":   req.Gateway,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "revoke", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return err
	}
	fields["tenant_id"] = tenantID
	gateway, err := s.resolveGateway(req.Gateway)
	if err != nil {
		return err
	}
	fields["gateway"] = gateway.Name()
	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return err
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return err
	}
	defer s.releaseLease(handle)

	now := time.Now().UTC()
	session, getErr := s.sessionStore.Get(ctx, tenantID)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return nil
		}
		err = s.mapError(getErr)
		return err
	}
	fields["from_state"] = string(session.State)

	if session.State == SessionStateAbsent || session.State == SessionStateRevoked {
		return nil
	}

	if session.State.Pending() {
		ticket, found, ticketErr := s.activeTicket(ctx, tenantID)
		if ticketErr != nil {
			err = s.mapError(ticketErr)
			return err
		}
		var ticketRef *Ticket
		if found {
			fields["ticket_id"] = ticket.ID
			if transitionErr := ticket.TransitionTo(TicketStatusFinalized, now); transitionErr != nil {
				err = s.mapError(transitionErr)
				return err
			}
			ticket.Resolution = &TicketResolution{
				Outcome:    FinalizeOutcomeRejected,
				State:      SessionStateAbsent,
				ResolvedAt: now,
			}
			ticketRef = &ticket
		}
		from := session.State
		if transitionErr := session.TransitionTo(SessionStateAbsent, TransitionReasonManualRevoke, now); transitionErr != nil {
			err = s.mapError(transitionErr)
			return err
		}
		if _, err = s.commitTransition(ctx, handle, transitionCommit{
			session:  session,
			from:     from,
			reason:   TransitionReasonManualRevoke,
			actor:    req.Actor,
			gateway:  gateway.Name(),
			ticket:   ticketRef,
			metadata: revokeMetadata(req.Reason),
		}); err != nil {
			return err
		}
		if ticketRef != nil {
			s.publishResolution(*ticketRef)
		}
		return nil
	}

	// Authorized or stale: tell the platform, then destroy locally. Upstream
	// failures do not block local teardown.
	s.logoutUpstream(ctx, gateway, tenantID)
	if purgeErr := s.purgeCredential(ctx, tenantID); purgeErr != nil {
		err = s.mapError(purgeErr)
		return err
	}

	from := session.State
	if transitionErr := session.TransitionTo(SessionStateRevoked, TransitionReasonManualRevoke, now); transitionErr != nil {
		err = s.mapError(transitionErr)
		return err
	}
	if _, err = s.commitTransition(ctx, handle, transitionCommit{
		session:  session,
		from:     from,
		reason:   TransitionReasonManualRevoke,
		actor:    req.Actor,
		gateway:  gateway.Name(),
		metadata: revokeMetadata(req.Reason),
	}); err != nil {
		return err
	}
	return nil
}

// Reset acknowledges a revoked session and returns the tenant to absent so a
// new challenge can be started. Absent tenants are a no-op.
func (s *Service) Reset(ctx context.Context, req ResetRequest) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"tenant_id": req.TenantID}
	defer func() {
		s.observeOperation(ctx, startedAt, "reset", err, fields)
	}()

	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		err = s.mapError(err)
		return err
	}
	fields["tenant_id"] = tenantID
	if s.sessionStore == nil {
		err = s.mapError(fmt.Errorf("core: session store is not configured"))
		return err
	}

	handle, err := s.acquireTenantLease(ctx, tenantID)
	if err != nil {
		return err
	}
	defer s.releaseLease(handle)

	session, getErr := s.sessionStore.Get(ctx, tenantID)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return nil
		}
		err = s.mapError(getErr)
		return err
	}
	if session.State == SessionStateAbsent {
		return nil
	}
	if session.State != SessionStateRevoked {
		err = s.mapError(fmt.Errorf("%w: reset requires %s, session is %s",
			ErrInvalidSessionStateTransition, SessionStateRevoked, session.State))
		return err
	}

	// The credential was destroyed on revoke; purge again in case teardown
	// was interrupted between delete and commit.
	if purgeErr := s.purgeCredential(ctx, tenantID); purgeErr != nil {
		err = s.mapError(purgeErr)
		return err
	}

	now := time.Now().UTC()
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateAbsent, TransitionReasonReset, now); transitionErr != nil {
		err = s.mapError(transitionErr)
		return err
	}
	if _, err = s.commitTransition(ctx, handle, transitionCommit{
		session: session,
		from:    from,
		reason:  TransitionReasonReset,
		actor:   req.Actor,
	}); err != nil {
		return err
	}
	return nil
}

type transitionCommit struct {
	session  Session
	from     SessionState
	reason   string
	actor    string
	gateway  string
	ticket   *Ticket
	metadata map[string]any
}

// commitTransition writes the session row, the audit record, the outbox
// event, and the optional ticket mutation as one consistency unit. The lease
// must still be held; a lost lease aborts before anything is written.
func (s *Service) commitTransition(ctx context.Context, handle *LeaseHandle, commit transitionCommit) (Session, error) {
	if s == nil || s.sessionStore == nil {
		return Session{}, s.mapError(fmt.Errorf("core: session store is not configured"))
	}
	if handle != nil {
		if lostErr := handle.Err(); lostErr != nil {
			return Session{}, s.mapError(lostErr)
		}
	}

	occurredAt := commit.session.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	metadata := copyAnyMap(commit.metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if strings.TrimSpace(commit.gateway) != "" {
		metadata["gateway"] = strings.TrimSpace(commit.gateway)
	}
	metadata = RedactSensitiveMap(metadata)

	record := TransitionRecord{
		ID:         uuid.NewString(),
		TenantID:   commit.session.TenantID,
		FromState:  commit.from,
		ToState:    commit.session.State,
		Reason:     commit.reason,
		Actor:      strings.TrimSpace(commit.actor),
		OccurredAt: occurredAt,
		Metadata:   metadata,
	}
	event := TransitionEvent{
		ID:         uuid.NewString(),
		Name:       TransitionEventName(commit.reason),
		TenantID:   commit.session.TenantID,
		FromState:  commit.from,
		ToState:    commit.session.State,
		Reason:     commit.reason,
		Actor:      record.Actor,
		Source:     s.serviceName(),
		OccurredAt: occurredAt,
		Metadata:   copyAnyMap(metadata),
	}

	if s.hooks != nil {
		if hookErr := s.hooks.ExecutePreCommit(ctx, event); hookErr != nil {
			return Session{}, s.mapError(hookErr)
		}
	}
	// Same-state touches (freshness revalidation, repeated stale marks) keep
	// their audit record but do not fan out an outbox event.
	var outboxEvent *TransitionEvent
	if commit.from != commit.session.State {
		outboxEvent = &event
	}
	stored, applyErr := s.sessionStore.ApplyTransition(ctx, ApplyTransitionInput{
		Session: commit.session,
		Record:  record,
		Event:   outboxEvent,
		Ticket:  commit.ticket,
	})
	if applyErr != nil {
		return Session{}, s.mapError(applyErr)
	}
	if commit.from != commit.session.State {
		s.observeTransition(ctx, commit.from, commit.session.State, commit.reason)
	}
	if s.hooks != nil {
		if hookErr := s.hooks.ExecutePostCommit(ctx, event); hookErr != nil {
			s.logError(ctx, "post-commit hooks failed", map[string]any{
				"tenant_id": commit.session.TenantID,
				"reason":    commit.reason,
				"error":     hookErr.Error(),
			})
		}
	}
	return stored, nil
}

// TransitionEventName derives the outbox event name from a transition
// reason, e.g. "session.challenge_confirmed".
func TransitionEventName(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "session.transition"
	}
	return "session." + reason
}

func revokeMetadata(reason string) map[string]any {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return map[string]any{"revoke_reason": reason}
}

// logoutUpstream tells the platform to drop the credential before local
// teardown. Failures are logged and swallowed.
func (s *Service) logoutUpstream(ctx context.Context, gateway UpstreamGateway, tenantID string) {
	if s == nil || gateway == nil || s.credentialStore == nil {
		return
	}
	stored, readErr := s.credentialStore.Read(ctx, tenantID)
	if readErr != nil {
		return
	}
	credential, openErr := s.openCredential(ctx, stored.Sealed)
	if openErr != nil {
		s.logError(ctx, "skipping upstream logout, sealed credential unreadable", map[string]any{
			"tenant_id": tenantID,
			"error":     openErr.Error(),
		})
		return
	}
	endpoint := UpstreamEndpointLogout
	if allowErr := s.allowUpstream(ctx, gateway.Name(), endpoint); allowErr != nil {
		return
	}
	callErr := gateway.Logout(ctx, LogoutRequest{TenantID: tenantID, Credential: credential.Secret})
	s.recordUpstream(ctx, gateway.Name(), endpoint, callErr)
	if callErr != nil {
		s.logError(ctx, "upstream logout failed", map[string]any{
			"tenant_id": tenantID,
			"gateway":   gateway.Name(),
			"error":     callErr.Error(),
		})
	}
}

// sealCredential envelopes the platform secret with the configured codec and
// encrypts the result when a secret provider is configured.
func (s *Service) sealCredential(ctx context.Context, credential SessionCredential) ([]byte, error) {
	codec := s.credentialCodec
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	encoded, err := codec.Encode(credential)
	if err != nil {
		return nil, err
	}
	if s.secretProvider == nil {
		return encoded, nil
	}
	sealed, err := s.secretProvider.Encrypt(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("core: credential sealing failed: %w", err)
	}
	return sealed, nil
}

func (s *Service) openCredential(ctx context.Context, sealed []byte) (SessionCredential, error) {
	payload := sealed
	if s.secretProvider != nil {
		decrypted, err := s.secretProvider.Decrypt(ctx, sealed)
		if err != nil {
			return SessionCredential{}, fmt.Errorf("core: credential unsealing failed: %w", err)
		}
		payload = decrypted
	}
	codec := s.credentialCodec
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	return codec.Decode(payload)
}

func (s *Service) purgeCredential(ctx context.Context, tenantID string) error {
	if s == nil || s.credentialStore == nil {
		return nil
	}
	if err := s.credentialStore.Delete(ctx, tenantID); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// verifyStoredCredential loads the sealed blob and compares it against the
// fingerprint recorded on the session row. A recorded fingerprint with no
// blob behind it is a mismatch, not an absence.
func (s *Service) verifyStoredCredential(ctx context.Context, session Session) (StoredCredential, FingerprintVerdict, error) {
	if s == nil || s.credentialStore == nil {
		return StoredCredential{}, FingerprintAbsent, fmt.Errorf("core: credential store is not configured")
	}
	stored, err := s.credentialStore.Read(ctx, session.TenantID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			if session.Fingerprint.IsZero() {
				return StoredCredential{}, FingerprintAbsent, nil
			}
			return StoredCredential{}, FingerprintMismatch, nil
		}
		return StoredCredential{}, FingerprintAbsent, err
	}
	if session.Fingerprint.IsZero() {
		// A blob nothing vouches for is as suspect as an altered one.
		return stored, FingerprintMismatch, nil
	}
	return stored, VerifyFingerprint(session.Fingerprint, stored.Sealed, stored.Marker), nil
}

// forceStale downgrades an authorized session after a failed validation or a
// fingerprint mismatch. Committing an already stale session just refreshes
// the recorded reason.
func (s *Service) forceStale(ctx context.Context, handle *LeaseHandle, session Session, reason, actor string, metadata map[string]any) (Session, error) {
	now := time.Now().UTC()
	from := session.State
	if transitionErr := session.TransitionTo(SessionStateStale, reason, now); transitionErr != nil {
		return Session{}, s.mapError(transitionErr)
	}
	return s.commitTransition(ctx, handle, transitionCommit{
		session:  session,
		from:     from,
		reason:   reason,
		actor:    actor,
		metadata: metadata,
	})
}

func (s *Service) activeTicket(ctx context.Context, tenantID string) (Ticket, bool, error) {
	if s == nil || s.ticketStore == nil {
		return Ticket{}, false, fmt.Errorf("core: ticket store is not configured")
	}
	ticket, err := s.ticketStore.GetActiveByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			return Ticket{}, false, nil
		}
		return Ticket{}, false, err
	}
	return ticket, true, nil
}

// acquireTenantLease claims the tenant's mutation lease and starts the
// renewal heartbeat. Contention surfaces immediately; callers own the retry.
func (s *Service) acquireTenantLease(ctx context.Context, tenantID string) (*LeaseHandle, error) {
	if s == nil || s.leases == nil {
		return nil, s.mapError(fmt.Errorf("core: lease coordinator is not configured"))
	}
	handle, err := s.leases.Hold(ctx, SessionLeaseKey(tenantID))
	if err != nil {
		return nil, s.mapError(err)
	}
	return handle, nil
}

func (s *Service) releaseLease(handle *LeaseHandle) {
	if s == nil || handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := handle.Release(ctx); err != nil {
		s.logError(ctx, "lease release failed", map[string]any{
			"resource_key": handle.ResourceKey(),
			"error":        err.Error(),
		})
	}
}

func upstreamCircuitKey(gateway, endpoint string) string {
	gateway = strings.TrimSpace(gateway)
	if gateway == "" {
		return endpoint
	}
	return gateway + ":" + endpoint
}

// allowUpstream consults the circuit gate before an upstream call. A nil
// gate admits everything.
func (s *Service) allowUpstream(ctx context.Context, gateway, endpoint string) error {
	if s == nil || s.circuitGate == nil {
		return nil
	}
	if err := s.circuitGate.Allow(ctx, upstreamCircuitKey(gateway, endpoint)); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *Service) recordUpstream(ctx context.Context, gateway, endpoint string, callErr error) {
	if s == nil || s.circuitGate == nil {
		return
	}
	s.circuitGate.Record(ctx, upstreamCircuitKey(gateway, endpoint), callErr)
}

func (s *Service) resolveGateway(name string) (UpstreamGateway, error) {
	if s == nil || s.registry == nil {
		return nil, s.mapError(fmt.Errorf("core: gateway registry is not configured"))
	}
	resolved := strings.TrimSpace(name)
	if resolved == "" {
		resolved = strings.TrimSpace(s.config.DefaultGateway)
	}
	if resolved == "" {
		return nil, s.mapError(fmt.Errorf("core: gateway name is required and no default is configured"))
	}
	gateway, ok := s.registry.Get(resolved)
	if ok && gateway != nil {
		return gateway, nil
	}
	wrapped := s.errorFactory(
		fmt.Sprintf("gateway %q is not registered", resolved),
		goerrors.CategoryNotFound,
	).WithTextCode(SessionErrorGatewayNotFound)
	return nil, wrapped.WithMetadata(map[string]any{"gateway": resolved})
}

func (s *Service) ticketTTL(hint time.Duration) time.Duration {
	ttl := s.config.Ticket.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().Ticket.TTL
	}
	if hint > 0 && hint < ttl {
		return hint
	}
	return ttl
}

func (s *Service) passwordMaxAttempts() int {
	if s != nil && s.config.Password.MaxAttempts > 0 {
		return s.config.Password.MaxAttempts
	}
	return DefaultConfig().Password.MaxAttempts
}

func (s *Service) serviceName() string {
	if s == nil {
		return ""
	}
	if name := strings.TrimSpace(s.config.ServiceName); name != "" {
		return name
	}
	return "sessionguard"
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
