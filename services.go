package sessionguard

import "github.com/goliatone/go-sessionguard/core"

type Config = core.Config

type LeaseConfig = core.LeaseConfig
type TicketConfig = core.TicketConfig
type PasswordConfig = core.PasswordConfig
type CallbackConfig = core.CallbackConfig
type RecoveryConfig = core.RecoveryConfig
type BreakerConfig = core.BreakerConfig
type OutboxConfig = core.OutboxConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type SessionStore = core.SessionStore
type TicketStore = core.TicketStore
type CredentialStore = core.CredentialStore
type LeaseStore = core.LeaseStore
type TransitionLogStore = core.TransitionLogStore
type OutboxStore = core.OutboxStore
type ReplayLedger = core.ReplayLedger
type TicketNotifier = core.TicketNotifier
type CircuitGate = core.CircuitGate
type CallbackVerifier = core.CallbackVerifier
type CredentialCodec = core.CredentialCodec
type RecoveryBackoffScheduler = core.RecoveryBackoffScheduler
type UpstreamGateway = core.UpstreamGateway
type GatewayRegistry = core.GatewayRegistry
type LifecycleHook = core.LifecycleHook

type StartAuthRequest = core.StartAuthRequest
type StartAuthResponse = core.StartAuthResponse

type SubmitPasswordRequest = core.SubmitPasswordRequest
type SubmitPasswordResponse = core.SubmitPasswordResponse

type FinalizeCallbackRequest = core.FinalizeCallbackRequest
type FinalizeCallbackResponse = core.FinalizeCallbackResponse

type RevokeRequest = core.RevokeRequest
type ResetRequest = core.ResetRequest
type RecoverRequest = core.RecoverRequest
type RecoverResponse = core.RecoverResponse

type SessionStatus = core.SessionStatus
type TransitionFilter = core.TransitionFilter
type TransitionPage = core.TransitionPage

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithSecretProvider    = core.WithSecretProvider
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithSessionStore      = core.WithSessionStore
	WithTicketStore       = core.WithTicketStore
	WithCredentialStore   = core.WithCredentialStore
	WithLeaseStore        = core.WithLeaseStore
	WithTransitionLog     = core.WithTransitionLogStore
	WithOutboxStore       = core.WithOutboxStore
	WithReplayLedger      = core.WithReplayLedger
	WithTicketNotifier    = core.WithTicketNotifier
	WithCircuitGate       = core.WithCircuitGate
	WithCallbackVerifier  = core.WithCallbackVerifier
	WithRegistry          = core.WithRegistry
	WithGateway           = core.WithGateway
	WithCredentialCodec   = core.WithCredentialCodec
	WithRecoveryScheduler = core.WithRecoveryScheduler
	WithLifecycleHook     = core.WithLifecycleHook
	WithJobEnqueuer       = core.WithJobEnqueuer
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
