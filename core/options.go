package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig      Config
	logger             Logger
	loggerProvider     LoggerProvider
	metricsRecorder    MetricsRecorder
	errorFactory       ErrorFactory
	errorMapper        ErrorMapper
	secretProvider     SecretProvider
	persistenceClient  any
	repositoryFactory  any
	configProvider     ConfigProvider
	optionsResolver    OptionsResolver
	sessionStore       SessionStore
	ticketStore        TicketStore
	credentialStore    CredentialStore
	leaseStore         LeaseStore
	transitionLogStore TransitionLogStore
	outboxStore        OutboxStore
	replayLedger       ReplayLedger
	ticketNotifier     TicketNotifier
	circuitGate        CircuitGate
	callbackVerifier   CallbackVerifier
	registry           GatewayRegistry
	gateways           []UpstreamGateway
	credentialCodec    CredentialCodec
	recoveryScheduler  RecoveryBackoffScheduler
	hooks              []LifecycleHook
	jobEnqueuer        JobEnqueuer
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithSecretProvider(provider SecretProvider) Option {
	return func(b *serviceBuilder) {
		b.secretProvider = provider
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithSessionStore(store SessionStore) Option {
	return func(b *serviceBuilder) {
		b.sessionStore = store
	}
}

func WithTicketStore(store TicketStore) Option {
	return func(b *serviceBuilder) {
		b.ticketStore = store
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithLeaseStore(store LeaseStore) Option {
	return func(b *serviceBuilder) {
		b.leaseStore = store
	}
}

func WithTransitionLogStore(store TransitionLogStore) Option {
	return func(b *serviceBuilder) {
		b.transitionLogStore = store
	}
}

func WithOutboxStore(store OutboxStore) Option {
	return func(b *serviceBuilder) {
		b.outboxStore = store
	}
}

func WithReplayLedger(ledger ReplayLedger) Option {
	return func(b *serviceBuilder) {
		b.replayLedger = ledger
	}
}

func WithTicketNotifier(notifier TicketNotifier) Option {
	return func(b *serviceBuilder) {
		b.ticketNotifier = notifier
	}
}

func WithCircuitGate(gate CircuitGate) Option {
	return func(b *serviceBuilder) {
		b.circuitGate = gate
	}
}

func WithCallbackVerifier(verifier CallbackVerifier) Option {
	return func(b *serviceBuilder) {
		b.callbackVerifier = verifier
	}
}

func WithRegistry(registry GatewayRegistry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

// WithGateway registers the gateway on the builder registry during NewService.
func WithGateway(gateway UpstreamGateway) Option {
	return func(b *serviceBuilder) {
		if gateway == nil {
			return
		}
		b.gateways = append(b.gateways, gateway)
	}
}

func WithCredentialCodec(codec CredentialCodec) Option {
	return func(b *serviceBuilder) {
		b.credentialCodec = codec
	}
}

func WithRecoveryScheduler(scheduler RecoveryBackoffScheduler) Option {
	return func(b *serviceBuilder) {
		b.recoveryScheduler = scheduler
	}
}

func WithLifecycleHook(hook LifecycleHook) Option {
	return func(b *serviceBuilder) {
		if hook == nil {
			return
		}
		b.hooks = append(b.hooks, hook)
	}
}

func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.jobEnqueuer = enqueuer
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("sessionguard", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewGatewayRegistry(),
		credentialCodec: JSONCredentialCodec{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return sessionErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap flattens a Config into the koanf key space. Overlay
// layers carry only the fields the caller actually set; zero values stay out
// so they never shadow a lower layer.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || strings.TrimSpace(cfg.DefaultGateway) != "" {
		layer["default_gateway"] = cfg.DefaultGateway
	}

	section := func(name string, values map[string]any) {
		if includeZero || len(values) > 0 {
			layer[name] = values
		}
	}

	lease := map[string]any{}
	if includeZero || cfg.Lease.TTL > 0 {
		lease["ttl"] = cfg.Lease.TTL
	}
	if includeZero || cfg.Lease.HeartbeatInterval > 0 {
		lease["heartbeat_interval"] = cfg.Lease.HeartbeatInterval
	}
	if includeZero || cfg.Lease.MaxRenewalFailures > 0 {
		lease["max_renewal_failures"] = cfg.Lease.MaxRenewalFailures
	}
	section("lease", lease)

	ticket := map[string]any{}
	if includeZero || cfg.Ticket.TTL > 0 {
		ticket["ttl"] = cfg.Ticket.TTL
	}
	if includeZero || cfg.Ticket.SweepLimit > 0 {
		ticket["sweep_limit"] = cfg.Ticket.SweepLimit
	}
	if includeZero || cfg.Ticket.PayloadSize > 0 {
		ticket["payload_size"] = cfg.Ticket.PayloadSize
	}
	section("ticket", ticket)

	password := map[string]any{}
	if includeZero || cfg.Password.MaxAttempts > 0 {
		password["max_attempts"] = cfg.Password.MaxAttempts
	}
	section("password", password)

	callback := map[string]any{}
	if includeZero || cfg.Callback.Tolerance > 0 {
		callback["tolerance"] = cfg.Callback.Tolerance
	}
	if includeZero || cfg.Callback.ReplayWindow > 0 {
		callback["replay_window"] = cfg.Callback.ReplayWindow
	}
	section("callback", callback)

	recovery := map[string]any{}
	if includeZero || cfg.Recovery.MaxAttempts > 0 {
		recovery["max_attempts"] = cfg.Recovery.MaxAttempts
	}
	if includeZero || cfg.Recovery.InitialBackoff > 0 {
		recovery["initial_backoff"] = cfg.Recovery.InitialBackoff
	}
	if includeZero || cfg.Recovery.MaxBackoff > 0 {
		recovery["max_backoff"] = cfg.Recovery.MaxBackoff
	}
	if includeZero || cfg.Recovery.JitterFraction > 0 {
		recovery["jitter_fraction"] = cfg.Recovery.JitterFraction
	}
	if includeZero || cfg.Recovery.FreshnessWindow > 0 {
		recovery["freshness_window"] = cfg.Recovery.FreshnessWindow
	}
	if includeZero || cfg.Recovery.ScanLimit > 0 {
		recovery["scan_limit"] = cfg.Recovery.ScanLimit
	}
	section("recovery", recovery)

	breaker := map[string]any{}
	if includeZero || cfg.Breaker.FailureThreshold > 0 {
		breaker["failure_threshold"] = cfg.Breaker.FailureThreshold
	}
	if includeZero || cfg.Breaker.Window > 0 {
		breaker["window"] = cfg.Breaker.Window
	}
	if includeZero || cfg.Breaker.Cooldown > 0 {
		breaker["cooldown"] = cfg.Breaker.Cooldown
	}
	section("breaker", breaker)

	outbox := map[string]any{}
	if includeZero || cfg.Outbox.BatchSize > 0 {
		outbox["batch_size"] = cfg.Outbox.BatchSize
	}
	if includeZero || cfg.Outbox.MaxAttempts > 0 {
		outbox["max_attempts"] = cfg.Outbox.MaxAttempts
	}
	if includeZero || cfg.Outbox.InitialBackoff > 0 {
		outbox["initial_backoff"] = cfg.Outbox.InitialBackoff
	}
	if includeZero || cfg.Outbox.MaxBackoff > 0 {
		outbox["max_backoff"] = cfg.Outbox.MaxBackoff
	}
	section("outbox", outbox)

	return layer
}
