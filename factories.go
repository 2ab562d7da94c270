package sessionguard

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-sessionguard/breaker"
	"github.com/goliatone/go-sessionguard/callback"
	"github.com/goliatone/go-sessionguard/core"
	sqlstore "github.com/goliatone/go-sessionguard/store/sql"
)

// Constructors for the storage, breaker, and callback components most hosts
// wire next to the service, re-exported so embedding code can stay on the
// root import.

func NewSQLRepositoryFactory(db *bun.DB) (*sqlstore.RepositoryFactory, error) {
	return sqlstore.NewRepositoryFactoryFromDB(db)
}

func NewMemoryStores() *core.MemoryStores {
	return core.NewMemoryStores()
}

func NewMemoryLeaseStore() *core.MemoryLeaseStore {
	return core.NewMemoryLeaseStore()
}

func NewMemoryReplayLedger(defaultTTL time.Duration) *core.MemoryReplayLedger {
	return core.NewMemoryReplayLedger(defaultTTL)
}

func NewCircuitGate(store breaker.StateStore) *breaker.Gate {
	return breaker.New(store)
}

func NewCircuitGateFromConfig(store breaker.StateStore, cfg core.BreakerConfig) *breaker.Gate {
	return breaker.FromConfig(store, cfg)
}

func NewMemoryCircuitGate() *breaker.Gate {
	return breaker.New(breaker.NewMemoryStateStore())
}

func NewHMACCallbackVerifier(secret []byte) *callback.HMACVerifier {
	return callback.NewHMACVerifier(secret)
}

func NewCallbackProcessor(
	verifier core.CallbackVerifier,
	ledger core.ReplayLedger,
	sessions callback.SessionFinalizer,
) *callback.Processor {
	return callback.NewProcessor(verifier, ledger, sessions)
}

func NewOutboxDispatcher(
	store core.OutboxStore,
	registry core.TransitionHandlerRegistry,
	cfg core.OutboxDispatcherConfig,
) (*core.OutboxDispatcher, error) {
	return core.NewOutboxDispatcher(store, registry, cfg)
}
