package sessionguard

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-sessionguard/breaker"
	"github.com/goliatone/go-sessionguard/core"
	sqlstore "github.com/goliatone/go-sessionguard/store/sql"
)

func TestRootFactories_MemoryComponents(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		check func(t *testing.T)
	}{
		{
			name: "memory stores",
			check: func(t *testing.T) {
				stores := NewMemoryStores()
				if stores.SessionStore() == nil || stores.TicketStore() == nil ||
					stores.CredentialStore() == nil || stores.LeaseStore() == nil ||
					stores.TransitionLogStore() == nil || stores.OutboxStore() == nil {
					t.Fatalf("expected every store accessor to be wired")
				}
			},
		},
		{
			name: "lease store",
			check: func(t *testing.T) {
				leases := NewMemoryLeaseStore()
				lease, err := leases.Acquire(ctx, "session:tenant-a", "holder-1", time.Minute)
				if err != nil {
					t.Fatalf("acquire: %v", err)
				}
				if lease.HolderToken != "holder-1" {
					t.Fatalf("expected holder-1 to hold the lease, got %q", lease.HolderToken)
				}
			},
		},
		{
			name: "replay ledger",
			check: func(t *testing.T) {
				ledger := NewMemoryReplayLedger(time.Minute)
				first, err := ledger.Claim(ctx, "delivery-1", time.Minute)
				if err != nil {
					t.Fatalf("first claim: %v", err)
				}
				second, err := ledger.Claim(ctx, "delivery-1", time.Minute)
				if err != nil {
					t.Fatalf("replayed claim: %v", err)
				}
				if !first || second {
					t.Fatalf("expected the first claim to win and the replay to lose, got %v then %v", first, second)
				}
			},
		},
		{
			name: "circuit gates",
			check: func(t *testing.T) {
				gates := []*breaker.Gate{
					NewCircuitGate(breaker.NewMemoryStateStore()),
					NewCircuitGateFromConfig(breaker.NewMemoryStateStore(), core.BreakerConfig{
						FailureThreshold: 3,
						Window:           time.Minute,
						Cooldown:         30 * time.Second,
					}),
					NewMemoryCircuitGate(),
				}
				for i, gate := range gates {
					if gate == nil {
						t.Fatalf("gate %d: expected a gate", i)
					}
					if err := gate.Allow(ctx, "gateway/login"); err != nil {
						t.Fatalf("gate %d: expected a fresh gate to admit traffic, got %v", i, err)
					}
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t)
		})
	}
}

func TestRootFactories_CallbackPipeline(t *testing.T) {
	verifier := NewHMACCallbackVerifier([]byte("shared-callback-secret"))
	now := time.Now()
	payload := []byte(`{"credential":"sealed"}`)

	err := verifier.Verify(context.Background(), core.FinalizeCallbackRequest{
		TicketID:  "ticket-42",
		Outcome:   core.FinalizeOutcomeConfirmed,
		Payload:   payload,
		Signature: verifier.Sign("ticket-42", now, payload),
		Timestamp: now,
	})
	if err != nil {
		t.Fatalf("expected the signed request to verify: %v", err)
	}

	processor := NewCallbackProcessor(verifier, NewMemoryReplayLedger(time.Minute), factoryFinalizer{})
	if processor == nil {
		t.Fatalf("expected a callback processor")
	}
}

func TestRootFactories_OutboxDispatcher(t *testing.T) {
	stores := NewMemoryStores()
	dispatcher, err := NewOutboxDispatcher(
		stores.OutboxStore(),
		core.NewTransitionHandlerRegistry(),
		core.DefaultOutboxDispatcherConfig(),
	)
	if err != nil {
		t.Fatalf("build outbox dispatcher: %v", err)
	}
	if dispatcher == nil {
		t.Fatalf("expected an outbox dispatcher")
	}
}

func TestRootFactories_SQLRepositoryFactory(t *testing.T) {
	db, err := sqlstore.OpenSQLite("file:rootfactories?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	factory, err := NewSQLRepositoryFactory(db)
	if err != nil {
		t.Fatalf("build repository factory: %v", err)
	}
	if factory.SessionStore() == nil || factory.TicketStore() == nil ||
		factory.CredentialStore() == nil || factory.LeaseStore() == nil ||
		factory.TransitionLogStore() == nil || factory.OutboxStore() == nil {
		t.Fatalf("expected every sql store to be wired")
	}
}

type factoryFinalizer struct{}

func (factoryFinalizer) FinalizeCallback(context.Context, core.FinalizeCallbackRequest) (core.FinalizeCallbackResponse, error) {
	return core.FinalizeCallbackResponse{}, nil
}
