package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-sessionguard/core"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	sessionStore       *SessionStore
	ticketStore        *TicketStore
	credentialStore    *CredentialStore
	leaseStore         *LeaseStore
	transitionLogStore *TransitionLogStore
	outboxStore        *OutboxStore
	breakerStateStore  *BreakerStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.sessionStore != nil && f.ticketStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) SessionStore() core.SessionStore {
	if f == nil {
		return nil
	}
	return f.sessionStore
}

func (f *RepositoryFactory) TicketStore() core.TicketStore {
	if f == nil {
		return nil
	}
	return f.ticketStore
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) LeaseStore() core.LeaseStore {
	if f == nil {
		return nil
	}
	return f.leaseStore
}

func (f *RepositoryFactory) TransitionLogStore() core.TransitionLogStore {
	if f == nil {
		return nil
	}
	return f.transitionLogStore
}

func (f *RepositoryFactory) OutboxStore() core.OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) BreakerStateStore() *BreakerStateStore {
	if f == nil {
		return nil
	}
	return f.breakerStateStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	sessionStore, err := NewSessionStore(f.db)
	if err != nil {
		return err
	}
	f.sessionStore = sessionStore
	ticketStore, err := NewTicketStore(f.db)
	if err != nil {
		return err
	}
	f.ticketStore = ticketStore
	credentialStore, err := NewCredentialStore(f.db)
	if err != nil {
		return err
	}
	f.credentialStore = credentialStore
	leaseStore, err := NewLeaseStore(f.db)
	if err != nil {
		return err
	}
	f.leaseStore = leaseStore
	transitionLogStore, err := NewTransitionLogStore(f.db)
	if err != nil {
		return err
	}
	f.transitionLogStore = transitionLogStore
	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.outboxStore = outboxStore
	breakerStateStore, err := NewBreakerStateStore(f.db)
	if err != nil {
		return err
	}
	f.breakerStateStore = breakerStateStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
