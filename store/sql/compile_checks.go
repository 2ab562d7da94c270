package sqlstore

import (
	"github.com/goliatone/go-sessionguard/breaker"
	"github.com/goliatone/go-sessionguard/core"
)

var (
	_ core.SessionStore           = (*SessionStore)(nil)
	_ core.TicketStore            = (*TicketStore)(nil)
	_ core.CredentialStore        = (*CredentialStore)(nil)
	_ core.LeaseStore             = (*LeaseStore)(nil)
	_ core.TransitionLogStore     = (*TransitionLogStore)(nil)
	_ core.OutboxStore            = (*OutboxStore)(nil)
	_ breaker.StateStore          = (*BreakerStateStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
