package sqlstore

import (
	"strings"

	"github.com/google/uuid"
	repository "github.com/goliatone/go-repository-bun"
)

func sessionHandlers() repository.ModelHandlers[*sessionRecord] {
	return repository.ModelHandlers[*sessionRecord]{
		NewRecord: func() *sessionRecord { return &sessionRecord{} },
		GetID: func(record *sessionRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *sessionRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *sessionRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func ticketHandlers() repository.ModelHandlers[*ticketRecord] {
	return repository.ModelHandlers[*ticketRecord]{
		NewRecord: func() *ticketRecord { return &ticketRecord{} },
		GetID: func(record *ticketRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *ticketRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *ticketRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func credentialHandlers() repository.ModelHandlers[*credentialRecord] {
	return repository.ModelHandlers[*credentialRecord]{
		NewRecord: func() *credentialRecord { return &credentialRecord{} },
		GetID: func(record *credentialRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *credentialRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *credentialRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func leaseHandlers() repository.ModelHandlers[*leaseRecord] {
	return repository.ModelHandlers[*leaseRecord]{
		NewRecord: func() *leaseRecord { return &leaseRecord{} },
		GetID: func(record *leaseRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *leaseRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *leaseRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func transitionHandlers() repository.ModelHandlers[*transitionRecord] {
	return repository.ModelHandlers[*transitionRecord]{
		NewRecord: func() *transitionRecord { return &transitionRecord{} },
		GetID: func(record *transitionRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *transitionRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *transitionRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func outboxHandlers() repository.ModelHandlers[*outboxRecord] {
	return repository.ModelHandlers[*outboxRecord]{
		NewRecord: func() *outboxRecord { return &outboxRecord{} },
		GetID: func(record *outboxRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *outboxRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *outboxRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func breakerStateHandlers() repository.ModelHandlers[*breakerStateRecord] {
	return repository.ModelHandlers[*breakerStateRecord]{
		NewRecord: func() *breakerStateRecord { return &breakerStateRecord{} },
		GetID: func(record *breakerStateRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *breakerStateRecord, id uuid.UUID) {
			if record != nil {
				record.ID = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record *breakerStateRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
