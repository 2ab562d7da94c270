package command

import (
	"strings"

	"github.com/goliatone/go-sessionguard/core"
)

const (
	TypeStartAuth        = "sessionguard.command.auth.start"
	TypeSubmitPassword   = "sessionguard.command.password.submit"
	TypeFinalizeCallback = "sessionguard.command.callback.finalize"
	TypeRevoke           = "sessionguard.command.revoke"
	TypeReset            = "sessionguard.command.reset"
	TypeSweepTickets     = "sessionguard.command.tickets.sweep"
	TypeRecover          = "sessionguard.command.recover"
)

type StartAuthMessage struct {
	Request core.StartAuthRequest
}

func (StartAuthMessage) Type() string { return TypeStartAuth }

func (m StartAuthMessage) Validate() error {
	if strings.TrimSpace(m.Request.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	if m.Request.Kind != "" {
		if _, err := core.ParseTicketKind(string(m.Request.Kind)); err != nil {
			return commandInvalidInputError("command: unknown ticket kind " + string(m.Request.Kind))
		}
	}
	return nil
}

type SubmitPasswordMessage struct {
	Request core.SubmitPasswordRequest
}

func (SubmitPasswordMessage) Type() string { return TypeSubmitPassword }

func (m SubmitPasswordMessage) Validate() error {
	if strings.TrimSpace(m.Request.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	if m.Request.Password == "" {
		return commandValidationError("password", "password is required")
	}
	return nil
}

type FinalizeCallbackMessage struct {
	Request core.FinalizeCallbackRequest
}

func (FinalizeCallbackMessage) Type() string { return TypeFinalizeCallback }

func (m FinalizeCallbackMessage) Validate() error {
	if strings.TrimSpace(m.Request.TicketID) == "" {
		return commandValidationError("ticket_id", "ticket id is required")
	}
	if _, err := core.ParseFinalizeOutcome(string(m.Request.Outcome)); err != nil {
		return commandInvalidInputError("command: unknown finalize outcome " + string(m.Request.Outcome))
	}
	return nil
}

type RevokeMessage struct {
	Request core.RevokeRequest
}

func (RevokeMessage) Type() string { return TypeRevoke }

func (m RevokeMessage) Validate() error {
	if strings.TrimSpace(m.Request.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	return nil
}

type ResetMessage struct {
	Request core.ResetRequest
}

func (ResetMessage) Type() string { return TypeReset }

func (m ResetMessage) Validate() error {
	if strings.TrimSpace(m.Request.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	return nil
}

// SweepTicketsMessage runs one expiry sweep pass. Limit zero means the
// service default batch size.
type SweepTicketsMessage struct {
	Limit int
}

func (SweepTicketsMessage) Type() string { return TypeSweepTickets }

func (m SweepTicketsMessage) Validate() error {
	if m.Limit < 0 {
		return commandInvalidInputError("command: sweep limit must be >= 0")
	}
	return nil
}

type RecoverMessage struct {
	Request core.RecoverRequest
}

func (RecoverMessage) Type() string { return TypeRecover }

func (m RecoverMessage) Validate() error {
	if strings.TrimSpace(m.Request.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	return nil
}
