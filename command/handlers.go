package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-sessionguard/core"
)

// MutatingService is the slice of the session service the command handlers
// need. The full core.Service satisfies it.
type MutatingService interface {
	StartAuth(ctx context.Context, req core.StartAuthRequest) (core.StartAuthResponse, error)
	SubmitPassword(ctx context.Context, req core.SubmitPasswordRequest) (core.SubmitPasswordResponse, error)
	FinalizeCallback(ctx context.Context, req core.FinalizeCallbackRequest) (core.FinalizeCallbackResponse, error)
	Revoke(ctx context.Context, req core.RevokeRequest) error
	Reset(ctx context.Context, req core.ResetRequest) error
	ExpireTickets(ctx context.Context, limit int) (core.ExpireSweepStats, error)
	Recover(ctx context.Context, req core.RecoverRequest) (core.RecoverResponse, error)
}

type StartAuthCommand struct {
	service MutatingService
}

func NewStartAuthCommand(service MutatingService) *StartAuthCommand {
	return &StartAuthCommand{service: service}
}

func (c *StartAuthCommand) Execute(ctx context.Context, msg StartAuthMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: auth service is required")
	}
	out, err := c.service.StartAuth(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SubmitPasswordCommand struct {
	service MutatingService
}

func NewSubmitPasswordCommand(service MutatingService) *SubmitPasswordCommand {
	return &SubmitPasswordCommand{service: service}
}

func (c *SubmitPasswordCommand) Execute(ctx context.Context, msg SubmitPasswordMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: password service is required")
	}
	out, err := c.service.SubmitPassword(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type FinalizeCallbackCommand struct {
	service MutatingService
}

func NewFinalizeCallbackCommand(service MutatingService) *FinalizeCallbackCommand {
	return &FinalizeCallbackCommand{service: service}
}

func (c *FinalizeCallbackCommand) Execute(ctx context.Context, msg FinalizeCallbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: callback service is required")
	}
	out, err := c.service.FinalizeCallback(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeCommand struct {
	service MutatingService
}

func NewRevokeCommand(service MutatingService) *RevokeCommand {
	return &RevokeCommand{service: service}
}

func (c *RevokeCommand) Execute(ctx context.Context, msg RevokeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: revoke service is required")
	}
	return c.service.Revoke(ctx, msg.Request)
}

type ResetCommand struct {
	service MutatingService
}

func NewResetCommand(service MutatingService) *ResetCommand {
	return &ResetCommand{service: service}
}

func (c *ResetCommand) Execute(ctx context.Context, msg ResetMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reset service is required")
	}
	return c.service.Reset(ctx, msg.Request)
}

type SweepTicketsCommand struct {
	service MutatingService
}

func NewSweepTicketsCommand(service MutatingService) *SweepTicketsCommand {
	return &SweepTicketsCommand{service: service}
}

func (c *SweepTicketsCommand) Execute(ctx context.Context, msg SweepTicketsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sweep service is required")
	}
	out, err := c.service.ExpireTickets(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RecoverCommand struct {
	service MutatingService
}

func NewRecoverCommand(service MutatingService) *RecoverCommand {
	return &RecoverCommand{service: service}
}

func (c *RecoverCommand) Execute(ctx context.Context, msg RecoverMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: recovery service is required")
	}
	out, err := c.service.Recover(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
