package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[StartAuthMessage]        = (*StartAuthCommand)(nil)
	_ gocmd.Commander[SubmitPasswordMessage]   = (*SubmitPasswordCommand)(nil)
	_ gocmd.Commander[FinalizeCallbackMessage] = (*FinalizeCallbackCommand)(nil)
	_ gocmd.Commander[RevokeMessage]           = (*RevokeCommand)(nil)
	_ gocmd.Commander[ResetMessage]            = (*ResetCommand)(nil)
	_ gocmd.Commander[SweepTicketsMessage]     = (*SweepTicketsCommand)(nil)
	_ gocmd.Commander[RecoverMessage]          = (*RecoverCommand)(nil)
)
