package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-sessionguard/core"
)

var (
	_ gocmd.Querier[GetStatusMessage, core.SessionStatus]        = (*GetStatusQuery)(nil)
	_ gocmd.Querier[ListTransitionsMessage, core.TransitionPage] = (*ListTransitionsQuery)(nil)
)
