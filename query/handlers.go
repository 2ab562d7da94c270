package query

import (
	"context"

	"github.com/goliatone/go-sessionguard/core"
)

// StatusReader is the read slice of the session service. The full
// core.Service satisfies it.
type StatusReader interface {
	GetStatus(ctx context.Context, tenantID string) (core.SessionStatus, error)
}

type TransitionReader interface {
	ListTransitions(ctx context.Context, filter core.TransitionFilter) (core.TransitionPage, error)
}

type GetStatusQuery struct {
	reader StatusReader
}

func NewGetStatusQuery(reader StatusReader) *GetStatusQuery {
	return &GetStatusQuery{reader: reader}
}

func (q *GetStatusQuery) Query(ctx context.Context, msg GetStatusMessage) (core.SessionStatus, error) {
	if q == nil || q.reader == nil {
		return core.SessionStatus{}, queryDependencyError("query: status reader is required")
	}
	return q.reader.GetStatus(ctx, msg.TenantID)
}

type ListTransitionsQuery struct {
	reader TransitionReader
}

func NewListTransitionsQuery(reader TransitionReader) *ListTransitionsQuery {
	return &ListTransitionsQuery{reader: reader}
}

func (q *ListTransitionsQuery) Query(
	ctx context.Context,
	msg ListTransitionsMessage,
) (core.TransitionPage, error) {
	if q == nil || q.reader == nil {
		return core.TransitionPage{}, queryDependencyError("query: transition reader is required")
	}
	return q.reader.ListTransitions(ctx, msg.Filter)
}
