package query

import (
	"strings"

	"github.com/goliatone/go-sessionguard/core"
)

const (
	TypeGetStatus       = "sessionguard.query.status.get"
	TypeListTransitions = "sessionguard.query.transitions.list"
)

type GetStatusMessage struct {
	TenantID string
}

func (GetStatusMessage) Type() string { return TypeGetStatus }

func (m GetStatusMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return queryValidationError("tenant_id", "tenant id is required")
	}
	return nil
}

type ListTransitionsMessage struct {
	Filter core.TransitionFilter
}

func (ListTransitionsMessage) Type() string { return TypeListTransitions }

func (m ListTransitionsMessage) Validate() error {
	if strings.TrimSpace(m.Filter.TenantID) == "" {
		return queryValidationError("tenant_id", "tenant id is required")
	}
	if m.Filter.AfterSeq < 0 {
		return queryInvalidInputError("query: after_seq must be >= 0")
	}
	if m.Filter.Limit < 0 {
		return queryInvalidInputError("query: limit must be >= 0")
	}
	return nil
}
