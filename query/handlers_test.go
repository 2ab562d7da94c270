package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

func TestGetStatusQuery_QueryDelegates(t *testing.T) {
	expected := core.SessionStatus{
		TenantID:        "tenant-a",
		State:           core.SessionStateAuthorized,
		LastValidatedAt: time.Now().Add(-time.Minute),
	}
	called := false
	reader := stubStatusReader{
		getFn: func(_ context.Context, tenantID string) (core.SessionStatus, error) {
			called = true
			if tenantID != "tenant-a" {
				t.Fatalf("unexpected tenant id %q", tenantID)
			}
			return expected, nil
		},
	}

	qry := NewGetStatusQuery(reader)
	result, err := qry.Query(context.Background(), GetStatusMessage{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !called {
		t.Fatalf("expected status reader invocation")
	}
	if result.State != expected.State {
		t.Fatalf("unexpected status result: %#v", result)
	}
}

func TestListTransitionsQuery_QueryDelegates(t *testing.T) {
	expected := core.TransitionPage{
		Records: []core.TransitionRecord{
			{
				ID:        "tr_1",
				TenantID:  "tenant-a",
				Seq:       1,
				FromState: core.SessionStateAbsent,
				ToState:   core.SessionStatePendingQR,
				Reason:    "auth_started",
			},
			{
				ID:        "tr_2",
				TenantID:  "tenant-a",
				Seq:       2,
				FromState: core.SessionStatePendingQR,
				ToState:   core.SessionStateAuthorized,
				Reason:    "challenge_confirmed",
			},
		},
		NextSeq: 2,
	}
	called := false
	reader := stubTransitionReader{
		listFn: func(_ context.Context, filter core.TransitionFilter) (core.TransitionPage, error) {
			called = true
			if filter.TenantID != "tenant-a" || filter.AfterSeq != 0 || filter.Limit != 20 {
				t.Fatalf("unexpected transition filter: %#v", filter)
			}
			return expected, nil
		},
	}

	qry := NewListTransitionsQuery(reader)
	result, err := qry.Query(context.Background(), ListTransitionsMessage{
		Filter: core.TransitionFilter{TenantID: "tenant-a", Limit: 20},
	})
	if err != nil {
		t.Fatalf("query transitions: %v", err)
	}
	if !called {
		t.Fatalf("expected transition reader invocation")
	}
	if len(result.Records) != 2 || result.NextSeq != 2 {
		t.Fatalf("unexpected transition page: %#v", result)
	}
}

func TestQueryMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{
			name:    "get status valid",
			msg:     GetStatusMessage{TenantID: "tenant-a"},
			wantErr: false,
		},
		{
			name:    "get status missing tenant",
			msg:     GetStatusMessage{},
			wantErr: true,
		},
		{
			name: "list transitions valid",
			msg: ListTransitionsMessage{Filter: core.TransitionFilter{
				TenantID: "tenant-a",
				AfterSeq: 5,
				Limit:    50,
			}},
			wantErr: false,
		},
		{
			name:    "list transitions missing tenant",
			msg:     ListTransitionsMessage{Filter: core.TransitionFilter{Limit: 50}},
			wantErr: true,
		},
		{
			name: "list transitions negative seq",
			msg: ListTransitionsMessage{Filter: core.TransitionFilter{
				TenantID: "tenant-a",
				AfterSeq: -1,
			}},
			wantErr: true,
		},
		{
			name: "list transitions negative limit",
			msg: ListTransitionsMessage{Filter: core.TransitionFilter{
				TenantID: "tenant-a",
				Limit:    -10,
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type stubStatusReader struct {
	getFn func(ctx context.Context, tenantID string) (core.SessionStatus, error)
}

func (s stubStatusReader) GetStatus(ctx context.Context, tenantID string) (core.SessionStatus, error) {
	if s.getFn == nil {
		return core.SessionStatus{}, fmt.Errorf("get status not configured")
	}
	return s.getFn(ctx, tenantID)
}

type stubTransitionReader struct {
	listFn func(ctx context.Context, filter core.TransitionFilter) (core.TransitionPage, error)
}

func (s stubTransitionReader) ListTransitions(
	ctx context.Context,
	filter core.TransitionFilter,
) (core.TransitionPage, error) {
	if s.listFn == nil {
		return core.TransitionPage{}, fmt.Errorf("list transitions not configured")
	}
	return s.listFn(ctx, filter)
}

var (
	_ StatusReader     = stubStatusReader{}
	_ TransitionReader = stubTransitionReader{}
)
