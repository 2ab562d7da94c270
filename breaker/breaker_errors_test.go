package breaker

import (
	"testing"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

func TestOpenCircuitError_ToSessionError(t *testing.T) {
	retryAt := time.Unix(1_700_000_030, 0).UTC()
	err := OpenCircuitError{
		Endpoint:   "testchat:validate",
		RetryAt:    retryAt,
		RetryAfter: 30 * time.Second,
	}

	mapped := err.ToSessionError()
	if mapped == nil {
		t.Fatalf("expected mapped error")
	}
	if mapped.TextCode != core.SessionErrorUpstreamUnavailable {
		t.Fatalf("expected %q text code, got %q", core.SessionErrorUpstreamUnavailable, mapped.TextCode)
	}
	if mapped.Code != 503 {
		t.Fatalf("expected status code 503, got %d", mapped.Code)
	}
	if mapped.Metadata["endpoint"] != "testchat:validate" {
		t.Fatalf("expected endpoint metadata, got %+v", mapped.Metadata)
	}
	if mapped.Metadata["retry_after_ms"] != int64(30_000) {
		t.Fatalf("expected retry_after_ms 30000, got %+v", mapped.Metadata["retry_after_ms"])
	}
}
