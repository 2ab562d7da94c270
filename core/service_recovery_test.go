package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ageValidation pushes the tenant's last validation past the freshness
// window so EnsureFresh has to revalidate.
func ageValidation(t *testing.T, fixture *serviceFixture, tenantID string, age time.Duration) {
	t.Helper()
	session, err := fixture.sessions.Get(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	session.LastValidatedAt = time.Now().UTC().Add(-age)
	fixture.sessions.put(session)
}

func lastRecord(t *testing.T, fixture *serviceFixture, tenantID string) TransitionRecord {
	t.Helper()
	records := fixture.sessions.Records(tenantID)
	if len(records) == 0 {
		t.Fatalf("no transition records for %s", tenantID)
	}
	return records[len(records)-1]
}

func TestRecoverAbsentTenant(t *testing.T) {
	fixture := newServiceFixture(t)

	response, err := fixture.service.Recover(context.Background(), RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("recover absent tenant: %v", err)
	}
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent, got %s", response.State)
	}
}

func TestRecoverNonStaleReportsState(t *testing.T) {
	fixture := newServiceFixture(t)
	authorizeTenant(t, fixture, "tenant-1")

	response, err := fixture.service.Recover(context.Background(), RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("recover authorized tenant: %v", err)
	}
	if response.State != SessionStateAuthorized {
		t.Fatalf("expected authorized, got %s", response.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 0 {
		t.Fatalf("non-stale recovery must not call the platform, got %d validations", got)
	}
}

func TestRecoverValidCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")

	response, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1", Actor: "recovery_job"})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if response.State != SessionStateAuthorized {
		t.Fatalf("expected authorized, got %s", response.State)
	}
	if response.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", response.Attempts)
	}

	session, getErr := fixture.sessions.Get(ctx, "tenant-1")
	if getErr != nil {
		t.Fatalf("load session: %v", getErr)
	}
	if session.State != SessionStateAuthorized {
		t.Fatalf("expected stored authorized, got %s", session.State)
	}
	if session.LastValidatedAt.IsZero() {
		t.Fatal("expected validation timestamp refreshed")
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonRecoverySucceeded {
		t.Fatalf("expected recovery_succeeded, got %q", record.Reason)
	}
}

func TestRecoverRetriesTransientFailures(t *testing.T) {
	fixture := newServiceFixture(t)
	staleTenant(t, fixture, "tenant-1")
	transient := &UpstreamError{
		Endpoint:  UpstreamEndpointValidate,
		Retryable: true,
		Cause:     errors.New("gateway timeout"),
	}
	fixture.gateway.scriptValidate(
		validateStep{err: transient},
		validateStep{err: transient},
		validateStep{result: ValidateResult{Valid: true}},
	)

	response, err := fixture.service.Recover(context.Background(), RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if response.State != SessionStateAuthorized {
		t.Fatalf("expected authorized, got %s", response.State)
	}
	if response.Attempts != 3 {
		t.Fatalf("expected three attempts, got %d", response.Attempts)
	}
}

func TestRecoverExhaustsAttempts(t *testing.T) {
	fixture := newServiceFixtureWithConfig(t, Config{
		Recovery: RecoveryConfig{MaxAttempts: 2},
	})
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	transient := &UpstreamError{
		Endpoint:  UpstreamEndpointValidate,
		Retryable: true,
		Cause:     errors.New("gateway timeout"),
	}
	fixture.gateway.scriptValidate(validateStep{err: transient}, validateStep{err: transient})

	response, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1"})
	requireTextCode(t, err, SessionErrorUpstreamUnavailable)
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent after exhaustion, got %s", response.State)
	}
	if response.Attempts != 2 {
		t.Fatalf("expected budget of two attempts, got %d", response.Attempts)
	}
	if fixture.credentials.has("tenant-1") {
		t.Fatal("expected credential purged on exhaustion")
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonRecoveryExhausted {
		t.Fatalf("expected recovery_exhausted, got %q", record.Reason)
	}
}

func TestRecoverUpstreamRevocation(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	fixture.gateway.scriptValidate(validateStep{result: ValidateResult{Revoked: true}})

	response, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("recover revoked credential: %v", err)
	}
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent, got %s", response.State)
	}
	if fixture.credentials.has("tenant-1") {
		t.Fatal("expected credential purged")
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonUpstreamRevoked {
		t.Fatalf("expected upstream_revoked, got %q", record.Reason)
	}
}

func TestRecoverRejectedCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	staleTenant(t, fixture, "tenant-1")
	fixture.gateway.scriptValidate(validateStep{result: ValidateResult{Valid: false}})

	response, err := fixture.service.Recover(context.Background(), RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("a definitive rejection is not an operation failure: %v", err)
	}
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent, got %s", response.State)
	}
	if response.Attempts != 1 {
		t.Fatalf("rejection must not be retried, got %d attempts", response.Attempts)
	}
}

func TestRecoverTamperedCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	if err := fixture.credentials.tamper("tenant-1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	response, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1"})
	requireTextCode(t, err, SessionErrorTamperDetected)
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent after tamper teardown, got %s", response.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 0 {
		t.Fatalf("tampered credential must never reach the platform, got %d validations", got)
	}
	if fixture.credentials.has("tenant-1") {
		t.Fatal("expected tampered credential purged")
	}
}

func TestRecoverMissingCredentialWithFingerprint(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	if err := fixture.credentials.Delete(ctx, "tenant-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}

	// The session still vouches for a credential; its absence is tampering.
	_, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1"})
	requireTextCode(t, err, SessionErrorTamperDetected)
}

func TestRecoverStaleWithoutCredentialResets(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fixture.sessions.put(Session{
		TenantID:  "tenant-1",
		State:     SessionStateStale,
		CreatedAt: now,
		UpdatedAt: now,
	})

	response, err := fixture.service.Recover(ctx, RecoverRequest{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("recover without credential: %v", err)
	}
	if response.State != SessionStateAbsent {
		t.Fatalf("expected absent, got %s", response.State)
	}
}

func TestRecoverUnrecoverableClientError(t *testing.T) {
	fixture := newServiceFixture(t)
	staleTenant(t, fixture, "tenant-1")
	fixture.gateway.scriptValidate(validateStep{err: &UpstreamError{
		Endpoint:   UpstreamEndpointValidate,
		StatusCode: 403,
		Cause:      errors.New("access denied"),
	}})

	response, err := fixture.service.Recover(context.Background(), RecoverRequest{TenantID: "tenant-1"})
	if err == nil {
		t.Fatal("expected the client error to surface")
	}
	if response.State != SessionStateAbsent {
		t.Fatalf("expected teardown on unrecoverable error, got %s", response.State)
	}
	if response.Attempts != 1 {
		t.Fatalf("unrecoverable error must not be retried, got %d attempts", response.Attempts)
	}
}

func TestEnsureFreshAbsentTenant(t *testing.T) {
	fixture := newServiceFixture(t)

	status, err := fixture.service.EnsureFresh(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if status.State != SessionStateAbsent {
		t.Fatalf("expected absent, got %s", status.State)
	}
}

func TestEnsureFreshSkipsRecentValidation(t *testing.T) {
	fixture := newServiceFixture(t)
	authorizeTenant(t, fixture, "tenant-1")

	status, err := fixture.service.EnsureFresh(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if status.State != SessionStateAuthorized {
		t.Fatalf("expected authorized, got %s", status.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 0 {
		t.Fatalf("fresh session must not revalidate, got %d calls", got)
	}
}

func TestEnsureFreshRevalidatesPastWindow(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	recordsBefore := len(fixture.sessions.Records("tenant-1"))
	eventsBefore := len(fixture.sessions.Events())

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if status.State != SessionStateAuthorized {
		t.Fatalf("expected authorized, got %s", status.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 1 {
		t.Fatalf("expected one validation, got %d", got)
	}
	if time.Since(status.LastValidatedAt) > time.Minute {
		t.Fatalf("expected validation timestamp refreshed, got %s", status.LastValidatedAt)
	}

	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonValidationOK {
		t.Fatalf("expected validation_succeeded audit record, got %q", record.Reason)
	}
	if got := len(fixture.sessions.Records("tenant-1")); got != recordsBefore+1 {
		t.Fatalf("expected one new record, got %d -> %d", recordsBefore, got)
	}
	// A same-state touch is audited but not fanned out.
	if got := len(fixture.sessions.Events()); got != eventsBefore {
		t.Fatalf("same-state revalidation enqueued an outbox event: %d -> %d", eventsBefore, got)
	}
}

func TestEnsureFreshTamperForcesStale(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	if err := fixture.credentials.tamper("tenant-1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	requireTextCode(t, err, SessionErrorTamperDetected)
	if status.State != SessionStateStale {
		t.Fatalf("expected stale after tamper, got %s", status.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 0 {
		t.Fatalf("tampered credential must never reach the platform, got %d calls", got)
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonTamperDetected {
		t.Fatalf("expected tamper_detected, got %q", record.Reason)
	}
}

func TestEnsureFreshInvalidCredentialDemotes(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	fixture.gateway.scriptValidate(validateStep{result: ValidateResult{Valid: false}})

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("a definitive invalid verdict is not an operation failure: %v", err)
	}
	if status.State != SessionStateStale {
		t.Fatalf("expected stale, got %s", status.State)
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonValidationFailed {
		t.Fatalf("expected validation_failed, got %q", record.Reason)
	}
}

func TestEnsureFreshTransportFailureDemotes(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	fixture.gateway.scriptValidate(validateStep{err: &UpstreamError{
		Endpoint:  UpstreamEndpointValidate,
		Retryable: true,
		Cause:     errors.New("gateway timeout"),
	}})

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	requireTextCode(t, err, SessionErrorUpstreamUnavailable)
	if status.State != SessionStateStale {
		t.Fatalf("expected stale so recovery can take over, got %s", status.State)
	}
}

func TestEnsureFreshCircuitOpenFailsFast(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	fixture.gate.allowErr = ErrUpstreamUnavailable

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	requireTextCode(t, err, SessionErrorUpstreamUnavailable)
	if status.State != SessionStateAuthorized {
		t.Fatalf("an open circuit proves nothing about the credential, got %s", status.State)
	}

	session, getErr := fixture.sessions.Get(ctx, "tenant-1")
	if getErr != nil {
		t.Fatalf("load session: %v", getErr)
	}
	if session.State != SessionStateAuthorized {
		t.Fatalf("expected stored state untouched, got %s", session.State)
	}
}

func TestEnsureFreshUpstreamRevocation(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	authorizeTenant(t, fixture, "tenant-1")
	ageValidation(t, fixture, "tenant-1", time.Hour)
	fixture.gateway.scriptValidate(validateStep{result: ValidateResult{Revoked: true}})

	status, err := fixture.service.EnsureFresh(ctx, "tenant-1")
	requireTextCode(t, err, SessionErrorRevoked)
	if status.State != SessionStateAbsent {
		t.Fatalf("expected absent after upstream revocation, got %s", status.State)
	}
	if fixture.credentials.has("tenant-1") {
		t.Fatal("expected credential purged")
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonUpstreamRevoked {
		t.Fatalf("expected upstream_revoked, got %q", record.Reason)
	}
}

func TestEnsureFreshNonAuthorizedReportsState(t *testing.T) {
	fixture := newServiceFixture(t)
	staleTenant(t, fixture, "tenant-1")

	status, err := fixture.service.EnsureFresh(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ensure fresh on stale session: %v", err)
	}
	if status.State != SessionStateStale {
		t.Fatalf("expected stale reported as-is, got %s", status.State)
	}
	if got := fixture.gateway.validateCallCount(); got != 0 {
		t.Fatalf("non-authorized state must not validate, got %d calls", got)
	}
}

func TestRecoverStaleSessionsScan(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	staleTenant(t, fixture, "tenant-2")
	staleTenant(t, fixture, "tenant-3")
	authorizeTenant(t, fixture, "tenant-4")

	// Scan order is tenant-sorted: tenant-1 revalidates, tenant-2 is
	// rejected, tenant-3 never reaches the platform because its lease is
	// already held.
	fixture.gateway.scriptValidate(
		validateStep{result: ValidateResult{Valid: true}},
		validateStep{result: ValidateResult{Valid: false}},
	)
	if _, err := fixture.leases.Acquire(ctx, SessionLeaseKey("tenant-3"), "another-worker", time.Minute); err != nil {
		t.Fatalf("pre-hold lease: %v", err)
	}

	stats, err := fixture.service.RecoverStaleSessions(ctx, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.Scanned != 3 || stats.Recovered != 1 || stats.Retired != 1 || stats.Contended != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := fixture.gateway.validateCallCount(); got != 2 {
		t.Fatalf("expected two validations, got %d", got)
	}

	recovered, getErr := fixture.sessions.Get(ctx, "tenant-1")
	if getErr != nil {
		t.Fatalf("load tenant-1: %v", getErr)
	}
	if recovered.State != SessionStateAuthorized {
		t.Fatalf("expected tenant-1 authorized, got %s", recovered.State)
	}
	record := lastRecord(t, fixture, "tenant-1")
	if record.Reason != TransitionReasonRecoverySucceeded || record.Actor != recoveryScanActor {
		t.Fatalf("unexpected recovery record %+v", record)
	}

	rejected, getErr := fixture.sessions.Get(ctx, "tenant-2")
	if getErr != nil {
		t.Fatalf("load tenant-2: %v", getErr)
	}
	if rejected.State != SessionStateAbsent {
		t.Fatalf("expected tenant-2 retired to absent, got %s", rejected.State)
	}
	if fixture.credentials.has("tenant-2") {
		t.Fatal("expected tenant-2 credential purged")
	}

	contended, getErr := fixture.sessions.Get(ctx, "tenant-3")
	if getErr != nil {
		t.Fatalf("load tenant-3: %v", getErr)
	}
	if contended.State != SessionStateStale {
		t.Fatalf("contended tenant must stay stale, got %s", contended.State)
	}

	untouched, getErr := fixture.sessions.Get(ctx, "tenant-4")
	if getErr != nil {
		t.Fatalf("load tenant-4: %v", getErr)
	}
	if untouched.State != SessionStateAuthorized {
		t.Fatalf("authorized tenant must not be scanned, got %s", untouched.State)
	}
}

func TestRecoverStaleSessionsHonorsScanLimit(t *testing.T) {
	fixture := newServiceFixtureWithConfig(t, Config{
		Recovery: RecoveryConfig{ScanLimit: 1},
	})
	ctx := context.Background()
	staleTenant(t, fixture, "tenant-1")
	staleTenant(t, fixture, "tenant-2")

	stats, err := fixture.service.RecoverStaleSessions(ctx, 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.Scanned != 1 || stats.Recovered != 1 {
		t.Fatalf("expected the configured limit of one, got %+v", stats)
	}

	leftover, getErr := fixture.sessions.Get(ctx, "tenant-2")
	if getErr != nil {
		t.Fatalf("load tenant-2: %v", getErr)
	}
	if leftover.State != SessionStateStale {
		t.Fatalf("expected tenant-2 left for the next pass, got %s", leftover.State)
	}
}
