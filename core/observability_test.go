package core

import (
	"context"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFieldMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFieldMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFieldMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func cloneFieldMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

func TestServiceObservability_StartAuthSuccess(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	fixture := newServiceFixture(t,
		WithMetricsRecorder(metrics),
		WithLogger(logger),
	)

	_, err := fixture.service.StartAuth(context.Background(), StartAuthRequest{
		TenantID: "tenant-1",
		Kind:     TicketKindQR,
	})
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}

	if !hasCounter(metrics.counters, "sessionguard.start_auth.total", "success") {
		t.Fatalf("expected sessionguard.start_auth.total success counter")
	}
	if !hasHistogram(metrics.histograms, "sessionguard.start_auth.duration_ms", "success") {
		t.Fatalf("expected sessionguard.start_auth.duration_ms histogram")
	}
	if !hasLog(logger.snapshot(), "info", "start_auth succeeded", "start_auth") {
		t.Fatalf("expected start_auth succeeded structured log")
	}

	counter := findCounter(t, metrics.counters, "sessionguard.start_auth.total")
	if counter.tags["tenant_id"] != "tenant-1" {
		t.Fatalf("expected tenant tag, got %#v", counter.tags)
	}
	if counter.tags["gateway"] != "testchat" {
		t.Fatalf("expected gateway tag, got %#v", counter.tags)
	}
}

func TestServiceObservability_CountsCommittedTransitions(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	fixture := newServiceFixture(t, WithMetricsRecorder(metrics))

	_, err := fixture.service.StartAuth(context.Background(), StartAuthRequest{
		TenantID: "tenant-1",
		Kind:     TicketKindQR,
	})
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}

	counter := findCounter(t, metrics.counters, "sessionguard.session_transitions.total")
	if counter.tags["from_state"] != string(SessionStateAbsent) {
		t.Fatalf("expected from_state absent, got %#v", counter.tags)
	}
	if counter.tags["to_state"] != string(SessionStatePendingQR) {
		t.Fatalf("expected to_state pending_qr, got %#v", counter.tags)
	}
	if counter.tags["reason"] != TransitionReasonStartQR {
		t.Fatalf("expected start_qr reason tag, got %#v", counter.tags)
	}
}

func TestServiceObservability_StartAuthFailure(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	fixture := newServiceFixture(t,
		WithMetricsRecorder(metrics),
		WithLogger(logger),
	)

	_, err := fixture.service.StartAuth(context.Background(), StartAuthRequest{
		TenantID: "tenant-1",
		Kind:     TicketKind("carrier-pigeon"),
	})
	if err == nil {
		t.Fatalf("expected kind validation failure")
	}
	if !hasCounter(metrics.counters, "sessionguard.start_auth.total", "failure") {
		t.Fatalf("expected start_auth failure counter")
	}
	if !hasLog(logger.snapshot(), "error", "start_auth failed", "start_auth") {
		t.Fatalf("expected start_auth failure log")
	}
}

func TestServiceObservability_EnrichesStructuredErrorFields(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	fixture := newServiceFixture(t,
		WithMetricsRecorder(metrics),
		WithLogger(logger),
	)

	richErr := goerrors.New("platform timeout", goerrors.CategoryExternal).
		WithCode(502).
		WithTextCode(SessionErrorUpstreamUnavailable).
		WithSeverity(goerrors.SeverityCritical).
		WithMetadata(map[string]any{
			"trace_id":        "trace_123",
			"request_id":      "req_123",
			"credential_blob": "sealed-bytes",
		})
	fixture.service.observeOperation(
		context.Background(),
		time.Now().UTC().Add(-100*time.Millisecond),
		"ensure_fresh",
		richErr,
		map[string]any{"tenant_id": "tenant-1"},
	)

	records := logger.snapshot()
	if len(records) == 0 {
		t.Fatalf("expected logs to be emitted")
	}
	last := records[len(records)-1]
	if last.fields["error_category"] != "external" {
		t.Fatalf("expected error_category external, got %#v", last.fields["error_category"])
	}
	if last.fields["error_text_code"] != SessionErrorUpstreamUnavailable {
		t.Fatalf("expected error_text_code %q, got %#v", SessionErrorUpstreamUnavailable, last.fields["error_text_code"])
	}
	if last.fields["error_severity"] != goerrors.SeverityCritical.String() {
		t.Fatalf("expected critical severity, got %#v", last.fields["error_severity"])
	}
	if last.fields["request_id"] != "req_123" {
		t.Fatalf("expected request_id propagation, got %#v", last.fields["request_id"])
	}
	if last.fields["trace_id"] != "trace_123" {
		t.Fatalf("expected trace_id propagation, got %#v", last.fields["trace_id"])
	}

	metadata, ok := last.fields["error_metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected redacted error_metadata map, got %#v", last.fields["error_metadata"])
	}
	if metadata["credential_blob"] != RedactedValue {
		t.Fatalf("expected credential_blob to be redacted, got %#v", metadata["credential_blob"])
	}
}

func findCounter(t *testing.T, items []capturedCounter, name string) capturedCounter {
	t.Helper()
	for _, item := range items {
		if item.name == name {
			return item
		}
	}
	t.Fatalf("counter %s not recorded", name)
	return capturedCounter{}
}

func hasCounter(items []capturedCounter, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasHistogram(items []capturedHistogram, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasLog(items []capturedLog, level string, message string, eventType string) bool {
	for _, item := range items {
		if item.level != level {
			continue
		}
		if item.msg != message {
			continue
		}
		if item.fields["event_type"] == eventType {
			return true
		}
	}
	return false
}
