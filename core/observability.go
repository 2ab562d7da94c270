package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const metricNamespace = "sessionguard"

// correlationTagKeys are the context fields promoted from log fields into
// metric tags. Everything else stays log-only to keep tag cardinality down.
var correlationTagKeys = []string{"tenant_id", "ticket_id", "gateway", "endpoint"}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

var _ MetricsRecorder = NopMetricsRecorder{}

func (s *Service) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	elapsed := time.Since(startedAt)
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		enrichErrorFields(contextFields, err)
	}

	tags := operationTags(operation, status, contextFields)
	s.recordCounter(ctx, metricName(operation, "total"), 1, tags)
	s.recordHistogram(ctx, metricName(operation, "duration_ms"), float64(elapsed.Milliseconds()), tags)

	if err != nil {
		s.logError(ctx, operation+" failed", contextFields)
		return
	}
	s.logInfo(ctx, operation+" succeeded", contextFields)
}

// observeTransition counts committed state changes separately from the
// operation counters, keyed by the edge they walked.
func (s *Service) observeTransition(ctx context.Context, from, to SessionState, reason string) {
	if s == nil {
		return
	}
	s.recordCounter(ctx, metricName("session_transitions", "total"), 1, map[string]string{
		"from_state": string(from),
		"to_state":   string(to),
		"reason":     normalizeOperation(reason),
	})
}

func metricName(operation, suffix string) string {
	return metricNamespace + "." + operation + "." + suffix
}

func operationTags(operation, status string, fields map[string]any) map[string]string {
	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range correlationTagKeys {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		if value := strings.TrimSpace(fmt.Sprint(raw)); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}
	return tags
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.emitLog(ctx, false, message, fields)
}

func (s *Service) logError(ctx context.Context, message string, fields map[string]any) {
	s.emitLog(ctx, true, message, fields)
}

func (s *Service) emitLog(ctx context.Context, isError bool, message string, fields map[string]any) {
	if s == nil || s.logger == nil {
		return
	}
	logger := s.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := sortedLogArgs(fields)
	if isError {
		logger.Error(message, args...)
		return
	}
	logger.Info(message, args...)
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

// sortedLogArgs flattens fields into the key-value argument list the logger
// expects, sorted so repeated runs of the same event log identically.
func sortedLogArgs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

// enrichErrorFields lifts the structured parts of a mapped error into the
// log context. Error metadata is redacted; trace identifiers inside it are
// promoted so failure logs stay correlatable.
func enrichErrorFields(fields map[string]any, err error) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return
	}
	fields["error_category"] = string(richErr.Category)
	if textCode := strings.TrimSpace(richErr.TextCode); textCode != "" {
		fields["error_text_code"] = textCode
	}
	if severity := strings.TrimSpace(richErr.Severity.String()); severity != "" {
		fields["error_severity"] = severity
	}
	if len(richErr.Metadata) > 0 {
		fields["error_metadata"] = RedactSensitiveMap(richErr.Metadata)
		for _, key := range []string{"trace_id", "request_id"} {
			value, ok := richErr.Metadata[key]
			if !ok {
				continue
			}
			if _, exists := fields[key]; !exists {
				fields[key] = value
			}
		}
	}
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	return strings.ReplaceAll(operation, "-", "_")
}
