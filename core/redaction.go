package core

import "strings"

const RedactedValue = "[REDACTED]"

// passthroughKeys are identity and correlation fields that stay readable
// even when their names contain an otherwise sensitive token. holder_token
// is a lease fencing value, not a credential.
var passthroughKeys = map[string]struct{}{
	"tenant_id":       {},
	"ticket_id":       {},
	"challenge_id":    {},
	"gateway":         {},
	"endpoint":        {},
	"holder_token":    {},
	"idempotency_key": {},
	"trace_id":        {},
	"request_id":      {},
}

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"credential",
	"signature",
	"auth_key",
	"session_blob",
}

// RedactSensitiveMap returns a deep copy of metadata with credential
// material replaced by RedactedValue. Transition records, outbox payloads,
// and log fields all pass through here before leaving the service.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	redacted, _ := deepRedact(metadata).(map[string]any)
	if redacted == nil {
		redacted = map[string]any{}
	}
	return redacted
}

// deepRedact walks maps and slices without mutating the source. Scalars
// under a sensitive key are replaced wholesale rather than masked, so a
// partially leaked value can never survive.
func deepRedact(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			if shouldRedactKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = deepRedact(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = deepRedact(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if _, exempt := passthroughKeys[key]; exempt {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}
