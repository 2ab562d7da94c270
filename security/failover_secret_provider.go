package security

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

type SecretProviderFailurePolicy string

const (
	// SecretProviderFailurePolicyStrict fails the operation when the
	// primary provider fails. Credential blobs are never silently sealed
	// under the standby key.
	SecretProviderFailurePolicyStrict SecretProviderFailurePolicy = "strict_fail"
	// SecretProviderFailurePolicyFallback retries the operation on the
	// standby provider when the primary fails.
	SecretProviderFailurePolicyFallback SecretProviderFailurePolicy = "fallback_allowed"
)

// SecretProviderDiagnostic is emitted on every failover decision so hosts
// can alert on a primary key source going dark.
type SecretProviderDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Policy     SecretProviderFailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type SecretProviderDiagnosticHook func(event SecretProviderDiagnostic)

type FailoverOption func(*FailoverSecretProvider)

// sealingKey identifies the key that sealed the most recent blob.
type sealingKey struct {
	ID      string
	Version int
}

// FailoverSecretProvider pairs a primary key source with a standby. Under
// the fallback policy both encrypt and decrypt retry on the standby, which
// keeps blobs readable through a primary outage and carries a migration
// from one key source to another: new blobs seal under the primary while
// legacy blobs still open through the standby.
type FailoverSecretProvider struct {
	primary        core.SecretProvider
	fallback       core.SecretProvider
	policy         SecretProviderFailurePolicy
	diagnosticHook SecretProviderDiagnosticHook
	now            func() time.Time

	mu       sync.RWMutex
	lastSeal sealingKey
}

func NewFailoverSecretProvider(primary core.SecretProvider, opts ...FailoverOption) (*FailoverSecretProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("security: primary secret provider is required")
	}
	provider := &FailoverSecretProvider{
		primary: primary,
		policy:  SecretProviderFailurePolicyStrict,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	provider.policy = normalizeFailurePolicy(provider.policy)
	if provider.policy == SecretProviderFailurePolicyFallback && provider.fallback == nil {
		return nil, fmt.Errorf("security: fallback policy requires a configured fallback secret provider")
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	provider.noteSealingKey(provider.primary)
	return provider, nil
}

func WithFallbackSecretProvider(provider core.SecretProvider) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.fallback = provider
	}
}

func WithSecretProviderFailurePolicy(policy SecretProviderFailurePolicy) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.policy = normalizeFailurePolicy(policy)
	}
}

func WithSecretProviderDiagnostics(hook SecretProviderDiagnosticHook) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.diagnosticHook = hook
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.now = now
	}
}

func (p *FailoverSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	ciphertext, viaFallback, err := p.attempt("encrypt", func(provider core.SecretProvider) ([]byte, error) {
		return provider.Encrypt(ctx, plaintext)
	})
	if err != nil {
		return nil, err
	}
	if viaFallback {
		p.noteSealingKey(p.fallback)
	} else {
		p.noteSealingKey(p.primary)
	}
	return ciphertext, nil
}

func (p *FailoverSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("security: ciphertext is required")
	}
	plaintext, _, err := p.attempt("decrypt", func(provider core.SecretProvider) ([]byte, error) {
		return provider.Decrypt(ctx, ciphertext)
	})
	return plaintext, err
}

// attempt runs the operation on the primary and, policy permitting, once
// more on the standby. A diagnostic fires on every failover decision.
func (p *FailoverSecretProvider) attempt(operation string, run func(core.SecretProvider) ([]byte, error)) ([]byte, bool, error) {
	out, primaryErr := run(p.primary)
	if primaryErr == nil {
		return out, false, nil
	}
	p.emit(operation, "primary_failed", primaryErr)
	if p.policy == SecretProviderFailurePolicyStrict || p.fallback == nil {
		return nil, false, fmt.Errorf("security: primary %s failed with %s policy: %w", operation, p.policy, primaryErr)
	}
	out, fallbackErr := run(p.fallback)
	if fallbackErr != nil {
		p.emit(operation, "fallback_failed", fallbackErr)
		return nil, false, fmt.Errorf("security: primary %s failed: %v; fallback %s failed: %w", operation, primaryErr, operation, fallbackErr)
	}
	p.emit(operation, "fallback_succeeded", primaryErr)
	return out, true, nil
}

// Metadata reports the key that performed the most recent encrypt, so
// status surfaces can show which key source currently seals new blobs.
func (p *FailoverSecretProvider) Metadata() (string, int) {
	if p == nil {
		return "", 0
	}
	p.mu.RLock()
	last := p.lastSeal
	p.mu.RUnlock()
	if strings.TrimSpace(last.ID) != "" && last.Version > 0 {
		return last.ID, last.Version
	}
	if keyID, version, ok := providerKeyInfo(p.primary); ok {
		return keyID, version
	}
	if keyID, version, ok := providerKeyInfo(p.fallback); ok {
		return keyID, version
	}
	return "", 0
}

func (p *FailoverSecretProvider) emit(operation string, outcome string, err error) {
	if p == nil || p.diagnosticHook == nil {
		return
	}
	now := p.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.diagnosticHook(SecretProviderDiagnostic{
		OccurredAt: now().UTC(),
		Operation:  operation,
		Policy:     p.policy,
		Outcome:    outcome,
		Primary:    providerLabel(p.primary),
		Fallback:   providerLabel(p.fallback),
		Error:      msg,
	})
}

func (p *FailoverSecretProvider) noteSealingKey(provider core.SecretProvider) {
	if p == nil {
		return
	}
	keyID, version, ok := providerKeyInfo(provider)
	if !ok {
		return
	}
	p.mu.Lock()
	p.lastSeal = sealingKey{ID: keyID, Version: version}
	p.mu.Unlock()
}

func normalizeFailurePolicy(policy SecretProviderFailurePolicy) SecretProviderFailurePolicy {
	switch SecretProviderFailurePolicy(strings.ToLower(strings.TrimSpace(string(policy)))) {
	case SecretProviderFailurePolicyFallback:
		return SecretProviderFailurePolicyFallback
	default:
		return SecretProviderFailurePolicyStrict
	}
}

// providerKeyInfo reads key provenance from providers that expose it.
// Metadata is optional on core.SecretProvider implementations.
func providerKeyInfo(provider core.SecretProvider) (string, int, bool) {
	if provider == nil {
		return "", 0, false
	}
	described, ok := provider.(interface{ Metadata() (string, int) })
	if !ok {
		return "", 0, false
	}
	keyID, version := described.Metadata()
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || version <= 0 {
		return "", 0, false
	}
	return keyID, version, true
}

func providerLabel(provider core.SecretProvider) string {
	if provider == nil {
		return ""
	}
	label := reflect.TypeOf(provider).String()
	if keyID, version, ok := providerKeyInfo(provider); ok {
		return fmt.Sprintf("%s(%s:%d)", label, keyID, version)
	}
	return label
}

var _ core.SecretProvider = (*FailoverSecretProvider)(nil)
