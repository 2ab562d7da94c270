package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

type KMSEncryptRequest struct {
	KeyID      string
	KeyVersion int
	Plaintext  []byte
	Metadata   map[string]string
}

type KMSEncryptResponse struct {
	Ciphertext []byte
}

type KMSDecryptRequest struct {
	KeyID      string
	KeyVersion int
	Ciphertext []byte
	Metadata   map[string]string
}

type KMSDecryptResponse struct {
	Plaintext []byte
}

// KMSClient is the transport port to an external key-management service.
// The provider never sees key material; it hands plaintext to the client
// and stores whatever opaque ciphertext comes back inside the envelope.
type KMSClient interface {
	Encrypt(ctx context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error)
	Decrypt(ctx context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error)
}

type KMSOption func(*KMSSecretProvider)

// kmsKeyRef is comparable so it can key the compatibility and rotation
// window maps directly.
type kmsKeyRef struct {
	KeyID   string
	Version int
}

func newKMSKeyRef(keyID string, version int) (kmsKeyRef, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return kmsKeyRef{}, fmt.Errorf("security: key id is required")
	}
	if version <= 0 {
		return kmsKeyRef{}, fmt.Errorf("security: key version must be greater than zero")
	}
	return kmsKeyRef{KeyID: trimmed, Version: version}, nil
}

// KMSSecretProvider seals credential blobs through an external KMS key.
// Exactly one key version encrypts at a time; older versions stay
// decryptable while listed as compatibility keys, which is what lets sealed
// blobs survive a key rotation without a bulk re-encrypt.
type KMSSecretProvider struct {
	client          KMSClient
	active          kmsKeyRef
	decryptAllowed  map[kmsKeyRef]struct{}
	rotationWindows map[kmsKeyRef]KeyRotationWindow
	allowAnyDecrypt bool
	metadata        map[string]string
	now             func() time.Time
}

func NewKMSSecretProvider(client KMSClient, keyID string, version int, opts ...KMSOption) (*KMSSecretProvider, error) {
	active, err := newKMSKeyRef(keyID, version)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("security: kms client is required")
	}
	provider := &KMSSecretProvider{
		client:          client,
		active:          active,
		decryptAllowed:  map[kmsKeyRef]struct{}{active: {}},
		rotationWindows: map[kmsKeyRef]KeyRotationWindow{},
		metadata:        map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	return provider, nil
}

// WithKMSDecryptCompatibilityKey allows blobs sealed under an older key
// version to keep decrypting after a rotation.
func WithKMSDecryptCompatibilityKey(keyID string, version int) KMSOption {
	return func(provider *KMSSecretProvider) {
		if provider == nil {
			return
		}
		ref, err := newKMSKeyRef(keyID, version)
		if err != nil {
			return
		}
		provider.decryptAllowed[ref] = struct{}{}
	}
}

// WithKMSRotationWindow bounds when a key version may be used at all, on
// either side of a rotation.
func WithKMSRotationWindow(keyID string, version int, window KeyRotationWindow) KMSOption {
	return func(provider *KMSSecretProvider) {
		if provider == nil {
			return
		}
		ref, err := newKMSKeyRef(keyID, version)
		if err != nil {
			return
		}
		provider.rotationWindows[ref] = window
	}
}

func WithKMSAllowAnyDecryptKey(allow bool) KMSOption {
	return func(provider *KMSSecretProvider) {
		if provider == nil {
			return
		}
		provider.allowAnyDecrypt = allow
	}
}

func WithKMSMetadata(metadata map[string]string) KMSOption {
	return func(provider *KMSSecretProvider) {
		if provider == nil {
			return
		}
		provider.metadata = cloneMeta(metadata)
	}
}

func WithKMSClock(now func() time.Time) KMSOption {
	return func(provider *KMSSecretProvider) {
		if provider == nil {
			return
		}
		provider.now = now
	}
}

func (p *KMSSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	if !p.windowAllows(p.active) {
		return nil, outsideRotationWindow(p.active)
	}

	response, err := p.client.Encrypt(ctx, KMSEncryptRequest{
		KeyID:      p.active.KeyID,
		KeyVersion: p.active.Version,
		Plaintext:  append([]byte(nil), plaintext...),
		Metadata:   cloneMeta(p.metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: kms encrypt: %w", err)
	}
	if len(response.Ciphertext) == 0 {
		return nil, fmt.Errorf("security: kms encrypt returned empty ciphertext")
	}
	return sealEnvelope(envelope{
		KeyID:      p.active.KeyID,
		Version:    p.active.Version,
		Algorithm:  envelopeAlgorithmKMS,
		Ciphertext: base64Payload(response.Ciphertext),
		Metadata:   cloneMeta(p.metadata),
	})
}

func (p *KMSSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, _, err := openEnvelope(ciphertext, envelopeDecodeOptions{DefaultAlgorithm: envelopeAlgorithmKMS})
	if err != nil {
		return nil, err
	}
	if env.Algorithm != envelopeAlgorithmKMS {
		return nil, fmt.Errorf("security: unsupported envelope algorithm %q", env.Algorithm)
	}
	ref, err := p.resolveDecryptKey(env)
	if err != nil {
		return nil, err
	}

	payload, err := env.payload()
	if err != nil {
		return nil, err
	}
	response, err := p.client.Decrypt(ctx, KMSDecryptRequest{
		KeyID:      ref.KeyID,
		KeyVersion: ref.Version,
		Ciphertext: payload,
		Metadata:   cloneMeta(env.Metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: kms decrypt: %w", err)
	}
	if len(response.Plaintext) == 0 {
		return nil, fmt.Errorf("security: kms decrypt returned empty plaintext")
	}
	return response.Plaintext, nil
}

// resolveDecryptKey maps the envelope back to a key the provider may use:
// the key must be listed for decrypt (unless any-key decrypt is on) and
// still be inside its rotation window.
func (p *KMSSecretProvider) resolveDecryptKey(env envelope) (kmsKeyRef, error) {
	ref, err := newKMSKeyRef(env.KeyID, env.Version)
	if err != nil {
		return kmsKeyRef{}, err
	}
	if !p.allowAnyDecrypt {
		if _, ok := p.decryptAllowed[ref]; !ok {
			return kmsKeyRef{}, fmt.Errorf("security: kms decrypt key %q version %d is not configured", ref.KeyID, ref.Version)
		}
	}
	if !p.windowAllows(ref) {
		return kmsKeyRef{}, outsideRotationWindow(ref)
	}
	return ref, nil
}

func (p *KMSSecretProvider) windowAllows(ref kmsKeyRef) bool {
	if p == nil {
		return false
	}
	window, bounded := p.rotationWindows[ref]
	if !bounded {
		return true
	}
	now := p.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return window.Allows(now())
}

func (p *KMSSecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.active.KeyID
}

func (p *KMSSecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active.Version
}

func (p *KMSSecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

func outsideRotationWindow(ref kmsKeyRef) error {
	return fmt.Errorf("security: kms key %q version %d is outside the configured rotation window", ref.KeyID, ref.Version)
}

var _ core.SecretProvider = (*KMSSecretProvider)(nil)
