package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-sessionguard/core"
)

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals credential blobs with AES-256-GCM under a
// single application-configured key. Key material of any length is accepted:
// 16, 24, and 32 byte inputs are used directly, anything else is normalized
// through SHA-256 so passphrase-style configuration still yields a full
// AES-256 key.
type AppKeySecretProvider struct {
	key     []byte
	keyID   string
	version int
}

// WithKeyID overrides the key id written into the envelope.
func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.keyID = trimmed
		}
	}
}

// WithVersion overrides the key version written into the envelope.
func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.version = version
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		key:     normalizeKey(key),
		keyID:   "app-key",
		version: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := p.cipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return sealEnvelope(envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithmGCM,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64Payload(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	// Blobs written before the envelope format carry no prefix; they still
	// decode as a bare envelope document.
	env, _, err := openEnvelope(ciphertext, envelopeDecodeOptions{
		AllowMissingPrefix: true,
		DefaultAlgorithm:   envelopeAlgorithmGCM,
	})
	if err != nil {
		return nil, err
	}
	if env.Algorithm != envelopeAlgorithmGCM {
		return nil, fmt.Errorf("security: unsupported envelope algorithm %q", env.Algorithm)
	}
	if env.KeyID != "" && env.KeyID != p.keyID {
		return nil, fmt.Errorf("security: key id mismatch: got %q want %q", env.KeyID, p.keyID)
	}
	if env.Version > 0 && env.Version != p.version {
		return nil, fmt.Errorf("security: key version mismatch: got %d want %d", env.Version, p.version)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("security: decode nonce: %w", err)
	}
	sealed, err := env.payload()
	if err != nil {
		return nil, err
	}
	gcm, err := p.cipher()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.version
}

func (p *AppKeySecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
