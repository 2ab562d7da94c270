package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatRawSecret = "raw_secret"
	CredentialPayloadFormatJSONV1    = "session_credential_json"
	CredentialPayloadVersionV1       = 1
)

// SessionCredential is the plaintext shape of a tenant's platform login
// material before sealing. Secret is whatever opaque bytes the gateway
// issued at pairing; everything else is bookkeeping this service adds.
type SessionCredential struct {
	TenantID string
	Gateway  string
	Secret   []byte
	IssuedAt time.Time
	Metadata map[string]any
}

func (c SessionCredential) IsZero() bool {
	return strings.TrimSpace(c.TenantID) == "" && len(c.Secret) == 0
}

type CredentialCodec interface {
	Format() string
	Version() int
	Encode(credential SessionCredential) ([]byte, error)
	Decode(payload []byte) (SessionCredential, error)
}

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

type jsonCredentialPayload struct {
	TenantID string         `json:"tenant_id,omitempty"`
	Gateway  string         `json:"gateway,omitempty"`
	Secret   string         `json:"secret,omitempty"`
	IssuedAt *time.Time     `json:"issued_at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (JSONCredentialCodec) Encode(credential SessionCredential) ([]byte, error) {
	if len(credential.Secret) == 0 {
		return nil, fmt.Errorf("core: credential secret is empty")
	}
	payload := jsonCredentialPayload{
		TenantID: strings.TrimSpace(credential.TenantID),
		Gateway:  strings.TrimSpace(credential.Gateway),
		Secret:   base64.StdEncoding.EncodeToString(credential.Secret),
		IssuedAt: cloneTimePointer(&credential.IssuedAt),
		Metadata: copyAnyMap(credential.Metadata),
	}
	if credential.IssuedAt.IsZero() {
		payload.IssuedAt = nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (SessionCredential, error) {
	if len(payload) == 0 {
		return SessionCredential{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonCredentialPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return SessionCredential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(decoded.Secret)
	if err != nil {
		return SessionCredential{}, fmt.Errorf("core: decode credential secret: %w", err)
	}
	credential := SessionCredential{
		TenantID: strings.TrimSpace(decoded.TenantID),
		Gateway:  strings.TrimSpace(decoded.Gateway),
		Secret:   secret,
		Metadata: copyAnyMap(decoded.Metadata),
	}
	if decoded.IssuedAt != nil {
		credential.IssuedAt = decoded.IssuedAt.UTC()
	}
	return credential, nil
}

// RawSecretCredentialCodec passes the gateway secret through untouched. It
// exists for blobs written before the JSON envelope; new writes should use
// JSONCredentialCodec.
type RawSecretCredentialCodec struct{}

func (RawSecretCredentialCodec) Format() string {
	return CredentialPayloadFormatRawSecret
}

func (RawSecretCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

func (RawSecretCredentialCodec) Encode(credential SessionCredential) ([]byte, error) {
	if len(credential.Secret) == 0 {
		return nil, fmt.Errorf("core: credential secret is empty")
	}
	return append([]byte(nil), credential.Secret...), nil
}

func (RawSecretCredentialCodec) Decode(payload []byte) (SessionCredential, error) {
	if len(payload) == 0 {
		return SessionCredential{}, fmt.Errorf("core: credential payload is empty")
	}
	return SessionCredential{
		Secret: append([]byte(nil), payload...),
	}, nil
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}
