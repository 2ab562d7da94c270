package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Sealed credential blobs are stored as a versioned envelope so the provider
// that wrote a blob can be identified long after key rotation: a fixed
// prefix followed by a JSON document naming the key, key version, and
// algorithm alongside the base64 ciphertext.
const (
	envelopePrefix       = "sessionguard.secret.v1:"
	envelopeAlgorithmGCM = "aes-256-gcm"
	envelopeAlgorithmKMS = "kms"
)

type envelope struct {
	KeyID      string            `json:"kid"`
	Version    int               `json:"ver"`
	Algorithm  string            `json:"alg"`
	Nonce      string            `json:"nonce,omitempty"`
	Ciphertext string            `json:"ciphertext"`
	Metadata   map[string]string `json:"meta,omitempty"`
}

// normalized trims identity fields and defends against callers mutating a
// shared metadata map after sealing.
func (e envelope) normalized() envelope {
	e.KeyID = strings.TrimSpace(e.KeyID)
	e.Algorithm = strings.ToLower(strings.TrimSpace(e.Algorithm))
	e.Metadata = cloneMeta(e.Metadata)
	return e
}

// payload decodes the base64 ciphertext body.
func (e envelope) payload() ([]byte, error) {
	trimmed := strings.TrimSpace(e.Ciphertext)
	if trimmed == "" {
		return nil, fmt.Errorf("security: envelope ciphertext is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("security: decode ciphertext payload: %w", err)
	}
	return decoded, nil
}

type envelopeDecodeOptions struct {
	// AllowMissingPrefix accepts blobs written before the envelope format
	// existed. Only the app-key provider opts in.
	AllowMissingPrefix bool
	DefaultAlgorithm   string
}

// EnvelopeMetadata is the provenance of a sealed blob without its payload.
type EnvelopeMetadata struct {
	HasPrefix bool
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata inspects a sealed blob so callers can route it to
// the provider that owns its key before attempting a decrypt.
func ParseEnvelopeMetadata(ciphertext []byte, allowMissingPrefix bool) (EnvelopeMetadata, error) {
	env, hasPrefix, err := openEnvelope(ciphertext, envelopeDecodeOptions{AllowMissingPrefix: allowMissingPrefix})
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{
		HasPrefix: hasPrefix,
		KeyID:     env.KeyID,
		Version:   env.Version,
		Algorithm: env.Algorithm,
	}, nil
}

func sealEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(env.normalized())
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func openEnvelope(ciphertext []byte, options envelopeDecodeOptions) (envelope, bool, error) {
	if len(ciphertext) == 0 {
		return envelope{}, false, fmt.Errorf("security: ciphertext is required")
	}
	payload, hasPrefix, err := stripEnvelopePrefix(string(ciphertext), options.AllowMissingPrefix)
	if err != nil {
		return envelope{}, false, err
	}

	parsed := envelope{}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return envelope{}, false, fmt.Errorf("security: decode envelope: %w", err)
	}
	parsed = parsed.normalized()
	if parsed.Algorithm == "" {
		parsed.Algorithm = strings.ToLower(strings.TrimSpace(options.DefaultAlgorithm))
	}
	if parsed.Ciphertext == "" {
		return envelope{}, false, fmt.Errorf("security: envelope ciphertext is required")
	}
	return parsed, hasPrefix, nil
}

func stripEnvelopePrefix(payload string, allowMissing bool) (string, bool, error) {
	if strings.HasPrefix(payload, envelopePrefix) {
		return strings.TrimPrefix(payload, envelopePrefix), true, nil
	}
	if !allowMissing {
		return "", false, fmt.Errorf("security: invalid ciphertext envelope prefix")
	}
	return payload, false, nil
}

func base64Payload(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(value)
}

// cloneMeta copies a metadata map, dropping blank keys. Empty results
// collapse to nil so the envelope omits the field entirely.
func cloneMeta(input map[string]string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	output := make(map[string]string, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		output[trimmedKey] = strings.TrimSpace(value)
	}
	if len(output) == 0 {
		return nil
	}
	return output
}
