package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

const (
	// EncodingHex expects the presented signature as lowercase hex digits.
	EncodingHex = "hex"
	// EncodingBase64 expects standard base64.
	EncodingBase64 = "base64"
)

// HMACVerifier authenticates finalize callbacks with a shared-secret
// HMAC-SHA256 digest over the canonical signing payload: ticket id, envelope
// timestamp, and raw credential bytes. Both the inbound processor and the
// session service run the same check, so a decision that bypasses the edge
// still cannot reach the state machine unsigned.
//
// Tolerance bounds how far the envelope timestamp may sit from the verifier
// clock in either direction. A callback outside the window is rejected as an
// invalid signature before the replay ledger is ever consulted.
type HMACVerifier struct {
	Secret []byte
	// Prefix is stripped from the presented signature before decoding, for
	// gateways that send values like "sha256=<digest>".
	Prefix string
	// Encoding is EncodingHex or EncodingBase64. Empty means hex.
	Encoding  string
	Tolerance time.Duration
	Now       func() time.Time
}

// NewHMACVerifier returns a verifier with the default tolerance window and
// hex signature encoding.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{
		Secret:    secret,
		Encoding:  EncodingHex,
		Tolerance: core.DefaultConfig().Callback.Tolerance,
	}
}

var _ core.CallbackVerifier = (*HMACVerifier)(nil)

// Verify checks the timestamp tolerance and the signature. Every rejection
// wraps core.ErrInvalidSignature so callers observe one failure mode whether
// the envelope was stale, unsigned, or forged.
func (v *HMACVerifier) Verify(_ context.Context, req core.FinalizeCallbackRequest) error {
	if len(v.Secret) == 0 {
		return fmt.Errorf("callback: verifier secret is not configured")
	}
	ticketID := strings.TrimSpace(req.TicketID)
	signature := strings.TrimSpace(req.Signature)
	if signature == "" {
		return fmt.Errorf("callback: ticket %q carries no signature: %w", ticketID, core.ErrInvalidSignature)
	}
	if req.Timestamp.IsZero() {
		return fmt.Errorf("callback: ticket %q carries no timestamp: %w", ticketID, core.ErrInvalidSignature)
	}
	drift := v.now().Sub(req.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if tolerance := v.tolerance(); drift > tolerance {
		return fmt.Errorf(
			"callback: ticket %q timestamp %s is outside the %s tolerance window: %w",
			ticketID,
			req.Timestamp.UTC().Format(time.RFC3339),
			tolerance,
			core.ErrInvalidSignature,
		)
	}

	if v.Prefix != "" {
		if !strings.HasPrefix(signature, v.Prefix) {
			return fmt.Errorf("callback: ticket %q signature is missing prefix %q: %w", ticketID, v.Prefix, core.ErrInvalidSignature)
		}
		signature = strings.TrimPrefix(signature, v.Prefix)
	}
	presented, err := v.decode(signature)
	if err != nil {
		return fmt.Errorf("callback: ticket %q signature is not valid %s: %w", ticketID, v.encoding(), core.ErrInvalidSignature)
	}
	expected := v.digest(ticketID, req.Timestamp, req.Payload)
	if subtle.ConstantTimeCompare(presented, expected) != 1 {
		return fmt.Errorf("callback: ticket %q signature mismatch: %w", ticketID, core.ErrInvalidSignature)
	}
	return nil
}

// Sign produces the encoded signature a gateway attaches to a finalize
// callback for the given envelope fields. The prefix, when configured, is
// included so the output round-trips through Verify.
func (v *HMACVerifier) Sign(ticketID string, timestamp time.Time, payload []byte) string {
	digest := v.digest(strings.TrimSpace(ticketID), timestamp, payload)
	var encoded string
	switch v.encoding() {
	case EncodingBase64:
		encoded = base64.StdEncoding.EncodeToString(digest)
	default:
		encoded = hex.EncodeToString(digest)
	}
	return v.Prefix + encoded
}

func (v *HMACVerifier) digest(ticketID string, timestamp time.Time, payload []byte) []byte {
	mac := hmac.New(sha256.New, v.Secret)
	_, _ = mac.Write(SignaturePayload(ticketID, timestamp, payload))
	return mac.Sum(nil)
}

func (v *HMACVerifier) decode(signature string) ([]byte, error) {
	switch v.encoding() {
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(signature)
	default:
		return hex.DecodeString(signature)
	}
}

func (v *HMACVerifier) encoding() string {
	if strings.TrimSpace(v.Encoding) == "" {
		return EncodingHex
	}
	return strings.ToLower(strings.TrimSpace(v.Encoding))
}

func (v *HMACVerifier) tolerance() time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return core.DefaultConfig().Callback.Tolerance
}

func (v *HMACVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

// SignaturePayload is the canonical byte string both sides authenticate. The
// signature binds the ticket id and timestamp to the credential bytes, so no
// field can be swapped into a different callback without breaking the digest.
// The digest deliberately covers envelope fields rather than the raw
// transport body: the session service re-verifies from the parsed request
// alone, after the transport framing is gone.
func SignaturePayload(ticketID string, timestamp time.Time, payload []byte) []byte {
	base := make([]byte, 0, len(ticketID)+len(payload)+24)
	base = append(base, ticketID...)
	base = append(base, '\n')
	base = strconv.AppendInt(base, timestamp.UTC().Unix(), 10)
	base = append(base, '\n')
	base = append(base, payload...)
	return base
}
