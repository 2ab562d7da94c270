package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-sessionguard/core"
)

// DefaultSignatureHeader is where gateways are expected to place the encoded
// signature unless the processor is configured otherwise.
const DefaultSignatureHeader = "X-Callback-Signature"

// Delivery is one raw inbound callback exactly as the transport handed it
// over: undecoded body plus transport headers. The processor owns parsing,
// authentication, and dedupe so HTTP handlers stay a thin shell around it.
type Delivery struct {
	Gateway  string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

// Envelope is the JSON document a gateway posts to finalize a ticket.
// Payload carries the opaque credential bytes base64-encoded; Timestamp is
// RFC 3339 and must sit inside the verifier tolerance window.
type Envelope struct {
	TicketID  string    `json:"ticket_id"`
	Outcome   string    `json:"outcome"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
}

// ParseEnvelope decodes a delivery body into an Envelope.
func ParseEnvelope(body []byte) (Envelope, error) {
	if len(body) == 0 {
		return Envelope{}, fmt.Errorf("callback: delivery body is empty")
	}
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("callback: parse delivery envelope: %w", err)
	}
	return envelope, nil
}

// TicketIDExtractor resolves which ticket a delivery finalizes.
type TicketIDExtractor func(delivery Delivery, envelope Envelope) (string, error)

// EnvelopeTicketID reads the ticket id from the envelope body.
func EnvelopeTicketID() TicketIDExtractor {
	return func(_ Delivery, envelope Envelope) (string, error) {
		if ticketID := strings.TrimSpace(envelope.TicketID); ticketID != "" {
			return ticketID, nil
		}
		return "", fmt.Errorf("callback: delivery envelope carries no ticket id")
	}
}

// HeaderTicketID reads the ticket id from the first non-empty header.
func HeaderTicketID(headers ...string) TicketIDExtractor {
	keys := append([]string(nil), headers...)
	return func(delivery Delivery, _ Envelope) (string, error) {
		for _, key := range keys {
			if value := strings.TrimSpace(headerValue(delivery.Headers, key)); value != "" {
				return value, nil
			}
		}
		return "", fmt.Errorf("callback: delivery carries no ticket id header")
	}
}

// ChainTicketIDExtractors tries each extractor in order and returns the
// first hit.
func ChainTicketIDExtractors(extractors ...TicketIDExtractor) TicketIDExtractor {
	list := append([]TicketIDExtractor(nil), extractors...)
	return func(delivery Delivery, envelope Envelope) (string, error) {
		var lastErr error
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			ticketID, err := extractor(delivery, envelope)
			if err == nil && strings.TrimSpace(ticketID) != "" {
				return ticketID, nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("callback: delivery carries no ticket id")
	}
}

// SessionFinalizer is the slice of the session service the processor needs.
type SessionFinalizer interface {
	FinalizeCallback(ctx context.Context, req core.FinalizeCallbackRequest) (core.FinalizeCallbackResponse, error)
}

var _ SessionFinalizer = (*core.Service)(nil)

// Result reports how a delivery was handled so transport handlers can answer
// the gateway without re-deriving anything. Deduplicated covers both an edge
// dedupe hit and a service-level replay of an already finalized ticket.
type Result struct {
	Accepted     bool
	Deduplicated bool
	TenantID     string
	State        core.SessionState
	TicketStatus core.TicketStatus
	StatusCode   int
	Metadata     map[string]any
}

// Processor drives one delivery through parse, signature verification, edge
// dedupe, and ticket finalization. Verification failures never touch the
// ledger or the stores, so unauthenticated junk costs one HMAC and nothing
// else.
type Processor struct {
	Verifier core.CallbackVerifier
	Ledger   core.ReplayLedger
	Sessions SessionFinalizer
	// ExtractID defaults to the envelope ticket id.
	ExtractID TicketIDExtractor
	// SignatureHeader defaults to DefaultSignatureHeader.
	SignatureHeader string
	// ClaimTTL bounds how long a delivery identity stays claimed in the
	// ledger. Zero falls back to the default replay window.
	ClaimTTL time.Duration
	Now      func() time.Time
}

// NewProcessor wires the mandatory collaborators and leaves the rest on
// defaults.
func NewProcessor(verifier core.CallbackVerifier, ledger core.ReplayLedger, sessions SessionFinalizer) *Processor {
	return &Processor{
		Verifier:        verifier,
		Ledger:          ledger,
		Sessions:        sessions,
		ExtractID:       EnvelopeTicketID(),
		SignatureHeader: DefaultSignatureHeader,
		ClaimTTL:        core.DefaultConfig().Callback.ReplayWindow,
	}
}

// Process handles one delivery end to end. The returned result always
// carries a transport status code, error or not.
func (p *Processor) Process(ctx context.Context, delivery Delivery) (Result, error) {
	if p.Sessions == nil {
		return Result{StatusCode: http.StatusInternalServerError},
			fmt.Errorf("callback: processor has no session finalizer")
	}

	envelope, err := ParseEnvelope(delivery.Body)
	if err != nil {
		return Result{StatusCode: http.StatusBadRequest}, err
	}
	ticketID, err := p.extractTicketID(delivery, envelope)
	if err != nil {
		return Result{StatusCode: http.StatusBadRequest}, err
	}

	req := core.FinalizeCallbackRequest{
		TicketID:  ticketID,
		Outcome:   core.FinalizeOutcome(envelope.Outcome),
		Payload:   envelope.Payload,
		Signature: strings.TrimSpace(headerValue(delivery.Headers, p.signatureHeader())),
		Timestamp: envelope.Timestamp,
		Actor:     envelope.Actor,
		Gateway:   strings.TrimSpace(delivery.Gateway),
	}

	if p.Verifier != nil {
		if verifyErr := p.Verifier.Verify(ctx, req); verifyErr != nil {
			return Result{StatusCode: http.StatusUnauthorized}, verifyErr
		}
	}

	// The edge claim is keyed by delivery identity, not by ticket alone, so
	// a later legitimate callback for the same ticket with a fresh signature
	// still reaches the service. Ticket-level idempotency lives there.
	if p.Ledger != nil {
		claimed, claimErr := p.Ledger.Claim(ctx, deliveryClaimKey(req.Gateway, ticketID, req.Signature), p.claimTTL())
		if claimErr != nil {
			return Result{StatusCode: http.StatusInternalServerError},
				fmt.Errorf("callback: claim delivery identity: %w", claimErr)
		}
		if !claimed {
			return Result{
				Accepted:     true,
				Deduplicated: true,
				StatusCode:   http.StatusOK,
				Metadata: map[string]any{
					"ticket_id": ticketID,
					"deduped":   true,
				},
			}, nil
		}
	}

	response, finalizeErr := p.Sessions.FinalizeCallback(ctx, req)
	if finalizeErr != nil {
		return Result{StatusCode: statusFromError(finalizeErr)}, finalizeErr
	}

	result := Result{
		Accepted:     true,
		Deduplicated: response.Replayed,
		TenantID:     response.TenantID,
		State:        response.State,
		TicketStatus: response.TicketStatus,
		StatusCode:   http.StatusOK,
	}
	if response.Replayed {
		result.Metadata = map[string]any{
			"ticket_id": ticketID,
			"deduped":   true,
		}
	}
	return result, nil
}

func (p *Processor) extractTicketID(delivery Delivery, envelope Envelope) (string, error) {
	extractor := p.ExtractID
	if extractor == nil {
		extractor = EnvelopeTicketID()
	}
	ticketID, err := extractor(delivery, envelope)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(ticketID), nil
}

func (p *Processor) signatureHeader() string {
	if strings.TrimSpace(p.SignatureHeader) != "" {
		return p.SignatureHeader
	}
	return DefaultSignatureHeader
}

func (p *Processor) claimTTL() time.Duration {
	if p.ClaimTTL > 0 {
		return p.ClaimTTL
	}
	return core.DefaultConfig().Callback.ReplayWindow
}

// deliveryClaimKey namespaces edge claims apart from the signature claims
// the session service writes, so both can share one ledger.
func deliveryClaimKey(gateway, ticketID, signature string) string {
	return "delivery:" + strings.TrimSpace(gateway) + ":" + strings.TrimSpace(ticketID) + ":" + strings.TrimSpace(signature)
}

func statusFromError(err error) int {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code > 0 {
		return richErr.Code
	}
	return http.StatusInternalServerError
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[key]; ok {
		return value
	}
	for candidate, value := range headers {
		if strings.EqualFold(candidate, key) {
			return value
		}
	}
	return ""
}
