package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SessionErrorBadInput            = "SESSION_BAD_INPUT"
	SessionErrorNotFound            = "SESSION_NOT_FOUND"
	SessionErrorCredentialNotFound  = "SESSION_CREDENTIAL_NOT_FOUND"
	SessionErrorTicketNotFound      = "SESSION_TICKET_NOT_FOUND"
	SessionErrorGatewayNotFound     = "SESSION_GATEWAY_NOT_FOUND"
	SessionErrorLeaseContention     = "SESSION_LEASE_CONTENTION"
	SessionErrorLeaseLost           = "SESSION_LEASE_LOST"
	SessionErrorTicketExpired       = "SESSION_TICKET_EXPIRED"
	SessionErrorTicketActive        = "SESSION_TICKET_ACTIVE"
	SessionErrorAlreadyAuthorized   = "SESSION_ALREADY_AUTHORIZED"
	SessionErrorTamperDetected      = "SESSION_TAMPER_DETECTED"
	SessionErrorAttemptsExceeded    = "SESSION_ATTEMPTS_EXCEEDED"
	SessionErrorPasswordRejected    = "SESSION_PASSWORD_REJECTED"
	SessionErrorUpstreamUnavailable = "SESSION_UPSTREAM_UNAVAILABLE"
	SessionErrorSignatureInvalid    = "SESSION_SIGNATURE_INVALID"
	SessionErrorReplayRejected      = "SESSION_REPLAY_REJECTED"
	SessionErrorInvalidTransition   = "SESSION_INVALID_TRANSITION"
	SessionErrorRevoked             = "SESSION_REVOKED"
	SessionErrorInternal            = "SESSION_INTERNAL_ERROR"
)

var (
	// ErrLeaseContention means another holder owns the tenant's lease.
	// Callers own the retry policy; nothing is queued internally.
	ErrLeaseContention = errors.New("core: tenant lease is held by another process")
	// ErrLeaseLost means a renewal chain broke mid-flight; the in-flight
	// transition was aborted without committing.
	ErrLeaseLost          = errors.New("core: tenant lease was lost before commit")
	ErrTicketExpired      = errors.New("core: ticket has expired")
	ErrTicketNotFound     = errors.New("core: ticket not found")
	ErrActiveTicketExists = errors.New("core: an active ticket already exists for tenant")
	ErrAlreadyAuthorized  = errors.New("core: session is already authorized")
	// ErrTamperDetected is the fingerprint mismatch signal. It always forces
	// STALE and is never retried silently.
	ErrTamperDetected      = errors.New("core: credential fingerprint mismatch")
	ErrAttemptsExceeded    = errors.New("core: password attempts exhausted")
	// ErrPasswordRejected is the non-terminal rejection: the platform said
	// the password was wrong but the attempt budget is not yet exhausted.
	ErrPasswordRejected    = errors.New("core: password rejected by platform")
	ErrUpstreamUnavailable = errors.New("core: upstream circuit is open")
	ErrInvalidSignature    = errors.New("core: callback signature rejected")
	ErrReplayRejected      = errors.New("core: callback replay rejected")
	ErrSessionNotFound     = errors.New("core: session not found")
	ErrCredentialNotFound  = errors.New("core: credential not found")
	ErrSessionRevoked      = errors.New("core: session is revoked")
)

// SessionErrorConverter lets satellite packages (breaker, callback) supply
// their own rich mapping without core importing them.
type SessionErrorConverter interface {
	ToSessionError() *goerrors.Error
}

func sessionErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureSessionErrorEnvelope(richErr)
	}

	var converter SessionErrorConverter
	if errors.As(err, &converter) {
		return ensureSessionErrorEnvelope(converter.ToSessionError())
	}

	switch {
	case errors.Is(err, ErrLeaseContention):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorLeaseContention)
	case errors.Is(err, ErrLeaseLost):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorLeaseLost)
	case errors.Is(err, ErrTicketExpired):
		return newSessionError(err.Error(), goerrors.CategoryOperation, SessionErrorTicketExpired).
			WithCode(http.StatusGone)
	case errors.Is(err, ErrTicketNotFound):
		return newSessionError(err.Error(), goerrors.CategoryNotFound, SessionErrorTicketNotFound)
	case errors.Is(err, ErrActiveTicketExists):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorTicketActive)
	case errors.Is(err, ErrAlreadyAuthorized):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorAlreadyAuthorized)
	case errors.Is(err, ErrTamperDetected):
		return newSessionError(err.Error(), goerrors.CategoryAuth, SessionErrorTamperDetected).
			WithSeverity(goerrors.SeverityCritical)
	case errors.Is(err, ErrAttemptsExceeded):
		return newSessionError(err.Error(), goerrors.CategoryAuth, SessionErrorAttemptsExceeded)
	case errors.Is(err, ErrPasswordRejected):
		return newSessionError(err.Error(), goerrors.CategoryAuth, SessionErrorPasswordRejected)
	case errors.Is(err, ErrUpstreamUnavailable):
		return newSessionError(err.Error(), goerrors.CategoryExternal, SessionErrorUpstreamUnavailable).
			WithCode(http.StatusServiceUnavailable)
	case errors.Is(err, ErrInvalidSignature):
		return newSessionError(err.Error(), goerrors.CategoryAuth, SessionErrorSignatureInvalid)
	case errors.Is(err, ErrReplayRejected):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorReplayRejected)
	case errors.Is(err, ErrSessionNotFound):
		return newSessionError(err.Error(), goerrors.CategoryNotFound, SessionErrorNotFound)
	case errors.Is(err, ErrCredentialNotFound):
		return newSessionError(err.Error(), goerrors.CategoryNotFound, SessionErrorCredentialNotFound)
	case errors.Is(err, ErrSessionRevoked):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorRevoked)
	case errors.Is(err, ErrInvalidSessionStateTransition),
		errors.Is(err, ErrInvalidTicketStatusTransition):
		return newSessionError(err.Error(), goerrors.CategoryConflict, SessionErrorInvalidTransition)
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return newSessionError(err.Error(), goerrors.CategoryExternal, SessionErrorUpstreamUnavailable).
			WithCode(http.StatusServiceUnavailable).
			WithMetadata(map[string]any{
				"endpoint":    upstream.Endpoint,
				"status_code": upstream.StatusCode,
				"retryable":   upstream.Retryable,
				"revoked":     upstream.Revoked,
			})
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newSessionError(err.Error(), goerrors.CategoryBadInput, SessionErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSessionErrorEnvelope(mapped)
}

func newSessionError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureSessionErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureSessionErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = sessionHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSessionTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSessionTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SessionErrorBadInput
	case goerrors.CategoryNotFound:
		return SessionErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SessionErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return SessionErrorLeaseContention
	case goerrors.CategoryExternal:
		return SessionErrorUpstreamUnavailable
	case goerrors.CategoryOperation:
		return SessionErrorTicketExpired
	default:
		return SessionErrorInternal
	}
}

func sessionHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
