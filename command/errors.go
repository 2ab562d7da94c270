package command

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-sessionguard/core"
)

// Command failures leave this package as go-errors envelopes carrying an
// HTTP code and a stable text code, so transports map them without string
// matching.

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.SessionErrorInternal)
}

func commandValidationError(field string, message string) error {
	rich := goerrors.NewValidation("command: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).WithSeverity(goerrors.SeverityError)
	return asBadInput(rich)
}

func commandInvalidInputError(message string) error {
	return asBadInput(goerrors.New(message, goerrors.CategoryBadInput))
}

func asBadInput(rich *goerrors.Error) error {
	return rich.WithCode(http.StatusBadRequest).WithTextCode(core.SessionErrorBadInput)
}
