package query

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-sessionguard/core"
)

func queryError(message string, category goerrors.Category, code int) error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(queryTextCode(category))
}

func queryDependencyError(message string) error {
	return queryError(message, goerrors.CategoryInternal, http.StatusInternalServerError)
}

func queryInvalidInputError(message string) error {
	return queryError(message, goerrors.CategoryBadInput, http.StatusBadRequest)
}

func queryValidationError(field string, message string) error {
	return goerrors.NewValidation("query: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.SessionErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func queryTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.SessionErrorBadInput
	case goerrors.CategoryNotFound:
		return core.SessionErrorNotFound
	default:
		return core.SessionErrorInternal
	}
}
