// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/odyssey-erp/minerp/internal/shared"
)

// Transport-level errors raised before a core operation runs.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrOverpayment):
		return http.StatusUnprocessableEntity, "Overpayment"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, "Invalid State"
	case errors.Is(err, shared.ErrPrecondition):
		return http.StatusPreconditionFailed, "Precondition Failed"
	case errors.Is(err, shared.ErrLockNotObtained):
		return http.StatusConflict, "Locked"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusOf(err)
	problem := ProblemDetail{Title: title, Status: status}
	if status == http.StatusInternalServerError {
		writeProblem(w, problem)
		return
	}
	problem.Detail = err.Error()
	var rule *shared.RuleError
	if errors.As(err, &rule) {
		problem.Entity = rule.Entity
		problem.Field = rule.Field
		problem.Line = rule.Line
		problem.Rule = rule.Rule
	}
	var over *shared.OverpaymentError
	if errors.As(err, &over) {
		problem.Entity = "invoice"
		problem.Balance = over.Total.Sub(over.Paid).String()
	}
	writeProblem(w, problem)
}
