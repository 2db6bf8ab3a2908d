package services

import (
	"errors"
	"log"
	"net/http"
)

// Engine error taxonomy. Business-rule failures are expected and reported
// with a specific kind; ErrInvariantViolation signals an internal
// bookkeeping bug and is surfaced generically.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrOutOfStock         = errors.New("no copies available")
	ErrExceedsLoanLimit   = errors.New("active loan limit reached")
	ErrHasOverdueLoans    = errors.New("user has overdue loans")
	ErrAlreadyReturned    = errors.New("loan already returned")
	ErrForbidden          = errors.New("forbidden")
	ErrInvariantViolation = errors.New("inventory invariant violation")
)

// WriteEngineError maps an engine error onto an HTTP response. Invariant
// violations are logged with detail but answered generically.
func WriteEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrForbidden):
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
	case errors.Is(err, ErrOutOfStock):
		SendErrorResponse(w, "Book not available for loan", http.StatusBadRequest, nil)
	case errors.Is(err, ErrExceedsLoanLimit):
		SendErrorResponse(w, "User already has the maximum number of active loans", http.StatusBadRequest, nil)
	case errors.Is(err, ErrHasOverdueLoans):
		SendErrorResponse(w, "User has overdue loans", http.StatusBadRequest, nil)
	case errors.Is(err, ErrAlreadyReturned):
		SendErrorResponse(w, "Loan already returned", http.StatusConflict, nil)
	case errors.Is(err, ErrValidation):
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvariantViolation):
		log.Printf("[ENGINE] Invariant violation: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	default:
		log.Printf("[ENGINE] Unexpected error: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	}
}
