package pipeline

import (
	"context"
	"errors"

	"mailtriage/internal/category"
	"mailtriage/internal/contextsel"
)

// ValidationError rejects a malformed envelope or ruleset before a run ever
// starts. It is the only error class surfaced to the caller of Process.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ErrServiceUnavailable marks an external call that kept failing after the
// bounded retries. It escalates the run, never aborts it.
var ErrServiceUnavailable = errors.New("service unavailable")

// Error classes carried on escalated runs so a reviewer can see why
// automation did not occur.
const (
	ClassValidation         = "ValidationError"
	ClassServiceUnavailable = "ServiceUnavailable"
	ClassBudgetExceeded     = "BudgetExceeded"
	ClassCancelled          = "Cancelled"
	ClassNoMatch            = "NoMatch"
)

// Classify maps an error to its class name.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, category.ErrNoMatch):
		return ClassNoMatch
	case errors.Is(err, contextsel.ErrBudgetExceeded):
		return ClassBudgetExceeded
	case errors.Is(err, ErrServiceUnavailable):
		return ClassServiceUnavailable
	default:
		return ClassServiceUnavailable
	}
}
