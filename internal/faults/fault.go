package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Fault is a structured error with category, severity and retry strategy.
// All errors crossing the session/sync/logout component boundaries are
// wrapped into a Fault so callers can route on category instead of string
// matching.
type Fault struct {
	category Category
	severity Severity
	retry    RetryStrategy
	message  string
	cause    error
}

// New creates a fault with the category's default severity and retry strategy.
func New(category Category, message string) *Fault {
	return &Fault{
		category: category,
		severity: SeverityError,
		retry:    defaultStrategy(category),
		message:  message,
	}
}

// Wrap creates a fault wrapping a cause.
func Wrap(category Category, message string, cause error) *Fault {
	f := New(category, message)
	f.cause = cause
	return f
}

// WithSeverity returns a copy with the given severity.
func (f *Fault) WithSeverity(s Severity) *Fault {
	c := *f
	c.severity = s
	return &c
}

// Error implements the standard error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", f.category, f.severity, f.message, f.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", f.category, f.severity, f.message)
}

// Unwrap implements Go 1.13+ error unwrapping.
func (f *Fault) Unwrap() error { return f.cause }

// Category returns the fault category.
func (f *Fault) Category() Category { return f.category }

// Severity returns the fault severity.
func (f *Fault) Severity() Severity { return f.severity }

// RetryStrategy returns the recommended retry strategy.
func (f *Fault) RetryStrategy() RetryStrategy { return f.retry }

// Message returns the message without category decoration.
func (f *Fault) Message() string { return f.message }

// Is matches faults by category so callers can use errors.Is with a
// sentinel like faults.New(faults.CategoryAuth, "").
func (f *Fault) Is(target error) bool {
	if other, ok := target.(*Fault); ok {
		return f.category == other.category
	}
	return false
}

// CategoryOf extracts the category of err, or "" if err carries no Fault.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.category
	}
	return ""
}

// IsAuth reports whether err is (or wraps) an authentication fault.
func IsAuth(err error) bool { return CategoryOf(err) == CategoryAuth }

// IsTransient reports whether err should be treated as transient: network
// faults, server faults, timeouts and context deadlines. A timeout is always
// ambiguous, never a confirmed negative result.
func IsTransient(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransient, CategoryServer:
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FromStatus classifies a non-2xx HTTP status into a fault.
func FromStatus(status int, message string) *Fault {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(CategoryAuth, message)
	case status >= 500:
		return New(CategoryServer, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return New(CategoryValidation, message)
	default:
		return New(CategoryTransient, message)
	}
}
