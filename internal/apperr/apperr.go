// Package apperr defines the error taxonomy shared by the redemption engine.
// Every error that crosses into a session or an HTTP response is an *Error,
// so callers only ever see a kind and a message.
package apperr

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Kind classifies an error for reporting and retry decisions.
type Kind string

const (
	Validation             Kind = "validation"
	EligibilityDenied      Kind = "eligibility_denied"
	IdentityNotFound       Kind = "identity_not_found"
	RecorderPartialFailure Kind = "recorder_partial_failure"
	RecorderHardFailure    Kind = "recorder_hard_failure"
	RateLimited            Kind = "rate_limited"
	InvalidTransition      Kind = "invalid_transition"
	NotFound               Kind = "not_found"
	Internal               Kind = "internal"
)

// Error is a classified error. Err keeps the underlying cause for logs; it is
// never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// RetryAfter is set on rate_limited errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRetryAfter records how long the caller should wait before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Wrap attaches a kind and message to a cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// From classifies any error. Unclassified errors become Internal with a
// generic message so raw store messages do not leak.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, Internal, "internal error")
}

// HTTPStatus maps a kind onto a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case EligibilityDenied, InvalidTransition:
		return http.StatusConflict
	case IdentityNotFound, NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case RecorderHardFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
