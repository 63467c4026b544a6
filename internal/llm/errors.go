package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a model call failure.
type Kind int

const (
	KindGeneric Kind = iota
	KindTransport
	KindAuth
	KindRateLimited
	KindServiceUnavailable
	KindInvalidResponse
	KindSchemaValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindInvalidResponse:
		return "invalid_response"
	case KindSchemaValidation:
		return "schema_validation"
	default:
		return "generic"
	}
}

// Error is returned by every failed model call.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s error (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindGeneric when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// IsRetryable reports whether a caller may retry err with backoff.
// Malformed output is retried once inside the client and not again here.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindRateLimited, KindServiceUnavailable:
		return true
	}
	return false
}

func newError(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: msg, Err: cause}
}
