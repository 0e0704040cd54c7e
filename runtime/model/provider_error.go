package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures into the categories spec §4.1
// names as C1's failure modes.
type ErrorKind string

const (
	ErrorKindConnection     ErrorKind = "connection_error"
	ErrorKindRateLimited    ErrorKind = "rate_limit_exceeded"
	ErrorKindInvalidResp    ErrorKind = "invalid_response"
	ErrorKindAuth           ErrorKind = "auth_error"
	ErrorKindTimeout        ErrorKind = "timeout"
)

// ProviderError describes a single failed attempt against one vendor. The
// fallback chain collects one of these per exhausted model and reports them
// together in ErrUnavailableAllModels.
type ProviderError struct {
	Provider  string
	Model     string
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("%s/%s %s: %s", e.Provider, e.Model, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err (a ProviderError, or a sentinel wrapping
// one) should trigger another attempt under the call-with-fallback
// algorithm's exponential backoff (spec §4.1: retryable errors only).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}
