// Package faults defines the closed error taxonomy shared by the delivery
// pipeline. Every failure that reaches a persisted status or a retry decision is
// expressed as an *Error carrying one of the Kind constants below.
package faults

import (
	"errors"
	"fmt"
)

// Kind names one class of failure. The set is closed.
type Kind string

const (
	KindConfiguration      Kind = "CONFIGURATION_ERROR"
	KindInvalidDelivery    Kind = "INVALID_DELIVERY"
	KindDecryption         Kind = "DECRYPTION_ERROR"
	KindInvalidRecipient   Kind = "INVALID_RECIPIENT"
	KindProviderRejection  Kind = "PROVIDER_REJECTION"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindRateLimit          Kind = "RATE_LIMIT_ERROR"
	KindProviderTimeout    Kind = "PROVIDER_TIMEOUT"
	KindTransientProvider  Kind = "TRANSIENT_PROVIDER_ERROR"
	KindDatabaseConnection Kind = "DATABASE_CONNECTION_ERROR"
)

// Retryable reports whether failures of this kind may heal on their own.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindProviderTimeout, KindTransientProvider, KindDatabaseConnection:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error's kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// was never classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}
