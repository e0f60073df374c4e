package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an activity failure. The set is closed: anything a component
// returns that does not carry a Kind degrades to KindInternal.
type Kind string

const (
	KindNetwork        Kind = "NetworkError"
	KindTimeout        Kind = "TimeoutError"
	KindRateLimit      Kind = "RateLimitError"
	KindService        Kind = "ServiceError"
	KindContainer      Kind = "ContainerError"
	KindAuthentication Kind = "AuthenticationError"
	KindNotFound       Kind = "NotFoundError"
	KindValidation     Kind = "ValidationError"
	KindConfiguration  Kind = "ConfigurationError"
	KindPermission     Kind = "PermissionError"
	KindCancelled      Kind = "CancelledError"
	KindInternal       Kind = "InternalError"
)

// nonRetryable kinds fail an action on the first attempt regardless of policy
var nonRetryable = map[Kind]bool{
	KindAuthentication: true,
	KindNotFound:       true,
	KindValidation:     true,
	KindConfiguration:  true,
	KindPermission:     true,
	KindCancelled:      true,
}

// Retryable reports whether a failure of this kind may be retried
func (k Kind) Retryable() bool {
	return !nonRetryable[k]
}

// Valid reports whether k belongs to the closed taxonomy
func (k Kind) Valid() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindService, KindContainer,
		KindAuthentication, KindNotFound, KindValidation, KindConfiguration,
		KindPermission, KindCancelled, KindInternal:
		return true
	}
	return false
}

// Error is a classified activity failure
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetails attaches structured details to the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the failure kind from an error chain.
// Unclassified errors degrade to KindInternal; bare context errors map to
// KindCancelled / KindTimeout so components that return ctx.Err() are handled.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// DetailsOf extracts structured details from an error chain, if any
func DetailsOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}
