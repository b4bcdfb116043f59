// Package errs implements the error taxonomy the orchestration core uses to
// cross component boundaries without losing the information retry and
// recovery decisions depend on: whether an error is retryable, whether it
// is recoverable, and what it should look like on the wire.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure, not a concrete error type. Retry and
// recovery decisions are made on Kind plus the Retryable/Recoverable
// booleans carried by the inner layer that raised the error, never on a
// Go type switch.
type Kind string

const (
	KindValidation               Kind = "VALIDATION"
	KindDuplicateRequest         Kind = "DUPLICATE_REQUEST"
	KindIdempotencyReplay        Kind = "IDEMPOTENCY_REPLAY"
	KindTransactionNotFound      Kind = "TRANSACTION_NOT_FOUND"
	KindTransactionInvalidState  Kind = "TRANSACTION_INVALID_STATE"
	KindTransactionLocked        Kind = "TRANSACTION_LOCKED"
	KindLockTimeout              Kind = "LOCK_TIMEOUT"
	KindDeadlockDetected         Kind = "DEADLOCK_DETECTED"
	KindProviderCommunication    Kind = "PROVIDER_COMMUNICATION"
	KindProviderDecline          Kind = "PROVIDER_DECLINE"
	KindTimeout                  Kind = "TIMEOUT"
	KindRetryLimitExceeded       Kind = "RETRY_LIMIT_EXCEEDED"
	KindRecoveryLimitExceeded    Kind = "RECOVERY_LIMIT_EXCEEDED"
	KindRecoveryExecutionError   Kind = "RECOVERY_EXECUTION_ERROR"
	KindInternal                 Kind = "INTERNAL"
)

type taxonomyEntry struct {
	httpStatus  int
	recoverable bool
	retryable   bool
}

var taxonomy = map[Kind]taxonomyEntry{
	KindValidation:              {400, false, false},
	KindDuplicateRequest:        {409, false, false},
	KindIdempotencyReplay:       {409, false, false},
	KindTransactionNotFound:     {404, false, false},
	KindTransactionInvalidState: {409, false, false},
	KindTransactionLocked:       {409, true, true},
	KindLockTimeout:             {503, true, true},
	KindDeadlockDetected:        {409, true, true},
	KindProviderCommunication:   {502, true, true},
	KindProviderDecline:         {402, false, false},
	KindTimeout:                 {504, true, true},
	KindRetryLimitExceeded:      {500, false, false},
	KindRecoveryLimitExceeded:   {500, false, false},
	KindRecoveryExecutionError:  {500, true, false},
	KindInternal:                {500, false, false},
}

// Error is the single error type that crosses component boundaries inside
// the core. It wraps the original cause so errors.Is/errors.As still see
// through it, and carries enough context for retry/recovery to decide
// without re-deriving the original error's type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any

	// retryableOverride/recoverableOverride let an inner layer (e.g. a
	// provider adapter) assert a different retryable/recoverable verdict
	// than the Kind's default; an explicit verdict always takes priority
	// over Kind-based inference.
	retryableOverride   *bool
	recoverableOverride *bool
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Wrap(kind Kind, message string, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: context}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithRetryable pins an explicit retryable verdict on this error instance,
// overriding the Kind default. Used by provider adapters that know better
// than the generic taxonomy (e.g. a 503 that the provider's docs say is
// safe to retry, or a 500 it says never is).
func (e *Error) WithRetryable(v bool) *Error {
	e.retryableOverride = &v
	return e
}

func (e *Error) WithRecoverable(v bool) *Error {
	e.recoverableOverride = &v
	return e
}

func (e *Error) Retryable() bool {
	if e.retryableOverride != nil {
		return *e.retryableOverride
	}
	return taxonomy[e.Kind].retryable
}

func (e *Error) Recoverable() bool {
	if e.recoverableOverride != nil {
		return *e.recoverableOverride
	}
	return taxonomy[e.Kind].recoverable
}

func (e *Error) HTTPStatus() int {
	if entry, ok := taxonomy[e.Kind]; ok {
		return entry.httpStatus
	}
	return 500
}

// WireError is the JSON shape HTTP/webhook layers use when wrapping core
// errors.
type WireError struct {
	Code      Kind           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

func (e *Error) WireError(requestID string) WireError {
	return WireError{
		Code:      e.Kind,
		Message:   e.Message,
		Details:   e.Context,
		RequestID: requestID,
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried: the explicit per-error
// verdict when set, else the Kind default.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Recoverable reports whether err should be routed through recovery.
func Recoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable()
	}
	return false
}
