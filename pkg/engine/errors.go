package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary backend unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by a backend.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a concurrent transition, a held lease, a compare-and-set miss.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, quota exceeded, backend rejected the spec.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling (see ErrCode*).
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// BackendMessage returns the innermost message, which for adapter errors is the
// text reported by the backend itself.
func (e *EngineError) BackendMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Code: ErrCodeBackendTransient, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Code: ErrCodeRateLimited, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Code: ErrCodeConflict, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Code: ErrCodeBackendPermanent, Err: err}
}

// NewQuotaExceededError reports that an allocation would push a scope past its limit.
func NewQuotaExceededError(scope string, dimension Dimension, usage, delta, limit float64) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("quota exceeded for %s %s: usage %.2f + %.2f > limit %.2f", scope, dimension, usage, delta, limit),
	}).WithDetail("scope", scope).WithDetail("dimension", string(dimension))
}

// NewInvalidRequestError reports malformed input or a policy violation.
func NewInvalidRequestError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidRequest, Message: message, Err: err}
}

// NewBackendUnavailableError reports that a backend failed its health check during admission.
func NewBackendUnavailableError(backend string, err error) *EngineError {
	return (&EngineError{
		Class:   ErrorClassTransient,
		Code:    ErrCodeBackendUnavailable,
		Message: fmt.Sprintf("backend %s is unavailable", backend),
		Err:     err,
	}).WithDetail("backend", backend)
}

// NewStaleTransitionError reports that the persisted state changed underneath a transition.
func NewStaleTransitionError(resourceID string, expected, actual ResourceState) *EngineError {
	return (&EngineError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeStaleTransition,
		Message: fmt.Sprintf("expected state %q, found %q", expected, actual),
	}).WithResource(resourceID)
}

// NewInvalidTransitionError reports an edge that is not in the lifecycle table.
func NewInvalidTransitionError(resourceID string, from, to ResourceState) *EngineError {
	return (&EngineError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("transition %q -> %q is not allowed", displayState(from), to),
	}).WithResource(resourceID)
}

// NewDriftError reports a divergence between the persisted state and the backend.
func NewDriftError(resourceID string, severity DriftSeverity, message string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeDriftDetected,
		Message: message,
	}).WithResource(resourceID).WithDetail("severity", string(severity))
}

// NewNotFoundError reports a missing record or backend object.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
	}
}

// NewUnknownOutcomeError marks a backend call whose deadline expired before an answer arrived.
func NewUnknownOutcomeError(operation string, err error) *EngineError {
	return (&EngineError{
		Class:   ErrorClassTransient,
		Code:    ErrCodeTimeout,
		Message: "backend call deadline expired, outcome unknown",
		Err:     err,
	}).WithOperation(operation)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError extracts the first EngineError in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the class of err, treating unclassified errors as transient.
func ClassOf(err error) ErrorClass {
	if e, ok := AsEngineError(err); ok {
		return e.Class
	}
	return ErrorClassTransient
}

// HasCode reports whether the first EngineError in the chain carries one of codes.
func HasCode(err error, codes ...string) bool {
	return hasCode(err, codes...)
}

func hasCode(err error, codes ...string) bool {
	e, ok := AsEngineError(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsAdmissionError reports whether err rejected an order before any record was written.
func IsAdmissionError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded, ErrCodeInvalidRequest, ErrCodePolicyDenied, ErrCodeBackendUnavailable)
}

// IsQuotaExceeded reports whether err is a quota denial.
func IsQuotaExceeded(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsInvalidRequest reports whether err is a validation or policy rejection.
func IsInvalidRequest(err error) bool {
	return hasCode(err, ErrCodeInvalidRequest, ErrCodePolicyDenied)
}

// IsStaleTransition reports whether a transition lost a race with another writer.
func IsStaleTransition(err error) bool {
	return hasCode(err, ErrCodeStaleTransition, ErrCodeInvalidTransition, ErrCodeLeaseHeld)
}

// IsDrift reports whether err is a drift detection.
func IsDrift(err error) bool {
	return hasCode(err, ErrCodeDriftDetected)
}

// IsNotFound reports whether err is a missing record or backend object.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsUnknownOutcome reports whether a backend call ended without a known outcome.
func IsUnknownOutcome(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return hasCode(err, ErrCodeTimeout)
}

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTransient   = "BACKEND_TRANSIENT"
	ErrCodeBackendPermanent   = "BACKEND_PERMANENT"
	ErrCodeStaleTransition    = "STALE_TRANSITION"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeLeaseHeld          = "LEASE_HELD"
	ErrCodeDriftDetected      = "DRIFT_DETECTED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
)
