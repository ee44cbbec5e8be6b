package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID      = "invalid"      // Invalid input or validation failure
	EUNAUTHORIZED = "unauthorized" // Authentication required
	ENOTFOUND     = "not_found"    // Resource not found
	ECONFLICT     = "conflict"     // Resource conflict (e.g., duplicate)
	ETOOLARGE     = "too_large"    // Request entity too large
	ERATELIMIT    = "rate_limit"   // Rate limit exceeded
	EPAYMENT      = "payment"      // Quota exhausted, upgrade required
	EINTERNAL     = "internal"     // Internal server error
	ECONFIG       = "config"       // Unknown plan or price; operator must fix configuration
	EUNAVAILABLE  = "unavailable"  // Storage or payment provider transiently unavailable
	ESTALE        = "stale"        // Webhook event superseded by a newer one
	EINVARIANT    = "invariant"    // Stored state violates a ledger invariant
	ESIGNATURE    = "signature"    // Webhook signature verification failed
)

// Sentinel errors. These resolve to the same observable outcome as a
// successful call and are never surfaced to end users.
var (
	// ErrAlreadyInitialized is returned when a ledger row for the requested
	// period already exists. Callers re-read the current row.
	ErrAlreadyInitialized = errors.New("usage period already initialized")

	// ErrStaleEvent marks a webhook event older than the last applied one.
	ErrStaleEvent = errors.New("stale webhook event")

	// ErrConditionFailed is returned by conditional storage writes whose
	// guard did not hold (e.g. counter already at its ceiling).
	ErrConditionFailed = errors.New("conditional write did not apply")

	// ErrInvalidSignature is returned when a webhook body does not match its signature.
	ErrInvalidSignature = &Error{Code: ESIGNATURE, Op: "webhook.verify", Message: "Invalid webhook signature"}
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "ledger.increment")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the outermost classified error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return EUNAVAILABLE
	}
	var iv *InvariantViolation
	if errors.As(err, &iv) {
		return EINVARIANT
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return EINVALID
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrStaleEvent) {
		return ESTALE
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	switch ErrorCode(err) {
	case EINTERNAL, EINVARIANT, ECONFIG:
		return "An internal error occurred. Please try again later."
	case EUNAVAILABLE:
		return "Billing is temporarily unavailable. Please try again shortly."
	case EINVALID:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return "Validation failed"
		}
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return ese.Retryable
	}
	return false
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}

// ConfigurationError reports an unknown plan or price. It is fatal for the
// calling operation and never retried.
func ConfigurationError(op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    ECONFIG,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// QuotaExhausted reports that neither base quota nor overage remained at write time.
func QuotaExhausted(op string, class ModelClass) *Error {
	return &Error{
		Code:    EPAYMENT,
		Op:      op,
		Message: fmt.Sprintf("No %s generations remaining in the current period", class),
	}
}

// Stale wraps ErrStaleEvent with the offending event id.
func Stale(op, eventID string) *Error {
	return &Error{
		Code:    ESTALE,
		Op:      op,
		Message: fmt.Sprintf("event %s superseded by a newer event", eventID),
		Err:     ErrStaleEvent,
	}
}

// ExternalServiceError wraps failures of collaborators the engine does not
// own: the payment provider ("payments") and the relational store ("storage").
type ExternalServiceError struct {
	Service   string
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s service error: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s service error: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// StorageUnavailable wraps a storage failure as a retryable external error.
func StorageUnavailable(op string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: "storage", Op: op, Retryable: true, Err: err}
}

// PaymentsError wraps a payment-provider failure.
func PaymentsError(op string, retryable bool, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: "payments", Op: op, Retryable: retryable, Err: err}
}

// InvariantViolation reports stored state that breaks a ledger invariant,
// such as a negative counter. The operation is aborted; nothing is corrected.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: invariant violated: %s", e.Op, e.Detail)
}

// ValidationError represents field-level validation errors.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed", e.Op)
}

// NewValidationError creates a new validation error with the first field error.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{
		Op: op,
		Fields: map[string]string{
			field: message,
		},
	}
}
