package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeBudget           ErrorType = "budget"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypePolicyEvaluation ErrorType = "policy_evaluation"
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeAdmissionTimeout ErrorType = "admission_timeout"

	// Token consumption failures carry their own types so incident triage
	// can tell a replayed token from any other conflict without parsing
	// messages. errors.Is matches on Type, so these must stay distinct.
	ErrorTypeTokenBindingMismatch ErrorType = "token_binding_mismatch"
	ErrorTypeTokenReplay          ErrorType = "token_replay"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrDecisionNotFound    = NewDomainError(ErrorTypeNotFound, "decision not found", nil)
	ErrApprovalNotFound    = NewDomainError(ErrorTypeNotFound, "approval not found", nil)
	ErrReservationNotFound = NewDomainError(ErrorTypeNotFound, "reservation not found", nil)
	ErrPolicyNotFound      = NewDomainError(ErrorTypeNotFound, "no active policy version", nil)
	ErrBreakerNotFound     = NewDomainError(ErrorTypeNotFound, "breaker state not found", nil)

	// Validation Errors
	ErrInvalidInput        = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidChange       = NewDomainError(ErrorTypeValidation, "invalid proposed change", nil)
	ErrInvalidPolicyConfig = NewDomainError(ErrorTypeValidation, "invalid policy document", nil)
	ErrInvalidSource       = NewDomainError(ErrorTypeValidation, "invalid change source", nil)

	// Token Errors
	ErrUnauthorized         = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken         = NewDomainError(ErrorTypeUnauthorized, "invalid approval token", nil)
	ErrTokenExpired         = NewDomainError(ErrorTypeUnauthorized, "approval token expired", nil)
	ErrTokenBindingMismatch = NewDomainError(ErrorTypeTokenBindingMismatch, "approval token bound to a different change", nil)
	ErrTokenReplay          = NewDomainError(ErrorTypeTokenReplay, "approval token already consumed", nil)

	// Fair-use Errors
	ErrRateLimitExceeded   = NewDomainError(ErrorTypeRateLimit, "evaluation rate limit exceeded", nil)
	ErrConcurrencyExceeded = NewDomainError(ErrorTypeRateLimit, "concurrent evaluation limit exceeded", nil)
	ErrTenantSuspended     = NewDomainError(ErrorTypeForbidden, "tenant evaluations suspended", nil)

	// Budget Errors
	ErrMonthlyCapExceeded = NewDomainError(ErrorTypeBudget, "monthly blast-radius cap exceeded", nil)
	ErrHourlyCapExceeded  = NewDomainError(ErrorTypeBudget, "hourly blast-radius cap exceeded", nil)

	// Conflict Errors
	ErrFingerprintConflict = NewDomainError(ErrorTypeConflict, "idempotency key reused with different fingerprint", nil)
	ErrDuplicateApproval   = NewDomainError(ErrorTypeConflict, "approval already exists for decision", nil)
	ErrApprovalDecided     = NewDomainError(ErrorTypeConflict, "approval already decided", nil)
	ErrReservationSettled  = NewDomainError(ErrorTypeConflict, "reservation already settled", nil)

	// Policy Evaluation Errors
	ErrPolicyEvaluation = NewDomainError(ErrorTypePolicyEvaluation, "policy evaluation failed", nil)

	// Breaker Errors
	ErrCircuitOpen = NewDomainError(ErrorTypeCircuitOpen, "circuit breaker open for tenant", nil)

	// Admission Errors
	ErrAdmissionTimeout = NewDomainError(ErrorTypeAdmissionTimeout, "admission review timed out", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsRateLimitError checks if an error is a fair-use limit error
func IsRateLimitError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeRateLimit
	}
	return false
}

// IsBudgetError checks if an error is a blast-radius budget error
func IsBudgetError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeBudget
	}
	return false
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsTokenBindingMismatchError checks if an error is a token binding mismatch
func IsTokenBindingMismatchError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeTokenBindingMismatch
	}
	return false
}

// IsTokenReplayError checks if an error is a replayed approval token
func IsTokenReplayError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeTokenReplay
	}
	return false
}

// IsCircuitOpenError checks if an error means the tenant breaker is open
func IsCircuitOpenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCircuitOpen
	}
	return false
}

// IsAdmissionTimeoutError checks if an error is an admission deadline miss
func IsAdmissionTimeoutError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeAdmissionTimeout
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
