package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	err := NewDomainError(ErrorTypeConflict, "token already consumed", nil)
	assert.Equal(t, "conflict: token already consumed", err.Error())

	wrapped := NewDomainError(ErrorTypeInternal, "database error", errors.New("connection refused"))
	assert.Equal(t, "internal: database error (connection refused)", wrapped.Error())
}

func TestDomainError_IsMatchesOnType(t *testing.T) {
	err := fmt.Errorf("consume failed: %w", ErrTokenReplay)

	assert.True(t, errors.Is(err, ErrTokenReplay))
	assert.False(t, errors.Is(err, ErrTokenExpired))
	assert.True(t, IsTokenReplayError(err))
	assert.False(t, IsUnauthorizedError(err))
}

func TestTokenFailuresAreDistinctFromOtherConflicts(t *testing.T) {
	// A replayed token must never be mistaken for an idempotency-key
	// conflict, and a binding mismatch must not collapse into a generic
	// forbidden error.
	assert.False(t, errors.Is(ErrFingerprintConflict, ErrTokenReplay))
	assert.False(t, errors.Is(ErrTokenReplay, ErrFingerprintConflict))
	assert.False(t, IsConflictError(ErrTokenReplay))
	assert.True(t, IsTokenReplayError(ErrTokenReplay))

	assert.False(t, errors.Is(ErrTenantSuspended, ErrTokenBindingMismatch))
	assert.False(t, IsForbiddenError(ErrTokenBindingMismatch))
	assert.True(t, IsTokenBindingMismatchError(ErrTokenBindingMismatch))
	assert.False(t, IsTokenBindingMismatchError(ErrTokenReplay))
}

func TestDomainError_Unwrap(t *testing.T) {
	inner := errors.New("pq: connection reset")
	err := WrapInternal("failed to settle reservation", inner)

	assert.True(t, errors.Is(err, inner))
	assert.True(t, IsInternalError(err))
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorTypeBudget, "monthly blast-radius cap exceeded", nil).
		WithDetail("committed_usd", 950.0).
		WithDetail("cap_usd", 1000.0)

	details := GetErrorDetails(err)
	assert.Equal(t, 950.0, details["committed_usd"])
	assert.Equal(t, 1000.0, details["cap_usd"])
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeCircuitOpen, GetErrorType(ErrCircuitOpen))
	assert.Equal(t, ErrorTypeAdmissionTimeout, GetErrorType(ErrAdmissionTimeout))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
}

func TestSentinelCategories(t *testing.T) {
	assert.True(t, IsBudgetError(ErrMonthlyCapExceeded))
	assert.True(t, IsBudgetError(ErrHourlyCapExceeded))
	assert.True(t, IsRateLimitError(ErrConcurrencyExceeded))
	assert.True(t, IsTokenBindingMismatchError(ErrTokenBindingMismatch))
	assert.True(t, IsTokenReplayError(ErrTokenReplay))
	assert.True(t, IsForbiddenError(ErrTenantSuspended))
	assert.True(t, IsNotFoundError(ErrDecisionNotFound))
	assert.True(t, IsConflictError(ErrFingerprintConflict))
	assert.True(t, IsCircuitOpenError(ErrCircuitOpen))
	assert.True(t, IsAdmissionTimeoutError(ErrAdmissionTimeout))
}
