package handlers

import (
	"net/http"

	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case services.IsNotFoundError(err):
		if err := utils.WriteNotFound(w, err.Error()); err != nil {
			logger.Error("failed to write not found response", zap.Error(err))
		}

	case services.IsValidationError(err):
		if err := utils.WriteBadRequest(w, err.Error(), details); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}

	case services.IsUnauthorizedError(err):
		if err := utils.WriteUnauthorized(w, err.Error()); err != nil {
			logger.Error("failed to write unauthorized response", zap.Error(err))
		}

	case services.IsForbiddenError(err):
		if err := utils.WriteForbidden(w, err.Error()); err != nil {
			logger.Error("failed to write forbidden response", zap.Error(err))
		}

	case services.IsRateLimitError(err):
		if err := utils.WriteTooManyRequests(w, err.Error(), details); err != nil {
			logger.Error("failed to write rate limit response", zap.Error(err))
		}

	case services.IsBudgetError(err):
		// Blast-radius cap errors share the 429 shape with rate limits
		if err := utils.WriteTooManyRequests(w, err.Error(), details); err != nil {
			logger.Error("failed to write budget error response", zap.Error(err))
		}

	case services.IsTokenBindingMismatchError(err), services.IsTokenReplayError(err):
		// Both halves of the consumption contract's 409; the consume
		// handler logs which one before delegating here.
		if err := utils.WriteConflict(w, err.Error(), details); err != nil {
			logger.Error("failed to write token rejection response", zap.Error(err))
		}

	case services.IsConflictError(err):
		if err := utils.WriteConflict(w, err.Error(), details); err != nil {
			logger.Error("failed to write conflict response", zap.Error(err))
		}

	case services.IsCircuitOpenError(err):
		if err := utils.WriteServiceUnavailable(w, err.Error(), details); err != nil {
			logger.Error("failed to write circuit open response", zap.Error(err))
		}

	case services.IsAdmissionTimeoutError(err):
		// The webhook budget expired before a decision landed; the caller
		// must treat this as gate failure, never as an allow. The details
		// carry the gate_timeout reason code.
		logger.Error("admission review exceeded time budget", zap.Error(err))
		if err := utils.WriteInternalServerError(w, err.Error(), details); err != nil {
			logger.Error("failed to write admission timeout response", zap.Error(err))
		}

	case services.GetErrorType(err) == services.ErrorTypePolicyEvaluation:
		// Fail closed: an unevaluable change is a server fault, not an allow
		logger.Error("policy evaluation failed", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "Policy evaluation failed", nil); err != nil {
			logger.Error("failed to write policy evaluation response", zap.Error(err))
		}

	case services.IsInternalError(err):
		// Log internal errors but return a generic message
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred", nil); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred", nil); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
