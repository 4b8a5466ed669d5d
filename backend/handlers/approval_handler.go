package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/services/approval"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// ApproveRequest is the body of POST /approvals/{approval_id}/approve
type ApproveRequest struct {
	Approver string `json:"approver"`
}

// ApproveResponse carries the one-time approval token
type ApproveResponse struct {
	ApprovalToken string    `json:"approval_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ApproveHandler transitions a pending approval and issues the bound token
func ApproveHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvalID, err := uuid.Parse(chi.URLParam(r, "approval_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid approval id", nil)
			return
		}

		var req ApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		if req.Approver == "" {
			req.Approver = approverFromClaims(r)
		}

		token, result, err := deps.Approvals.Approve(r.Context(), approvalID, req.Approver)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		expiresAt := time.Now().UTC().Add(deps.Config.Token.TTL)
		if result.DecidedAt != nil {
			expiresAt = result.DecidedAt.Add(deps.Config.Token.TTL)
		}

		if err := utils.WriteOK(w, ApproveResponse{
			ApprovalToken: token,
			ExpiresAt:     expiresAt,
		}); err != nil {
			deps.Logger.Error("failed to write approve response", zap.Error(err))
		}
	}
}

// RejectRequest is the body of POST /approvals/{approval_id}/reject
type RejectRequest struct {
	Approver string `json:"approver"`
}

// RejectHandler transitions a pending approval to rejected
func RejectHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvalID, err := uuid.Parse(chi.URLParam(r, "approval_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid approval id", nil)
			return
		}

		var req RejectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		if req.Approver == "" {
			req.Approver = approverFromClaims(r)
		}

		result, err := deps.Approvals.Reject(r.Context(), approvalID, req.Approver)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, result); err != nil {
			deps.Logger.Error("failed to write reject response", zap.Error(err))
		}
	}
}

// ConsumeRequest is the body of POST /approvals/consume. The expected_*
// fields describe the change the executor is about to apply; every binding
// claim in the token must equal its expected value, so omitting one is a
// rejection, not a wildcard. Caps default to zero and are compared like
// any other claim.
type ConsumeRequest struct {
	ApprovalToken              string    `json:"approval_token" validate:"required"`
	ExpectedProjectID          uuid.UUID `json:"expected_project_id" validate:"required"`
	ExpectedSource             string    `json:"expected_source" validate:"required,oneof=terraform k8s api"`
	ExpectedEnvironment        string    `json:"expected_environment" validate:"required"`
	ExpectedRequestFingerprint string    `json:"expected_request_fingerprint" validate:"required"`
	ExpectedResourceReference  string    `json:"expected_resource_reference" validate:"required"`
	ExpectedMaxHourlyDeltaUSD  float64   `json:"expected_max_hourly_delta_usd" validate:"gte=0"`
	ExpectedMaxMonthlyDeltaUSD float64   `json:"expected_max_monthly_delta_usd" validate:"gte=0"`
}

// ConsumeHandler redeems an approval token exactly once, opening the
// financial reservation that authorizes execution
func ConsumeHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req ConsumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			HandleValidationError(w, err, deps.Logger)
			return
		}

		expected := approval.ConsumeExpectation{
			TenantID:           middleware.GetTenantIDFromContext(ctx),
			ProjectID:          req.ExpectedProjectID,
			Source:             models.ChangeSource(req.ExpectedSource),
			Fingerprint:        req.ExpectedRequestFingerprint,
			Environment:        req.ExpectedEnvironment,
			ResourceReference:  req.ExpectedResourceReference,
			MaxHourlyDeltaUSD:  req.ExpectedMaxHourlyDeltaUSD,
			MaxMonthlyDeltaUSD: req.ExpectedMaxMonthlyDeltaUSD,
		}

		auth, err := deps.Approvals.Consume(ctx, req.ApprovalToken, expected)
		if err != nil {
			deps.Metrics.RecordTokenFailure(ctx, tokenFailureCategory(err))
			writeConsumeError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, auth); err != nil {
			deps.Logger.Error("failed to write consume response", zap.Error(err))
		}
	}
}

// writeConsumeError applies the consumption contract: expiry and bad
// signatures are 401, binding mismatches and replays are 409. The log
// categories keep the two 409 causes distinguishable.
func writeConsumeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if services.IsTokenBindingMismatchError(err) {
		logger.Warn("approval token binding mismatch", zap.Error(err))
	}
	if services.IsTokenReplayError(err) {
		logger.Warn("approval token replay", zap.Error(err))
	}
	HandleServiceError(w, err, logger)
}

// tokenFailureCategory buckets consume failures for metrics
func tokenFailureCategory(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case services.IsTokenBindingMismatchError(err):
		return "binding_mismatch"
	case services.IsTokenReplayError(err):
		return "replay"
	default:
		return "invalid"
	}
}

// approverFromClaims falls back to the authenticated subject when the
// body does not name the approver explicitly
func approverFromClaims(r *http.Request) string {
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		return claims.Sub
	}
	return ""
}
