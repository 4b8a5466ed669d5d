package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// PublishPolicyRequest is the body of POST /policies/{policy_id}/versions.
// Publishing never mutates in place; it always appends a new version with
// a fresh content hash.
type PublishPolicyRequest struct {
	Document models.PolicyDocument `json:"document"`
}

// PublishPolicyHandler publishes a new version of a tenant policy
func PublishPolicyHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policyID, err := uuid.Parse(chi.URLParam(r, "policy_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid policy id", nil)
			return
		}

		var req PublishPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}

		tenantID := middleware.GetTenantIDFromContext(r.Context())
		version, err := deps.Policies.Publish(r.Context(), tenantID, policyID, req.Document)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteCreated(w, version); err != nil {
			deps.Logger.Error("failed to write publish response", zap.Error(err))
		}
	}
}

// GetActivePolicyHandler returns the tenant's currently effective policy version
func GetActivePolicyHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := middleware.GetTenantIDFromContext(r.Context())

		version, err := deps.Policies.Active(r.Context(), tenantID)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, version); err != nil {
			deps.Logger.Error("failed to write active policy response", zap.Error(err))
		}
	}
}

// GetPolicyVersionHandler returns one historical policy version, so old
// decisions stay explainable after the policy moves on
func GetPolicyVersionHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policyID, err := uuid.Parse(chi.URLParam(r, "policy_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid policy id", nil)
			return
		}
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version < 1 {
			_ = utils.WriteBadRequest(w, "invalid policy version", nil)
			return
		}

		pv, err := deps.Policies.GetVersion(r.Context(), policyID, version)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, pv); err != nil {
			deps.Logger.Error("failed to write policy version response", zap.Error(err))
		}
	}
}
