package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// ListAuditTrailHandler returns the tenant's evidence records, newest first
func ListAuditTrailHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := middleware.GetTenantIDFromContext(r.Context())
		limit := queryInt(r, "limit")
		offset := queryInt(r, "offset")

		logs, err := deps.Trail.ByTenant(r.Context(), tenantID, limit, offset)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, map[string]interface{}{
			"logs":   logs,
			"offset": offset,
		}); err != nil {
			deps.Logger.Error("failed to write audit trail response", zap.Error(err))
		}
	}
}

// GetResourceTrailHandler returns the evidence records attached to one
// decision, approval, reservation or breaker
func GetResourceTrailHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID, err := uuid.Parse(chi.URLParam(r, "resource_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid resource id", nil)
			return
		}

		logs, err := deps.Trail.ByResource(r.Context(), resourceID, queryInt(r, "limit"))
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, map[string]interface{}{"logs": logs}); err != nil {
			deps.Logger.Error("failed to write resource trail response", zap.Error(err))
		}
	}
}

// queryInt parses an optional integer query parameter, zero when absent
// or malformed
func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
