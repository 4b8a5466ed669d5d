package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// ResetBreakerHandler closes an open breaker on operator authority
func ResetBreakerHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid tenant id", nil)
			return
		}

		actor := ""
		if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
			actor = claims.Sub
		}

		if err := deps.Breakers.Reset(r.Context(), tenantID, actor); err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}
		deps.Metrics.RecordBreakerEvent(r.Context(), "reset", tenantID.String())

		state, err := deps.Breakers.State(r.Context(), tenantID)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, state); err != nil {
			deps.Logger.Error("failed to write breaker reset response", zap.Error(err))
		}
	}
}

// GetBreakerHandler returns the current breaker state for a tenant
func GetBreakerHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid tenant id", nil)
			return
		}

		state, err := deps.Breakers.State(r.Context(), tenantID)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, state); err != nil {
			deps.Logger.Error("failed to write breaker state response", zap.Error(err))
		}
	}
}

// ReportOutcomeRequest is the body of POST /gate/breaker/{tenant_id}/outcome.
// The execution pipeline reports how an authorized change landed; the
// breaker trips on consecutive failures or the daily savings limit.
type ReportOutcomeRequest struct {
	Success    bool    `json:"success"`
	SavingsUSD float64 `json:"savings_usd"`
}

// ReportOutcomeHandler feeds an execution outcome into the safety governor
func ReportOutcomeHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid tenant id", nil)
			return
		}

		var req ReportOutcomeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}

		state, err := deps.Breakers.RecordOutcome(r.Context(), tenantID, req.Success, req.SavingsUSD)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}
		if state.State == models.BreakerOpen {
			deps.Metrics.RecordBreakerEvent(r.Context(), "open", tenantID.String())
		}

		if err := utils.WriteOK(w, state); err != nil {
			deps.Logger.Error("failed to write outcome response", zap.Error(err))
		}
	}
}
