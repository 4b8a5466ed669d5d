package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// GetReservationHandler returns one reservation by ID
func GetReservationHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid reservation id", nil)
			return
		}

		reservation, err := deps.Reservations.Get(r.Context(), id)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, reservation); err != nil {
			deps.Logger.Error("failed to write reservation response", zap.Error(err))
		}
	}
}

// ReleaseReservationRequest is the body of POST /gate/reservations/{id}/release
type ReleaseReservationRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ReleaseReservationHandler manually dispositions a drift exception
func ReleaseReservationHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid reservation id", nil)
			return
		}

		var req ReleaseReservationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			HandleValidationError(w, err, deps.Logger)
			return
		}

		actor := ""
		if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
			actor = claims.Sub
		}

		reservation, err := deps.Reservations.Release(r.Context(), id, req.Reason, actor)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, reservation); err != nil {
			deps.Logger.Error("failed to write release response", zap.Error(err))
		}
	}
}
