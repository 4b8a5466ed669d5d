package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/services/evaluate"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// PreflightRequest is the body of POST /gate/terraform/preflight
type PreflightRequest struct {
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	Change         models.ProposedChange `json:"change"`
}

// Continuation tells an allowed caller how to proceed with execution
type Continuation struct {
	ReservationID string `json:"reservation_id"`
}

// PreflightResponse is the body returned for every evaluated change
type PreflightResponse struct {
	DecisionID         string        `json:"decision_id"`
	Outcome            string        `json:"outcome"`
	RequestFingerprint string        `json:"request_fingerprint"`
	ReasonCodes        []string      `json:"reason_codes,omitempty"`
	ApprovalRequired   bool          `json:"approval_required"`
	ApprovalRequestID  string        `json:"approval_request_id,omitempty"`
	Continuation       *Continuation `json:"continuation,omitempty"`
}

// TerraformPreflightHandler evaluates a terraform plan change against the
// tenant's active policy before apply
func TerraformPreflightHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tenant := models.TenantContext{
			TenantID:  middleware.GetTenantIDFromContext(ctx),
			ProjectID: middleware.GetProjectIDFromContext(ctx),
		}

		var req PreflightRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		req.Change.Source = models.SourceTerraform

		// A terraform apply is autonomous execution; an open breaker
		// rejects it before evaluation, distinct from any policy denial.
		if err := deps.Breakers.CanExecute(ctx, tenant.TenantID); err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		result, err := deps.Evaluator.Evaluate(ctx, tenant, &req.Change, req.IdempotencyKey)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		decision := result.Decision
		deps.Metrics.RecordDecision(ctx, string(decision.Outcome), decision.ReasonCodes)

		resp := PreflightResponse{
			DecisionID:         decision.ID.String(),
			Outcome:            string(decision.Outcome),
			RequestFingerprint: decision.RequestFingerprint,
			ReasonCodes:        decision.ReasonCodes,
			ApprovalRequired:   decision.RequiresApproval(),
		}
		if result.Approval != nil {
			resp.ApprovalRequestID = result.Approval.ID.String()
		}

		if decision.Outcome == models.OutcomeAllow {
			continuation, err := allowContinuation(deps, r, result)
			if err != nil {
				HandleServiceError(w, err, deps.Logger)
				return
			}
			resp.Continuation = continuation
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		if err := utils.WriteJSON(w, status, resp); err != nil {
			deps.Logger.Error("failed to write preflight response", zap.Error(err))
		}
	}
}

// GetDecisionHandler returns one immutable decision record
func GetDecisionHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid decision id", nil)
			return
		}

		decision, err := deps.Evaluator.GetDecision(r.Context(), id)
		if err != nil {
			HandleServiceError(w, err, deps.Logger)
			return
		}

		if err := utils.WriteOK(w, decision); err != nil {
			deps.Logger.Error("failed to write decision response", zap.Error(err))
		}
	}
}

// allowContinuation opens the reservation backing a directly allowed
// decision. A replayed submission reuses the reservation opened the first
// time around.
func allowContinuation(deps *app.Dependencies, r *http.Request, result *evaluate.Result) (*Continuation, error) {
	ctx := r.Context()

	if result.Replayed {
		reservation, err := deps.Reservations.ByDecision(ctx, result.Decision.ID)
		if err != nil {
			return nil, err
		}
		if reservation == nil {
			return nil, services.WrapInternal("allowed decision has no reservation", nil)
		}
		return &Continuation{ReservationID: reservation.ID.String()}, nil
	}

	reservation, err := deps.Reservations.Open(ctx, result.Decision)
	if err != nil {
		return nil, err
	}
	return &Continuation{ReservationID: reservation.ID.String()}, nil
}
