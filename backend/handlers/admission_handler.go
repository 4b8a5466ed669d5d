package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// Cost estimate annotations set by the cluster-side estimator. Absent
// annotations mean a zero-delta change.
const (
	annotationMonthlyUSD = "policy-gate.upb.io/est-monthly-usd"
	annotationHourlyUSD  = "policy-gate.upb.io/est-hourly-usd"
)

// AdmissionReview is the admission-control envelope. apiVersion, kind and
// uid are echoed back verbatim; the gate never rewrites them.
type AdmissionReview struct {
	APIVersion string             `json:"apiVersion"`
	Kind       string             `json:"kind"`
	Request    *AdmissionRequest  `json:"request,omitempty"`
	Response   *AdmissionResponse `json:"response,omitempty"`
}

// AdmissionRequest is the subset of the admission request the gate reads
type AdmissionRequest struct {
	UID       string           `json:"uid"`
	Kind      GroupVersionKind `json:"kind"`
	Name      string           `json:"name"`
	Namespace string           `json:"namespace"`
	Operation string           `json:"operation"`
	Object    json.RawMessage  `json:"object,omitempty"`
}

// GroupVersionKind identifies the object kind under review
type GroupVersionKind struct {
	Group   string `json:"group"`
	Version string `json:"version"`
	Kind    string `json:"kind"`
}

// AdmissionResponse carries the gate verdict back to the cluster
type AdmissionResponse struct {
	UID     string           `json:"uid"`
	Allowed bool             `json:"allowed"`
	Status  *AdmissionStatus `json:"status,omitempty"`
}

// AdmissionStatus explains a denial
type AdmissionStatus struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    int32  `json:"code,omitempty"`
}

// AdmissionReviewHandler translates an admission request into a gate
// evaluation under the configured time budget. The evaluator itself knows
// nothing about the admission protocol.
func AdmissionReviewHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var review AdmissionReview
		if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
			_ = utils.WriteBadRequest(w, "invalid admission review body", nil)
			return
		}
		if review.Request == nil {
			_ = utils.WriteBadRequest(w, "admission review has no request", nil)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.Config.Admission.TimeoutBudget)
		defer cancel()

		response, err := reviewChange(ctx, deps, review.Request)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Budget exhausted before a decision landed. Surface
				// gate_timeout so the cluster's failurePolicy decides.
				err = services.NewDomainError(services.ErrorTypeAdmissionTimeout,
					"admission review timed out", err).
					WithDetail("reason_code", models.ReasonGateTimeout).
					WithDetail("budget", deps.Config.Admission.TimeoutBudget.String())
			}
			HandleServiceError(w, err, deps.Logger)
			return
		}

		review.Response = response
		review.Request = nil
		if err := utils.WriteOK(w, review); err != nil {
			deps.Logger.Error("failed to write admission response", zap.Error(err))
		}
	}
}

// reviewChange maps the admission request to a proposed change, evaluates
// it, and folds the outcome back into an admission response
func reviewChange(ctx context.Context, deps *app.Dependencies, req *AdmissionRequest) (*AdmissionResponse, error) {
	tenant := models.TenantContext{
		TenantID:  middleware.GetTenantIDFromContext(ctx),
		ProjectID: middleware.GetProjectIDFromContext(ctx),
	}

	// Admission is autonomous execution; an open breaker rejects it
	// outright, distinct from any policy denial.
	if err := deps.Breakers.CanExecute(ctx, tenant.TenantID); err != nil {
		if services.IsCircuitOpenError(err) {
			return deny(req.UID, models.ReasonBreakerOpen,
				"autonomous execution suspended by circuit breaker"), nil
		}
		return nil, err
	}

	change := admissionChange(req)
	// The admission UID doubles as the idempotency key, so control-plane
	// retries of one review replay one decision.
	result, err := deps.Evaluator.Evaluate(ctx, tenant, change, "k8s:"+req.UID)
	if err != nil {
		return nil, err
	}

	decision := result.Decision
	deps.Metrics.RecordDecision(ctx, string(decision.Outcome), decision.ReasonCodes)

	if decision.Outcome == models.OutcomeAllow {
		return &AdmissionResponse{UID: req.UID, Allowed: true}, nil
	}

	// REQUIRE_APPROVAL cannot pause an admission request; it is denied
	// with the reason codes so the operator can pre-approve out of band.
	return deny(req.UID, strings.Join(decision.ReasonCodes, ","),
		fmt.Sprintf("change %s by policy gate (decision %s)",
			strings.ToLower(string(decision.Outcome)), decision.ID)), nil
}

func deny(uid, reason, message string) *AdmissionResponse {
	return &AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Status: &AdmissionStatus{
			Message: message,
			Reason:  reason,
			Code:    http.StatusForbidden,
		},
	}
}

// admissionChange converts the reviewed object into the evaluator's input
func admissionChange(req *AdmissionRequest) *models.ProposedChange {
	reference := req.Namespace + "/" + req.Name
	if req.Namespace == "" {
		reference = req.Name
	}

	action := strings.ToLower(req.Operation)
	if action == "delete" {
		action = "destroy"
	}

	monthly, hourly := costAnnotations(req.Object)

	environment := req.Namespace
	if environment == "" {
		environment = "cluster"
	}

	return &models.ProposedChange{
		Source:             models.SourceKubernetes,
		Environment:        environment,
		ResourceReference:  reference,
		ResourceType:       req.Kind.Kind,
		Action:             action,
		EstMonthlyDeltaUSD: monthly,
		EstHourlyDeltaUSD:  hourly,
	}
}

// costAnnotations pulls the estimator's USD figures off the object
// metadata. Unparseable values count as zero.
func costAnnotations(object json.RawMessage) (monthly, hourly float64) {
	if len(object) == 0 {
		return 0, 0
	}

	var meta struct {
		Metadata struct {
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(object, &meta); err != nil {
		return 0, 0
	}

	if raw, ok := meta.Metadata.Annotations[annotationMonthlyUSD]; ok {
		monthly, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := meta.Metadata.Annotations[annotationHourlyUSD]; ok {
		hourly, _ = strconv.ParseFloat(raw, 64)
	}
	return monthly, hourly
}
