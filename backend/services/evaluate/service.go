package evaluate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/services/fingerprint"
	"github.com/upb/policy-gate/backend/services/policy"
	"go.uber.org/zap"
)

// Result is the outcome of one gate evaluation. Replayed is set when an
// idempotency key matched a prior submission and the stored decision was
// returned instead of a fresh one.
type Result struct {
	Decision *models.Decision
	Approval *models.Approval
	Replayed bool
}

// replayError signals inside a transaction that another request won the
// idempotency-key race; the caller rolls back and serves the stored decision.
type replayError struct {
	record *repositories.IdempotencyRecord
}

func (e *replayError) Error() string {
	return fmt.Sprintf("idempotency key already bound to decision %s", e.record.DecisionID)
}

// Evaluator classifies proposed changes against the tenant's active policy.
// Every submission produces exactly one immutable decision row; failure
// anywhere in the pipeline surfaces as an error, never as an implicit allow.
type Evaluator struct {
	txMgr        repositories.TransactionManager
	repos        *repositories.Repositories
	fingerprints *fingerprint.Service
	policies     *policy.Service
	validate     *validator.Validate
	logger       *zap.Logger
}

// NewEvaluator creates a new decision evaluator
func NewEvaluator(
	txMgr repositories.TransactionManager,
	repos *repositories.Repositories,
	fingerprints *fingerprint.Service,
	policies *policy.Service,
	logger *zap.Logger,
) *Evaluator {
	return &Evaluator{
		txMgr:        txMgr,
		repos:        repos,
		fingerprints: fingerprints,
		policies:     policies,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Evaluate classifies one proposed change. When idempotencyKey is non-empty
// a repeat submission with the same canonical payload returns the stored
// decision; the same key with a different payload is a conflict.
func (e *Evaluator) Evaluate(ctx context.Context, tenant models.TenantContext, change *models.ProposedChange, idempotencyKey string) (*Result, error) {
	if err := e.validateInput(tenant, change); err != nil {
		return nil, err
	}

	fp, err := fingerprint.Fingerprint(tenant, change)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypePolicyEvaluation,
			"failed to fingerprint change", err)
	}

	// Fast path: a live key short-circuits evaluation entirely
	if idempotencyKey != "" {
		rec, err := e.fingerprints.Lookup(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if rec.Fingerprint != fp {
				return nil, services.NewDomainError(services.ErrorTypeConflict,
					"idempotency key reused with different fingerprint", nil).
					WithDetail("idempotency_key", idempotencyKey)
			}
			return e.replay(ctx, rec)
		}
	}

	pv, err := e.policies.Active(ctx, tenant.TenantID)
	if err != nil {
		// Fail closed: an unreadable policy never becomes an allow
		return nil, services.WrapError(services.ErrorTypePolicyEvaluation,
			"failed to load active policy", err)
	}

	outcome, reasons, err := e.classify(ctx, tenant, change, pv.Document)
	if err != nil {
		return nil, err
	}

	decision := models.NewDecision(tenant, change, fp, pv.ContentHash, outcome, reasons)

	var approval *models.Approval
	if decision.RequiresApproval() {
		approval = models.NewApproval(decision.ID)
	}

	err = e.txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := e.repos.Decisions.Create(txCtx, decision); err != nil {
			return services.WrapInternal("failed to persist decision", err)
		}
		if approval != nil {
			if err := e.repos.Approvals.Create(txCtx, approval); err != nil {
				return services.WrapInternal("failed to persist approval", err)
			}
		}
		if idempotencyKey != "" {
			rec, inserted, err := e.fingerprints.ClaimKey(txCtx, idempotencyKey, tenant, fp, decision.ID)
			if err != nil {
				return err
			}
			if !inserted {
				// Concurrent duplicate won the key between our fast-path
				// lookup and this claim; discard our work and replay theirs.
				return &replayError{record: rec}
			}
		}

		log := models.NewAuditLog(tenant.TenantID, models.AuditActionDecisionCreated, "decision").
			WithResource(decision.ID).
			WithReasons(decision.ReasonCodes...).
			WithDetails(map[string]interface{}{
				"outcome":     string(decision.Outcome),
				"fingerprint": fp,
				"lineage":     pv.ContentHash,
			})
		return e.repos.AuditLogs.Insert(txCtx, log)
	})
	if err != nil {
		var replay *replayError
		if errors.As(err, &replay) {
			return e.replay(ctx, replay.record)
		}
		return nil, err
	}

	e.logger.Info("change evaluated",
		zap.String("tenant_id", tenant.TenantID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.String("outcome", string(decision.Outcome)),
		zap.Strings("reason_codes", decision.ReasonCodes),
		zap.String("fingerprint", fp))

	return &Result{Decision: decision, Approval: approval}, nil
}

// GetDecision returns a stored decision by ID
func (e *Evaluator) GetDecision(ctx context.Context, id uuid.UUID) (*models.Decision, error) {
	decision, err := e.repos.Decisions.GetByID(ctx, id)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "decision not found", err)
	}
	return decision, nil
}

func (e *Evaluator) validateInput(tenant models.TenantContext, change *models.ProposedChange) error {
	if change == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "proposed change is required", nil)
	}
	if err := e.validate.Struct(tenant); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid tenant context", err)
	}
	if err := e.validate.Struct(change); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid proposed change", err)
	}
	if !change.Source.Valid() {
		return services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("unknown change source %q", change.Source), nil)
	}
	return nil
}

// classify applies the policy document: deny rules first, then approval
// rules, then allow. Within a band the most specific matching rule wins.
// The budget guard runs last so a budget breach never upgrades a deny.
func (e *Evaluator) classify(ctx context.Context, tenant models.TenantContext, change *models.ProposedChange, doc models.PolicyDocument) (models.DecisionOutcome, []string, error) {
	if rule := bestMatch(doc.Rules, models.RuleDeny, change); rule != nil {
		return models.OutcomeDeny, []string{denyReason(rule)}, nil
	}

	reasons := make([]string, 0, 2)

	if rule := bestMatch(doc.Rules, models.RuleApproval, change); rule != nil {
		reasons = append(reasons, approvalReason(rule))
	}

	// An allow rule with blast-radius caps escalates oversized changes
	// instead of admitting them autonomously
	if len(reasons) == 0 {
		if rule := bestMatch(doc.Rules, models.RuleAllow, change); rule != nil {
			if exceedsRuleCaps(rule, change) {
				reasons = append(reasons, models.ReasonApprovalRequired)
			}
		}
	}

	budgetReasons, err := e.checkBudget(ctx, tenant, change, doc)
	if err != nil {
		return "", nil, err
	}
	if len(budgetReasons) > 0 {
		return models.OutcomeDeny, budgetReasons, nil
	}

	if len(reasons) > 0 {
		return models.OutcomeRequireApproval, reasons, nil
	}
	return models.OutcomeAllow, nil, nil
}

// checkBudget compares open reservation commitments plus this change's
// deltas against the tenant-wide caps
func (e *Evaluator) checkBudget(ctx context.Context, tenant models.TenantContext, change *models.ProposedChange, doc models.PolicyDocument) ([]string, error) {
	if doc.MonthlyBudgetCapUSD <= 0 && doc.HourlyBudgetCapUSD <= 0 {
		return nil, nil
	}

	openMonthly, openHourly, err := e.repos.Reservations.OpenTotals(ctx, tenant.TenantID)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypePolicyEvaluation,
			"failed to load open reservation totals", err)
	}

	var reasons []string
	if doc.MonthlyBudgetCapUSD > 0 && openMonthly+change.EstMonthlyDeltaUSD > doc.MonthlyBudgetCapUSD {
		reasons = append(reasons, models.ReasonMonthlyCapExceeded)
	}
	if doc.HourlyBudgetCapUSD > 0 && openHourly+change.EstHourlyDeltaUSD > doc.HourlyBudgetCapUSD {
		reasons = append(reasons, models.ReasonHourlyCapExceeded)
	}
	return reasons, nil
}

// replay serves the decision recorded under a previously seen idempotency key
func (e *Evaluator) replay(ctx context.Context, rec *repositories.IdempotencyRecord) (*Result, error) {
	decision, err := e.repos.Decisions.GetByID(ctx, rec.DecisionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load replayed decision", err)
	}

	result := &Result{Decision: decision, Replayed: true}
	if decision.RequiresApproval() {
		approval, err := e.repos.Approvals.GetByDecisionID(ctx, decision.ID)
		if err != nil {
			return nil, services.WrapInternal("failed to load replayed approval", err)
		}
		result.Approval = approval
	}

	e.logger.Debug("idempotent replay served",
		zap.String("decision_id", decision.ID.String()))
	return result, nil
}

// bestMatch returns the most specific rule of the given kind matching the
// change, preserving document order on specificity ties
func bestMatch(rules []models.PolicyRule, kind models.RuleKind, change *models.ProposedChange) *models.PolicyRule {
	var best *models.PolicyRule
	bestScore := -1
	for i := range rules {
		rule := &rules[i]
		if rule.Kind != kind || !rule.Match.Matches(change) {
			continue
		}
		if score := rule.Match.Specificity(); score > bestScore {
			best = rule
			bestScore = score
		}
	}
	return best
}

func exceedsRuleCaps(rule *models.PolicyRule, change *models.ProposedChange) bool {
	if rule.MaxMonthlyDeltaUSD > 0 && change.EstMonthlyDeltaUSD > rule.MaxMonthlyDeltaUSD {
		return true
	}
	if rule.MaxHourlyDeltaUSD > 0 && change.EstHourlyDeltaUSD > rule.MaxHourlyDeltaUSD {
		return true
	}
	return false
}

func denyReason(rule *models.PolicyRule) string {
	if rule.ReasonCode != "" {
		return rule.ReasonCode
	}
	return models.ReasonRuleDeny
}

func approvalReason(rule *models.PolicyRule) string {
	if rule.ReasonCode != "" {
		return rule.ReasonCode
	}
	return models.ReasonApprovalRequired
}
