package models

import (
	"time"

	"github.com/google/uuid"
)

// DecisionOutcome represents the classification of a proposed change
type DecisionOutcome string

const (
	OutcomeAllow           DecisionOutcome = "ALLOW"
	OutcomeDeny            DecisionOutcome = "DENY"
	OutcomeRequireApproval DecisionOutcome = "REQUIRE_APPROVAL"
)

// Machine-readable reason codes attached to DENY / REQUIRE_APPROVAL outcomes.
// Callers display these directly; they are never re-derived from logs.
const (
	ReasonBlockProductionDestructive = "policy.block_production_destructive"
	ReasonApprovalRequired           = "policy.approval_required"
	ReasonRuleDeny                   = "policy.rule_deny"
	ReasonMonthlyCapExceeded         = "budget.monthly_cap_exceeded"
	ReasonHourlyCapExceeded          = "budget.hourly_cap_exceeded"
	ReasonBreakerOpen                = "breaker.open"
	ReasonGateTimeout                = "gate_timeout"
)

// Decision is the immutable record of a single gate evaluation.
// A retry with the same idempotency key and unchanged fingerprint returns
// this same row; the row itself is never updated after insert.
type Decision struct {
	ID                  uuid.UUID       `json:"decision_id" db:"id"`
	TenantID            uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	ProjectID           uuid.UUID       `json:"project_id" db:"project_id"`
	Source              ChangeSource    `json:"source" db:"source"`
	Environment         string          `json:"environment" db:"environment"`
	RequestFingerprint  string          `json:"request_fingerprint" db:"request_fingerprint"`
	PolicyLineageSHA256 string          `json:"policy_lineage_sha256" db:"policy_lineage_sha256"`
	Outcome             DecisionOutcome `json:"outcome" db:"outcome"`
	ReasonCodes         []string        `json:"reason_codes" db:"reason_codes"`
	ResourceReference   string          `json:"resource_reference" db:"resource_reference"`
	MaxHourlyDeltaUSD   float64         `json:"max_hourly_delta_usd" db:"max_hourly_delta_usd"`
	MaxMonthlyDeltaUSD  float64         `json:"max_monthly_delta_usd" db:"max_monthly_delta_usd"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Decision model
func (Decision) TableName() string {
	return "decisions"
}

// NewDecision creates a Decision for the given change and evaluation result
func NewDecision(tenant TenantContext, change *ProposedChange, fingerprint, lineage string, outcome DecisionOutcome, reasons []string) *Decision {
	return &Decision{
		ID:                  uuid.New(),
		TenantID:            tenant.TenantID,
		ProjectID:           tenant.ProjectID,
		Source:              change.Source,
		Environment:         change.Environment,
		RequestFingerprint:  fingerprint,
		PolicyLineageSHA256: lineage,
		Outcome:             outcome,
		ReasonCodes:         reasons,
		ResourceReference:   change.ResourceReference,
		MaxHourlyDeltaUSD:   change.EstHourlyDeltaUSD,
		MaxMonthlyDeltaUSD:  change.EstMonthlyDeltaUSD,
		CreatedAt:           time.Now().UTC(),
	}
}

// RequiresApproval reports whether the decision needs a human approval
func (d *Decision) RequiresApproval() bool {
	return d.Outcome == OutcomeRequireApproval
}
