package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleKind represents the classification a rule assigns when it matches
type RuleKind string

const (
	RuleDeny     RuleKind = "deny"
	RuleApproval RuleKind = "approval"
	RuleAllow    RuleKind = "allow"
)

// RuleMatch is the matching criteria of a policy rule. Empty fields match
// everything, so a rule with only Environment set is environment-wide and a
// rule that also sets ResourceType is resource-type-specific (more specific
// rules win ties within the same kind).
type RuleMatch struct {
	Source          ChangeSource `json:"source,omitempty"`
	Environment     string       `json:"environment,omitempty"`
	ResourceType    string       `json:"resource_type,omitempty"`
	Action          string       `json:"action,omitempty"`
	DestructiveOnly bool         `json:"destructive_only,omitempty"`
}

// Matches reports whether the criteria cover the given change
func (m RuleMatch) Matches(c *ProposedChange) bool {
	if m.Source != "" && m.Source != c.Source {
		return false
	}
	if m.Environment != "" && m.Environment != c.Environment {
		return false
	}
	if m.ResourceType != "" && m.ResourceType != c.ResourceType {
		return false
	}
	if m.Action != "" && m.Action != c.Action {
		return false
	}
	if m.DestructiveOnly && !c.Destructive() {
		return false
	}
	return true
}

// Specificity scores how narrow the match criteria are. Resource-type
// constraints outrank environment-wide ones.
func (m RuleMatch) Specificity() int {
	score := 0
	if m.ResourceType != "" {
		score += 4
	}
	if m.Action != "" || m.DestructiveOnly {
		score += 2
	}
	if m.Environment != "" {
		score++
	}
	if m.Source != "" {
		score++
	}
	return score
}

// PolicyRule is one ordered rule of a policy document
type PolicyRule struct {
	Kind       RuleKind  `json:"kind"`
	Match      RuleMatch `json:"match"`
	ReasonCode string    `json:"reason_code,omitempty"`
	// Caps bound the blast radius of changes admitted under this rule.
	// Zero means the change's own estimate is recorded unchanged.
	MaxHourlyDeltaUSD  float64 `json:"max_hourly_delta_usd,omitempty"`
	MaxMonthlyDeltaUSD float64 `json:"max_monthly_delta_usd,omitempty"`
}

// PolicyDocument is the evaluable content of one policy version: an ordered
// rule list plus tenant-wide budget caps checked against open reservations.
type PolicyDocument struct {
	Rules []PolicyRule `json:"rules"`
	// MonthlyBudgetCapUSD bounds the sum of open reservation commitments
	// plus the new change's monthly delta. Zero disables the check.
	MonthlyBudgetCapUSD float64 `json:"monthly_budget_cap_usd,omitempty"`
	HourlyBudgetCapUSD  float64 `json:"hourly_budget_cap_usd,omitempty"`
}

// PolicyVersion is one immutable version of a tenant's policy. Decisions
// store ContentHash (the lineage), never a live reference, so they remain
// explainable after later edits.
type PolicyVersion struct {
	PolicyID    uuid.UUID      `json:"policy_id" db:"policy_id"`
	TenantID    uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	Version     int            `json:"version" db:"version"`
	Document    PolicyDocument `json:"document" db:"content"`
	ContentHash string         `json:"content_hash" db:"content_hash"`
	EffectiveAt time.Time      `json:"effective_at" db:"effective_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the PolicyVersion model
func (PolicyVersion) TableName() string {
	return "policy_versions"
}
