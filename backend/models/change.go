package models

import (
	"github.com/google/uuid"
)

// ChangeSource identifies the pipeline that submitted a proposed change
type ChangeSource string

const (
	SourceTerraform  ChangeSource = "terraform"
	SourceKubernetes ChangeSource = "k8s"
	SourceAPI        ChangeSource = "api"
)

// Valid reports whether the source is one of the known pipelines
func (s ChangeSource) Valid() bool {
	switch s {
	case SourceTerraform, SourceKubernetes, SourceAPI:
		return true
	}
	return false
}

// ProposedChange represents an infrastructure change submitted for gating.
// The fingerprint is computed over the canonicalized form of this payload,
// so field order and formatting never affect dedup.
type ProposedChange struct {
	Source             ChangeSource `json:"source" validate:"required"`
	Environment        string       `json:"environment" validate:"required"`
	ResourceReference  string       `json:"resource_reference" validate:"required"` // e.g. aws_instance.web[0]
	ResourceType       string       `json:"resource_type"`                          // e.g. aws_instance
	Action             string       `json:"action"`                                 // create, update, destroy
	EstHourlyDeltaUSD  float64      `json:"est_hourly_delta_usd"`
	EstMonthlyDeltaUSD float64      `json:"est_monthly_delta_usd"`
	PlanDigest         string       `json:"plan_digest,omitempty"` // upstream plan hash, opaque to the gate
}

// Destructive reports whether the change removes or replaces a resource
func (c *ProposedChange) Destructive() bool {
	return c.Action == "destroy" || c.Action == "replace"
}

// TenantContext carries the tenant scoping for a gate call
type TenantContext struct {
	TenantID  uuid.UUID `json:"tenant_id" validate:"required"`
	ProjectID uuid.UUID `json:"project_id" validate:"required"`
}
