package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of gate event being audited
type AuditAction string

const (
	AuditActionDecisionCreated  AuditAction = "decision_created"
	AuditActionApprovalGranted  AuditAction = "approval_granted"
	AuditActionApprovalRejected AuditAction = "approval_rejected"
	AuditActionTokenConsumed    AuditAction = "token_consumed"
	AuditActionTokenRejected    AuditAction = "token_rejected"
	AuditActionReservationOpened AuditAction = "reservation_opened"
	AuditActionDriftException   AuditAction = "drift_exception"
	AuditActionReservationReleased AuditAction = "reservation_released"
	AuditActionBreakerTripped   AuditAction = "breaker_tripped"
	AuditActionBreakerReset     AuditAction = "breaker_reset"
	AuditActionPolicyPublished  AuditAction = "policy_published"
)

// AuditLog represents one replayable evidence record of a gate event
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Action       AuditAction     `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"` // decision, approval, reservation, breaker
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Actor        string          `json:"actor,omitempty" db:"actor"`
	ReasonCodes  []string        `json:"reason_codes,omitempty" db:"reason_codes"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for flexible metadata
	RequestID    string          `json:"request_id,omitempty" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(tenantID uuid.UUID, action AuditAction, resourceType string) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		Timestamp:    time.Now().UTC(),
	}
}

// WithResource sets the resource ID
func (a *AuditLog) WithResource(resourceID uuid.UUID) *AuditLog {
	a.ResourceID = &resourceID
	return a
}

// WithActor sets the acting identity
func (a *AuditLog) WithActor(actor string) *AuditLog {
	a.Actor = actor
	return a
}

// WithReasons sets the reason codes
func (a *AuditLog) WithReasons(codes ...string) *AuditLog {
	a.ReasonCodes = codes
	return a
}

// WithDetails marshals and sets the details payload
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequestID sets the originating request ID
func (a *AuditLog) WithRequestID(requestID string) *AuditLog {
	a.RequestID = requestID
	return a
}
