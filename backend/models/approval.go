package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus represents the lifecycle state of an approval
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalConsumed ApprovalStatus = "consumed"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transitions are allowed from the status
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalRejected, ApprovalConsumed, ApprovalExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition is permitted by the
// approval state machine: pending -> approved|rejected,
// approved -> consumed|expired.
func (s ApprovalStatus) CanTransitionTo(next ApprovalStatus) bool {
	switch s {
	case ApprovalPending:
		return next == ApprovalApproved || next == ApprovalRejected || next == ApprovalExpired
	case ApprovalApproved:
		return next == ApprovalConsumed || next == ApprovalExpired
	}
	return false
}

// Approval maps exactly one human sign-off to exactly one decision.
// The consumed transition is the system's one-time-use marker; the signed
// token itself is never persisted.
type Approval struct {
	ID               uuid.UUID      `json:"approval_id" db:"id"`
	DecisionID       uuid.UUID      `json:"decision_id" db:"decision_id"`
	ApproverIdentity string         `json:"approver_identity" db:"approver_identity"`
	Status           ApprovalStatus `json:"status" db:"status"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
}

// TableName returns the table name for the Approval model
func (Approval) TableName() string {
	return "approvals"
}

// NewApproval creates a pending approval for a decision
func NewApproval(decisionID uuid.UUID) *Approval {
	return &Approval{
		ID:         uuid.New(),
		DecisionID: decisionID,
		Status:     ApprovalPending,
		CreatedAt:  time.Now().UTC(),
	}
}
