package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the reconciliation state of a reservation
type ReservationStatus string

const (
	ReservationOpen           ReservationStatus = "open"
	ReservationReconciled     ReservationStatus = "reconciled"
	ReservationDriftException ReservationStatus = "drift_exception"
	ReservationReleased       ReservationStatus = "released"
)

// Terminal reports whether the status cannot change without an explicit
// recorded reason (manual disposition)
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReconciled || s == ReservationReleased
}

// Reservation records the financial commitment of an approved change.
// Created only after a successful token consumption or a direct ALLOW.
type Reservation struct {
	ID                  uuid.UUID         `json:"reservation_id" db:"id"`
	DecisionID          uuid.UUID         `json:"decision_id" db:"decision_id"`
	CommittedMonthlyUSD float64           `json:"committed_monthly_usd" db:"committed_monthly_usd"`
	CommittedHourlyUSD  float64           `json:"committed_hourly_usd" db:"committed_hourly_usd"`
	RealizedUSD         *float64          `json:"realized_usd,omitempty" db:"realized_usd"`
	DriftRatio          *float64          `json:"drift_ratio,omitempty" db:"drift_ratio"`
	Status              ReservationStatus `json:"status" db:"status"`
	StatusReason        string            `json:"status_reason,omitempty" db:"status_reason"`
	OpenedAt            time.Time         `json:"opened_at" db:"opened_at"`
	ReconciledAt        *time.Time        `json:"reconciled_at,omitempty" db:"reconciled_at"`
}

// TableName returns the table name for the Reservation model
func (Reservation) TableName() string {
	return "reservations"
}

// NewReservation opens a reservation carrying the decision's caps
func NewReservation(decision *Decision) *Reservation {
	return &Reservation{
		ID:                  uuid.New(),
		DecisionID:          decision.ID,
		CommittedMonthlyUSD: decision.MaxMonthlyDeltaUSD,
		CommittedHourlyUSD:  decision.MaxHourlyDeltaUSD,
		Status:              ReservationOpen,
		OpenedAt:            time.Now().UTC(),
	}
}

// ReservationAuthorization is returned by a successful token consumption.
// It is the caller's proof that the commitment was recorded.
type ReservationAuthorization struct {
	ReservationID       uuid.UUID `json:"reservation_id"`
	DecisionID          uuid.UUID `json:"decision_id"`
	ApprovalID          uuid.UUID `json:"approval_id"`
	CommittedMonthlyUSD float64   `json:"committed_monthly_usd"`
	CommittedHourlyUSD  float64   `json:"committed_hourly_usd"`
	OpenedAt            time.Time `json:"opened_at"`
}
