package models

import (
	"time"

	"github.com/google/uuid"
)

// BreakerState represents the circuit state of the safety governor
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// CircuitBreakerState is the per-tenant singleton governing autonomous
// execution. Mutated only through the breaker service's atomic transitions;
// no other component writes it.
type CircuitBreakerState struct {
	TenantID          uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	State             BreakerState `json:"state" db:"state"`
	FailureCount      int          `json:"failure_count" db:"failure_count"`
	DailySavingsUsed  float64      `json:"daily_savings_used" db:"daily_savings_used"`
	DailySavingsLimit float64      `json:"daily_savings_limit" db:"daily_savings_limit"`
	// DailyWindow is the UTC calendar date the savings dimension is keyed
	// to; rollover resets savings only, never the failure count.
	DailyWindow   string     `json:"daily_window" db:"daily_window"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	OpenedAt      *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the CircuitBreakerState model
func (CircuitBreakerState) TableName() string {
	return "breaker_states"
}

// DailyWindowKey formats the UTC calendar date used for the savings window
func DailyWindowKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewBreakerState creates a closed breaker with the given daily limit
func NewBreakerState(tenantID uuid.UUID, dailyLimit float64) *CircuitBreakerState {
	now := time.Now().UTC()
	return &CircuitBreakerState{
		TenantID:          tenantID,
		State:             BreakerClosed,
		DailySavingsLimit: dailyLimit,
		DailyWindow:       DailyWindowKey(now),
		UpdatedAt:         now,
	}
}
