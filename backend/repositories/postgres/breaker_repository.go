package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"go.uber.org/zap"
)

// BreakerRepository implements repositories.BreakerRepository. Every
// mutation is a single conditional UPDATE so concurrent gate instances
// cannot interleave a read-then-write on breaker state.
type BreakerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBreakerRepository creates a new breaker repository
func NewBreakerRepository(db *DB, logger *zap.Logger) repositories.BreakerRepository {
	return &BreakerRepository{
		db:     db,
		logger: logger,
	}
}

const breakerColumns = `tenant_id, state, failure_count, daily_savings_used,
	daily_savings_limit, daily_window, last_failure_at, opened_at, updated_at`

// GetOrInit fetches the tenant's breaker row, inserting a closed row when absent
func (r *BreakerRepository) GetOrInit(ctx context.Context, tenantID uuid.UUID, dailyLimit float64) (*models.CircuitBreakerState, error) {
	now := time.Now().UTC()
	insert := `
		INSERT INTO breaker_states (tenant_id, state, failure_count, daily_savings_used,
			daily_savings_limit, daily_window, updated_at)
		VALUES ($1, $2, 0, 0, $3, $4, $5)
		ON CONFLICT (tenant_id) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, insert,
		tenantID, models.BreakerClosed, dailyLimit, models.DailyWindowKey(now), now); err != nil {
		return nil, fmt.Errorf("failed to init breaker state: %w", err)
	}

	query := `SELECT ` + breakerColumns + ` FROM breaker_states WHERE tenant_id = $1`
	return r.scanOne(executor.QueryRowContext(ctx, query, tenantID))
}

func (r *BreakerRepository) scanOne(row *sql.Row) (*models.CircuitBreakerState, error) {
	state := &models.CircuitBreakerState{}
	err := row.Scan(
		&state.TenantID,
		&state.State,
		&state.FailureCount,
		&state.DailySavingsUsed,
		&state.DailySavingsLimit,
		&state.DailyWindow,
		&state.LastFailureAt,
		&state.OpenedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}
	return state, nil
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker when the count reaches the threshold, all in one statement.
func (r *BreakerRepository) RecordFailure(ctx context.Context, tenantID uuid.UUID, threshold int, now time.Time) (*models.CircuitBreakerState, bool, error) {
	query := `
		UPDATE breaker_states
		SET failure_count = failure_count + 1,
			last_failure_at = $1,
			opened_at = CASE WHEN state = $2 AND failure_count + 1 >= $3 THEN $1 ELSE opened_at END,
			state = CASE WHEN failure_count + 1 >= $3 THEN $4 ELSE state END,
			updated_at = $1
		WHERE tenant_id = $5
		RETURNING ` + breakerColumns

	executor := GetExecutor(ctx, r.db)
	state, err := r.scanOne(executor.QueryRowContext(ctx, query,
		now, models.BreakerClosed, threshold, models.BreakerOpen, tenantID))
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		return nil, false, fmt.Errorf("breaker state not found for tenant %s", tenantID)
	}

	tripped := state.State == models.BreakerOpen && state.OpenedAt != nil && state.OpenedAt.Equal(now)
	if tripped {
		r.logger.Warn("circuit breaker tripped on failure threshold",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("failure_count", state.FailureCount))
	}
	return state, tripped, nil
}

// RecordSuccess resets the consecutive-failure count, rolls the daily window
// when the calendar date changed, adds realized savings, and trips on a
// daily-limit breach. The two trip dimensions stay independent: rollover
// touches savings only, never the failure count.
func (r *BreakerRepository) RecordSuccess(ctx context.Context, tenantID uuid.UUID, savingsUSD float64, window string, now time.Time) (*models.CircuitBreakerState, bool, error) {
	query := `
		UPDATE breaker_states
		SET failure_count = 0,
			opened_at = CASE
				WHEN state = $1
					AND daily_savings_limit > 0
					AND (CASE WHEN daily_window = $2 THEN daily_savings_used ELSE 0 END) + $3 >= daily_savings_limit
				THEN $4 ELSE opened_at END,
			state = CASE
				WHEN daily_savings_limit > 0
					AND (CASE WHEN daily_window = $2 THEN daily_savings_used ELSE 0 END) + $3 >= daily_savings_limit
				THEN $5 ELSE state END,
			daily_savings_used = (CASE WHEN daily_window = $2 THEN daily_savings_used ELSE 0 END) + $3,
			daily_window = $2,
			updated_at = $4
		WHERE tenant_id = $6
		RETURNING ` + breakerColumns

	executor := GetExecutor(ctx, r.db)
	state, err := r.scanOne(executor.QueryRowContext(ctx, query,
		models.BreakerClosed, window, savingsUSD, now, models.BreakerOpen, tenantID))
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		return nil, false, fmt.Errorf("breaker state not found for tenant %s", tenantID)
	}

	tripped := state.State == models.BreakerOpen && state.OpenedAt != nil && state.OpenedAt.Equal(now)
	if tripped {
		r.logger.Warn("circuit breaker tripped on daily savings limit",
			zap.String("tenant_id", tenantID.String()),
			zap.Float64("daily_savings_used", state.DailySavingsUsed),
			zap.Float64("daily_savings_limit", state.DailySavingsLimit))
	}
	return state, tripped, nil
}

// Reset closes an open breaker (operator action)
func (r *BreakerRepository) Reset(ctx context.Context, tenantID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE breaker_states
		SET state = $1, failure_count = 0, opened_at = NULL, updated_at = $2
		WHERE tenant_id = $3 AND state = $4
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, models.BreakerClosed, now, tenantID, models.BreakerOpen)
	if err != nil {
		return false, fmt.Errorf("failed to reset breaker: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// ResetIfCooledDown closes an open breaker whose opened_at is at or before cutoff
func (r *BreakerRepository) ResetIfCooledDown(ctx context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error) {
	query := `
		UPDATE breaker_states
		SET state = $1, failure_count = 0, opened_at = NULL, updated_at = $2
		WHERE tenant_id = $3 AND state = $4 AND opened_at IS NOT NULL AND opened_at <= $5
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, models.BreakerClosed, now, tenantID, models.BreakerOpen, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to reset cooled-down breaker: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows == 1 {
		r.logger.Info("circuit breaker closed after cool-down",
			zap.String("tenant_id", tenantID.String()))
	}
	return rows == 1, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *BreakerRepository) WithTx(tx repositories.Transaction) repositories.BreakerRepository {
	return &BreakerRepository{
		db:     r.db,
		logger: r.logger,
	}
}
