package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"go.uber.org/zap"
)

// ReservationRepository implements repositories.ReservationRepository
type ReservationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *DB, logger *zap.Logger) repositories.ReservationRepository {
	return &ReservationRepository{
		db:     db,
		logger: logger,
	}
}

// Create opens a reservation. The unique constraint on decision_id means a
// replayed consume cannot open a second reservation even if it slipped past
// the approval transition.
func (r *ReservationRepository) Create(ctx context.Context, reservation *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, decision_id, committed_monthly_usd, committed_hourly_usd,
			realized_usd, drift_ratio, status, status_reason, opened_at, reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		reservation.ID,
		reservation.DecisionID,
		reservation.CommittedMonthlyUSD,
		reservation.CommittedHourlyUSD,
		reservation.RealizedUSD,
		reservation.DriftRatio,
		reservation.Status,
		reservation.StatusReason,
		reservation.OpenedAt,
		reservation.ReconciledAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	r.logger.Debug("reservation opened",
		zap.String("id", reservation.ID.String()),
		zap.Float64("committed_monthly_usd", reservation.CommittedMonthlyUSD))
	return nil
}

const reservationColumns = `id, decision_id, committed_monthly_usd, committed_hourly_usd,
	realized_usd, drift_ratio, status, status_reason, opened_at, reconciled_at`

// GetByID retrieves a reservation by ID
func (r *ReservationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// GetByDecisionID retrieves the reservation opened for a decision
func (r *ReservationRepository) GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE decision_id = $1`
	return r.scanOne(ctx, query, decisionID)
}

func (r *ReservationRepository) scanOne(ctx context.Context, query string, arg interface{}) (*models.Reservation, error) {
	executor := GetExecutor(ctx, r.db)
	res := &models.Reservation{}

	err := executor.QueryRowContext(ctx, query, arg).Scan(
		&res.ID,
		&res.DecisionID,
		&res.CommittedMonthlyUSD,
		&res.CommittedHourlyUSD,
		&res.RealizedUSD,
		&res.DriftRatio,
		&res.Status,
		&res.StatusReason,
		&res.OpenedAt,
		&res.ReconciledAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return res, nil
}

// OpenTotals sums committed amounts of open reservations for a tenant
func (r *ReservationRepository) OpenTotals(ctx context.Context, tenantID uuid.UUID) (float64, float64, error) {
	query := `
		SELECT COALESCE(SUM(res.committed_monthly_usd), 0), COALESCE(SUM(res.committed_hourly_usd), 0)
		FROM reservations res
		JOIN decisions d ON d.id = res.decision_id
		WHERE d.tenant_id = $1 AND res.status = $2
	`

	executor := GetExecutor(ctx, r.db)
	var monthly, hourly float64
	err := executor.QueryRowContext(ctx, query, tenantID, models.ReservationOpen).Scan(&monthly, &hourly)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum open reservations: %w", err)
	}

	return monthly, hourly, nil
}

// ListOpen returns up to limit open reservations, oldest first
func (r *ReservationRepository) ListOpen(ctx context.Context, limit int) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = $1
		ORDER BY opened_at ASC
		LIMIT $2`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, models.ReservationOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open reservations: %w", err)
	}
	defer rows.Close()

	reservations := make([]*models.Reservation, 0)
	for rows.Next() {
		res := &models.Reservation{}
		if err := rows.Scan(
			&res.ID,
			&res.DecisionID,
			&res.CommittedMonthlyUSD,
			&res.CommittedHourlyUSD,
			&res.RealizedUSD,
			&res.DriftRatio,
			&res.Status,
			&res.StatusReason,
			&res.OpenedAt,
			&res.ReconciledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return reservations, nil
}

// Settle atomically moves an open reservation to its reconciled state. The
// status = 'open' guard keeps concurrent sweeps from double-processing and
// makes re-running against the same snapshot a no-op.
func (r *ReservationRepository) Settle(ctx context.Context, id uuid.UUID, status models.ReservationStatus, realizedUSD, driftRatio float64, reason string) (bool, error) {
	if status != models.ReservationReconciled && status != models.ReservationDriftException {
		return false, fmt.Errorf("settle cannot target status %s", status)
	}

	query := `
		UPDATE reservations
		SET status = $1, realized_usd = $2, drift_ratio = $3, status_reason = $4,
			reconciled_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND status = $6
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, status, realizedUSD, driftRatio, reason, id, models.ReservationOpen)
	if err != nil {
		return false, fmt.Errorf("failed to settle reservation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows == 1 {
		r.logger.Debug("reservation settled",
			zap.String("id", id.String()),
			zap.String("status", string(status)),
			zap.Float64("realized_usd", realizedUSD))
		return true, nil
	}
	return false, nil
}

// Release moves a drift_exception reservation to released (manual disposition)
func (r *ReservationRepository) Release(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE reservations
		SET status = $1, status_reason = $2
		WHERE id = $3 AND status = $4
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		models.ReservationReleased, reason, id, models.ReservationDriftException)
	if err != nil {
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ReservationRepository) WithTx(tx repositories.Transaction) repositories.ReservationRepository {
	return &ReservationRepository{
		db:     r.db,
		logger: r.logger,
	}
}
