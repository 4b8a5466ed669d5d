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

// ApprovalRepository implements repositories.ApprovalRepository
type ApprovalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *DB, logger *zap.Logger) repositories.ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a pending approval
func (r *ApprovalRepository) Create(ctx context.Context, approval *models.Approval) error {
	query := `
		INSERT INTO approvals (id, decision_id, approver_identity, status, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		approval.ID,
		approval.DecisionID,
		approval.ApproverIdentity,
		approval.Status,
		approval.CreatedAt,
		approval.DecidedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	r.logger.Debug("approval created",
		zap.String("id", approval.ID.String()),
		zap.String("decision_id", approval.DecisionID.String()))
	return nil
}

const approvalColumns = `id, decision_id, approver_identity, status, created_at, decided_at`

// GetByID retrieves an approval by ID
func (r *ApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// GetByDecisionID retrieves the approval mapped to a decision
func (r *ApprovalRepository) GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE decision_id = $1`
	return r.scanOne(ctx, query, decisionID)
}

func (r *ApprovalRepository) scanOne(ctx context.Context, query string, arg interface{}) (*models.Approval, error) {
	executor := GetExecutor(ctx, r.db)
	approval := &models.Approval{}

	err := executor.QueryRowContext(ctx, query, arg).Scan(
		&approval.ID,
		&approval.DecisionID,
		&approval.ApproverIdentity,
		&approval.Status,
		&approval.CreatedAt,
		&approval.DecidedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return approval, nil
}

// Transition atomically moves the approval between statuses. The WHERE
// clause on the current status is the check-and-set: under concurrent
// requests exactly one caller sees RowsAffected == 1. This is what makes
// token consumption one-time.
func (r *ApprovalRepository) Transition(ctx context.Context, id uuid.UUID, from, to models.ApprovalStatus, approver string) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal approval transition %s -> %s", from, to)
	}

	query := `
		UPDATE approvals
		SET status = $1,
			approver_identity = CASE WHEN $2 <> '' THEN $2 ELSE approver_identity END,
			decided_at = $3
		WHERE id = $4 AND status = $5
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, to, approver, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition approval: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows == 1 {
		r.logger.Debug("approval transitioned",
			zap.String("id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return true, nil
	}
	return false, nil
}

// ExpireOlderThan moves stale pending and approved rows to expired
func (r *ApprovalRepository) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE approvals
		SET status = $1, decided_at = CURRENT_TIMESTAMP
		WHERE status IN ($2, $3) AND created_at < $4
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		models.ApprovalExpired, models.ApprovalPending, models.ApprovalApproved, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Info("expired stale approvals", zap.Int64("count", rows))
	}
	return rows, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ApprovalRepository) WithTx(tx repositories.Transaction) repositories.ApprovalRepository {
	return &ApprovalRepository{
		db:     r.db,
		logger: r.logger,
	}
}
