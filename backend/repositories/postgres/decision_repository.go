package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"go.uber.org/zap"
)

// DecisionRepository implements repositories.DecisionRepository
type DecisionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts an immutable decision row
func (r *DecisionRepository) Create(ctx context.Context, decision *models.Decision) error {
	query := `
		INSERT INTO decisions (id, tenant_id, project_id, source, environment,
			request_fingerprint, policy_lineage_sha256, outcome, reason_codes,
			resource_reference, max_hourly_delta_usd, max_monthly_delta_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		decision.ID,
		decision.TenantID,
		decision.ProjectID,
		decision.Source,
		decision.Environment,
		decision.RequestFingerprint,
		decision.PolicyLineageSHA256,
		decision.Outcome,
		pq.Array(decision.ReasonCodes),
		decision.ResourceReference,
		decision.MaxHourlyDeltaUSD,
		decision.MaxMonthlyDeltaUSD,
		decision.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create decision: %w", err)
	}

	r.logger.Debug("decision created",
		zap.String("id", decision.ID.String()),
		zap.String("outcome", string(decision.Outcome)))
	return nil
}

// GetByID retrieves a decision by ID
func (r *DecisionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Decision, error) {
	query := `
		SELECT id, tenant_id, project_id, source, environment,
			request_fingerprint, policy_lineage_sha256, outcome, reason_codes,
			resource_reference, max_hourly_delta_usd, max_monthly_delta_usd, created_at
		FROM decisions
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	decision := &models.Decision{}
	var reasons pq.StringArray

	err := executor.QueryRowContext(ctx, query, id).Scan(
		&decision.ID,
		&decision.TenantID,
		&decision.ProjectID,
		&decision.Source,
		&decision.Environment,
		&decision.RequestFingerprint,
		&decision.PolicyLineageSHA256,
		&decision.Outcome,
		&reasons,
		&decision.ResourceReference,
		&decision.MaxHourlyDeltaUSD,
		&decision.MaxMonthlyDeltaUSD,
		&decision.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("decision not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}

	decision.ReasonCodes = reasons
	return decision, nil
}

// RegisterKey claims an idempotency key. ON CONFLICT DO NOTHING makes the
// claim race-free: exactly one caller inserts, everyone else reads the row
// that won.
func (r *DecisionRepository) RegisterKey(ctx context.Context, rec *repositories.IdempotencyRecord) (*repositories.IdempotencyRecord, bool, error) {
	insert := `
		INSERT INTO idempotency_keys (idempotency_key, tenant_id, request_fingerprint, decision_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, insert,
		rec.Key,
		rec.TenantID,
		rec.Fingerprint,
		rec.DecisionID,
		rec.ExpiresAt,
		rec.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to register idempotency key: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 1 {
		return rec, true, nil
	}

	existing, err := r.GetKey(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Lost the race against a concurrent purge; treat as a fresh miss
		// and let the caller retry.
		return nil, false, fmt.Errorf("idempotency key %q vanished during registration", rec.Key)
	}
	return existing, false, nil
}

// GetKey retrieves a live idempotency record. Expired rows are invisible
// even before the purge worker removes them.
func (r *DecisionRepository) GetKey(ctx context.Context, key string) (*repositories.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, tenant_id, request_fingerprint, decision_id, expires_at, created_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND expires_at > CURRENT_TIMESTAMP
	`

	executor := GetExecutor(ctx, r.db)
	rec := &repositories.IdempotencyRecord{}

	err := executor.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.TenantID,
		&rec.Fingerprint,
		&rec.DecisionID,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	return rec, nil
}

// PurgeExpiredKeys removes idempotency records past their TTL
func (r *DecisionRepository) PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Debug("purged expired idempotency keys", zap.Int64("count", rows))
	}
	return rows, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *DecisionRepository) WithTx(tx repositories.Transaction) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     r.db,
		logger: r.logger,
	}
}
