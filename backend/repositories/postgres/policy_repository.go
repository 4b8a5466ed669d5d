package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements repositories.PolicyRepository
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// CreateVersion appends a new immutable policy version. The composite
// primary key (policy_id, version) rejects concurrent publishes of the same
// version number.
func (r *PolicyRepository) CreateVersion(ctx context.Context, version *models.PolicyVersion) error {
	content, err := json.Marshal(version.Document)
	if err != nil {
		return fmt.Errorf("failed to marshal policy document: %w", err)
	}

	query := `
		INSERT INTO policy_versions (policy_id, tenant_id, version, content, content_hash, effective_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		version.PolicyID,
		version.TenantID,
		version.Version,
		content,
		version.ContentHash,
		version.EffectiveAt,
		version.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create policy version: %w", err)
	}

	r.logger.Debug("policy version created",
		zap.String("policy_id", version.PolicyID.String()),
		zap.Int("version", version.Version),
		zap.String("content_hash", version.ContentHash))
	return nil
}

const policyVersionColumns = `policy_id, tenant_id, version, content, content_hash, effective_at, created_at`

// ActiveVersion returns the tenant's latest effective version
func (r *PolicyRepository) ActiveVersion(ctx context.Context, tenantID uuid.UUID, now time.Time) (*models.PolicyVersion, error) {
	query := `SELECT ` + policyVersionColumns + `
		FROM policy_versions
		WHERE tenant_id = $1 AND effective_at <= $2
		ORDER BY effective_at DESC, version DESC
		LIMIT 1`

	return r.scanOne(ctx, query, tenantID, now)
}

// GetVersion retrieves a specific version of a policy
func (r *PolicyRepository) GetVersion(ctx context.Context, policyID uuid.UUID, version int) (*models.PolicyVersion, error) {
	query := `SELECT ` + policyVersionColumns + `
		FROM policy_versions
		WHERE policy_id = $1 AND version = $2`

	return r.scanOne(ctx, query, policyID, version)
}

func (r *PolicyRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*models.PolicyVersion, error) {
	executor := GetExecutor(ctx, r.db)
	pv := &models.PolicyVersion{}
	var content []byte

	err := executor.QueryRowContext(ctx, query, args...).Scan(
		&pv.PolicyID,
		&pv.TenantID,
		&pv.Version,
		&content,
		&pv.ContentHash,
		&pv.EffectiveAt,
		&pv.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get policy version: %w", err)
	}

	if err := json.Unmarshal(content, &pv.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	return pv, nil
}

// LatestVersionNumber returns the highest version for a policy, 0 if none
func (r *PolicyRepository) LatestVersionNumber(ctx context.Context, policyID uuid.UUID) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM policy_versions WHERE policy_id = $1`

	executor := GetExecutor(ctx, r.db)
	var latest int
	if err := executor.QueryRowContext(ctx, query, policyID).Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to get latest policy version: %w", err)
	}
	return latest, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     r.db,
		logger: r.logger,
	}
}
