package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Trail serves the evidence records the gate writes alongside every
// decision, approval, reservation and breaker transition. Writes happen
// inside the owning service's transaction; this is the read side.
type Trail struct {
	audits repositories.AuditRepository
	logger *zap.Logger
}

// NewTrail creates a new audit trail query service
func NewTrail(audits repositories.AuditRepository, logger *zap.Logger) *Trail {
	return &Trail{
		audits: audits,
		logger: logger,
	}
}

// ByResource returns the evidence records for one decision, approval,
// reservation or breaker, newest first.
func (t *Trail) ByResource(ctx context.Context, resourceID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	if resourceID == uuid.Nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"resource id is required", nil)
	}

	logs, err := t.audits.GetByResourceID(ctx, resourceID, clampLimit(limit))
	if err != nil {
		return nil, services.WrapInternal("failed to query audit trail", err)
	}
	return logs, nil
}

// ByTenant returns a page of the tenant's evidence records, newest first
func (t *Trail) ByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	if tenantID == uuid.Nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"tenant id is required", nil)
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := t.audits.GetByTenantID(ctx, tenantID, clampLimit(limit), offset)
	if err != nil {
		return nil, services.WrapInternal("failed to query audit trail", err)
	}

	t.logger.Debug("audit trail page served",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("count", len(logs)))

	return logs, nil
}

// clampLimit keeps page sizes inside sane bounds so a single call can
// never drag the whole evidence table into memory.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
