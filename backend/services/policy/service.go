package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

// lineagePayload is the exact shape hashed into a policy lineage hash.
// Including tenant and version means two tenants publishing identical
// documents still get distinct lineages.
type lineagePayload struct {
	TenantID uuid.UUID             `json:"tenant_id"`
	Version  int                   `json:"version"`
	Document models.PolicyDocument `json:"document"`
}

// LineageHash returns the hex SHA-256 over the RFC 8785 canonical form of a
// policy version's content. Decisions record this hash so the exact rules
// behind any outcome stay identifiable after later edits.
func LineageHash(tenantID uuid.UUID, version int, doc models.PolicyDocument) (string, error) {
	raw, err := json.Marshal(lineagePayload{
		TenantID: tenantID,
		Version:  version,
		Document: doc,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy content: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize policy content: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Service manages versioned policy documents with a read-through cache
type Service struct {
	policies repositories.PolicyRepository
	cache    *VersionCache
	logger   *zap.Logger
}

// NewService creates a new policy service
func NewService(policies repositories.PolicyRepository, cache *VersionCache, logger *zap.Logger) *Service {
	return &Service{
		policies: policies,
		cache:    cache,
		logger:   logger,
	}
}

// ValidateDocument checks structural validity of a policy document before publish
func ValidateDocument(doc models.PolicyDocument) error {
	if len(doc.Rules) == 0 {
		return services.NewDomainError(services.ErrorTypeValidation,
			"policy document must contain at least one rule", nil)
	}
	for i, rule := range doc.Rules {
		switch rule.Kind {
		case models.RuleDeny, models.RuleApproval, models.RuleAllow:
		default:
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("rule %d has unknown kind %q", i, rule.Kind), nil)
		}
		if rule.Match.Source != "" && !rule.Match.Source.Valid() {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("rule %d matches unknown source %q", i, rule.Match.Source), nil)
		}
		if rule.MaxHourlyDeltaUSD < 0 || rule.MaxMonthlyDeltaUSD < 0 {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("rule %d has negative blast-radius cap", i), nil)
		}
	}
	if doc.MonthlyBudgetCapUSD < 0 || doc.HourlyBudgetCapUSD < 0 {
		return services.NewDomainError(services.ErrorTypeValidation,
			"budget caps must be non-negative", nil)
	}
	return nil
}

// Publish appends a new immutable policy version for the tenant and makes
// it effective immediately. The returned version carries the lineage hash
// that subsequent decisions will record.
func (s *Service) Publish(ctx context.Context, tenantID, policyID uuid.UUID, doc models.PolicyDocument) (*models.PolicyVersion, error) {
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	latest, err := s.policies.LatestVersionNumber(ctx, policyID)
	if err != nil {
		return nil, services.WrapInternal("failed to read latest policy version", err)
	}

	version := latest + 1
	hash, err := LineageHash(tenantID, version, doc)
	if err != nil {
		return nil, services.WrapInternal("failed to hash policy content", err)
	}

	now := time.Now().UTC()
	pv := &models.PolicyVersion{
		PolicyID:    policyID,
		TenantID:    tenantID,
		Version:     version,
		Document:    doc,
		ContentHash: hash,
		EffectiveAt: now,
		CreatedAt:   now,
	}

	if err := s.policies.CreateVersion(ctx, pv); err != nil {
		return nil, services.WrapInternal("failed to create policy version", err)
	}

	s.cache.Invalidate(tenantID)
	s.logger.Info("policy version published",
		zap.String("tenant_id", tenantID.String()),
		zap.String("policy_id", policyID.String()),
		zap.Int("version", version),
		zap.String("content_hash", hash))

	return pv, nil
}

// Active returns the tenant's currently effective policy version, reading
// through the cache. Evaluation fails closed upstream when this errors.
func (s *Service) Active(ctx context.Context, tenantID uuid.UUID) (*models.PolicyVersion, error) {
	if cached := s.cache.Get(tenantID); cached != nil {
		return cached, nil
	}

	pv, err := s.policies.ActiveVersion(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return nil, services.WrapInternal("failed to load active policy version", err)
	}
	if pv == nil {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			"no active policy version for tenant", nil).
			WithDetail("tenant_id", tenantID.String())
	}

	s.cache.Set(tenantID, pv)
	return pv, nil
}

// GetVersion retrieves one specific policy version for explainability lookups
func (s *Service) GetVersion(ctx context.Context, policyID uuid.UUID, version int) (*models.PolicyVersion, error) {
	pv, err := s.policies.GetVersion(ctx, policyID, version)
	if err != nil {
		return nil, services.WrapInternal("failed to load policy version", err)
	}
	if pv == nil {
		return nil, services.ErrPolicyNotFound
	}
	return pv, nil
}
