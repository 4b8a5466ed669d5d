package fingerprint

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

// fingerprintPayload is the exact shape hashed into a request fingerprint.
// Tenant scoping is included so identical changes from different tenants
// never collide.
type fingerprintPayload struct {
	TenantID           uuid.UUID           `json:"tenant_id"`
	ProjectID          uuid.UUID           `json:"project_id"`
	Source             models.ChangeSource `json:"source"`
	Environment        string              `json:"environment"`
	ResourceReference  string              `json:"resource_reference"`
	ResourceType       string              `json:"resource_type"`
	Action             string              `json:"action"`
	EstHourlyDeltaUSD  float64             `json:"est_hourly_delta_usd"`
	EstMonthlyDeltaUSD float64             `json:"est_monthly_delta_usd"`
	PlanDigest         string              `json:"plan_digest"`
}

// Canonicalize returns the RFC 8785 canonical JSON of a proposed change
// scoped to its tenant. Two submissions that differ only in key order,
// whitespace, or number formatting canonicalize identically.
func Canonicalize(tenant models.TenantContext, change *models.ProposedChange) ([]byte, error) {
	raw, err := json.Marshal(fingerprintPayload{
		TenantID:           tenant.TenantID,
		ProjectID:          tenant.ProjectID,
		Source:             change.Source,
		Environment:        change.Environment,
		ResourceReference:  change.ResourceReference,
		ResourceType:       change.ResourceType,
		Action:             change.Action,
		EstHourlyDeltaUSD:  change.EstHourlyDeltaUSD,
		EstMonthlyDeltaUSD: change.EstMonthlyDeltaUSD,
		PlanDigest:         change.PlanDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize change: %w", err)
	}
	return canonical, nil
}

// Fingerprint returns the hex SHA-256 of the canonical change form
func Fingerprint(tenant models.TenantContext, change *models.ProposedChange) (string, error) {
	canonical, err := Canonicalize(tenant, change)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Service manages the idempotency key registry backing fingerprint dedup
type Service struct {
	decisions repositories.DecisionRepository
	logger    *zap.Logger
	keyTTL    time.Duration
}

// NewService creates a new fingerprint registry service
func NewService(decisions repositories.DecisionRepository, keyTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		decisions: decisions,
		logger:    logger,
		keyTTL:    keyTTL,
	}
}

// KeyTTL returns the retention window for idempotency keys
func (s *Service) KeyTTL() time.Duration {
	return s.keyTTL
}

// ClaimKey atomically registers an idempotency key bound to a fingerprint
// and decision. When the key already exists, the stored record is returned
// iff its fingerprint matches; a mismatch is a fingerprint conflict, never
// a silent replay of the wrong decision.
func (s *Service) ClaimKey(ctx context.Context, key string, tenant models.TenantContext, fp string, decisionID uuid.UUID) (*repositories.IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	rec := &repositories.IdempotencyRecord{
		Key:         key,
		TenantID:    tenant.TenantID,
		Fingerprint: fp,
		DecisionID:  decisionID,
		ExpiresAt:   now.Add(s.keyTTL),
		CreatedAt:   now,
	}

	existing, inserted, err := s.decisions.RegisterKey(ctx, rec)
	if err != nil {
		return nil, false, services.WrapInternal("failed to claim idempotency key", err)
	}
	if inserted {
		return rec, true, nil
	}

	if existing.Fingerprint != fp {
		s.logger.Warn("idempotency key reused with different payload",
			zap.String("key", key),
			zap.String("tenant_id", tenant.TenantID.String()))
		return nil, false, services.NewDomainError(services.ErrorTypeConflict,
			"idempotency key reused with different fingerprint", nil).
			WithDetail("idempotency_key", key)
	}
	return existing, false, nil
}

// Lookup returns the live record for a key, or nil when unknown or expired
func (s *Service) Lookup(ctx context.Context, key string) (*repositories.IdempotencyRecord, error) {
	rec, err := s.decisions.GetKey(ctx, key)
	if err != nil {
		return nil, services.WrapInternal("failed to look up idempotency key", err)
	}
	return rec, nil
}

// StartPurgeWorker periodically deletes expired idempotency keys
func (s *Service) StartPurgeWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started idempotency key purge worker",
		zap.Duration("interval", interval),
		zap.Duration("key_ttl", s.keyTTL))

	for {
		select {
		case <-ticker.C:
			count, err := s.decisions.PurgeExpiredKeys(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("failed to purge expired idempotency keys", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Debug("purged expired idempotency keys", zap.Int64("count", count))
			}
		case <-ctx.Done():
			s.logger.Info("stopping idempotency key purge worker")
			return
		}
	}
}
