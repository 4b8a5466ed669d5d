package breaker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

// Config holds the trip thresholds for the safety governor
type Config struct {
	// FailureThreshold trips the breaker on the Nth consecutive failure
	FailureThreshold int
	// DailySavingsLimitUSD trips the breaker when realized savings in one
	// UTC calendar day reach this amount. Zero disables the dimension.
	DailySavingsLimitUSD float64
	// CoolDown reopens execution automatically after this long open.
	// Zero means operator reset only.
	CoolDown time.Duration
}

// Service is the per-tenant circuit breaker guarding autonomous execution.
// All state lives in one persisted row per tenant, mutated only through
// conditional updates, so any number of gate instances share one breaker.
type Service struct {
	breakers repositories.BreakerRepository
	audits   repositories.AuditRepository
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a new circuit breaker service
func NewService(breakers repositories.BreakerRepository, audits repositories.AuditRepository, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		breakers: breakers,
		audits:   audits,
		cfg:      cfg,
		logger:   logger,
	}
}

// CanExecute reports whether autonomous execution is currently permitted
// for the tenant. An open breaker past its cool-down closes itself here;
// otherwise open means rejection with ErrCircuitOpen.
func (s *Service) CanExecute(ctx context.Context, tenantID uuid.UUID) error {
	state, err := s.breakers.GetOrInit(ctx, tenantID, s.cfg.DailySavingsLimitUSD)
	if err != nil {
		return services.WrapInternal("failed to load breaker state", err)
	}

	if state.State != models.BreakerOpen {
		return nil
	}

	if s.cfg.CoolDown > 0 && state.OpenedAt != nil {
		now := time.Now().UTC()
		cutoff := now.Add(-s.cfg.CoolDown)
		reset, err := s.breakers.ResetIfCooledDown(ctx, tenantID, cutoff, now)
		if err != nil {
			return services.WrapInternal("failed to check breaker cool-down", err)
		}
		if reset {
			s.auditReset(ctx, tenantID, "cool-down expiry")
			return nil
		}
	}

	return services.NewDomainError(services.ErrorTypeCircuitOpen,
		"circuit breaker open for tenant", nil).
		WithDetail("tenant_id", tenantID.String()).
		WithDetail("reason_code", models.ReasonBreakerOpen)
}

// RecordOutcome feeds one execution result into the breaker. Failures
// accumulate toward the consecutive-failure trip; successes reset that
// count and add realized savings toward the daily-limit trip.
func (s *Service) RecordOutcome(ctx context.Context, tenantID uuid.UUID, success bool, savingsUSD float64) (*models.CircuitBreakerState, error) {
	now := time.Now().UTC()

	if _, err := s.breakers.GetOrInit(ctx, tenantID, s.cfg.DailySavingsLimitUSD); err != nil {
		return nil, services.WrapInternal("failed to init breaker state", err)
	}

	var (
		state   *models.CircuitBreakerState
		tripped bool
		err     error
	)
	if success {
		state, tripped, err = s.breakers.RecordSuccess(ctx, tenantID, savingsUSD,
			models.DailyWindowKey(now), now)
	} else {
		state, tripped, err = s.breakers.RecordFailure(ctx, tenantID, s.cfg.FailureThreshold, now)
	}
	if err != nil {
		return nil, services.WrapInternal("failed to record execution outcome", err)
	}

	if tripped {
		cause := "consecutive failure threshold"
		if success {
			cause = "daily savings limit"
		}
		s.logger.Warn("circuit breaker tripped",
			zap.String("tenant_id", tenantID.String()),
			zap.String("cause", cause),
			zap.Int("failure_count", state.FailureCount),
			zap.Float64("daily_savings_used", state.DailySavingsUsed))

		log := models.NewAuditLog(tenantID, models.AuditActionBreakerTripped, "breaker").
			WithResource(tenantID).
			WithDetails(map[string]interface{}{
				"cause":              cause,
				"failure_count":      state.FailureCount,
				"daily_savings_used": state.DailySavingsUsed,
			})
		if auditErr := s.audits.Insert(ctx, log); auditErr != nil {
			s.logger.Error("failed to record breaker trip", zap.Error(auditErr))
		}
	}

	return state, nil
}

// Reset closes an open breaker on operator request
func (s *Service) Reset(ctx context.Context, tenantID uuid.UUID, actor string) error {
	won, err := s.breakers.Reset(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return services.WrapInternal("failed to reset breaker", err)
	}
	if !won {
		return services.NewDomainError(services.ErrorTypeConflict,
			"breaker is not open", nil).
			WithDetail("tenant_id", tenantID.String())
	}

	s.auditResetBy(ctx, tenantID, "operator reset", actor)
	s.logger.Info("circuit breaker reset by operator",
		zap.String("tenant_id", tenantID.String()),
		zap.String("actor", actor))
	return nil
}

// State returns the tenant's current breaker state
func (s *Service) State(ctx context.Context, tenantID uuid.UUID) (*models.CircuitBreakerState, error) {
	state, err := s.breakers.GetOrInit(ctx, tenantID, s.cfg.DailySavingsLimitUSD)
	if err != nil {
		return nil, services.WrapInternal("failed to load breaker state", err)
	}
	return state, nil
}

func (s *Service) auditReset(ctx context.Context, tenantID uuid.UUID, cause string) {
	s.auditResetBy(ctx, tenantID, cause, "")
}

func (s *Service) auditResetBy(ctx context.Context, tenantID uuid.UUID, cause, actor string) {
	log := models.NewAuditLog(tenantID, models.AuditActionBreakerReset, "breaker").
		WithResource(tenantID).
		WithDetails(map[string]interface{}{"cause": cause})
	if actor != "" {
		log = log.WithActor(actor)
	}
	if err := s.audits.Insert(ctx, log); err != nil {
		s.logger.Error("failed to record breaker reset", zap.Error(err))
	}
}
