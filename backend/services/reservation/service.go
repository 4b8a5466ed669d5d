package reservation

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

// ToleranceMode selects how drift between committed and realized spend is judged
type ToleranceMode string

const (
	// ToleranceRelative compares |realized - committed| / |committed| to Ratio
	ToleranceRelative ToleranceMode = "relative"
	// ToleranceAbsolute compares |realized - committed| to AbsoluteUSD
	ToleranceAbsolute ToleranceMode = "absolute"
)

// Tolerance is the configured drift tolerance
type Tolerance struct {
	Mode        ToleranceMode
	Ratio       float64
	AbsoluteUSD float64
}

// Evaluate returns the drift ratio and whether the drift exceeds tolerance.
// A zero commitment has no meaningful ratio, so any nonzero realized spend
// on one is an exception.
func (t Tolerance) Evaluate(committedUSD, realizedUSD float64) (driftRatio float64, exceeded bool) {
	drift := realizedUSD - committedUSD

	if committedUSD != 0 {
		driftRatio = drift / math.Abs(committedUSD)
	}

	switch t.Mode {
	case ToleranceAbsolute:
		return driftRatio, math.Abs(drift) > t.AbsoluteUSD
	default:
		if committedUSD == 0 {
			return 0, drift != 0
		}
		return driftRatio, math.Abs(driftRatio) > t.Ratio
	}
}

// Service manages the financial reservation ledger
type Service struct {
	txMgr     repositories.TransactionManager
	repos     *repositories.Repositories
	tolerance Tolerance
	logger    *zap.Logger
}

// NewService creates a new reservation ledger service
func NewService(txMgr repositories.TransactionManager, repos *repositories.Repositories, tolerance Tolerance, logger *zap.Logger) *Service {
	return &Service{
		txMgr:     txMgr,
		repos:     repos,
		tolerance: tolerance,
		logger:    logger,
	}
}

// Open records the financial commitment of a directly allowed decision.
// Approval-gated changes get their reservation from token consumption
// instead; both paths share the unique decision_id constraint.
func (s *Service) Open(ctx context.Context, decision *models.Decision) (*models.Reservation, error) {
	if decision.Outcome != models.OutcomeAllow {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"reservations open directly only for allowed decisions", nil).
			WithDetail("outcome", string(decision.Outcome))
	}

	reservation := models.NewReservation(decision)

	err := s.txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Reservations.Create(txCtx, reservation); err != nil {
			return services.WrapInternal("failed to open reservation", err)
		}
		log := models.NewAuditLog(decision.TenantID, models.AuditActionReservationOpened, "reservation").
			WithResource(reservation.ID)
		return s.repos.AuditLogs.Insert(txCtx, log)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation opened",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.Float64("committed_monthly_usd", reservation.CommittedMonthlyUSD))

	return reservation, nil
}

// ByDecision retrieves the reservation opened for a decision, nil when
// none has been opened yet.
func (s *Service) ByDecision(ctx context.Context, decisionID uuid.UUID) (*models.Reservation, error) {
	reservation, err := s.repos.Reservations.GetByDecisionID(ctx, decisionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load reservation", err)
	}
	return reservation, nil
}

// Get retrieves a reservation by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	reservation, err := s.repos.Reservations.GetByID(ctx, id)
	if err != nil {
		return nil, services.WrapInternal("failed to load reservation", err)
	}
	if reservation == nil {
		return nil, services.ErrReservationNotFound
	}
	return reservation, nil
}

// Reconcile compares realized spend against the commitment and settles the
// reservation: within tolerance it becomes reconciled, beyond tolerance it
// becomes drift_exception with an emitted exception event. Re-running with
// the same snapshot on a settled reservation is a no-op; a different
// snapshot is a conflict, never a silent overwrite.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID, realizedUSD float64) (*models.Reservation, error) {
	reservation, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	driftRatio, exceeded := s.tolerance.Evaluate(reservation.CommittedMonthlyUSD, realizedUSD)
	target := models.ReservationReconciled
	reason := ""
	if exceeded {
		target = models.ReservationDriftException
		reason = "realized spend outside drift tolerance"
	}

	if reservation.Status != models.ReservationOpen {
		return s.settledNoOp(reservation, target, realizedUSD)
	}

	won, err := s.repos.Reservations.Settle(ctx, id, target, realizedUSD, driftRatio, reason)
	if err != nil {
		return nil, services.WrapInternal("failed to settle reservation", err)
	}
	if !won {
		// Lost to a concurrent sweep; re-read and apply no-op semantics
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.settledNoOp(current, target, realizedUSD)
	}

	reservation.Status = target
	reservation.RealizedUSD = &realizedUSD
	reservation.DriftRatio = &driftRatio
	reservation.StatusReason = reason

	if exceeded {
		s.logger.Warn("reservation drift exception",
			zap.String("reservation_id", id.String()),
			zap.Float64("committed_usd", reservation.CommittedMonthlyUSD),
			zap.Float64("realized_usd", realizedUSD),
			zap.Float64("drift_ratio", driftRatio))

		decision, derr := s.repos.Decisions.GetByID(ctx, reservation.DecisionID)
		if derr == nil {
			log := models.NewAuditLog(decision.TenantID, models.AuditActionDriftException, "reservation").
				WithResource(id).
				WithDetails(map[string]interface{}{
					"committed_usd": reservation.CommittedMonthlyUSD,
					"realized_usd":  realizedUSD,
					"drift_ratio":   driftRatio,
				})
			if auditErr := s.repos.AuditLogs.Insert(ctx, log); auditErr != nil {
				s.logger.Error("failed to record drift exception", zap.Error(auditErr))
			}
		}
	}

	return reservation, nil
}

// settledNoOp implements the idempotency contract for already-settled rows:
// the same snapshot is accepted silently, anything else is a conflict.
func (s *Service) settledNoOp(current *models.Reservation, target models.ReservationStatus, realizedUSD float64) (*models.Reservation, error) {
	if current.Status == target && current.RealizedUSD != nil && *current.RealizedUSD == realizedUSD {
		return current, nil
	}
	return nil, services.NewDomainError(services.ErrorTypeConflict,
		"reservation already settled", nil).
		WithDetail("status", string(current.Status))
}

// Release manually dispositions a drift exception with a recorded reason
func (s *Service) Release(ctx context.Context, id uuid.UUID, reason, actor string) (*models.Reservation, error) {
	if reason == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"release reason is required", nil)
	}

	won, err := s.repos.Reservations.Release(ctx, id, reason)
	if err != nil {
		return nil, services.WrapInternal("failed to release reservation", err)
	}
	if !won {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			"only drift exceptions can be released", nil).
			WithDetail("status", string(current.Status))
	}

	reservation, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, derr := s.repos.Decisions.GetByID(ctx, reservation.DecisionID)
	if derr == nil {
		log := models.NewAuditLog(decision.TenantID, models.AuditActionReservationReleased, "reservation").
			WithResource(id).
			WithActor(actor).
			WithDetails(map[string]interface{}{"reason": reason})
		if auditErr := s.repos.AuditLogs.Insert(ctx, log); auditErr != nil {
			s.logger.Error("failed to record reservation release", zap.Error(auditErr))
		}
	}

	s.logger.Info("reservation released",
		zap.String("reservation_id", id.String()),
		zap.String("actor", actor),
		zap.String("reason", reason))

	return reservation, nil
}
