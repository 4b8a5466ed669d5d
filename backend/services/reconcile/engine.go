package reconcile

import (
	"context"
	"time"

	"github.com/upb/policy-gate/backend/internal/observability"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/services/reservation"
	"go.uber.org/zap"
)

// SpendProvider supplies realized spend for a reservation from the billing
// pipeline. ready is false while billing data for the reservation's window
// is still settling; such reservations stay open for a later sweep.
type SpendProvider interface {
	RealizedSpend(ctx context.Context, res *models.Reservation) (realizedUSD float64, ready bool, err error)
}

// Engine periodically sweeps open reservations and settles them against
// realized spend. Settlement goes through the ledger's conditional update,
// so overlapping sweeps on different instances never double-process a row.
type Engine struct {
	ledger       *reservation.Service
	reservations repositories.ReservationRepository
	provider     SpendProvider
	batchSize    int
	minAge       time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
}

// WithMetrics attaches drift metrics recording to the engine
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// NewEngine creates a new reconciliation engine
func NewEngine(
	ledger *reservation.Service,
	reservations repositories.ReservationRepository,
	provider SpendProvider,
	batchSize int,
	minAge time.Duration,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		ledger:       ledger,
		reservations: reservations,
		provider:     provider,
		batchSize:    batchSize,
		minAge:       minAge,
		logger:       logger,
	}
}

// Sweep processes one batch of open reservations. Returns how many were
// settled this pass; reservations without ready billing data and rows lost
// to concurrent sweeps are skipped, not errors.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	open, err := e.reservations.ListOpen(ctx, e.batchSize)
	if err != nil {
		return 0, services.WrapInternal("failed to list open reservations", err)
	}

	cutoff := time.Now().UTC().Add(-e.minAge)
	settled := 0

	for _, res := range open {
		if res.OpenedAt.After(cutoff) {
			continue
		}

		realized, ready, err := e.provider.RealizedSpend(ctx, res)
		if err != nil {
			e.logger.Error("spend provider failed for reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.Error(err))
			continue
		}
		if !ready {
			continue
		}

		result, err := e.ledger.Reconcile(ctx, res.ID, realized)
		if err != nil {
			if services.IsConflictError(err) {
				// Another sweep settled it between our list and this call
				continue
			}
			e.logger.Error("failed to reconcile reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.Error(err))
			continue
		}
		e.metrics.RecordDrift(ctx,
			realized-result.CommittedMonthlyUSD,
			result.Status == models.ReservationDriftException)
		settled++
	}

	return settled, nil
}

// StartWorker runs Sweep on a fixed interval until the context is cancelled
func (e *Engine) StartWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("started reconciliation sweep worker",
		zap.Duration("interval", interval),
		zap.Int("batch_size", e.batchSize),
		zap.Duration("min_age", e.minAge))

	for {
		select {
		case <-ticker.C:
			settled, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if settled > 0 {
				e.logger.Info("reconciliation sweep settled reservations",
					zap.Int("count", settled))
			}
		case <-ctx.Done():
			e.logger.Info("stopping reconciliation sweep worker")
			return
		}
	}
}
