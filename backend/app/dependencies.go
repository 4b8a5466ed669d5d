package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/policy-gate/backend/config"
	"github.com/upb/policy-gate/backend/internal/observability"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/repositories/postgres"
	"github.com/upb/policy-gate/backend/services/approval"
	"github.com/upb/policy-gate/backend/services/audit"
	"github.com/upb/policy-gate/backend/services/breaker"
	"github.com/upb/policy-gate/backend/services/evaluate"
	"github.com/upb/policy-gate/backend/services/fairuse"
	"github.com/upb/policy-gate/backend/services/fingerprint"
	"github.com/upb/policy-gate/backend/services/policy"
	"github.com/upb/policy-gate/backend/services/reconcile"
	"github.com/upb/policy-gate/backend/services/reservation"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  *redis.Client
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Fingerprints *fingerprint.Service
	Policies     *policy.Service
	PolicyCache  *policy.VersionCache
	Evaluator    *evaluate.Evaluator
	Approvals    *approval.Service
	Reservations *reservation.Service
	Reconciler   *reconcile.Engine
	Breakers     *breaker.Service
	FairUse      *fairuse.Guard
	Trail        *audit.Trail

	// HTTP middleware
	AuthMiddleware    *middleware.AuthMiddleware
	FairUseMiddleware *middleware.FairUseMiddleware

	// Telemetry
	Metrics *observability.Metrics
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.initRedis(cfg)
	deps.initRepositories()
	if err := deps.initServices(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	deps.initMiddleware(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL connection and repository factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRedis initializes the Redis client backing the fair-use guard and
// the billing spend feed. Connectivity is probed lazily; the guard
// degrades to its in-process fallback when Redis is unreachable.
func (d *Dependencies) initRedis(cfg *config.Config) {
	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Logger.Info("redis client initialized", zap.String("addr", cfg.Redis.Addr))
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	d.Repos = d.RepoFactory.NewRepositories()
	d.TxManager = d.RepoFactory.GetTransactionManager()
	d.Logger.Info("repositories initialized")
}

// initServices wires the gate services in dependency order
func (d *Dependencies) initServices(cfg *config.Config) error {
	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to register meters: %w", err)
	}
	d.Metrics = metrics

	d.Fingerprints = fingerprint.NewService(d.Repos.Decisions, cfg.Evaluation.IdempotencyKeyTTL, d.Logger)

	d.PolicyCache = policy.NewVersionCache(cfg.Evaluation.PolicyCacheSize, cfg.Evaluation.PolicyCacheTTL)
	d.Policies = policy.NewService(d.Repos.Policies, d.PolicyCache, d.Logger)

	d.Evaluator = evaluate.NewEvaluator(d.TxManager, d.Repos, d.Fingerprints, d.Policies, d.Logger)

	d.Approvals = approval.NewService(d.TxManager, d.Repos, approval.TokenConfig{
		SigningKey: []byte(cfg.Token.SigningKey),
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		TTL:        cfg.Token.TTL,
	}, d.Logger)

	tolerance, err := driftTolerance(cfg.Drift)
	if err != nil {
		return err
	}
	d.Reservations = reservation.NewService(d.TxManager, d.Repos, tolerance, d.Logger)

	spend := reconcile.NewRedisSpendProvider(d.Redis, "")
	d.Reconciler = reconcile.NewEngine(
		d.Reservations,
		d.Repos.Reservations,
		spend,
		cfg.Workers.ReconcileBatchSize,
		cfg.Workers.ReconcileMinAge,
		d.Logger,
	).WithMetrics(d.Metrics)

	d.Breakers = breaker.NewService(d.Repos.Breakers, d.Repos.AuditLogs, breaker.Config{
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		DailySavingsLimitUSD: cfg.Breaker.DailySavingsLimitUSD,
		CoolDown:             cfg.Breaker.CoolDown,
	}, d.Logger)

	d.FairUse = fairuse.NewGuard(d.Redis, fairuse.Config{
		RequestsPerMinute: cfg.FairUse.RequestsPerMinute,
		MaxConcurrent:     cfg.FairUse.MaxConcurrent,
		GlobalConcurrent:  cfg.FairUse.GlobalConcurrent,
		LeaseTTL:          cfg.FairUse.LeaseTTL,
	}, d.Logger)

	d.Trail = audit.NewTrail(d.Repos.AuditLogs, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// initMiddleware builds the auth and fair-use middleware chain
func (d *Dependencies) initMiddleware(cfg *config.Config) {
	validator := middleware.NewHMACValidator(cfg.Token.SigningKey, cfg.Token.Issuer, "")
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.FairUseMiddleware = middleware.NewFairUseMiddleware(d.FairUse, d.Logger)
}

// driftTolerance converts config into the ledger's tolerance setting
func driftTolerance(cfg config.DriftConfig) (reservation.Tolerance, error) {
	switch cfg.Mode {
	case "relative":
		return reservation.Tolerance{
			Mode:  reservation.ToleranceRelative,
			Ratio: cfg.Ratio,
		}, nil
	case "absolute":
		return reservation.Tolerance{
			Mode:        reservation.ToleranceAbsolute,
			AbsoluteUSD: cfg.AbsoluteUSD,
		}, nil
	default:
		return reservation.Tolerance{}, fmt.Errorf("unknown drift tolerance mode %q", cfg.Mode)
	}
}

// StartWorkers launches the background loops. They all stop when ctx is
// cancelled.
func (d *Dependencies) StartWorkers(ctx context.Context) {
	cfg := d.Config.Workers

	go d.Reconciler.StartWorker(ctx, cfg.ReconcileInterval)
	go d.Fingerprints.StartPurgeWorker(ctx, cfg.KeyPurgeInterval)
	go d.Approvals.StartExpiryWorker(ctx, cfg.ApprovalSweep, cfg.ApprovalExpiry)
	go d.PolicyCache.StartCleanupWorker(cfg.CacheCleanupInterval, ctx.Done())

	d.Logger.Info("background workers started")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
