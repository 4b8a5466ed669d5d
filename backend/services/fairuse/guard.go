package fairuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// countScript increments the per-window request counter, arming the window
// TTL on first increment so the counter self-expires.
var countScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// leaseScript prunes expired leases, then grants a new lease only while the
// live count is under both the tenant and global caps. One round trip, so
// concurrent callers cannot both sneak under the cap.
var leaseScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
local tenant = redis.call("ZCARD", KEYS[1])
if tenant >= tonumber(ARGV[3]) then
  return {0, "tenant"}
end
local global = redis.call("ZCARD", KEYS[2])
if global >= tonumber(ARGV[4]) then
  return {0, "global"}
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[5])
return {1, ""}
`)

// Config holds the fair-use thresholds
type Config struct {
	// RequestsPerMinute caps evaluations per tenant per minute
	RequestsPerMinute int
	// MaxConcurrent caps in-flight evaluations per tenant
	MaxConcurrent int
	// GlobalConcurrent caps in-flight evaluations across all tenants
	GlobalConcurrent int
	// LeaseTTL bounds how long a crashed caller can hold a lease
	LeaseTTL time.Duration
	// KeyPrefix namespaces all guard keys in Redis
	KeyPrefix string
}

// Lease is a granted concurrency slot. Release returns it; an unreleased
// lease self-heals when its TTL passes.
type Lease struct {
	guard    *Guard
	tenantID uuid.UUID
	id       string
	noop     bool
}

// Release returns the concurrency slot
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.noop || l.guard == nil {
		return
	}
	l.guard.release(ctx, l.tenantID, l.id)
}

// Guard enforces fair use of the evaluation pipeline across tenants.
// Counters and leases live in Redis so all gate instances share them; when
// Redis is unreachable the guard degrades to a per-tenant in-process
// limiter rather than blocking evaluations entirely.
type Guard struct {
	rdb    *redis.Client
	cfg    Config
	logger *zap.Logger

	// now is the clock behind window keys and lease scores; tests swap it
	now func() time.Time

	mu        sync.Mutex
	fallbacks map[uuid.UUID]*rate.Limiter
}

// NewGuard creates a new fair-use guard
func NewGuard(rdb *redis.Client, cfg Config, logger *zap.Logger) *Guard {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gate:fairuse"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Guard{
		rdb:       rdb,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		fallbacks: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Authorize admits one evaluation for the tenant, granting a concurrency
// lease. Callers must Release the lease when the evaluation finishes.
func (g *Guard) Authorize(ctx context.Context, tenantID uuid.UUID) (*Lease, error) {
	suspended, err := g.killSwitchActive(ctx, tenantID)
	if err != nil {
		return g.fallbackAuthorize(tenantID, err)
	}
	if suspended {
		return nil, services.NewDomainError(services.ErrorTypeForbidden,
			"tenant evaluations suspended", nil).
			WithDetail("tenant_id", tenantID.String())
	}

	if err := g.checkRequestRate(ctx, tenantID); err != nil {
		if services.IsRateLimitError(err) {
			return nil, err
		}
		return g.fallbackAuthorize(tenantID, err)
	}

	lease, err := g.acquireLease(ctx, tenantID)
	if err != nil {
		if services.IsRateLimitError(err) {
			return nil, err
		}
		return g.fallbackAuthorize(tenantID, err)
	}
	return lease, nil
}

// Suspend flips the operator kill switch for one tenant, or for the whole
// gate when tenantID is uuid.Nil
func (g *Guard) Suspend(ctx context.Context, tenantID uuid.UUID) error {
	if err := g.rdb.Set(ctx, g.killKey(tenantID), "1", 0).Err(); err != nil {
		return services.WrapInternal("failed to set kill switch", err)
	}
	g.logger.Warn("fair-use kill switch engaged",
		zap.String("tenant_id", tenantID.String()))
	return nil
}

// Resume clears the kill switch
func (g *Guard) Resume(ctx context.Context, tenantID uuid.UUID) error {
	if err := g.rdb.Del(ctx, g.killKey(tenantID)).Err(); err != nil {
		return services.WrapInternal("failed to clear kill switch", err)
	}
	g.logger.Info("fair-use kill switch cleared",
		zap.String("tenant_id", tenantID.String()))
	return nil
}

func (g *Guard) killSwitchActive(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	vals, err := g.rdb.MGet(ctx, g.killKey(uuid.Nil), g.killKey(tenantID)).Result()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		if v != nil {
			return true, nil
		}
	}
	return false, nil
}

func (g *Guard) checkRequestRate(ctx context.Context, tenantID uuid.UUID) error {
	window := g.now().UTC().Format("200601021504")
	key := fmt.Sprintf("%s:rate:%s:%s", g.cfg.KeyPrefix, tenantID, window)

	count, err := countScript.Run(ctx, g.rdb, []string{key},
		time.Minute.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if count > int64(g.cfg.RequestsPerMinute) {
		return services.NewDomainError(services.ErrorTypeRateLimit,
			"evaluation rate limit exceeded", nil).
			WithDetail("tenant_id", tenantID.String()).
			WithDetail("limit_per_minute", g.cfg.RequestsPerMinute)
	}
	return nil
}

func (g *Guard) acquireLease(ctx context.Context, tenantID uuid.UUID) (*Lease, error) {
	now := g.now().UTC()
	leaseID := uuid.NewString()

	res, err := leaseScript.Run(ctx, g.rdb,
		[]string{g.leaseKey(tenantID), g.globalLeaseKey()},
		now.UnixMilli(),
		now.Add(g.cfg.LeaseTTL).UnixMilli(),
		g.cfg.MaxConcurrent,
		g.cfg.GlobalConcurrent,
		leaseID,
	).Slice()
	if err != nil {
		return nil, err
	}

	granted, _ := res[0].(int64)
	if granted != 1 {
		scope, _ := res[1].(string)
		msg := "concurrent evaluation limit exceeded"
		if scope == "global" {
			msg = "gate-wide concurrency limit exceeded"
		}
		return nil, services.NewDomainError(services.ErrorTypeRateLimit, msg, nil).
			WithDetail("tenant_id", tenantID.String()).
			WithDetail("scope", scope)
	}

	return &Lease{guard: g, tenantID: tenantID, id: leaseID}, nil
}

func (g *Guard) release(ctx context.Context, tenantID uuid.UUID, leaseID string) {
	pipe := g.rdb.Pipeline()
	pipe.ZRem(ctx, g.leaseKey(tenantID), leaseID)
	pipe.ZRem(ctx, g.globalLeaseKey(), leaseID)
	if _, err := pipe.Exec(ctx); err != nil {
		// The lease TTL reclaims the slot anyway
		g.logger.Debug("failed to release fair-use lease", zap.Error(err))
	}
}

// fallbackAuthorize degrades to an in-process per-tenant limiter when Redis
// is unreachable. Concurrency caps cannot be enforced without shared state,
// so the lease is a no-op.
func (g *Guard) fallbackAuthorize(tenantID uuid.UUID, cause error) (*Lease, error) {
	g.logger.Warn("fair-use guard degraded to in-process limiter",
		zap.String("tenant_id", tenantID.String()),
		zap.Error(cause))

	g.mu.Lock()
	limiter, ok := g.fallbacks[tenantID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(float64(g.cfg.RequestsPerMinute)/60.0),
			g.cfg.RequestsPerMinute)
		g.fallbacks[tenantID] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		return nil, services.NewDomainError(services.ErrorTypeRateLimit,
			"evaluation rate limit exceeded", nil).
			WithDetail("tenant_id", tenantID.String()).
			WithDetail("degraded", true)
	}
	return &Lease{noop: true}, nil
}

func (g *Guard) killKey(tenantID uuid.UUID) string {
	if tenantID == uuid.Nil {
		return g.cfg.KeyPrefix + ":kill"
	}
	return fmt.Sprintf("%s:kill:%s", g.cfg.KeyPrefix, tenantID)
}

func (g *Guard) leaseKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("%s:leases:%s", g.cfg.KeyPrefix, tenantID)
}

func (g *Guard) globalLeaseKey() string {
	return g.cfg.KeyPrefix + ":leases:global"
}
