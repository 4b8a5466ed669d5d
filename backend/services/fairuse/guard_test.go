package fairuse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

func newGuard(t *testing.T, cfg Config) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewGuard(rdb, cfg, zap.NewNop()), mr
}

func defaultConfig() Config {
	return Config{
		RequestsPerMinute: 100,
		MaxConcurrent:     5,
		GlobalConcurrent:  20,
		LeaseTTL:          30 * time.Second,
	}
}

func TestGuard_AuthorizeGrantsLease(t *testing.T) {
	guard, _ := newGuard(t, defaultConfig())
	tenantID := uuid.New()

	lease, err := guard.Authorize(context.Background(), tenantID)

	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.False(t, lease.noop)
	lease.Release(context.Background())
}

func TestGuard_RequestRateCapRejects(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequestsPerMinute = 2
	cfg.MaxConcurrent = 10
	guard, _ := newGuard(t, cfg)
	tenantID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := guard.Authorize(ctx, tenantID)
		require.NoError(t, err)
		lease.Release(ctx)
	}

	_, err := guard.Authorize(ctx, tenantID)

	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
	assert.Equal(t, 2, services.GetErrorDetails(err)["limit_per_minute"])
}

func TestGuard_RateCapIsPerTenant(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequestsPerMinute = 1
	guard, _ := newGuard(t, cfg)
	ctx := context.Background()

	leaseA, err := guard.Authorize(ctx, uuid.New())
	require.NoError(t, err)
	leaseA.Release(ctx)

	leaseB, err := guard.Authorize(ctx, uuid.New())
	require.NoError(t, err)
	leaseB.Release(ctx)
}

func TestGuard_ConcurrencyCapRejects(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrent = 2
	guard, _ := newGuard(t, cfg)
	tenantID := uuid.New()
	ctx := context.Background()

	lease1, err := guard.Authorize(ctx, tenantID)
	require.NoError(t, err)
	_, err = guard.Authorize(ctx, tenantID)
	require.NoError(t, err)

	_, err = guard.Authorize(ctx, tenantID)

	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
	assert.Equal(t, "tenant", services.GetErrorDetails(err)["scope"])

	// Releasing a lease frees a slot
	lease1.Release(ctx)
	lease3, err := guard.Authorize(ctx, tenantID)
	require.NoError(t, err)
	lease3.Release(ctx)
}

func TestGuard_GlobalConcurrencyCapSpansTenants(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrent = 10
	cfg.GlobalConcurrent = 2
	guard, _ := newGuard(t, cfg)
	ctx := context.Background()

	_, err := guard.Authorize(ctx, uuid.New())
	require.NoError(t, err)
	_, err = guard.Authorize(ctx, uuid.New())
	require.NoError(t, err)

	_, err = guard.Authorize(ctx, uuid.New())

	require.Error(t, err)
	assert.Equal(t, "global", services.GetErrorDetails(err)["scope"])
}

func TestGuard_ExpiredLeasesAreReclaimed(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrent = 1
	cfg.LeaseTTL = 5 * time.Second
	guard, _ := newGuard(t, cfg)
	tenantID := uuid.New()
	ctx := context.Background()

	base := time.Now().UTC()
	guard.now = func() time.Time { return base }

	// Lease acquired, caller crashes without releasing
	_, err := guard.Authorize(ctx, tenantID)
	require.NoError(t, err)

	_, err = guard.Authorize(ctx, tenantID)
	require.Error(t, err)

	// Once the TTL passes the prune step frees the slot
	guard.now = func() time.Time { return base.Add(6 * time.Second) }
	lease, err := guard.Authorize(ctx, tenantID)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestGuard_KillSwitchSuspendsTenant(t *testing.T) {
	guard, _ := newGuard(t, defaultConfig())
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, guard.Suspend(ctx, tenantID))

	_, err := guard.Authorize(ctx, tenantID)
	require.Error(t, err)
	assert.True(t, services.IsForbiddenError(err))

	// Other tenants are unaffected
	lease, err := guard.Authorize(ctx, uuid.New())
	require.NoError(t, err)
	lease.Release(ctx)

	require.NoError(t, guard.Resume(ctx, tenantID))
	lease, err = guard.Authorize(ctx, tenantID)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestGuard_GlobalKillSwitchSuspendsEveryone(t *testing.T) {
	guard, _ := newGuard(t, defaultConfig())
	ctx := context.Background()

	require.NoError(t, guard.Suspend(ctx, uuid.Nil))

	_, err := guard.Authorize(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, services.IsForbiddenError(err))
}

func TestGuard_FallsBackWhenRedisDown(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequestsPerMinute = 1
	guard, mr := newGuard(t, cfg)
	tenantID := uuid.New()
	ctx := context.Background()

	mr.Close()

	lease, err := guard.Authorize(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, lease.noop)
	lease.Release(ctx)

	// The in-process limiter still enforces the per-minute rate
	_, err = guard.Authorize(ctx, tenantID)
	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
	assert.Equal(t, true, services.GetErrorDetails(err)["degraded"])
}

func TestLease_NilAndNoopReleaseAreSafe(t *testing.T) {
	var lease *Lease
	lease.Release(context.Background())

	(&Lease{noop: true}).Release(context.Background())
}
