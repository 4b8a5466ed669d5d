package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/upb/policy-gate/backend/models"
)

// RedisSpendProvider reads realized spend published by the billing export
// job. The exporter writes one key per reservation with the observed USD
// figure; a missing key means billing data has not landed yet.
type RedisSpendProvider struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSpendProvider creates a spend provider over the given client.
// An empty prefix defaults to "gate:spend".
func NewRedisSpendProvider(rdb *redis.Client, prefix string) *RedisSpendProvider {
	if prefix == "" {
		prefix = "gate:spend"
	}
	return &RedisSpendProvider{rdb: rdb, prefix: prefix}
}

func (p *RedisSpendProvider) key(res *models.Reservation) string {
	return fmt.Sprintf("%s:%s", p.prefix, res.ID)
}

// RealizedSpend returns the billing figure for a reservation. ready is
// false when the exporter has not published one yet; the sweep retries
// the row on its next pass.
func (p *RedisSpendProvider) RealizedSpend(ctx context.Context, res *models.Reservation) (float64, bool, error) {
	raw, err := p.rdb.Get(ctx, p.key(res)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read spend for reservation %s: %w", res.ID, err)
	}

	usd, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed spend value %q for reservation %s: %w", raw, res.ID, err)
	}
	return usd, true, nil
}

// Publish records realized spend for a reservation. Exposed so integration
// setups and the billing importer share one write path.
func (p *RedisSpendProvider) Publish(ctx context.Context, reservationID string, usd float64) error {
	key := fmt.Sprintf("%s:%s", p.prefix, reservationID)
	return p.rdb.Set(ctx, key, strconv.FormatFloat(usd, 'f', -1, 64), 0).Err()
}
