package cache

import (
	"context"
	"time"

	"zaiko/backend/internal/domain"
)

// SaleCache remembers committed sales by external id so replays from
// syncing terminals can be answered without a database round trip.
type SaleCache interface {
	Get(ctx context.Context, externalID string) (*domain.Sale, bool, error)
	Set(ctx context.Context, externalID string, sale *domain.Sale, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.Sale, _ time.Duration) error {
	return nil
}
