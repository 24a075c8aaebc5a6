package cache

import (
	"context"
	"time"

	"shoestore/backend/internal/domain"
)

// StockLevelCache holds recently read stock levels so availability probes do
// not hit the store on every request. Entries are invalidated whenever a
// checkout or adjustment changes a quantity; the store remains the source of
// truth.
type StockLevelCache interface {
	Get(ctx context.Context, sku string) (*domain.StockLevel, bool, error)
	Set(ctx context.Context, sku string, level *domain.StockLevel, ttl time.Duration) error
	Invalidate(ctx context.Context, skus ...string) error
}

type NoopStockLevelCache struct{}

func (NoopStockLevelCache) Get(_ context.Context, _ string) (*domain.StockLevel, bool, error) {
	return nil, false, nil
}

func (NoopStockLevelCache) Set(_ context.Context, _ string, _ *domain.StockLevel, _ time.Duration) error {
	return nil
}

func (NoopStockLevelCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
