// Package cache provides the read cache for daily aggregate reports. The
// store of record is the repository; the cache only shortcuts repeated reads
// of the same (store, day) record and is invalidated on every write.
package cache

import (
	"context"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
)

type StatsCache interface {
	Get(ctx context.Context, key string) (*domain.DailyRecord, bool, error)
	Set(ctx context.Context, key string, record *domain.DailyRecord, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NoopStatsCache is used when no Redis address is configured. Every read
// misses, so callers always fall through to the repository.
type NoopStatsCache struct{}

func (NoopStatsCache) Get(context.Context, string) (*domain.DailyRecord, bool, error) {
	return nil, false, nil
}

func (NoopStatsCache) Set(context.Context, string, *domain.DailyRecord, time.Duration) error {
	return nil
}

func (NoopStatsCache) Delete(context.Context, string) error {
	return nil
}
