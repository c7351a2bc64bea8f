package locate

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// CacheStrategy serves a previously accepted estimate from the store. It
// participates in the race like any other strategy so a fresh cached fix
// can win instantly without special-casing the coordinator.
type CacheStrategy struct {
	healthTracker

	descriptor StrategyDescriptor
	cache      CacheStore
	logger     *logx.Logger
}

// NewCacheStrategy builds the cache-backed strategy. maxAge bounds how old
// a cached estimate may be to count as a race result.
func NewCacheStrategy(cache CacheStore, maxAge time.Duration, logger *logx.Logger) *CacheStrategy {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &CacheStrategy{
		descriptor: StrategyDescriptor{
			ID:           "cache",
			DisplayName:  "Cached Location",
			Priority:     10,
			Timeout:      2 * time.Second,
			AccuracyMode: AccuracyLow,
			MaxCacheAge:  maxAge,
			Class:        ClassCache,
		},
		cache:  cache,
		logger: logger,
	}
}

func (s *CacheStrategy) Descriptor() StrategyDescriptor {
	return s.descriptor
}

func (s *CacheStrategy) Available(ctx context.Context) bool {
	return s.cache != nil
}

func (s *CacheStrategy) Acquire(ctx context.Context) (*LocationEstimate, error) {
	start := time.Now()

	est := s.cache.Get(s.descriptor.MaxCacheAge)
	if est == nil {
		err := ErrNoEstimate
		s.recordFailure(time.Since(start), err)
		return nil, err
	}

	est.Source = SourceCache
	est.StrategyID = s.descriptor.ID
	s.recordSuccess(time.Since(start))
	s.logger.Debug("cache_hit", "age", time.Since(est.CapturedAt).String(), "accuracy_m", est.AccuracyMeters)
	return est, nil
}

func (s *CacheStrategy) Health() StrategyHealth {
	return s.snapshot(s.cache != nil)
}
