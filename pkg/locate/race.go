package locate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Recorder receives engine events for metrics export. Implementations must
// be safe for concurrent use.
type Recorder interface {
	RecordResolution(source Source, outcome string, d time.Duration)
	RecordStrategyLatency(strategyID string, d time.Duration, success bool)
	RecordCacheEvent(event string)
	RecordTrackerUpdate(emitted bool)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) RecordResolution(Source, string, time.Duration)    {}
func (NopRecorder) RecordStrategyLatency(string, time.Duration, bool) {}
func (NopRecorder) RecordCacheEvent(string)                           {}
func (NopRecorder) RecordTrackerUpdate(bool)                          {}

// CoordinatorConfig configures the race and its fallback ladder.
type CoordinatorConfig struct {
	GlobalTimeout time.Duration `json:"global_timeout"`

	// Optional last-resort coordinate. When disabled the ladder ends with
	// the stale cache tier.
	DefaultEnabled   bool    `json:"default_enabled"`
	DefaultLatitude  float64 `json:"default_latitude"`
	DefaultLongitude float64 `json:"default_longitude"`

	Backoff *BackoffConfig `json:"backoff"`
}

// DefaultCoordinatorConfig returns coordinator defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		GlobalTimeout: 15 * time.Second,
		Backoff:       DefaultBackoffConfig(),
	}
}

// ResolveStats tracks coordinator outcomes.
type ResolveStats struct {
	TotalRequests        int64 `json:"total_requests"`
	SharedFlights        int64 `json:"shared_flights"`
	RaceWins             int64 `json:"race_wins"`
	CacheFallbacks       int64 `json:"cache_fallbacks"`
	IPFallbacks          int64 `json:"ip_fallbacks"`
	StaleFallbacks       int64 `json:"stale_fallbacks"`
	DefaultFallbacks     int64 `json:"default_fallbacks"`
	DiscardedLateResults int64 `json:"discarded_late_results"`
	PermissionRejections int64 `json:"permission_rejections"`
	Failures             int64 `json:"failures"`
}

// RaceCoordinator launches a capability-filtered set of strategies
// concurrently, accepts the first acceptable winner, and walks the fallback
// ladder when the race produces none.
//
// Losing strategies are not cancelled at the source: positioning calls
// generally cannot be aborted once started, so losing results are ignored.
// The concurrent strategy count is bounded by the registry's truncated
// recommendation list, which keeps the background work bounded too.
type RaceCoordinator struct {
	config   *CoordinatorConfig
	cache    CacheStore
	perms    *PermissionMachine
	recorder Recorder
	logger   *logx.Logger

	// flight serializes overlapping resolutions: concurrent callers attach
	// to the in-flight result instead of starting a second race. The group
	// returns to idle when the shared call finishes, success or failure.
	flight singleflight.Group

	mu    sync.Mutex
	stats ResolveStats
}

func NewRaceCoordinator(config *CoordinatorConfig, cache CacheStore, perms *PermissionMachine, recorder Recorder, logger *logx.Logger) *RaceCoordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if config.Backoff == nil {
		config.Backoff = DefaultBackoffConfig()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &RaceCoordinator{
		config:   config,
		cache:    cache,
		perms:    perms,
		recorder: recorder,
		logger:   logger,
	}
}

// Resolve races the given strategies and returns the first acceptable
// estimate, falling back to cache, sequential IP lookup, stale cache, and
// the configured default coordinate in that order.
func (rc *RaceCoordinator) Resolve(ctx context.Context, strategies []Strategy, globalTimeout time.Duration) (*LocationEstimate, error) {
	rc.mu.Lock()
	rc.stats.TotalRequests++
	rc.mu.Unlock()

	result, err, shared := rc.flight.Do("resolve", func() (interface{}, error) {
		return rc.resolve(ctx, strategies, globalTimeout)
	})
	if shared {
		rc.mu.Lock()
		rc.stats.SharedFlights++
		rc.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return result.(*LocationEstimate), nil
}

// Stats returns a copy of the coordinator statistics.
func (rc *RaceCoordinator) Stats() ResolveStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

type raceResult struct {
	estimate *LocationEstimate
	err      error
	strategy Strategy
	elapsed  time.Duration
}

func (rc *RaceCoordinator) resolve(ctx context.Context, strategies []Strategy, globalTimeout time.Duration) (*LocationEstimate, error) {
	start := time.Now()

	if globalTimeout <= 0 {
		globalTimeout = rc.config.GlobalTimeout
	}

	racers, ladder := partition(strategies)

	// Permission gate: never touch a device API once denial is known.
	if rc.perms != nil && rc.perms.Denied() {
		remaining := 0
		for _, s := range append(append([]Strategy{}, racers...), ladder...) {
			if !s.Descriptor().RequiresPermission {
				remaining++
			}
		}
		if remaining == 0 {
			rc.bump(func(s *ResolveStats) { s.PermissionRejections++ })
			rc.recorder.RecordResolution(SourceDefault, "permission_denied", time.Since(start))
			return nil, ErrPermissionDenied
		}
		racers = dropPermissionGated(racers)
		ladder = dropPermissionGated(ladder)
	}

	raceCtx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	if winner := rc.race(raceCtx, racers); winner != nil {
		Annotate(winner)
		rc.accept(winner)
		rc.bump(func(s *ResolveStats) { s.RaceWins++ })
		rc.recorder.RecordResolution(winner.Source, "race_win", time.Since(start))
		return winner, nil
	}

	// Fallback ladder, in order: fresh cache, sequential IP providers,
	// stale cache, configured default coordinate.
	if rc.cache != nil {
		if cached := rc.cache.Get(0); cached != nil {
			rc.bump(func(s *ResolveStats) { s.CacheFallbacks++ })
			rc.recorder.RecordCacheEvent("fallback_fresh")
			rc.recorder.RecordResolution(SourceCache, "cache_fallback", time.Since(start))
			return cached, nil
		}
	}

	if est := rc.ipLadder(ctx, ladder); est != nil {
		Annotate(est)
		rc.accept(est)
		rc.bump(func(s *ResolveStats) { s.IPFallbacks++ })
		rc.recorder.RecordResolution(est.Source, "ip_fallback", time.Since(start))
		return est, nil
	}

	if rc.cache != nil {
		if stale := rc.cache.GetFallback(); stale != nil {
			rc.bump(func(s *ResolveStats) { s.StaleFallbacks++ })
			rc.recorder.RecordCacheEvent("fallback_stale")
			rc.recorder.RecordResolution(SourceCache, "stale_fallback", time.Since(start))
			return stale, nil
		}
	}

	if rc.config.DefaultEnabled {
		est := &LocationEstimate{
			Latitude:       rc.config.DefaultLatitude,
			Longitude:      rc.config.DefaultLongitude,
			AccuracyMeters: AccuracyUnknown,
			Source:         SourceDefault,
			StrategyID:     "default",
			CapturedAt:     time.Now(),
		}
		Annotate(est)
		est.QualityTier = TierPoor
		rc.bump(func(s *ResolveStats) { s.DefaultFallbacks++ })
		rc.recorder.RecordResolution(SourceDefault, "default_fallback", time.Since(start))
		return est, nil
	}

	rc.bump(func(s *ResolveStats) { s.Failures++ })
	rc.recorder.RecordResolution(SourceDefault, "exhausted", time.Since(start))
	return nil, ErrAllStrategiesExhausted
}

// race launches all non-IP strategies concurrently and returns the first
// result whose accuracy crosses the acceptable bar, or nil when the global
// deadline passes or every strategy finishes without one.
func (rc *RaceCoordinator) race(ctx context.Context, racers []Strategy) *LocationEstimate {
	if len(racers) == 0 {
		return nil
	}

	results := make(chan raceResult, len(racers))
	launched := 0

	for _, s := range racers {
		if !s.Available(ctx) {
			rc.logger.LogDebugVerbose("strategy_unavailable", map[string]interface{}{
				"strategy": s.Descriptor().ID,
			})
			continue
		}
		launched++
		go rc.attempt(ctx, s, results)
	}
	if launched == 0 {
		return nil
	}

	received := 0
	for {
		select {
		case <-ctx.Done():
			go rc.drain(results, launched-received)
			return nil
		case res := <-results:
			received++
			if res.err != nil {
				if rc.perms != nil {
					rc.perms.ObserveAcquisitionError(res.err)
				}
				rc.logger.Debug("strategy_failed",
					"strategy", res.strategy.Descriptor().ID,
					"error", res.err.Error(),
					"elapsed_ms", res.elapsed.Milliseconds(),
				)
			} else if Acceptable(res.estimate) {
				if rc.perms != nil && res.strategy.Descriptor().RequiresPermission {
					rc.perms.ReportGranted()
				}
				rc.logger.Info("race_winner",
					"strategy", res.strategy.Descriptor().ID,
					"accuracy_m", res.estimate.AccuracyMeters,
					"elapsed_ms", res.elapsed.Milliseconds(),
				)
				go rc.drain(results, launched-received)
				return res.estimate
			} else {
				rc.logger.Debug("strategy_result_unacceptable",
					"strategy", res.strategy.Descriptor().ID,
					"accuracy_m", res.estimate.AccuracyMeters,
				)
			}
			if received == launched {
				return nil
			}
		}
	}
}

// attempt runs one strategy under its own timeout and delivers the outcome.
// The results channel is buffered to the launch count so a late send never
// blocks a goroutine forever.
func (rc *RaceCoordinator) attempt(ctx context.Context, s Strategy, results chan<- raceResult) {
	desc := s.Descriptor()
	attemptCtx := ctx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	start := time.Now()
	est, err := s.Acquire(attemptCtx)
	elapsed := time.Since(start)

	if err == nil && est != nil {
		est.StrategyID = desc.ID
	}
	if err == nil && est == nil {
		err = fmt.Errorf("strategy %s: %w", desc.ID, ErrProviderFailure)
	}
	if attemptCtx.Err() == context.DeadlineExceeded && err != nil {
		err = fmt.Errorf("strategy %s after %s: %w", desc.ID, elapsed, ErrTimeout)
	}

	rc.recorder.RecordStrategyLatency(desc.ID, elapsed, err == nil)
	results <- raceResult{estimate: est, err: err, strategy: s, elapsed: elapsed}
}

// drain consumes results that arrive after the acceptance guard closed.
func (rc *RaceCoordinator) drain(results <-chan raceResult, pending int) {
	for i := 0; i < pending; i++ {
		res := <-results
		rc.bump(func(s *ResolveStats) { s.DiscardedLateResults++ })
		rc.logger.LogDebugVerbose("late_result_discarded", map[string]interface{}{
			"strategy": res.strategy.Descriptor().ID,
			"failed":   res.err != nil,
		})
	}
}

// ipLadder tries IP providers strictly sequentially with per-class backoff
// between attempts, out of courtesy to external rate limits. Any estimate is
// accepted here regardless of tier.
func (rc *RaceCoordinator) ipLadder(ctx context.Context, ladder []Strategy) *LocationEstimate {
	policy := rc.config.Backoff.ForClass(ClassIP)

	for i, s := range ladder {
		if delay := policy.Delay(i); delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
		if !s.Available(ctx) {
			continue
		}

		desc := s.Descriptor()
		attemptCtx := ctx
		var cancel context.CancelFunc
		if desc.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		}
		start := time.Now()
		est, err := s.Acquire(attemptCtx)
		if cancel != nil {
			cancel()
		}
		rc.recorder.RecordStrategyLatency(desc.ID, time.Since(start), err == nil)

		if err != nil {
			rc.logger.Warn("ip_provider_failed",
				"provider", desc.ID,
				"error", err.Error(),
			)
			continue
		}
		if est != nil {
			est.StrategyID = desc.ID
			return est
		}
	}
	return nil
}

// accept persists a winning estimate under the cache overwrite invariant.
// Only the coordinator and the live tracker ever write to the cache.
func (rc *RaceCoordinator) accept(est *LocationEstimate) {
	if rc.cache == nil {
		return
	}
	if err := rc.cache.Put(est); err != nil {
		rc.logger.Warn("cache_put_failed", "error", err.Error())
	}
}

func (rc *RaceCoordinator) bump(f func(*ResolveStats)) {
	rc.mu.Lock()
	f(&rc.stats)
	rc.mu.Unlock()
}

func partition(strategies []Strategy) (racers, ladder []Strategy) {
	for _, s := range strategies {
		if s.Descriptor().Class == ClassIP {
			ladder = append(ladder, s)
		} else {
			racers = append(racers, s)
		}
	}
	return racers, ladder
}

func dropPermissionGated(strategies []Strategy) []Strategy {
	var out []Strategy
	for _, s := range strategies {
		if !s.Descriptor().RequiresPermission {
			out = append(out, s)
		}
	}
	return out
}
