package locate

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// EngineConfig bundles the engine's component configurations.
type EngineConfig struct {
	Coordinator *CoordinatorConfig `json:"coordinator"`
	Tracker     *TrackerConfig     `json:"tracker"`

	// LiveStrategyID selects the strategy driving live tracking. Empty
	// picks the first watch-capable strategy in priority order.
	LiveStrategyID string `json:"live_strategy_id"`
}

// DefaultEngineConfig returns engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Coordinator: DefaultCoordinatorConfig(),
		Tracker:     DefaultTrackerConfig(),
	}
}

// ResolveOptions tune a single resolution request.
type ResolveOptions struct {
	// ForceRefresh excludes the cache strategy from the race so a fresh
	// acquisition is attempted. A refresh issued while a resolution is in
	// flight attaches to it rather than starting a duplicate.
	ForceRefresh bool

	// PreferredStrategies restricts the race to the named strategy IDs.
	PreferredStrategies []string

	// GlobalTimeout overrides the configured global resolution timeout.
	GlobalTimeout time.Duration
}

// Engine is the location resolution engine: an explicit, constructible
// object so multiple instances (and tests) never share hidden state.
type Engine struct {
	config      *EngineConfig
	registry    *StrategyRegistry
	analyzer    *CapabilityAnalyzer
	coordinator *RaceCoordinator
	tracker     *LiveTracker
	perms       *PermissionMachine
	cache       CacheStore
	recorder    Recorder
	logger      *logx.Logger
}

// NewEngine wires the engine from its collaborators. Strategies are added
// afterwards through Register.
func NewEngine(config *EngineConfig, cache CacheStore, flags FlagStore, probe Probe, recorder Recorder, logger *logx.Logger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	perms := NewPermissionMachine(flags, logger)
	if rp, ok := probe.(*RuntimeProbe); ok && rp.Permissions == nil {
		rp.Permissions = perms
	}

	return &Engine{
		config:      config,
		registry:    NewStrategyRegistry(logger),
		analyzer:    NewCapabilityAnalyzer(probe, logger),
		coordinator: NewRaceCoordinator(config.Coordinator, cache, perms, recorder, logger),
		tracker:     NewLiveTracker(config.Tracker, cache, perms, recorder, logger),
		perms:       perms,
		cache:       cache,
		recorder:    recorder,
		logger:      logger,
	}
}

// Register adds a strategy to the engine's catalog.
func (e *Engine) Register(s Strategy) {
	e.registry.Register(s)
}

// Permissions exposes the permission state machine.
func (e *Engine) Permissions() *PermissionMachine {
	return e.perms
}

// ResolveLocation resolves a best-effort position. It either returns an
// estimate (possibly stale or Poor, always carrying source and quality
// tier) or a typed error from the engine taxonomy.
func (e *Engine) ResolveLocation(ctx context.Context, opts *ResolveOptions) (*LocationEstimate, error) {
	if opts == nil {
		opts = &ResolveOptions{}
	}

	snapshot := e.analyzer.Analyze(ctx)
	strategies := e.registry.Recommended(snapshot)

	if !snapshot.SupportsPositioning && len(strategies) == 0 {
		return nil, ErrNotSupported
	}

	if len(opts.PreferredStrategies) > 0 {
		strategies = filterByID(strategies, opts.PreferredStrategies)
	}
	if opts.ForceRefresh {
		strategies = dropClass(strategies, ClassCache)
	}

	return e.coordinator.Resolve(ctx, strategies, opts.GlobalTimeout)
}

// CachedLocation returns the last accepted estimate without blocking: the
// fresh entry when the primary TTL holds, otherwise the stale-tier entry
// marked IsStale, otherwise nil.
func (e *Engine) CachedLocation() *LocationEstimate {
	if e.cache == nil {
		return nil
	}
	if est := e.cache.Get(0); est != nil {
		return est
	}
	return e.cache.GetFallback()
}

// StartLiveTracking begins a continuous-update session. A second call while
// a session is active returns the existing handle.
func (e *Engine) StartLiveTracking(ctx context.Context, onUpdate func(*LocationEstimate), movementThresholdM float64) (*TrackingSession, error) {
	strategy := e.liveStrategy()
	if strategy == nil {
		return nil, ErrNotSupported
	}
	return e.tracker.Start(ctx, strategy, onUpdate, movementThresholdM)
}

// StopLiveTracking ends the given session.
func (e *Engine) StopLiveTracking(session *TrackingSession) {
	e.tracker.Stop(session)
}

// DistanceTo returns the great-circle distance in meters from the current
// estimate to the given coordinate, or ErrNoEstimate.
func (e *Engine) DistanceTo(lat, lng float64) (float64, error) {
	current := e.CachedLocation()
	if current == nil {
		return 0, ErrNoEstimate
	}
	return Haversine(current.Latitude, current.Longitude, lat, lng), nil
}

// ClearDeniedPermission removes the sticky denial and forces capability
// re-analysis so the next resolution may attempt gated strategies again.
func (e *Engine) ClearDeniedPermission() {
	e.perms.ClearDenied()
	e.analyzer.Invalidate()
}

// Capability returns the current (memoized) capability snapshot.
func (e *Engine) Capability(ctx context.Context) *CapabilitySnapshot {
	return e.analyzer.Analyze(ctx)
}

// Health reports per-strategy health keyed by strategy ID.
func (e *Engine) Health() map[string]StrategyHealth {
	out := make(map[string]StrategyHealth)
	for _, s := range e.registry.All() {
		out[s.Descriptor().ID] = s.Health()
	}
	return out
}

// Stats returns coordinator statistics.
func (e *Engine) Stats() ResolveStats {
	return e.coordinator.Stats()
}

// Close tears the engine down, ending any live-tracking session. The cache
// store is owned by the caller and closed separately.
func (e *Engine) Close() error {
	e.tracker.StopCurrent()
	e.logger.Info("engine_closed")
	return nil
}

func (e *Engine) liveStrategy() WatchStrategy {
	if e.config.LiveStrategyID != "" {
		return e.registry.WatchByID(e.config.LiveStrategyID)
	}
	for _, s := range e.registry.All() {
		if ws, ok := s.(WatchStrategy); ok {
			return ws
		}
	}
	return nil
}

func filterByID(strategies []Strategy, ids []string) []Strategy {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var out []Strategy
	for _, s := range strategies {
		if allowed[s.Descriptor().ID] {
			out = append(out, s)
		}
	}
	return out
}

func dropClass(strategies []Strategy, class StrategyClass) []Strategy {
	var out []Strategy
	for _, s := range strategies {
		if s.Descriptor().Class != class {
			out = append(out, s)
		}
	}
	return out
}
