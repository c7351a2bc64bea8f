package locate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(cache CacheStore) (*Engine, *fakeProbe) {
	probe := &fakeProbe{
		supports:   true,
		platform:   PlatformMobile,
		motion:     true,
		connection: ConnectionGood,
		permission: PermissionUnknown,
		perf:       10,
	}
	cfg := DefaultEngineConfig()
	cfg.Coordinator = fastCoordinatorConfig()
	engine := NewEngine(cfg, cache, newMemFlags(), probe, nil, testLogger())
	return engine, probe
}

func TestEngineResolveLocation(t *testing.T) {
	cache := &fakeCache{}
	engine, _ := newTestEngine(cache)

	gps := newFakeStrategy("gps-high", ClassDevice, 20)
	gps.estimate = deviceEstimate(10)
	engine.Register(gps)

	est, err := engine.ResolveLocation(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDeviceGPS, est.Source)
	assert.Equal(t, TierExcellent, est.QualityTier)
	assert.Equal(t, 1, cache.putCount())
}

func TestEngineResolveNotSupported(t *testing.T) {
	engine, probe := newTestEngine(&fakeCache{})
	probe.supports = false

	est, err := engine.ResolveLocation(context.Background(), nil)
	assert.Nil(t, est)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestEngineForceRefreshSkipsCacheStrategy(t *testing.T) {
	cache := &fakeCache{}
	engine, _ := newTestEngine(cache)

	cacheStrategy := newFakeStrategy("cache", ClassCache, 10)
	cacheStrategy.estimate = deviceEstimate(10)
	gps := newFakeStrategy("gps-high", ClassDevice, 20)
	gps.estimate = deviceEstimate(15)
	engine.Register(cacheStrategy)
	engine.Register(gps)

	_, err := engine.ResolveLocation(context.Background(), &ResolveOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 0, cacheStrategy.callCount())
	assert.Equal(t, 1, gps.callCount())
}

func TestEnginePreferredStrategies(t *testing.T) {
	engine, _ := newTestEngine(&fakeCache{})

	gps := newFakeStrategy("gps-high", ClassDevice, 20)
	gps.estimate = deviceEstimate(5)
	network := newFakeStrategy("network", ClassNetwork, 50)
	network.estimate = &LocationEstimate{
		Latitude: 59.3, Longitude: 18.1, AccuracyMeters: 60,
		Source: SourceNetworkBrowser, CapturedAt: time.Now(),
	}
	engine.Register(gps)
	engine.Register(network)

	est, err := engine.ResolveLocation(context.Background(), &ResolveOptions{
		PreferredStrategies: []string{"network"},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceNetworkBrowser, est.Source)
	assert.Equal(t, 0, gps.callCount())
}

func TestEngineCachedLocation(t *testing.T) {
	cache := &fakeCache{}
	engine, _ := newTestEngine(cache)

	assert.Nil(t, engine.CachedLocation())

	cache.fresh = deviceEstimate(25)
	got := engine.CachedLocation()
	require.NotNil(t, got)
	assert.False(t, got.IsStale)

	cache.fresh = nil
	cache.fallback = deviceEstimate(25)
	got = engine.CachedLocation()
	require.NotNil(t, got)
	assert.True(t, got.IsStale)
}

func TestEngineDistanceTo(t *testing.T) {
	cache := &fakeCache{}
	engine, _ := newTestEngine(cache)

	_, err := engine.DistanceTo(57.7089, 11.9746)
	assert.ErrorIs(t, err, ErrNoEstimate)

	cache.fresh = deviceEstimate(10)
	d, err := engine.DistanceTo(57.7089, 11.9746)
	require.NoError(t, err)
	assert.InDelta(t, 398000, d, 5000)
}

func TestEngineClearDeniedPermission(t *testing.T) {
	engine, probe := newTestEngine(&fakeCache{})

	engine.Permissions().ReportDenied()
	probe.permission = PermissionDenied

	// Memoized snapshot computed under denial.
	snapshot := engine.Capability(context.Background())
	assert.Equal(t, PermissionDenied, snapshot.PermissionState)

	probe.permission = PermissionPrompt
	engine.ClearDeniedPermission()
	assert.Equal(t, PermissionPrompt, engine.Permissions().State())

	refreshed := engine.Capability(context.Background())
	assert.Equal(t, PermissionPrompt, refreshed.PermissionState)
}

func TestEngineLiveTrackingRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(&fakeCache{})

	strategy := newFakeWatchStrategy("gps-high")
	engine.Register(strategy)

	var updates []*LocationEstimate
	session, err := engine.StartLiveTracking(context.Background(), func(est *LocationEstimate) {
		updates = append(updates, est)
	}, 5.0)
	require.NoError(t, err)

	strategy.emit(deviceEstimate(10))
	assert.Len(t, updates, 1)

	engine.StopLiveTracking(session)
	assert.False(t, session.Active())
}

func TestEngineLiveTrackingNoWatchStrategy(t *testing.T) {
	engine, _ := newTestEngine(&fakeCache{})
	engine.Register(newFakeStrategy("ip-api", ClassIP, 100))

	session, err := engine.StartLiveTracking(context.Background(), nil, 5.0)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestEngineCloseStopsActiveSession(t *testing.T) {
	engine, _ := newTestEngine(&fakeCache{})

	strategy := newFakeWatchStrategy("gps-high")
	engine.Register(strategy)

	session, err := engine.StartLiveTracking(context.Background(), nil, 5.0)
	require.NoError(t, err)
	assert.True(t, session.Active())

	require.NoError(t, engine.Close())
	assert.False(t, session.Active())
	assert.True(t, strategy.wasStopped())
}

func TestEngineHealthAndStats(t *testing.T) {
	engine, _ := newTestEngine(&fakeCache{})

	gps := newFakeStrategy("gps-high", ClassDevice, 20)
	gps.estimate = deviceEstimate(10)
	engine.Register(gps)

	_, err := engine.ResolveLocation(context.Background(), nil)
	require.NoError(t, err)

	health := engine.Health()
	assert.Contains(t, health, "gps-high")
	assert.Equal(t, int64(1), engine.Stats().TotalRequests)

	require.NoError(t, engine.Close())
}
