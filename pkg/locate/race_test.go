package locate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		GlobalTimeout: 2 * time.Second,
		Backoff: &BackoffConfig{
			IP: BackoffPolicy{},
		},
	}
}

func newTestCoordinator(cache CacheStore, perms *PermissionMachine) *RaceCoordinator {
	return NewRaceCoordinator(fastCoordinatorConfig(), cache, perms, nil, testLogger())
}

func TestResolveFastGPSWins(t *testing.T) {
	cache := &fakeCache{}
	rc := newTestCoordinator(cache, nil)

	gps := newFakeStrategy("gps-high", ClassDevice, 20)
	gps.estimate = deviceEstimate(8)
	ip := newFakeStrategy("ip-api", ClassIP, 100)
	ip.estimate = ipEstimate()

	est, err := rc.Resolve(context.Background(), []Strategy{gps, ip}, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceDeviceGPS, est.Source)
	assert.Equal(t, TierExcellent, est.QualityTier)
	assert.False(t, est.IsStale)

	// The winner was cached and the IP ladder never ran.
	assert.Equal(t, 1, cache.putCount())
	assert.Equal(t, 0, ip.callCount())
	assert.Equal(t, int64(1), rc.Stats().RaceWins)
}

func TestResolveSlowStrategyLosesToFasterAcceptable(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	slow := newFakeStrategy("gps-high", ClassDevice, 20)
	slow.estimate = deviceEstimate(3)
	slow.delay = 500 * time.Millisecond
	fast := newFakeStrategy("network", ClassNetwork, 50)
	fast.estimate = &LocationEstimate{
		Latitude: 59.3, Longitude: 18.1, AccuracyMeters: 80,
		Source: SourceNetworkBrowser, CapturedAt: time.Now(),
	}

	est, err := rc.Resolve(context.Background(), []Strategy{slow, fast}, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceNetworkBrowser, est.Source)

	// The slow result arrives later and is discarded, not retroactively applied.
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, int64(1), rc.Stats().DiscardedLateResults)
}

func TestResolveUnacceptableResultDoesNotWin(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	wide := newFakeStrategy("network", ClassNetwork, 50)
	wide.estimate = &LocationEstimate{
		Latitude: 59.3, Longitude: 18.1, AccuracyMeters: 4000,
		Source: SourceNetworkBrowser, CapturedAt: time.Now(),
	}
	ip := newFakeStrategy("ip-api", ClassIP, 100)
	ip.estimate = ipEstimate()

	est, err := rc.Resolve(context.Background(), []Strategy{wide, ip}, 0)
	require.NoError(t, err)

	// The wide racer result is rejected; the IP ladder serves instead.
	assert.Equal(t, SourceIPGeolocation, est.Source)
	assert.Equal(t, int64(1), rc.Stats().IPFallbacks)
}

func TestResolveAllFailFreshCacheServes(t *testing.T) {
	cache := &fakeCache{fresh: deviceEstimate(50)}
	rc := newTestCoordinator(cache, nil)

	failing := newFakeStrategy("gps-high", ClassDevice, 20)
	failing.err = errors.New("no fix")

	est, err := rc.Resolve(context.Background(), []Strategy{failing}, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceDeviceGPS, est.Source)
	assert.Equal(t, int64(1), rc.Stats().CacheFallbacks)
}

func TestResolveIPLadderTriesProvidersInOrder(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	first := newFakeStrategy("ip-api", ClassIP, 100)
	first.err = errors.New("rate limited")
	second := newFakeStrategy("ipapi-co", ClassIP, 110)
	second.estimate = ipEstimate()
	third := newFakeStrategy("ipinfo", ClassIP, 120)
	third.estimate = ipEstimate()

	est, err := rc.Resolve(context.Background(), []Strategy{first, second, third}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ipapi-co", est.StrategyID)
	assert.Equal(t, 1, first.callCount())
	assert.Equal(t, 1, second.callCount())
	assert.Equal(t, 0, third.callCount())
}

func TestResolveStaleCacheBeforeFailure(t *testing.T) {
	stale := deviceEstimate(30)
	stale.CapturedAt = time.Now().Add(-30 * time.Minute)
	cache := &fakeCache{fallback: stale}
	rc := newTestCoordinator(cache, nil)

	failing := newFakeStrategy("ip-api", ClassIP, 100)
	failing.err = errors.New("unreachable")

	est, err := rc.Resolve(context.Background(), []Strategy{failing}, 0)
	require.NoError(t, err)
	assert.True(t, est.IsStale)
	assert.Equal(t, int64(1), rc.Stats().StaleFallbacks)
}

func TestResolveDefaultCoordinateFallback(t *testing.T) {
	cfg := fastCoordinatorConfig()
	cfg.DefaultEnabled = true
	cfg.DefaultLatitude = 59.0
	cfg.DefaultLongitude = 18.0
	rc := NewRaceCoordinator(cfg, &fakeCache{}, nil, nil, testLogger())

	est, err := rc.Resolve(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, est.Source)
	assert.Equal(t, TierPoor, est.QualityTier)
	assert.Equal(t, 59.0, est.Latitude)
}

func TestResolveAllStrategiesExhausted(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	failing := newFakeStrategy("gps-high", ClassDevice, 20)
	failing.err = errors.New("no fix")

	est, err := rc.Resolve(context.Background(), []Strategy{failing}, 0)
	assert.Nil(t, est)
	assert.ErrorIs(t, err, ErrAllStrategiesExhausted)
	assert.Equal(t, int64(1), rc.Stats().Failures)
}

func TestResolvePermissionDeniedNoStrategiesLeft(t *testing.T) {
	perms := NewPermissionMachine(newMemFlags(), testLogger())
	perms.ReportDenied()
	rc := newTestCoordinator(&fakeCache{}, perms)

	gated := newFakeStrategy("gps-high", ClassDevice, 20)
	gated.descriptor.RequiresPermission = true
	gated.estimate = deviceEstimate(5)

	est, err := rc.Resolve(context.Background(), []Strategy{gated}, 0)
	assert.Nil(t, est)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 0, gated.callCount())
}

func TestResolvePermissionDeniedFallsToUngated(t *testing.T) {
	perms := NewPermissionMachine(newMemFlags(), testLogger())
	perms.ReportDenied()
	rc := newTestCoordinator(&fakeCache{}, perms)

	gated := newFakeStrategy("gps-high", ClassDevice, 20)
	gated.descriptor.RequiresPermission = true
	gated.estimate = deviceEstimate(5)
	ip := newFakeStrategy("ip-api", ClassIP, 100)
	ip.estimate = ipEstimate()

	est, err := rc.Resolve(context.Background(), []Strategy{gated, ip}, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceIPGeolocation, est.Source)
	assert.Equal(t, 0, gated.callCount())
}

func TestResolveGatedWinReportsGranted(t *testing.T) {
	perms := NewPermissionMachine(newMemFlags(), testLogger())
	rc := newTestCoordinator(&fakeCache{}, perms)

	gated := newFakeStrategy("gps-high", ClassDevice, 20)
	gated.descriptor.RequiresPermission = true
	gated.estimate = deviceEstimate(5)

	_, err := rc.Resolve(context.Background(), []Strategy{gated}, 0)
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, perms.State())
}

func TestResolveSharesInFlightRequest(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	slow := newFakeStrategy("gps-high", ClassDevice, 20)
	slow.estimate = deviceEstimate(10)
	slow.delay = 300 * time.Millisecond

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*LocationEstimate, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rc.Resolve(context.Background(), []Strategy{slow}, 0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, SourceDeviceGPS, results[i].Source)
	}
	assert.Equal(t, 1, slow.callCount())
	assert.Equal(t, int64(callers), rc.Stats().TotalRequests)
	assert.GreaterOrEqual(t, rc.Stats().SharedFlights, int64(1))
}

func TestResolveGlobalTimeoutFallsThrough(t *testing.T) {
	stale := deviceEstimate(40)
	cache := &fakeCache{fallback: stale}
	rc := newTestCoordinator(cache, nil)

	hang := newFakeStrategy("gps-high", ClassDevice, 20)
	hang.estimate = deviceEstimate(5)
	hang.delay = 10 * time.Second

	start := time.Now()
	est, err := rc.Resolve(context.Background(), []Strategy{hang}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, est.IsStale)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResolveUnavailableStrategySkipped(t *testing.T) {
	rc := newTestCoordinator(&fakeCache{}, nil)

	offline := newFakeStrategy("gps-high", ClassDevice, 20)
	offline.available = false
	offline.estimate = deviceEstimate(5)
	ip := newFakeStrategy("ip-api", ClassIP, 100)
	ip.estimate = ipEstimate()

	est, err := rc.Resolve(context.Background(), []Strategy{offline, ip}, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceIPGeolocation, est.Source)
	assert.Equal(t, 0, offline.callCount())
}
