package locate

import (
	"context"
	"sync"
	"time"
)

// fakeStrategy is a scriptable Strategy for coordinator and registry tests.
type fakeStrategy struct {
	descriptor StrategyDescriptor
	estimate   *LocationEstimate
	err        error
	delay      time.Duration
	available  bool

	mu    sync.Mutex
	calls int
}

func newFakeStrategy(id string, class StrategyClass, priority int) *fakeStrategy {
	return &fakeStrategy{
		descriptor: StrategyDescriptor{
			ID:       id,
			Priority: priority,
			Timeout:  5 * time.Second,
			Class:    class,
		},
		available: true,
	}
}

func (fs *fakeStrategy) Descriptor() StrategyDescriptor { return fs.descriptor }

func (fs *fakeStrategy) Available(ctx context.Context) bool { return fs.available }

func (fs *fakeStrategy) Acquire(ctx context.Context) (*LocationEstimate, error) {
	fs.mu.Lock()
	fs.calls++
	fs.mu.Unlock()

	if fs.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fs.delay):
		}
	}
	if fs.err != nil {
		return nil, fs.err
	}
	if fs.estimate == nil {
		return nil, ErrNoEstimate
	}
	copied := *fs.estimate
	return &copied, nil
}

func (fs *fakeStrategy) Health() StrategyHealth { return StrategyHealth{Available: fs.available} }

func (fs *fakeStrategy) callCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls
}

// fakeWatchStrategy feeds scripted updates to a tracking session.
type fakeWatchStrategy struct {
	fakeStrategy

	mu       sync.Mutex
	onUpdate func(*LocationEstimate)
	onError  func(error)
	stopped  bool
}

func newFakeWatchStrategy(id string) *fakeWatchStrategy {
	return &fakeWatchStrategy{fakeStrategy: *newFakeStrategy(id, ClassDevice, 1)}
}

func (fw *fakeWatchStrategy) Watch(ctx context.Context, onUpdate func(*LocationEstimate), onError func(error)) (func(), error) {
	fw.mu.Lock()
	fw.onUpdate = onUpdate
	fw.onError = onError
	fw.mu.Unlock()
	return func() {
		fw.mu.Lock()
		fw.stopped = true
		fw.mu.Unlock()
	}, nil
}

func (fw *fakeWatchStrategy) emit(est *LocationEstimate) {
	fw.mu.Lock()
	onUpdate := fw.onUpdate
	fw.mu.Unlock()
	if onUpdate != nil {
		onUpdate(est)
	}
}

func (fw *fakeWatchStrategy) fail(err error) {
	fw.mu.Lock()
	onError := fw.onError
	fw.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (fw *fakeWatchStrategy) wasStopped() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.stopped
}

// fakeCache is an in-memory CacheStore with directly settable entries.
type fakeCache struct {
	mu       sync.Mutex
	fresh    *LocationEstimate
	fallback *LocationEstimate
	puts     []*LocationEstimate
}

func (fc *fakeCache) Get(maxAge time.Duration) *LocationEstimate {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.fresh == nil {
		return nil
	}
	if maxAge > 0 && time.Since(fc.fresh.CapturedAt) > maxAge {
		return nil
	}
	copied := *fc.fresh
	return &copied
}

func (fc *fakeCache) GetFallback() *LocationEstimate {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.fallback == nil {
		return nil
	}
	copied := *fc.fallback
	copied.IsStale = true
	return &copied
}

func (fc *fakeCache) Put(est *LocationEstimate) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	copied := *est
	fc.puts = append(fc.puts, &copied)
	fc.fresh = &copied
	return nil
}

func (fc *fakeCache) Clear() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.fresh = nil
	fc.fallback = nil
	return nil
}

func (fc *fakeCache) putCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.puts)
}

func deviceEstimate(accuracy float64) *LocationEstimate {
	return &LocationEstimate{
		Latitude:       59.3293,
		Longitude:      18.0686,
		AccuracyMeters: accuracy,
		Source:         SourceDeviceGPS,
		CapturedAt:     time.Now(),
	}
}

func ipEstimate() *LocationEstimate {
	return &LocationEstimate{
		Latitude:       59.33,
		Longitude:      18.07,
		AccuracyMeters: 5000,
		Source:         SourceIPGeolocation,
		City:           "Stockholm",
		Country:        "Sweden",
		CapturedAt:     time.Now(),
	}
}
