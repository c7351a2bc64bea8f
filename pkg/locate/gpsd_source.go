package locate

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// DeviceGPSConfig configures the gpsd-backed strategies.
type DeviceGPSConfig struct {
	Address        string        `json:"address"`
	HighTimeout    time.Duration `json:"high_timeout"`
	LowTimeout     time.Duration `json:"low_timeout"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
}

// DefaultDeviceGPSConfig returns gpsd strategy defaults.
func DefaultDeviceGPSConfig() *DeviceGPSConfig {
	return &DeviceGPSConfig{
		Address:        "localhost:2947",
		HighTimeout:    10 * time.Second,
		LowTimeout:     5 * time.Second,
		ReconnectDelay: 30 * time.Second,
	}
}

// gpsdSession is the slice of *gpsd.Session the strategies use, kept as an
// interface so tests can stand in for a live daemon.
type gpsdSession interface {
	AddFilter(class string, f gpsd.Filter)
	Watch() chan bool
	Close() error
}

type gpsdDialFunc func(addr string) (gpsdSession, error)

func dialGpsd(addr string) (gpsdSession, error) {
	session, err := gpsd.Dial(addr)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DeviceGPSStrategy acquires fixes from a local gpsd daemon. The high
// variant insists on a 3D fix; the low variant accepts 2D and gives up
// sooner. Both are permission-gated.
type DeviceGPSStrategy struct {
	healthTracker

	descriptor DeviceGPSDescriptor
	config     *DeviceGPSConfig
	dial       gpsdDialFunc
	logger     *logx.Logger
}

// DeviceGPSDescriptor extends the common descriptor with the minimum fix
// mode a report must reach before it is usable.
type DeviceGPSDescriptor struct {
	StrategyDescriptor
	MinMode gpsd.Mode
}

// NewDeviceGPSStrategies returns the high- and low-accuracy gpsd strategy
// pair in priority order.
func NewDeviceGPSStrategies(config *DeviceGPSConfig, logger *logx.Logger) []*DeviceGPSStrategy {
	if config == nil {
		config = DefaultDeviceGPSConfig()
	}
	high := &DeviceGPSStrategy{
		descriptor: DeviceGPSDescriptor{
			StrategyDescriptor: StrategyDescriptor{
				ID:                 "gps-high",
				DisplayName:        "Device GPS (High Accuracy)",
				Priority:           20,
				Timeout:            config.HighTimeout,
				AccuracyMode:       AccuracyHigh,
				RequiresPermission: true,
				Class:              ClassDevice,
			},
			MinMode: gpsd.Mode3D,
		},
		config: config,
		dial:   dialGpsd,
		logger: logger,
	}
	low := &DeviceGPSStrategy{
		descriptor: DeviceGPSDescriptor{
			StrategyDescriptor: StrategyDescriptor{
				ID:                 "gps-low",
				DisplayName:        "Device GPS (Low Accuracy)",
				Priority:           30,
				Timeout:            config.LowTimeout,
				AccuracyMode:       AccuracyLow,
				RequiresPermission: true,
				Class:              ClassDevice,
			},
			MinMode: gpsd.Mode2D,
		},
		config: config,
		dial:   dialGpsd,
		logger: logger,
	}
	return []*DeviceGPSStrategy{high, low}
}

func (s *DeviceGPSStrategy) Descriptor() StrategyDescriptor {
	return s.descriptor.StrategyDescriptor
}

func (s *DeviceGPSStrategy) Available(ctx context.Context) bool {
	return true
}

// Acquire waits for the first report reaching the strategy's minimum fix
// mode. The per-strategy timeout is enforced by the caller's context. The
// session is closed before returning so raced acquisitions never leave
// connections behind.
func (s *DeviceGPSStrategy) Acquire(ctx context.Context) (*LocationEstimate, error) {
	start := time.Now()

	session, err := s.dial(s.config.Address)
	if err != nil {
		err = fmt.Errorf("gpsd dial %s: %v: %w", s.config.Address, err, ErrNotSupported)
		s.recordFailure(time.Since(start), err)
		return nil, err
	}
	defer session.Close()

	fixes := make(chan *LocationEstimate, 1)
	var delivered atomic.Bool

	session.AddFilter("TPV", func(r interface{}) {
		tpv, ok := r.(*gpsd.TPVReport)
		if !ok || tpv.Mode < s.descriptor.MinMode {
			return
		}
		est := s.estimateFromTPV(tpv)
		if est == nil {
			return
		}
		if delivered.CompareAndSwap(false, true) {
			fixes <- est
		}
	})
	done := session.Watch()

	select {
	case est := <-fixes:
		s.recordSuccess(time.Since(start))
		s.logger.Debug("gpsd_fix",
			"strategy", s.descriptor.ID,
			"accuracy_m", est.AccuracyMeters,
		)
		return est, nil
	case <-done:
		err = fmt.Errorf("gpsd stream ended before fix: %w", ErrProviderFailure)
		s.recordFailure(time.Since(start), err)
		return nil, err
	case <-ctx.Done():
		err = fmt.Errorf("gpsd fix: %w", ErrTimeout)
		s.recordFailure(time.Since(start), err)
		return nil, err
	}
}

// Watch streams qualifying fixes until the returned stop function is
// called. A dropped gpsd connection is redialed after ReconnectDelay; only
// stop (or the context) ends the subscription.
func (s *DeviceGPSStrategy) Watch(ctx context.Context, onUpdate func(*LocationEstimate), onError func(error)) (func(), error) {
	session, err := s.dial(s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("gpsd dial %s: %v: %w", s.config.Address, err, ErrNotSupported)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go s.watchLoop(watchCtx, session, onUpdate, onError)
	return cancel, nil
}

func (s *DeviceGPSStrategy) watchLoop(ctx context.Context, session gpsdSession, onUpdate func(*LocationEstimate), onError func(error)) {
	delay := s.config.ReconnectDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}

	for {
		if session == nil {
			var err error
			session, err = s.dial(s.config.Address)
			if err != nil {
				if onError != nil {
					onError(fmt.Errorf("gpsd redial %s: %v: %w", s.config.Address, err, ErrProviderFailure))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
					continue
				}
			}
		}

		session.AddFilter("TPV", func(r interface{}) {
			if ctx.Err() != nil {
				return
			}
			tpv, ok := r.(*gpsd.TPVReport)
			if !ok || tpv.Mode < s.descriptor.MinMode {
				return
			}
			if est := s.estimateFromTPV(tpv); est != nil {
				onUpdate(est)
			}
		})
		done := session.Watch()

		select {
		case <-ctx.Done():
			session.Close()
			return
		case <-done:
			session.Close()
			session = nil
			if onError != nil {
				onError(fmt.Errorf("gpsd stream ended, reconnecting: %w", ErrProviderFailure))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *DeviceGPSStrategy) Health() StrategyHealth {
	return s.snapshot(true)
}

// estimateFromTPV converts a TPV report. The horizontal error estimate is
// the larger of the per-axis values; reports without one carry an unknown
// accuracy and never win a race.
func (s *DeviceGPSStrategy) estimateFromTPV(tpv *gpsd.TPVReport) *LocationEstimate {
	if math.IsNaN(tpv.Lat) || math.IsNaN(tpv.Lon) {
		return nil
	}

	accuracy := math.Max(tpv.Epx, tpv.Epy)
	if accuracy <= 0 || math.IsNaN(accuracy) {
		accuracy = AccuracyUnknown
	}

	est := &LocationEstimate{
		Latitude:       tpv.Lat,
		Longitude:      tpv.Lon,
		AccuracyMeters: accuracy,
		Source:         SourceDeviceGPS,
		StrategyID:     s.descriptor.ID,
		CapturedAt:     time.Now(),
	}
	if !tpv.Time.IsZero() {
		est.CapturedAt = tpv.Time
	}
	if !math.IsNaN(tpv.Track) && tpv.Track >= 0 {
		track := tpv.Track
		est.Heading = &track
	}
	if !math.IsNaN(tpv.Speed) && tpv.Speed >= 0 {
		speed := tpv.Speed
		est.SpeedMps = &speed
	}
	if tpv.Mode >= gpsd.Mode3D && !math.IsNaN(tpv.Alt) {
		alt := tpv.Alt
		est.AltitudeMeters = &alt
	}
	return est
}
