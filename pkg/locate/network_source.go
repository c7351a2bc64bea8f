package locate

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// WiFiScanner lists nearby access points for network positioning. A nil
// scanner degrades the request to IP-assisted lookup on the provider side.
type WiFiScanner interface {
	Scan(ctx context.Context) ([]maps.WiFiAccessPoint, error)
}

// NetworkStrategyConfig configures the network positioning strategy.
type NetworkStrategyConfig struct {
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`

	// MinAccessPoints gates WiFi-based requests; the provider rejects scans
	// with fewer than two usable access points.
	MinAccessPoints int `json:"min_access_points"`
}

// DefaultNetworkStrategyConfig returns network strategy defaults.
func DefaultNetworkStrategyConfig() *NetworkStrategyConfig {
	return &NetworkStrategyConfig{
		Timeout:         10 * time.Second,
		MinAccessPoints: 2,
	}
}

// NetworkStrategy resolves a position from observed WiFi access points via
// the Google geolocation endpoint. Sending scan data off-box is treated as
// a permission-gated operation like a device fix.
type NetworkStrategy struct {
	healthTracker

	descriptor StrategyDescriptor
	config     *NetworkStrategyConfig
	client     *maps.Client
	scanner    WiFiScanner
	logger     *logx.Logger
}

func NewNetworkStrategy(config *NetworkStrategyConfig, scanner WiFiScanner, logger *logx.Logger) (*NetworkStrategy, error) {
	if config == nil {
		config = DefaultNetworkStrategyConfig()
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("network strategy: %w", ErrNotSupported)
	}

	client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("network strategy: create client: %w", err)
	}

	return &NetworkStrategy{
		descriptor: StrategyDescriptor{
			ID:                 "network",
			DisplayName:        "Network Positioning",
			Priority:           50,
			Timeout:            config.Timeout,
			AccuracyMode:       AccuracyLow,
			RequiresPermission: true,
			Class:              ClassNetwork,
		},
		config:  config,
		client:  client,
		scanner: scanner,
		logger:  logger,
	}, nil
}

func (s *NetworkStrategy) Descriptor() StrategyDescriptor {
	return s.descriptor
}

func (s *NetworkStrategy) Available(ctx context.Context) bool {
	return s.client != nil
}

func (s *NetworkStrategy) Acquire(ctx context.Context) (*LocationEstimate, error) {
	start := time.Now()

	req := &maps.GeolocationRequest{ConsiderIP: true}
	if s.scanner != nil {
		aps, err := s.scanner.Scan(ctx)
		if err != nil {
			s.logger.Debug("wifi_scan_failed", "error", err.Error())
		} else if len(aps) >= s.config.MinAccessPoints {
			req.WiFiAccessPoints = aps
			req.ConsiderIP = false
		}
	}

	resp, err := s.client.Geolocate(ctx, req)
	if err != nil {
		err = fmt.Errorf("network geolocate: %v: %w", err, ErrProviderFailure)
		s.recordFailure(time.Since(start), err)
		return nil, err
	}

	est := &LocationEstimate{
		Latitude:       resp.Location.Lat,
		Longitude:      resp.Location.Lng,
		AccuracyMeters: resp.Accuracy,
		Source:         SourceNetworkBrowser,
		StrategyID:     s.descriptor.ID,
		CapturedAt:     time.Now(),
	}
	s.recordSuccess(time.Since(start))
	s.logger.Debug("network_fix",
		"accuracy_m", est.AccuracyMeters,
		"wifi_aps", len(req.WiFiAccessPoints),
	)
	return est, nil
}

func (s *NetworkStrategy) Health() StrategyHealth {
	return s.snapshot(s.client != nil)
}
