package locate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// ipAccuracyMeters is the pessimistic radius assigned to every IP-derived
// estimate. Providers report city-level positions at best, so a fixed wide
// radius keeps them below the acceptable bar in the race while still
// usable on the fallback ladder.
const ipAccuracyMeters = 5000.0

// ipParser decodes one provider's response body into coordinates.
type ipParser func(body []byte) (lat, lon float64, city, country string, err error)

// IPProviderStrategy queries a single public IP geolocation endpoint.
// Build one per provider; the coordinator walks them sequentially.
type IPProviderStrategy struct {
	healthTracker

	descriptor StrategyDescriptor
	endpoint   string
	parse      ipParser
	client     *http.Client
	logger     *logx.Logger
}

// NewIPProviderStrategies returns the built-in provider chain in query
// order. A nil client gets a shared default with sane timeouts.
func NewIPProviderStrategies(client *http.Client, logger *logx.Logger) []*IPProviderStrategy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return []*IPProviderStrategy{
		newIPProvider("ip-api", "IP-API.com", 100, "http://ip-api.com/json", parseIPAPI, client, logger),
		newIPProvider("ipapi-co", "ipapi.co", 110, "https://ipapi.co/json/", parseIPAPICo, client, logger),
		newIPProvider("ipinfo", "ipinfo.io", 120, "https://ipinfo.io/json", parseIPInfo, client, logger),
	}
}

func newIPProvider(id, name string, priority int, endpoint string, parse ipParser, client *http.Client, logger *logx.Logger) *IPProviderStrategy {
	return &IPProviderStrategy{
		descriptor: StrategyDescriptor{
			ID:           id,
			DisplayName:  name,
			Priority:     priority,
			Timeout:      8 * time.Second,
			AccuracyMode: AccuracyLow,
			Class:        ClassIP,
		},
		endpoint: endpoint,
		parse:    parse,
		client:   client,
		logger:   logger,
	}
}

func (s *IPProviderStrategy) Descriptor() StrategyDescriptor {
	return s.descriptor
}

func (s *IPProviderStrategy) Available(ctx context.Context) bool {
	return true
}

func (s *IPProviderStrategy) Acquire(ctx context.Context) (*LocationEstimate, error) {
	start := time.Now()

	est, err := s.query(ctx)
	if err != nil {
		s.recordFailure(time.Since(start), err)
		return nil, err
	}
	s.recordSuccess(time.Since(start))
	return est, nil
}

func (s *IPProviderStrategy) Health() StrategyHealth {
	return s.snapshot(true)
}

func (s *IPProviderStrategy) query(ctx context.Context) (*LocationEstimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", s.descriptor.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", s.descriptor.ID, err, ErrProviderFailure)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %w", s.descriptor.ID, resp.StatusCode, ErrProviderFailure)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", s.descriptor.ID, err)
	}

	lat, lon, city, country, err := s.parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", s.descriptor.ID, err, ErrProviderFailure)
	}

	s.logger.Debug("ip_geolocation_result",
		"provider", s.descriptor.ID,
		"city", city,
		"country", country,
	)

	return &LocationEstimate{
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: ipAccuracyMeters,
		Source:         SourceIPGeolocation,
		StrategyID:     s.descriptor.ID,
		CapturedAt:     time.Now(),
		City:           city,
		Country:        country,
	}, nil
}

func parseIPAPI(body []byte) (float64, float64, string, string, error) {
	var payload struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		City    string  `json:"city"`
		Country string  `json:"country"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, "", "", err
	}
	if payload.Status != "success" {
		return 0, 0, "", "", fmt.Errorf("provider status %q: %s", payload.Status, payload.Message)
	}
	return payload.Lat, payload.Lon, payload.City, payload.Country, nil
}

func parseIPAPICo(body []byte) (float64, float64, string, string, error) {
	var payload struct {
		Error       bool    `json:"error"`
		Reason      string  `json:"reason"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		City        string  `json:"city"`
		CountryName string  `json:"country_name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, "", "", err
	}
	if payload.Error {
		return 0, 0, "", "", fmt.Errorf("provider error: %s", payload.Reason)
	}
	return payload.Latitude, payload.Longitude, payload.City, payload.CountryName, nil
}

func parseIPInfo(body []byte) (float64, float64, string, string, error) {
	var payload struct {
		Loc     string `json:"loc"`
		City    string `json:"city"`
		Country string `json:"country"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, "", "", err
	}
	parts := strings.Split(payload.Loc, ",")
	if len(parts) != 2 {
		return 0, 0, "", "", fmt.Errorf("malformed loc field %q", payload.Loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, "", "", fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, "", "", fmt.Errorf("parse longitude: %w", err)
	}
	return lat, lon, payload.City, payload.Country, nil
}
