package locate

import (
	"context"
	"math"
	"time"
)

// Source identifies the class of acquisition that produced an estimate.
type Source string

const (
	SourceDeviceGPS      Source = "device_gps"
	SourceNetworkBrowser Source = "network"
	SourceIPGeolocation  Source = "ip_geolocation"
	SourceCache          Source = "cache"
	SourceDefault        Source = "default"
)

// QualityTier is a discrete quality bucket derived from the accuracy radius.
// Higher values are better so tiers compare with plain ordering.
type QualityTier int

const (
	TierPoor QualityTier = iota
	TierAcceptable
	TierGood
	TierExcellent
)

// Tier thresholds in meters, inclusive upper bounds.
const (
	ExcellentAccuracyM  = 20.0
	GoodAccuracyM       = 100.0
	AcceptableAccuracyM = 1000.0
)

func (t QualityTier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierAcceptable:
		return "acceptable"
	default:
		return "poor"
	}
}

// AccuracyUnknown is the sentinel for a measurement that carries no accuracy
// radius. It is never zero or negative.
var AccuracyUnknown = math.Inf(1)

// LocationEstimate is the canonical result unit of the engine.
type LocationEstimate struct {
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	AccuracyMeters float64     `json:"accuracy_meters"`
	Heading        *float64    `json:"heading,omitempty"`
	SpeedMps       *float64    `json:"speed_mps,omitempty"`
	AltitudeMeters *float64    `json:"altitude_meters,omitempty"`
	Source         Source      `json:"source"`
	StrategyID     string      `json:"strategy_id"`
	QualityTier    QualityTier `json:"quality_tier"`
	// Confidence is an internal ranking signal, not a stability guarantee.
	Confidence float64   `json:"confidence"`
	CapturedAt time.Time `json:"captured_at"`
	IsStale    bool      `json:"is_stale"`

	// Optional human-readable place labels from IP providers.
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// HasKnownAccuracy reports whether the accuracy radius is a usable value.
// A radius of exactly zero is treated as untrustworthy, not as perfect.
func (e *LocationEstimate) HasKnownAccuracy() bool {
	return e.AccuracyMeters > 0 && !math.IsInf(e.AccuracyMeters, 1)
}

// AccuracyMode selects the fidelity a device strategy requests from the
// underlying positioning hardware.
type AccuracyMode int

const (
	AccuracyHigh AccuracyMode = iota
	AccuracyLow
)

// StrategyClass groups strategies for race-vs-ladder scheduling and for
// backoff policy selection.
type StrategyClass int

const (
	ClassDevice StrategyClass = iota
	ClassNetwork
	ClassIP
	ClassCache
)

func (c StrategyClass) String() string {
	switch c {
	case ClassDevice:
		return "device"
	case ClassNetwork:
		return "network"
	case ClassIP:
		return "ip"
	default:
		return "cache"
	}
}

// StrategyDescriptor is the static configuration of one acquisition strategy.
// Descriptors are never mutated at runtime.
type StrategyDescriptor struct {
	ID                 string        `json:"id"`
	DisplayName        string        `json:"display_name"`
	Priority           int           `json:"priority"`
	Timeout            time.Duration `json:"timeout"`
	AccuracyMode       AccuracyMode  `json:"accuracy_mode"`
	MaxCacheAge        time.Duration `json:"max_cache_age"`
	RequiresPermission bool          `json:"requires_permission"`
	Class              StrategyClass `json:"class"`
}

// StrategyHealth tracks the operational health of one strategy.
type StrategyHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	ErrorCount   int       `json:"error_count"`
	SuccessCount int       `json:"success_count"`
}

// Strategy is one concrete method of acquiring a position estimate.
type Strategy interface {
	Descriptor() StrategyDescriptor
	Available(ctx context.Context) bool
	Acquire(ctx context.Context) (*LocationEstimate, error)
	Health() StrategyHealth
}

// WatchStrategy is implemented by strategies that support a continuous
// update subscription for live tracking.
type WatchStrategy interface {
	Strategy

	// Watch delivers raw updates until the returned stop function is called
	// or the context ends. Update errors go to onError; they are advisory.
	Watch(ctx context.Context, onUpdate func(*LocationEstimate), onError func(error)) (stop func(), err error)
}

// PlatformClass is the coarse device class of the runtime.
type PlatformClass int

const (
	PlatformDesktop PlatformClass = iota
	PlatformMobile
)

// PermissionState is the positioning-permission lifecycle state.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionPrompt
	PermissionGranted
	PermissionDenied
)

func (p PermissionState) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ConnectionQuality is the assessed network connection tier.
type ConnectionQuality int

const (
	ConnectionUnknown ConnectionQuality = iota
	ConnectionPoor
	ConnectionFair
	ConnectionGood
	ConnectionExcellent
)

// CapabilityLevel is the derived positioning capability of the runtime.
type CapabilityLevel int

const (
	CapabilityNone CapabilityLevel = iota
	CapabilityPoor
	CapabilityAcceptable
	CapabilityGood
	CapabilityExcellent
)

func (c CapabilityLevel) String() string {
	switch c {
	case CapabilityExcellent:
		return "excellent"
	case CapabilityGood:
		return "good"
	case CapabilityAcceptable:
		return "acceptable"
	case CapabilityPoor:
		return "poor"
	default:
		return "none"
	}
}

// CapabilitySnapshot is a point-in-time assessment of which positioning
// methods are viable on the current device and runtime.
type CapabilitySnapshot struct {
	SupportsPositioning bool              `json:"supports_positioning"`
	PlatformClass       PlatformClass     `json:"platform_class"`
	PermissionState     PermissionState   `json:"permission_state"`
	ConnectionQuality   ConnectionQuality `json:"connection_quality"`
	CapabilityLevel     CapabilityLevel   `json:"capability_level"`
	Score               int               `json:"score"`
	AnalyzedAt          time.Time         `json:"analyzed_at"`
}

// CacheStore is the engine's view of the last-estimate cache. Only the
// RaceCoordinator and the LiveTracker write to it.
type CacheStore interface {
	// Get returns the cached estimate if it is no older than maxAge and
	// within the primary TTL, nil otherwise. A maxAge of zero or less
	// applies the primary TTL alone.
	Get(maxAge time.Duration) *LocationEstimate

	// GetFallback ignores the primary TTL and honors only the stale-usable
	// window. The returned estimate has IsStale set.
	GetFallback() *LocationEstimate

	// Put stores an accepted estimate under the overwrite invariant: an
	// existing entry is replaced only by a strictly newer estimate of the
	// same or better quality tier.
	Put(estimate *LocationEstimate) error

	Clear() error
}

// FlagStore persists small named flags across process restarts, used for the
// sticky denied-permission marker.
type FlagStore interface {
	GetFlag(name string) (string, bool)
	SetFlag(name, value string) error
	DeleteFlag(name string) error
}

const earthRadiusM = 6371000

// Haversine returns the great-circle distance in meters between two
// WGS84 coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
