package store

import (
	"math"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/locate"
)

// locationRecord is the durable form of an estimate. Unknown accuracy is
// encoded as -1 so the record stays plain JSON; expiry instants are stored
// explicitly so a TTL reconfiguration never reinterprets old entries.
type locationRecord struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Heading        *float64  `json:"heading,omitempty"`
	SpeedMps       *float64  `json:"speed_mps,omitempty"`
	AltitudeMeters *float64  `json:"altitude_meters,omitempty"`
	Source         string    `json:"source"`
	StrategyID     string    `json:"strategy_id"`
	QualityTier    int       `json:"quality_tier"`
	Confidence     float64   `json:"confidence"`
	City           string    `json:"city,omitempty"`
	Country        string    `json:"country,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
	CachedAt       time.Time `json:"cached_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	FallbackExpiry time.Time `json:"fallback_expires_at"`
}

func recordFromEstimate(est *locate.LocationEstimate, now time.Time, primaryTTL, fallbackTTL time.Duration) *locationRecord {
	accuracy := est.AccuracyMeters
	if !est.HasKnownAccuracy() {
		accuracy = -1
	}
	return &locationRecord{
		Latitude:       est.Latitude,
		Longitude:      est.Longitude,
		AccuracyMeters: accuracy,
		Heading:        est.Heading,
		SpeedMps:       est.SpeedMps,
		AltitudeMeters: est.AltitudeMeters,
		Source:         string(est.Source),
		StrategyID:     est.StrategyID,
		QualityTier:    int(est.QualityTier),
		Confidence:     est.Confidence,
		City:           est.City,
		Country:        est.Country,
		CapturedAt:     est.CapturedAt,
		CachedAt:       now,
		ExpiresAt:      now.Add(primaryTTL),
		FallbackExpiry: now.Add(fallbackTTL),
	}
}

func (r *locationRecord) toEstimate() *locate.LocationEstimate {
	accuracy := r.AccuracyMeters
	if accuracy < 0 {
		accuracy = math.Inf(1)
	}
	return &locate.LocationEstimate{
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		AccuracyMeters: accuracy,
		Heading:        r.Heading,
		SpeedMps:       r.SpeedMps,
		AltitudeMeters: r.AltitudeMeters,
		Source:         locate.Source(r.Source),
		StrategyID:     r.StrategyID,
		QualityTier:    locate.QualityTier(r.QualityTier),
		Confidence:     r.Confidence,
		City:           r.City,
		Country:        r.Country,
		CapturedAt:     r.CapturedAt,
	}
}

// supersededBy reports whether the incoming estimate may overwrite this
// record: it must be strictly newer and of the same or better quality tier.
// Records past their fallback expiry hold nothing worth protecting.
func (r *locationRecord) supersededBy(est *locate.LocationEstimate, now time.Time) bool {
	if now.After(r.FallbackExpiry) {
		return true
	}
	if !est.CapturedAt.After(r.CapturedAt) {
		return false
	}
	return int(est.QualityTier) >= r.QualityTier
}
