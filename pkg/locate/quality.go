package locate

import "math"

// Score maps a raw measurement to a quality tier and a confidence score.
// It is deterministic and has no side effects.
//
// Tier thresholds are inclusive of the better tier: accuracy of exactly
// 20 m is Excellent, exactly 100 m is Good, exactly 1000 m is Acceptable.
// A zero or unknown accuracy radius is untrustworthy and lands in Poor
// rather than Excellent.
func Score(m *LocationEstimate) (QualityTier, float64) {
	tier := scoreTier(m)
	confidence := scoreConfidence(m)
	return tier, confidence
}

// Annotate applies the scorer to an estimate in place.
func Annotate(m *LocationEstimate) {
	m.QualityTier, m.Confidence = Score(m)
}

func scoreTier(m *LocationEstimate) QualityTier {
	if !m.HasKnownAccuracy() {
		return TierPoor
	}
	switch {
	case m.AccuracyMeters <= ExcellentAccuracyM:
		return TierExcellent
	case m.AccuracyMeters <= GoodAccuracyM:
		return TierGood
	case m.AccuracyMeters <= AcceptableAccuracyM:
		return TierAcceptable
	default:
		return TierPoor
	}
}

func scoreConfidence(m *LocationEstimate) float64 {
	confidence := 0.5

	if m.HasKnownAccuracy() {
		switch {
		case m.AccuracyMeters <= 20:
			confidence += 0.4
		case m.AccuracyMeters <= 100:
			confidence += 0.3
		case m.AccuracyMeters <= 1000:
			confidence += 0.2
		case m.AccuracyMeters <= 5000:
			confidence += 0.1
		}
	}

	if m.Source == SourceDeviceGPS {
		confidence += 0.2
	}
	if m.Heading != nil {
		confidence += 0.05
	}
	if m.SpeedMps != nil {
		confidence += 0.05
	}
	if m.AltitudeMeters != nil {
		confidence += 0.05
	}

	return math.Min(1.0, math.Max(0.0, confidence))
}

// Acceptable reports whether an estimate crosses the quality bar that lets
// it win a race: a trusted accuracy radius at or below the Acceptable tier
// threshold.
func Acceptable(m *LocationEstimate) bool {
	return m.HasKnownAccuracy() && m.AccuracyMeters <= AcceptableAccuracyM
}
