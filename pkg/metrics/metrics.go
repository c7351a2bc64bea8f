// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/markus-lassfolk/locationd/pkg/locate"
)

// Recorder implements locate.Recorder on a Prometheus registry. Metrics are
// registered per instance so parallel engines never collide.
type Recorder struct {
	resolutions      *prometheus.CounterVec
	resolveDuration  *prometheus.HistogramVec
	strategyLatency  *prometheus.HistogramVec
	strategyOutcomes *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	trackerUpdates   *prometheus.CounterVec
}

// NewRecorder registers the engine metrics with reg. A nil registerer uses
// the default global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locationd_resolutions_total",
				Help: "Total resolution requests by winning source and outcome",
			},
			[]string{"source", "outcome"},
		),
		resolveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locationd_resolution_duration_seconds",
				Help:    "End-to-end resolution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"outcome"},
		),
		strategyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locationd_strategy_latency_seconds",
				Help:    "Per-strategy acquisition latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		strategyOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locationd_strategy_attempts_total",
				Help: "Per-strategy acquisition attempts by result",
			},
			[]string{"strategy", "success"},
		),
		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locationd_cache_events_total",
				Help: "Cache events by type",
			},
			[]string{"event"},
		),
		trackerUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locationd_tracker_updates_total",
				Help: "Live tracking updates by emission decision",
			},
			[]string{"emitted"},
		),
	}
}

func (r *Recorder) RecordResolution(source locate.Source, outcome string, d time.Duration) {
	r.resolutions.WithLabelValues(string(source), outcome).Inc()
	r.resolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) RecordStrategyLatency(strategyID string, d time.Duration, success bool) {
	r.strategyLatency.WithLabelValues(strategyID).Observe(d.Seconds())
	r.strategyOutcomes.WithLabelValues(strategyID, strconv.FormatBool(success)).Inc()
}

func (r *Recorder) RecordCacheEvent(event string) {
	r.cacheEvents.WithLabelValues(event).Inc()
}

func (r *Recorder) RecordTrackerUpdate(emitted bool) {
	r.trackerUpdates.WithLabelValues(strconv.FormatBool(emitted)).Inc()
}
