// Package metrics exposes Prometheus collectors for the location trust
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "safetrack"

// Pipeline holds the collectors updated by a tracking session
type Pipeline struct {
	Fixes            *prometheus.CounterVec
	LocationErrors   *prometheus.CounterVec
	TrustedAccuracy  prometheus.Gauge
	TrustedAge       prometheus.Gauge
	WindowSize       prometheus.Gauge
	Transitions      *prometheus.CounterVec
	Intents          *prometheus.CounterVec
	InsideZone       prometheus.Gauge
	ScoreRequests    *prometheus.CounterVec
	ScoreDuration    prometheus.Histogram
	Score            prometheus.Gauge
	SessionsActive   prometheus.Gauge
	NoticesDelivered *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPipeline creates the collectors and registers them on a fresh registry
// together with the Go and process collectors.
func NewPipeline() *Pipeline {
	p := &Pipeline{
		Fixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "fixes_total",
			Help:      "Fixes processed by the filter, by outcome and quality band.",
		}, []string{"outcome", "quality"}),
		LocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "errors_total",
			Help:      "Location acquisition errors by kind.",
		}, []string{"kind", "surfaced"}),
		TrustedAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "trusted_accuracy_meters",
			Help:      "Accuracy of the current trusted location.",
		}),
		TrustedAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "trusted_updated_timestamp_seconds",
			Help:      "Unix time the trusted location was last replaced.",
		}),
		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "window_fixes",
			Help:      "Fixes currently held in the smoothing window.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "transitions_total",
			Help:      "Geofence state transitions by kind.",
		}, []string{"kind"}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "walk_intents_total",
			Help:      "Walk intents raised by zone policy.",
		}, []string{"kind"}),
		InsideZone: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "inside_zone",
			Help:      "1 while the trusted location is inside a safe zone.",
		}),
		ScoreRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "score_requests_total",
			Help:      "Safety score requests by outcome (computed, cached, failed, no_location).",
		}, []string{"outcome"}),
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "score_duration_seconds",
			Help:      "Latency of scoring service calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "score",
			Help:      "Most recent composite safety score, -1 when unknown.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Tracking sessions currently running.",
		}),
		NoticesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "User-facing notices by kind.",
		}, []string{"kind"}),
		registry: prometheus.NewRegistry(),
	}

	p.registry.MustRegister(
		p.Fixes, p.LocationErrors, p.TrustedAccuracy, p.TrustedAge, p.WindowSize,
		p.Transitions, p.Intents, p.InsideZone,
		p.ScoreRequests, p.ScoreDuration, p.Score,
		p.SessionsActive, p.NoticesDelivered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.Score.Set(-1)
	return p
}

// Registry returns the registry holding the pipeline collectors
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveFix records one filter decision
func (p *Pipeline) ObserveFix(accepted bool, quality string, window int) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	p.Fixes.WithLabelValues(outcome, quality).Inc()
	p.WindowSize.Set(float64(window))
}

// ObserveTrusted records the current trusted location
func (p *Pipeline) ObserveTrusted(accuracy float64, at time.Time) {
	p.TrustedAccuracy.Set(accuracy)
	p.TrustedAge.Set(float64(at.Unix()))
}

// ObserveLocationError records an acquisition error
func (p *Pipeline) ObserveLocationError(kind string, surfaced bool) {
	s := "false"
	if surfaced {
		s = "true"
	}
	p.LocationErrors.WithLabelValues(kind, s).Inc()
}

// ObserveTransition records a geofence transition
func (p *Pipeline) ObserveTransition(kind string, inside bool) {
	p.Transitions.WithLabelValues(kind).Inc()
	if inside {
		p.InsideZone.Set(1)
	} else {
		p.InsideZone.Set(0)
	}
}

// ObserveIntent records a raised walk intent
func (p *Pipeline) ObserveIntent(kind string) {
	p.Intents.WithLabelValues(kind).Inc()
}

// ObserveScore records a score request. score < 0 means unknown; duration
// is only observed for requests that reached the service.
func (p *Pipeline) ObserveScore(outcome string, score int, duration time.Duration) {
	p.ScoreRequests.WithLabelValues(outcome).Inc()
	p.Score.Set(float64(score))
	if duration > 0 {
		p.ScoreDuration.Observe(duration.Seconds())
	}
}

// ObserveNotice records a delivered notice
func (p *Pipeline) ObserveNotice(kind string) {
	p.NoticesDelivered.WithLabelValues(kind).Inc()
}
