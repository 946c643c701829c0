// Package metrics exposes Prometheus collectors for scoring, retraining,
// drift, forecasting and feedback. All methods are no-ops on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/learner"
)

const namespace = "hydro_sentinel"

type Metrics struct {
	gatherer prometheus.Gatherer

	readings        *prometheus.CounterVec
	scores          prometheus.Histogram
	detectDuration  prometheus.Histogram
	dropped         *prometheus.CounterVec
	retrains        *prometheus.CounterVec
	retrainDuration prometheus.Histogram
	corpusSize      prometheus.Gauge
	driftChecks     *prometheus.CounterVec
	driftedFeatures *prometheus.GaugeVec
	forecastChecks  *prometheus.CounterVec
	feedback        *prometheus.CounterVec
	mqttConnected   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_scored_total",
			Help:      "Readings scored, by outcome and scoring method.",
		}, []string{"outcome", "method"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of anomaly scores.",
			Buckets:   prometheus.LinearBuckets(0.3, 0.05, 10),
		}),
		detectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Time to score one reading.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dropped_total",
			Help:      "Readings not scored, by reason.",
		}, []string{"reason"}),
		retrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrains_total",
			Help:      "Model retrains, by result.",
		}, []string{"result"}),
		retrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrain_duration_seconds",
			Help:      "Time to fit a forest.",
			Buckets:   prometheus.DefBuckets,
		}),
		corpusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_corpus_size",
			Help:      "Corpus size of the serving model.",
		}),
		driftChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_checks_total",
			Help:      "Drift checks, by status.",
		}, []string{"status"}),
		driftedFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drifted_features",
			Help:      "Features flagged by the last drift check, by severity.",
		}, []string{"severity"}),
		forecastChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_checks_total",
			Help:      "Generation checks against the forecast, by severity.",
		}, []string{"severity"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Operator feedback received, by verdict.",
		}, []string{"verdict"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker connection is up.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests, by route and status.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.readings,
		m.scores,
		m.detectDuration,
		m.dropped,
		m.retrains,
		m.retrainDuration,
		m.corpusSize,
		m.driftChecks,
		m.driftedFeatures,
		m.forecastChecks,
		m.feedback,
		m.mqttConnected,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveDetect records a scored reading.
func (m *Metrics) ObserveDetect(v detector.Verdict, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "normal"
	if v.IsAnomaly {
		outcome = "anomaly"
	}
	m.readings.WithLabelValues(outcome, v.Method).Inc()
	if v.Method != detector.MethodNotReady {
		m.scores.Observe(v.Score)
	}
	m.detectDuration.Observe(took.Seconds())
}

// ObserveRetrain records a retrain attempt.
func (m *Metrics) ObserveRetrain(corpus int, took time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.retrains.WithLabelValues("error").Inc()
		return
	}
	m.retrains.WithLabelValues("ok").Inc()
	m.retrainDuration.Observe(took.Seconds())
	m.corpusSize.Set(float64(corpus))
}

// Dropped counts a reading that was not scored.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// ObserveDrift records a drift report.
func (m *Metrics) ObserveDrift(rep drift.Report) {
	if m == nil {
		return
	}
	m.driftChecks.WithLabelValues(string(rep.Status)).Inc()
	counts := map[drift.Severity]int{drift.SeverityLow: 0, drift.SeverityMedium: 0, drift.SeverityHigh: 0}
	for _, f := range rep.Drifted {
		counts[f.Severity]++
	}
	for sev, n := range counts {
		m.driftedFeatures.WithLabelValues(string(sev)).Set(float64(n))
	}
}

// ObserveForecast records an underperformance check.
func (m *Metrics) ObserveForecast(c forecast.Check) {
	if m == nil {
		return
	}
	m.forecastChecks.WithLabelValues(string(c.Severity)).Inc()
}

// ObserveFeedback counts one feedback entry.
func (m *Metrics) ObserveFeedback(v learner.Verdict) {
	if m == nil {
		return
	}
	m.feedback.WithLabelValues(string(v)).Inc()
}

// SetMQTTConnected records broker connectivity.
func (m *Metrics) SetMQTTConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.mqttConnected.Set(1)
	} else {
		m.mqttConnected.Set(0)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests to next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
