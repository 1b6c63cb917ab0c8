// Package metrics exposes Prometheus instrumentation for the learning
// pipeline, the state estimator and song selection. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon exports.
type Metrics struct {
	gatherer prometheus.Gatherer

	backfillRuns     *prometheus.CounterVec
	backfillDuration *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	processed        *prometheus.CounterVec
	backfillPhase    *prometheus.GaugeVec

	selections    *prometheus.CounterVec
	selectionMiss prometheus.Counter
	estimatorConf prometheus.Gauge
	stateDims     *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		backfillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_backfill_runs_total",
			Help: "Backfill runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		backfillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_backfill_duration_seconds",
			Help:    "Wall time of backfill runs by mode.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"mode"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_backfill_stage_duration_seconds",
			Help:    "Wall time of each backfill stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"stage"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_learning_processed_total",
			Help: "Units processed by the learning pipeline (events, sessions, effects, playlists).",
		}, []string{"kind"}),
		backfillPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cadence_backfill_phase",
			Help: "1 for the current backfill phase, 0 for every other phase.",
		}, []string{"phase"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_selections_total",
			Help: "Songs selected by inferred need.",
		}, []string{"need"}),
		selectionMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_selection_empty_total",
			Help: "Selections that found no eligible candidate.",
		}),
		estimatorConf: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_state_confidence",
			Help: "Confidence of the latest state estimate.",
		}),
		stateDims: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cadence_state_dimension",
			Help: "Latest state estimate by dimension.",
		}, []string{"dimension"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.backfillRuns,
		m.backfillDuration,
		m.stageDuration,
		m.processed,
		m.backfillPhase,
		m.selections,
		m.selectionMiss,
		m.estimatorConf,
		m.stateDims,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// #region backfill

// BackfillFinished records a finished run.
func (m *Metrics) BackfillFinished(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.backfillRuns.WithLabelValues(mode, outcome).Inc()
	m.backfillDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// StageFinished records the duration of one stage.
func (m *Metrics) StageFinished(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Processed adds n units of kind.
func (m *Metrics) Processed(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.processed.WithLabelValues(kind).Add(float64(n))
}

// SetPhase marks phase as current among phases.
func (m *Metrics) SetPhase(phase string, phases []string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.backfillPhase.WithLabelValues(p).Set(v)
	}
}

// #endregion backfill

// #region realtime

// Selected counts a selection for need.
func (m *Metrics) Selected(need string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(need).Inc()
}

// SelectionEmpty counts a selection with no eligible candidate.
func (m *Metrics) SelectionEmpty() {
	if m == nil {
		return
	}
	m.selectionMiss.Inc()
}

// StateEstimated records the latest estimate.
func (m *Metrics) StateEstimated(dims map[string]float64, confidence float64) {
	if m == nil {
		return
	}
	m.estimatorConf.Set(confidence)
	for k, v := range dims {
		m.stateDims.WithLabelValues(k).Set(v)
	}
}

// #endregion realtime

// #region http

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler instruments next under the route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// #endregion http
