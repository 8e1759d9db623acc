package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Business metrics
	predictions      *prometheus.CounterVec
	scoringFailures  *prometheus.CounterVec
	scoringBatches   prometheus.Counter
	scoringDuration  prometheus.Histogram
	outcomes         *prometheus.CounterVec
	evaluationSkips  *prometheus.CounterVec
	ensembleWeight   *prometheus.GaugeVec
	weightsVersion   prometheus.Gauge
	notifications    *prometheus.CounterVec
	watchlistSymbols prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	// Business metrics
	r.predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "augur_predictions_total",
			Help: "Total number of predictions written to the ledger",
		},
		[]string{"action", "method"},
	)
	r.scoringFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "augur_scoring_failures_total",
			Help: "Total number of symbols that failed to score, by stage",
		},
		[]string{"stage"},
	)
	r.scoringBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "augur_scoring_batches_total",
			Help: "Total number of scoring passes completed",
		},
	)
	r.scoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "augur_scoring_duration_seconds",
			Help:    "Scoring pass duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)
	r.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "augur_outcomes_total",
			Help: "Total number of outcomes recorded, by realized direction",
		},
		[]string{"direction"},
	)
	r.evaluationSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "augur_evaluation_skips_total",
			Help: "Total number of pending predictions skipped during evaluation",
		},
		[]string{"reason"},
	)
	r.ensembleWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "augur_ensemble_weight",
			Help: "Current ensemble weight per sub-model",
		},
		[]string{"model"},
	)
	r.weightsVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "augur_ensemble_weights_version",
			Help: "Version of the committed ensemble weight table",
		},
	)
	r.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "augur_notifications_total",
			Help: "Total number of prediction notifications sent",
		},
		[]string{"notifier", "status"},
	)
	r.watchlistSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "augur_watchlist_symbols",
			Help: "Number of symbols in watchlist",
		},
	)

	reg.MustRegister(r.predictions)
	reg.MustRegister(r.scoringFailures)
	reg.MustRegister(r.scoringBatches)
	reg.MustRegister(r.scoringDuration)
	reg.MustRegister(r.outcomes)
	reg.MustRegister(r.evaluationSkips)
	reg.MustRegister(r.ensembleWeight)
	reg.MustRegister(r.weightsVersion)
	reg.MustRegister(r.notifications)
	reg.MustRegister(r.watchlistSymbols)

	return r
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	r.httpRequestsInFlight.Dec()
}

// Business recorders are safe to call on a nil registry so components can
// run without metrics.

// RecordPrediction records a prediction written to the ledger.
func (r *Registry) RecordPrediction(action, method string) {
	if r == nil {
		return
	}
	r.predictions.WithLabelValues(action, method).Inc()
}

// RecordScoringFailure records a symbol that failed at the given stage.
func (r *Registry) RecordScoringFailure(stage string) {
	if r == nil {
		return
	}
	r.scoringFailures.WithLabelValues(stage).Inc()
}

// RecordScoringBatch records a scoring pass completion.
func (r *Registry) RecordScoringBatch(duration float64) {
	if r == nil {
		return
	}
	r.scoringBatches.Inc()
	r.scoringDuration.Observe(duration)
}

// RecordOutcome records an outcome written to the ledger.
func (r *Registry) RecordOutcome(direction string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(direction).Inc()
}

// RecordEvaluationSkip records a pending prediction left for a later pass.
func (r *Registry) RecordEvaluationSkip(reason string) {
	if r == nil {
		return
	}
	r.evaluationSkips.WithLabelValues(reason).Inc()
}

// SetEnsembleWeights publishes the committed weight table.
func (r *Registry) SetEnsembleWeights(weights map[string]float64, version int64) {
	if r == nil {
		return
	}
	r.ensembleWeight.Reset()
	for model, w := range weights {
		r.ensembleWeight.WithLabelValues(model).Set(w)
	}
	r.weightsVersion.Set(float64(version))
}

// RecordNotification records a notification attempt.
func (r *Registry) RecordNotification(notifier, status string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(notifier, status).Inc()
}

// SetWatchlistSize sets the watchlist size.
func (r *Registry) SetWatchlistSize(size int) {
	if r == nil {
		return
	}
	r.watchlistSymbols.Set(float64(size))
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
