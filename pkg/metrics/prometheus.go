package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gameforge/pkg/diag"
	"gameforge/pkg/llm/llmerrors"
	"gameforge/pkg/session"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	sessionsTotal     *prometheus.CounterVec
	sessionAttempts   prometheus.Histogram
	sessionDuration   *prometheus.HistogramVec
	attemptsTotal     *prometheus.CounterVec
	attemptDuration   prometheus.Histogram
	executionDuration *prometheus.HistogramVec
	executionTimeouts *prometheus.CounterVec
	fuzzEvents        prometheus.Histogram
	fuzzFaultsTotal   prometheus.Counter
	retrievalMatches  prometheus.Histogram
	retrievalMisses   prometheus.Counter
	llmRequestsTotal  *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors with reg, or with the
// default registerer when reg is nil.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		sessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gameforge_sessions_total",
				Help: "Finished repair sessions by terminal status",
			},
			[]string{"status"},
		),
		sessionAttempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gameforge_session_attempts",
				Help:    "Attempts used per finished session",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
		sessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gameforge_session_duration_seconds",
				Help:    "Wall-clock duration of repair sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		attemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gameforge_attempts_total",
				Help: "Attempts by outcome category",
			},
			[]string{"outcome"},
		),
		attemptDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gameforge_attempt_duration_seconds",
				Help:    "Duration of one generate, execute, fuzz cycle",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		executionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gameforge_sandbox_duration_seconds",
				Help:    "Sandboxed execution time by backend and phase",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "phase"},
		),
		executionTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gameforge_sandbox_timeouts_total",
				Help: "Sandboxed executions killed at the wall-clock limit",
			},
			[]string{"backend", "phase"},
		),
		fuzzEvents: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gameforge_fuzz_events",
				Help:    "Events per fuzz replay",
				Buckets: prometheus.ExponentialBuckets(8, 2, 10),
			},
		),
		fuzzFaultsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gameforge_fuzz_faults_total",
				Help: "Fuzz replays that surfaced a fault",
			},
		),
		retrievalMatches: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gameforge_retrieval_matches",
				Help:    "Reference modules returned per retrieval",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
		),
		retrievalMisses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gameforge_retrieval_misses_total",
				Help: "Retrievals where no module cleared the threshold",
			},
		),
		llmRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		llmDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

func (p *PrometheusRecorder) ObserveSession(status session.Status, attempts int, duration time.Duration) {
	p.sessionsTotal.WithLabelValues(string(status)).Inc()
	p.sessionAttempts.Observe(float64(attempts))
	p.sessionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveAttempt(outcome diag.Category, duration time.Duration) {
	p.attemptsTotal.WithLabelValues(outcome.String()).Inc()
	p.attemptDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveExecution(backend, phase string, duration time.Duration, timedOut bool) {
	p.executionDuration.WithLabelValues(backend, phase).Observe(duration.Seconds())
	if timedOut {
		p.executionTimeouts.WithLabelValues(backend, phase).Inc()
	}
}

func (p *PrometheusRecorder) ObserveFuzz(events int, faulted bool) {
	p.fuzzEvents.Observe(float64(events))
	if faulted {
		p.fuzzFaultsTotal.Inc()
	}
}

func (p *PrometheusRecorder) ObserveRetrieval(matches int) {
	p.retrievalMatches.Observe(float64(matches))
	if matches == 0 {
		p.retrievalMisses.Inc()
	}
}

// ObserveLLMRequest satisfies llm.Observer.
func (p *PrometheusRecorder) ObserveLLMRequest(model string, duration time.Duration, err error) {
	status, errorType := "success", ""
	if err != nil {
		status = "error"
		errorType = llmerrors.TypeOf(err).String()
	}
	p.llmRequestsTotal.WithLabelValues(model, status, errorType).Inc()
	p.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// Handler serves the metrics in g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
