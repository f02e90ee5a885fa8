// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is created once per process and passed to the components that report.
type Metrics struct {
	registry *prometheus.Registry

	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RankingPath     *prometheus.CounterVec
	Recomputes      *prometheus.CounterVec
	ViewTier        *prometheus.CounterVec
	TrackedQuizzes  prometheus.Gauge
	AccessReviews   *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quizrank_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "endpoint"},
		),
		RankingPath: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_ranking_computations_total",
				Help: "Ranking computations by path (index or scan)",
			},
			[]string{"path"},
		),
		Recomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_livesync_recomputes_total",
				Help: "Authoritative leaderboard recomputes by result",
			},
			[]string{"result"},
		),
		ViewTier: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_livesync_reads_total",
				Help: "Leaderboard view reads by resolved tier",
			},
			[]string{"tier"},
		),
		TrackedQuizzes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quizrank_livesync_tracked_quizzes",
				Help: "Quizzes the live hub currently keeps views for",
			},
		),
		AccessReviews: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_access_reviews_total",
				Help: "Access request reviews by decision and outcome",
			},
			[]string{"decision", "outcome"},
		),
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizrank_attempt_submissions_total",
				Help: "Attempt submissions by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.RequestCounter,
		m.RequestDuration,
		m.RankingPath,
		m.Recomputes,
		m.ViewTier,
		m.TrackedQuizzes,
		m.AccessReviews,
		m.Submissions,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency. endpoint should be the route pattern.
func (m *Metrics) Middleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
