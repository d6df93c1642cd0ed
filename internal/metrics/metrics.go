// Package metrics exposes Prometheus instrumentation for the competition engine.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/proctor"
)

const namespace = "queryarena"

// Metrics holds the collectors. Create one per registry.
type Metrics struct {
	registry prometheus.Gatherer

	RoundsClosed     *prometheus.CounterVec
	Warnings         prometheus.Counter
	Submissions      *prometheus.CounterVec
	SubmissionPoints prometheus.Histogram
	ExecutionTime    prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	Subscribers      prometheus.GaugeFunc
}

// New registers the collectors with reg. subscribers, when non-nil, reports
// the live websocket subscriber count.
func New(reg *prometheus.Registry, subscribers func() int) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		RoundsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_closed_total",
			Help:      "Sessions that reached a terminal state, by round and reason",
		}, []string{"round", "reason"}),
		Warnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violation_warnings_total",
			Help:      "Final violation warnings issued",
		}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Scored submissions by round and outcome",
		}, []string{"round", "outcome"}),
		SubmissionPoints: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_points",
			Help:      "Points awarded per submission",
			Buckets:   []float64{0, 1, 2, 5, 8, 10, 15, 20},
		}),
		ExecutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_execution_seconds",
			Help:      "Reported query execution time per submission",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	if subscribers != nil {
		m.Subscribers = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaderboard_subscribers",
			Help:      "Connected leaderboard websocket subscribers",
		}, func() float64 { return float64(subscribers()) })
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns engine hooks that record lifecycle events.
func (m *Metrics) Hooks() proctor.Hooks {
	return proctor.Hooks{
		OnWarning: func(context.Context, *domain.Session) {
			m.Warnings.Inc()
		},
		OnRoundClosed: func(_ context.Context, s *domain.Session, reason string) {
			m.RoundsClosed.WithLabelValues(strconv.Itoa(s.Round), reason).Inc()
		},
		OnSubmissionScored: func(_ context.Context, s *domain.Session, sub *domain.Submission) {
			m.Submissions.WithLabelValues(strconv.Itoa(s.Round), sub.Outcome).Inc()
			m.SubmissionPoints.Observe(float64(sub.Total))
			m.ExecutionTime.Observe((time.Duration(sub.ExecutionTimeMs) * time.Millisecond).Seconds())
		},
	}
}

// Instrument records request counts and latency by chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
