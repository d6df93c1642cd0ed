package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/queryarena/internal/domain"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry(), func() int { return 3 })
}

func TestHooksRecordLifecycle(t *testing.T) {
	m := newTestMetrics(t)
	h := m.Hooks()
	ctx := context.Background()
	s := &domain.Session{Round: 2}

	h.OnWarning(ctx, s)
	h.OnRoundClosed(ctx, s, domain.EndReasonEjected)
	h.OnRoundClosed(ctx, s, domain.EndReasonEjected)
	h.OnSubmissionScored(ctx, s, &domain.Submission{Outcome: "perfect", Total: 10, ExecutionTimeMs: 40})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoundsClosed.WithLabelValues("2", "ejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("2", "perfect")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Subscribers))
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := newTestMetrics(t)
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/api/sessions/{sessionID}/time", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/time", nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/sessions/{sessionID}/time", "GET", "418"))
	assert.Equal(t, 2.0, got)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := newTestMetrics(t)
	m.Warnings.Inc()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "queryarena_violation_warnings_total 1"))
}
