package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hostrd/internal/jobs"
)

func TestObserveJobRun(t *testing.T) {
	m := New()
	start := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)

	m.ObserveJobRun(jobs.JobRun{JobName: "analytics", Outcome: jobs.OutcomeSuccess, StartedAt: start, FinishedAt: start.Add(2 * time.Second)})
	m.ObserveJobRun(jobs.JobRun{JobName: "analytics", Outcome: jobs.OutcomePartialFailure, ErrorsEncountered: 3, StartedAt: start, FinishedAt: start})
	m.ObserveSkipped("analytics", "overlap")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("analytics", "Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("analytics", "PartialFailure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobTenantErrors.WithLabelValues("analytics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobSkipped.WithLabelValues("analytics", "overlap")))
	assert.Equal(t, float64(start.Add(2*time.Second).Unix()), testutil.ToFloat64(m.JobLastSuccess.WithLabelValues("analytics")))
}

func TestClassifierAndHubObservers(t *testing.T) {
	m := New()
	m.ObserveClassification("regex", false)
	m.ObserveClassification("regex", true)
	m.ObserveClassification("llm", false)
	m.ObserveRateLimited()
	m.ConnectionsChanged(4)
	m.EventPublished("task.created", 3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("regex", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMRateLimited))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.HubConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HubDelivered.WithLabelValues("task.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HubDropped.WithLabelValues("task.created")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/jobs/{name}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/unknown")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIErrorsCounter.WithLabelValues("GET", "/jobs/{name}", "404")))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "hostrd_api_errors_total")
	assert.Contains(t, string(body), "go_goroutines")
}
