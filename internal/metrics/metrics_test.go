package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UnitOutcome("analyzed")
	m.CacheLookup("hit")
	m.ModelCall("ollama", "ok", time.Second)
	m.Stage("person", "completed", time.Second)
	m.RunFinished("completed", false)
	m.Job("completed")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.UnitOutcome("analyzed")
	m.UnitOutcome("analyzed")
	m.UnitOutcome("skipped")
	m.RunFinished("failed", true)
	m.Job("retried")

	text := scrape(t, m)
	assert.Contains(t, text, `insights_unit_analyses_total{outcome="analyzed"} 2`)
	assert.Contains(t, text, `insights_unit_analyses_total{outcome="skipped"} 1`)
	assert.Contains(t, text, `insights_runs_total{dry_run="true",status="failed"} 1`)
	assert.Contains(t, text, `insights_dispatch_jobs_total{result="retried"} 1`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.CacheLookup("miss")
	m.ModelCall("openrouter", "timeout", 3*time.Second)
	m.Stage("group", "completed", 20*time.Millisecond)

	text := scrape(t, m)
	assert.Contains(t, text, `insights_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, text, `insights_model_call_seconds_count{backend="openrouter",result="timeout"} 1`)
	assert.Contains(t, text, `insights_stage_seconds_count{stage="group",status="completed"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
