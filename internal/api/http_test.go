package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acurioustractor/ledger-insights/internal/analyzer"
	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/rollup"
	"github.com/acurioustractor/ledger-insights/internal/scorer"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

const (
	adminToken    = "admin-token"
	operatorToken = "operator-token"
	readerToken   = "reader-token"
)

// themeScorer answers with the last word of the text as the only theme.
type themeScorer struct{}

func (themeScorer) Model() string { return "test-model" }

func (themeScorer) Score(_ context.Context, text string, _ scorer.Rubric) (scorer.ScoreResult, error) {
	words := strings.Fields(text)
	return scorer.ScoreResult{Raw: fmt.Sprintf(`{"themes": [%q]}`, words[len(words)-1]), Model: "test-model"}, nil
}

type testEnv struct {
	store   *storage.Store
	orch    *pipeline.Orchestrator
	svc     *Service
	handler http.Handler
}

// newTestEnv seeds org-a{grp-1{p1}} and org-b{grp-2{p2}} with one unit each.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveUnit(storage.ContentUnit{ID: "u1", PersonID: "p1", Text: "talking about land", AnalysisConsent: true}))
	require.NoError(t, store.SaveUnit(storage.ContentUnit{ID: "u2", PersonID: "p2", Text: "talking about river", AnalysisConsent: true}))
	require.NoError(t, store.AddGroupMember("grp-1", "p1"))
	require.NoError(t, store.AddGroupMember("grp-2", "p2"))
	require.NoError(t, store.AddOrganizationGroup("org-a", "grp-1"))
	require.NoError(t, store.AddOrganizationGroup("org-b", "grp-2"))

	backend := cache.NewSQLite(store)
	an := analyzer.New(themeScorer{}, cache.NewResilient(backend, nil), store,
		analyzer.Config{Version: "v1", ModelTimeout: time.Second}, nil)
	ro := rollup.New(store, an.Fingerprint, rollup.Options{Workers: 2})
	orch := pipeline.New(store, an, ro, backend, pipeline.Config{Workers: 2}, nil)
	t.Cleanup(orch.Wait)

	svc := &Service{Store: store, Orchestrator: orch, MaxAttempts: 3}
	tokens := authz.NewTokens(map[string]authz.Principal{
		adminToken:    {Subject: "alice", Role: authz.RoleAdmin},
		operatorToken: {Subject: "olga", Role: authz.RoleOperator, Organizations: []string{"org-a"}},
		readerToken:   {Subject: "rita", Role: authz.RoleReader, Organizations: []string{"org-b"}},
	})
	h := NewHandler(Deps{Service: svc, Tokens: tokens, Metrics: metrics.New()})
	return &testEnv{store: store, orch: orch, svc: svc, handler: h}
}

func (e *testEnv) do(method, url, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) runOnce(t *testing.T) storage.PipelineRun {
	t.Helper()
	run, err := e.orch.Run(context.Background(), authz.System(), pipeline.Options{})
	require.NoError(t, err)
	return run
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetrics_Served(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuth_RejectsMissingAndUnknownToken(t *testing.T) {
	e := newTestEnv(t)
	for _, token := range []string{"", "wrong"} {
		rr := e.do(http.MethodGet, "/aggregates/platform", "", token)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "authentication_error", errorType(t, rr))
	}
}

func TestGetAggregate(t *testing.T) {
	e := newTestEnv(t)
	run := e.runOnce(t)

	rr := e.do(http.MethodGet, "/aggregates/group/grp-1", "", operatorToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var view AggregateView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "group", view.Level)
	assert.Equal(t, "grp-1", view.ScopeID)
	assert.Equal(t, run.ID, view.RunID)
	assert.Equal(t, 1, view.ItemCount)
	assert.False(t, view.GeneratedAt.IsZero())
	assert.Empty(t, view.StaleAfterRun)
}

func TestGetAggregate_PlatformDefaultScope(t *testing.T) {
	e := newTestEnv(t)
	e.runOnce(t)

	rr := e.do(http.MethodGet, "/aggregates/platform", "", readerToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var view AggregateView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, storage.PlatformScopeID, view.ScopeID)
	assert.Equal(t, 2, view.ItemCount)
}

func TestGetAggregate_Errors(t *testing.T) {
	e := newTestEnv(t)
	e.runOnce(t)

	tests := []struct {
		name  string
		url   string
		token string
		code  int
	}{
		{"unknown level", "/aggregates/galaxy/x", adminToken, http.StatusBadRequest},
		{"absent scope", "/aggregates/person/nobody", adminToken, http.StatusNotFound},
		{"other organization", "/aggregates/person/p2", operatorToken, http.StatusForbidden},
		{"reader own organization", "/aggregates/organization/org-b", readerToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(http.MethodGet, tt.url, "", tt.token)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}
}

func TestGetAggregate_StaleAfterFailedRun(t *testing.T) {
	e := newTestEnv(t)
	e.runOnce(t)

	failed := storage.PipelineRun{
		ID:          "run-failed",
		Status:      storage.RunFailed,
		FailedStage: "rollup_group",
		TriggeredBy: "system",
		StartedAt:   time.Now().Add(time.Second),
	}
	require.NoError(t, e.store.SaveRun(failed))

	rr := e.do(http.MethodGet, "/aggregates/organization/org-a", "", adminToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var view AggregateView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "run-failed", view.StaleAfterRun)
}

func TestTriggerRun_AndStatus(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodPost, "/runs", `{"organization_id":"org-a"}`, operatorToken)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var started map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	runID := started["run_id"]
	require.NotEmpty(t, runID)

	e.orch.Wait()

	rr = e.do(http.MethodGet, "/runs/"+runID, "", operatorToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var run storage.PipelineRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, "org-a", run.OrganizationID)
	assert.Equal(t, "olga", run.TriggeredBy)
	assert.Len(t, run.Stages, 5)

	// The reader belongs to org-b only.
	rr = e.do(http.MethodGet, "/runs/"+runID, "", readerToken)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(http.MethodGet, "/runs", "", readerToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var visible []storage.PipelineRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &visible))
	assert.Empty(t, visible)
}

func TestTriggerRun_Forbidden(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodPost, "/runs", `{}`, operatorToken)
	assert.Equal(t, http.StatusForbidden, rr.Code, "operators may not trigger platform-wide runs")

	rr = e.do(http.MethodPost, "/runs", `{"organization_id":"org-a"}`, readerToken)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "permission_error", errorType(t, rr))
}

func TestTriggerRun_EmptyBodyAndBadJSON(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodPost, "/runs", "", adminToken)
	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	e.orch.Wait()

	rr = e.do(http.MethodPost, "/runs", "{", adminToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(http.MethodGet, "/runs/missing", "", adminToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelRun_Finished(t *testing.T) {
	e := newTestEnv(t)
	run := e.runOnce(t)

	rr := e.do(http.MethodPost, "/runs/"+run.ID+"/cancel", "", adminToken)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(http.MethodPost, "/runs/missing/cancel", "", adminToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEnqueue(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodPost, "/units/u1/enqueue", "", operatorToken)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))

	job, err := e.store.GetJob(body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, `{"unit_id":"u1"}`, job.PayloadJSON)

	rr = e.do(http.MethodPost, "/units/u2/enqueue", "", operatorToken)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(http.MethodPost, "/units/u9/enqueue", "", adminToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
