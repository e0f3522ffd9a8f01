package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/config"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/rollup"
	"github.com/acurioustractor/ledger-insights/internal/scorer"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned bodies. A key may map
// to several bodies, served in order with the last one repeated.
func newTestServer(t *testing.T, responses map[string][]string) *testServer {
	t.Helper()
	ts := &testServer{}
	served := make(map[string]int)

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if bodies, ok := responses[key]; ok {
			i := min(served[key], len(bodies)-1)
			served[key]++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bodies[i]))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestTrigger_PostsRunRequest(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /runs": {`{"run_id":"run-123"}`},
	})

	resp, err := ts.client().post(ctx, "/runs", map[string]any{"organization_id": "org-a", "dry_run": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["run_id"] != "run-123" {
		t.Errorf("run_id = %q, want run-123", result["run_id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["organization_id"] != "org-a" || body["dry_run"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestWaitForRun_PollsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /runs/run-1": {
			`{"id":"run-1","status":"analyzing_units"}`,
			`{"id":"run-1","status":"rolling_up_groups"}`,
			`{"id":"run-1","status":"completed"}`,
		},
	})

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	run, err := waitForRun(cmd, ts.client(), "run-1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != storage.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if len(ts.requests) != 3 {
		t.Errorf("expected 3 polls, got %d", len(ts.requests))
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/aggregates/person/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404: not found") {
		t.Errorf("error = %q, want server message", err.Error())
	}
}

func TestClient_ServerNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestCommands_FlagValidation(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"units", "import", "--file", "x.md"}, "required"},
		{[]string{"units", "consent", "u1"}, "exactly one"},
		{[]string{"units", "consent", "u1", "--grant", "--revoke"}, "exactly one"},
		{[]string{"members", "add", "--person", "p1"}, "--group"},
		{[]string{"members", "add", "--person", "p1", "--group", "g1", "--org", "o1"}, "--group"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			defer rootCmd.SetArgs(nil)
			rootCmd.SetArgs(tt.args)
			err := rootCmd.Execute()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestRollupLevels_MergesOverrides(t *testing.T) {
	levels, err := rollupLevels(map[string]config.RollupLevel{
		"group":    {QuoteLimit: 3},
		"platform": {Weights: map[string]float64{rollup.ScoreImpact: 0.9}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defaults := rollup.DefaultLevels()

	if got := levels[storage.LevelGroup].QuoteLimit; got != 3 {
		t.Errorf("group quote limit = %d, want 3", got)
	}
	if got := levels[storage.LevelPerson].QuoteLimit; got != defaults[storage.LevelPerson].QuoteLimit {
		t.Errorf("person quote limit = %d, want default", got)
	}
	platform := levels[storage.LevelPlatform]
	if platform.Weights[rollup.ScoreImpact] != 0.9 {
		t.Errorf("platform impact weight = %v, want 0.9", platform.Weights[rollup.ScoreImpact])
	}
	if platform.Weights[rollup.ScoreQuality] != defaults[storage.LevelPlatform].Weights[rollup.ScoreQuality] {
		t.Errorf("platform quality weight should keep its default")
	}
	if platform.QuoteLimit != defaults[storage.LevelPlatform].QuoteLimit {
		t.Errorf("platform quote limit = %d, want default", platform.QuoteLimit)
	}

	if _, err := rollupLevels(map[string]config.RollupLevel{"galaxy": {}}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTokenTable_IncludesCLIToken(t *testing.T) {
	cfg := config.Config{Auth: config.AuthConfig{
		APIToken: "cli-secret",
		Tokens: []config.TokenConfig{
			{Token: "t-reader", Principal: authz.Principal{Subject: "rita", Role: authz.RoleReader}},
		},
	}}
	tokens := tokenTable(cfg)
	if tokens.Len() != 2 {
		t.Fatalf("tokens = %d, want 2", tokens.Len())
	}
	p, ok := tokens.Lookup("cli-secret")
	if !ok || p.Role != authz.RoleAdmin {
		t.Errorf("cli token principal = %+v, %v", p, ok)
	}
	if p, ok := tokens.Lookup("t-reader"); !ok || p.Subject != "rita" {
		t.Errorf("reader principal = %+v, %v", p, ok)
	}
}

// echoScorer answers with the last word of the text as the only theme.
type echoScorer struct{}

func (echoScorer) Model() string { return "echo" }

func (echoScorer) Score(_ context.Context, text string, _ scorer.Rubric) (scorer.ScoreResult, error) {
	words := strings.Fields(text)
	return scorer.ScoreResult{Raw: fmt.Sprintf(`{"themes": [%q]}`, words[len(words)-1]), Model: "echo"}, nil
}

func TestWire_RunsPipelineAndRendersRun(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.SaveUnit(storage.ContentUnit{ID: "u1", PersonID: "p1", Text: "we spoke about water", AnalysisConsent: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddGroupMember("g1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddOrganizationGroup("o1", "g1"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		Analyzer: config.AnalyzerConfig{Version: "v1", Revision: 1},
		Model:    config.ModelConfig{Timeout: time.Second},
		Pipeline: config.PipelineConfig{Workers: 2, RollupWorkers: 2},
		Rollup:   map[string]config.RollupLevel{"platform": {QuoteLimit: 2}},
	}
	a, err := wire(cfg, store, echoScorer{}, metrics.New())
	if err != nil {
		t.Fatalf("wire: %v", err)
	}

	run, err := a.orchestrator.Run(ctx, authz.System(), pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != storage.RunCompleted {
		t.Fatalf("status = %q, want completed", run.Status)
	}

	agg, err := store.GetAggregate(storage.LevelPlatform, storage.PlatformScopeID)
	if err != nil {
		t.Fatalf("platform aggregate: %v", err)
	}
	if len(agg.Themes) != 1 || agg.Themes[0].Theme != "water" {
		t.Errorf("platform themes = %+v, want [water]", agg.Themes)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	writeRun(&out, run)
	for _, want := range []string{"Run " + run.ID + " completed", "analyze_units", "rollup_platform", "1 eligible, 1 analyzed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestWriteRun_Failures(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	run := storage.PipelineRun{
		ID:          "r1",
		Status:      storage.RunFailed,
		FailedStage: "rollup_group",
		Error:       "disk full",
		Stages: []storage.StageRecord{
			{Name: "analyze_units", Status: storage.StageReused},
			{Name: "rollup_group", Status: storage.StageFailed, Error: "disk full"},
		},
		Failures: []storage.UnitFailure{{UnitID: "u7", Kind: "timeout", Error: "model call timed out"}},
	}
	var out bytes.Buffer
	writeRun(&out, run)
	for _, want := range []string{"Run r1 failed", "reused", "rollup_group", "u7 [timeout]", "error: disk full"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
