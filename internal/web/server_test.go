package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/pricing"
	"github.com/haasonsaas/argus/internal/resolver"
	"github.com/haasonsaas/argus/internal/store"
)

type fixture struct {
	store  *store.Store
	server *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(store.Options{Mode: "memory", MaxEvents: 100, RetentionMinutes: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := prometheus.NewRegistry()
	opts.Store = st
	opts.Resolver = resolver.New(resolver.Options{})
	opts.Pricing = pricing.New(pricing.Options{})
	opts.Logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	opts.Gatherer = reg
	if opts.MinSessions == 0 {
		opts.MinSessions = 1
	}

	mux := http.NewServeMux()
	NewServer(opts).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{store: st, server: srv}
}

// feedSession writes one small session's worth of events with an old
// timestamp so a completion sweep picks it up.
func feedSession(t *testing.T, st *store.Store, sessionID, promptID string) {
	t.Helper()
	at := time.Now().UTC().Add(-5 * time.Minute)
	for _, ev := range []*events.Event{
		events.New(events.SessionStart, sessionID, promptID, nil),
		events.New(events.LLMCallStart, sessionID, promptID, map[string]any{
			"message_count": 1, "model": "gpt-4o",
		}),
		events.New(events.LLMCallFinish, sessionID, promptID, map[string]any{
			"total_tokens": int64(42), "duration_ms": int64(800),
		}),
	} {
		ev.Timestamp = at
		if err := st.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		at = at.Add(time.Second)
	}
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func doJSON(t *testing.T, method, url string, body any, dst any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestDashboardEvaluationStatus(t *testing.T) {
	fx := newFixture(t, Options{})
	feedSession(t, fx.store, "sess-1", "prompt-a")

	// Active session, nothing completed yet.
	var dash dashboardResponse
	if code := getJSON(t, fx.server.URL+"/api/dashboard", &dash); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(dash.Agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(dash.Agents))
	}
	if dash.Agents[0].EvaluationStatus != EvaluationInsufficientData {
		t.Errorf("status = %s, want INSUFFICIENT_DATA", dash.Agents[0].EvaluationStatus)
	}
	if dash.LatestSession == nil || dash.LatestSession.SessionID != "sess-1" {
		t.Errorf("latest_session = %+v", dash.LatestSession)
	}

	// Completed but not yet analyzed.
	if _, err := fx.store.CheckAndCompleteSessions(30 * time.Second); err != nil {
		t.Fatalf("CheckAndCompleteSessions: %v", err)
	}
	getJSON(t, fx.server.URL+"/api/dashboard", &dash)
	if dash.Agents[0].EvaluationStatus != EvaluationPartial {
		t.Errorf("status = %s, want PARTIAL", dash.Agents[0].EvaluationStatus)
	}

	// Analyzed: the session is marked and the analysis row completed.
	as, err := fx.store.CreateAnalysisSession("prompt-a", models.AnalysisDynamic)
	if err != nil {
		t.Fatalf("CreateAnalysisSession: %v", err)
	}
	if err := fx.store.MarkSessionsAnalyzed([]string{"sess-1"}, as.ID); err != nil {
		t.Fatalf("MarkSessionsAnalyzed: %v", err)
	}
	risk := 0.25
	if err := fx.store.CompleteAnalysisSession(as.ID, 1, 2, &risk); err != nil {
		t.Fatalf("CompleteAnalysisSession: %v", err)
	}
	getJSON(t, fx.server.URL+"/api/dashboard", &dash)
	if dash.Agents[0].EvaluationStatus != EvaluationComplete {
		t.Errorf("status = %s, want COMPLETE", dash.Agents[0].EvaluationStatus)
	}
	if dash.Agents[0].RiskScore == nil || *dash.Agents[0].RiskScore != 0.25 {
		t.Errorf("risk_score = %v, want 0.25", dash.Agents[0].RiskScore)
	}
}

func TestDashboardWorkflowFilter(t *testing.T) {
	fx := newFixture(t, Options{})
	feedSession(t, fx.store, "sess-1", "prompt-a")
	feedSession(t, fx.store, "sess-2", "prompt-b")

	var dash dashboardResponse
	getJSON(t, fx.server.URL+"/api/dashboard?workflow_id=prompt-b", &dash)
	if len(dash.Agents) != 1 || dash.Agents[0].SystemPromptID != "prompt-b" {
		t.Errorf("agents = %+v", dash.Agents)
	}
	if len(dash.Sessions) != 1 || dash.Sessions[0].SessionID != "sess-2" {
		t.Errorf("sessions = %d", len(dash.Sessions))
	}
}

func TestSessionEndpoints(t *testing.T) {
	fx := newFixture(t, Options{})
	feedSession(t, fx.store, "sess-1", "prompt-a")
	feedSession(t, fx.store, "sess-2", "prompt-a")

	var sess models.Session
	if code := getJSON(t, fx.server.URL+"/api/session/sess-1", &sess); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if sess.SessionID != "sess-1" || sess.EventCount != 3 {
		t.Errorf("session = %+v", sess)
	}
	if code := getJSON(t, fx.server.URL+"/api/session/nope", nil); code != http.StatusNotFound {
		t.Errorf("missing session status = %d", code)
	}

	var list struct {
		Sessions []*models.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	getJSON(t, fx.server.URL+"/api/sessions/list?system_prompt_id=prompt-a&limit=1", &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}
	getJSON(t, fx.server.URL+"/api/sessions/list?status=COMPLETED", &list)
	if list.Count != 0 {
		t.Errorf("completed count = %d, want 0", list.Count)
	}
}

func TestAgentDetail(t *testing.T) {
	fx := newFixture(t, Options{})
	feedSession(t, fx.store, "sess-1", "prompt-a")

	var detail agentDetail
	if code := getJSON(t, fx.server.URL+"/api/agent/prompt-a", &detail); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if detail.Agent == nil || detail.Agent.SystemPromptID != "prompt-a" {
		t.Fatalf("agent = %+v", detail.Agent)
	}
	if code := getJSON(t, fx.server.URL+"/api/agent/ghost", nil); code != http.StatusNotFound {
		t.Errorf("missing agent status = %d", code)
	}
}

func TestFindingLifecycle(t *testing.T) {
	fx := newFixture(t, Options{})
	as, err := fx.store.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	if err != nil {
		t.Fatalf("CreateAnalysisSession: %v", err)
	}

	finding := map[string]any{
		"analysis_session_id": as.ID,
		"system_prompt_id":    "prompt-a",
		"type":                "prompt_injection",
		"severity":            "high",
		"title":               "Unvalidated tool arguments",
		"file_path":           "agent/tools.py",
		"line_start":          42,
	}
	var created struct {
		Finding   *models.Finding `json:"finding"`
		Duplicate bool            `json:"duplicate"`
	}
	if code := doJSON(t, http.MethodPost, fx.server.URL+"/api/findings", finding, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.Duplicate || created.Finding.Status != models.FindingOpen {
		t.Errorf("created = %+v", created)
	}

	// Same fingerprint comes back as a duplicate, not a second row.
	var dup struct {
		Finding   *models.Finding `json:"finding"`
		Duplicate bool            `json:"duplicate"`
	}
	if code := doJSON(t, http.MethodPost, fx.server.URL+"/api/findings", finding, &dup); code != http.StatusOK {
		t.Fatalf("duplicate status = %d", code)
	}
	if !dup.Duplicate || dup.Finding.ID != created.Finding.ID {
		t.Errorf("duplicate = %+v", dup)
	}

	var updated models.Finding
	code := doJSON(t, http.MethodPatch,
		fx.server.URL+"/api/finding/"+created.Finding.ID,
		map[string]string{"status": "FIXED", "note": "patched upstream"}, &updated)
	if code != http.StatusOK || updated.Status != models.FindingFixed {
		t.Errorf("patch status = %d, finding = %+v", code, updated)
	}

	code = doJSON(t, http.MethodPatch,
		fx.server.URL+"/api/finding/"+created.Finding.ID,
		map[string]string{"status": "BOGUS"}, nil)
	if code != http.StatusConflict {
		t.Errorf("bad status code = %d, want 409", code)
	}

	var list struct {
		Findings []*models.Finding `json:"findings"`
		Count    int               `json:"count"`
	}
	getJSON(t, fx.server.URL+"/api/workflow/prompt-a/findings", &list)
	if list.Count != 1 {
		t.Errorf("workflow findings = %d, want 1", list.Count)
	}
	getJSON(t, fx.server.URL+"/api/workflow/prompt-a/findings?status=OPEN", &list)
	if list.Count != 0 {
		t.Errorf("open findings = %d, want 0", list.Count)
	}
}

func TestAnalysisSessionEndpoints(t *testing.T) {
	fx := newFixture(t, Options{})

	var created models.AnalysisSession
	code := doJSON(t, http.MethodPost, fx.server.URL+"/api/sessions/analysis",
		map[string]string{
			"system_prompt_id": "prompt-a",
			"client_id":        "vscode-1",
			"client_name":      "VS Code",
		}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.Kind != models.AnalysisStatic || created.Status != models.AnalysisInProgress {
		t.Errorf("created = %+v", created)
	}

	var completed models.AnalysisSession
	code = doJSON(t, http.MethodPost,
		fx.server.URL+"/api/sessions/analysis/"+created.ID+"/complete",
		map[string]any{"sessions_analyzed": 3, "findings_count": 1, "risk_score": 0.4}, &completed)
	if code != http.StatusOK || completed.Status != models.AnalysisCompleted {
		t.Errorf("complete status = %d, session = %+v", code, completed)
	}
	if completed.FindingsCount != 1 || completed.RiskScore == nil || *completed.RiskScore != 0.4 {
		t.Errorf("completed = %+v", completed)
	}

	// The IDE client shows up on the dashboard.
	var dash dashboardResponse
	getJSON(t, fx.server.URL+"/api/dashboard", &dash)
	if dash.IDEClients != 1 {
		t.Errorf("ide_clients = %d, want 1", dash.IDEClients)
	}
}

func TestReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1000000, "completion_tokens": 100000, "total_tokens": 1100000}
		}`)
	}))
	defer upstream.Close()

	fx := newFixture(t, Options{OpenAIBase: upstream.URL})
	var out replayResponse
	code := doJSON(t, http.MethodPost, fx.server.URL+"/api/replay", map[string]any{
		"provider": "openai",
		"headers":  map[string]string{"Authorization": "Bearer sk-test"},
		"body":     json.RawMessage(`{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`),
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Parsed == nil || out.Parsed.Model != "gpt-4o" || out.Parsed.Content != "hi" {
		t.Fatalf("parsed = %+v", out.Parsed)
	}
	if out.Parsed.Usage.Prompt != 1000000 || out.Parsed.Usage.Completion != 100000 {
		t.Errorf("usage = %+v", out.Parsed.Usage)
	}
	// 1M prompt at $2.50/M plus 100k completion at $10/M.
	if want := 2.50 + 1.00; out.Cost.Total != want {
		t.Errorf("cost = %+v, want total %v", out.Cost, want)
	}
}

func TestReplayTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	fx := newFixture(t, Options{OpenAIBase: upstream.URL, ReplayTimeout: 50 * time.Millisecond})
	code := doJSON(t, http.MethodPost, fx.server.URL+"/api/replay", map[string]any{
		"provider": "openai",
		"body":     json.RawMessage(`{"model": "gpt-4o", "messages": []}`),
	}, nil)
	if code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", code)
	}
}

func TestReplayUnknownProvider(t *testing.T) {
	fx := newFixture(t, Options{})
	code := doJSON(t, http.MethodPost, fx.server.URL+"/api/replay", map[string]any{
		"provider": "cohere",
		"body":     json.RawMessage(`{}`),
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	fx := newFixture(t, Options{})
	var health map[string]string
	if code := getJSON(t, fx.server.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, health)
	}
	if code := getJSON(t, fx.server.URL+"/metrics", nil); code != http.StatusOK {
		t.Errorf("metrics status = %d", code)
	}
}
