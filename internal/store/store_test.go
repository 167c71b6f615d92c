package store

import (
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Mode: "memory", MaxEvents: 100, RetentionMinutes: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventAt(name events.Name, sessionID, promptID string, at time.Time, attrs map[string]any) *events.Event {
	ev := events.New(name, sessionID, promptID, attrs)
	ev.Timestamp = at.UTC()
	return ev
}

func TestAddEventCreatesSessionAndAgent(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	evs := []*events.Event{
		eventAt(events.SessionStart, "sess-1", "prompt-a", now, nil),
		eventAt(events.LLMCallStart, "sess-1", "prompt-a", now, map[string]any{
			"message_count": 3,
			"tools":         []string{"get_weather", "search"},
		}),
		eventAt(events.LLMCallFinish, "sess-1", "prompt-a", now.Add(time.Second), map[string]any{
			"total_tokens": int64(120),
			"duration_ms":  int64(900),
		}),
		eventAt(events.ToolExecution, "sess-1", "prompt-a", now.Add(2*time.Second), map[string]any{
			"tool_name": "get_weather",
		}),
	}
	for _, ev := range evs {
		if err := s.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent(%s): %v", ev.Name, err)
		}
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EventCount != 4 {
		t.Errorf("EventCount = %d, want 4", sess.EventCount)
	}
	if sess.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", sess.MessageCount)
	}
	if sess.TotalTokens != 120 || sess.TotalResponseTimeMs != 900 {
		t.Errorf("tokens = %d, response ms = %d", sess.TotalTokens, sess.TotalResponseTimeMs)
	}
	if sess.ToolUseCount != 1 || sess.ToolUsage["get_weather"] != 1 {
		t.Errorf("tool usage = %+v", sess.ToolUsage)
	}
	if len(sess.AvailableTools) != 2 {
		t.Errorf("AvailableTools = %v", sess.AvailableTools)
	}
	if !sess.IsActive || sess.IsCompleted {
		t.Errorf("flags: active=%v completed=%v", sess.IsActive, sess.IsCompleted)
	}
	if !sess.LastActivity.Equal(now.Add(2 * time.Second)) {
		t.Errorf("LastActivity = %v", sess.LastActivity)
	}
	if len(sess.Events) != 4 {
		t.Errorf("stored %d events, want 4", len(sess.Events))
	}

	agent, err := s.GetAgent("prompt-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.SessionCount != 1 || agent.TotalEvents != 4 || agent.TotalTokens != 120 {
		t.Errorf("agent = %+v", agent)
	}
	if len(agent.ToolsSeen) != 2 || len(agent.ToolsUsed) != 1 {
		t.Errorf("tools seen=%v used=%v", agent.ToolsSeen, agent.ToolsUsed)
	}
}

func TestAddEventRingBuffer(t *testing.T) {
	s, err := Open(Options{Mode: "memory", MaxEvents: 5, RetentionMinutes: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC()
	for i := 0; i < 12; i++ {
		ev := eventAt(events.LLMCallStart, "sess-ring", "prompt-a", now.Add(time.Duration(i)*time.Second),
			map[string]any{"seq": i})
		if err := s.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}

	sess, err := s.GetSession("sess-ring")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(sess.Events) != 5 {
		t.Fatalf("kept %d events, want 5", len(sess.Events))
	}
	// Counters see all events even after the ring dropped the oldest.
	if sess.EventCount != 12 {
		t.Errorf("EventCount = %d, want 12", sess.EventCount)
	}
	if got, ok := attrInt(sess.Events[0].Attributes, "seq"); !ok || got != 7 {
		t.Errorf("oldest kept seq = %v", sess.Events[0].Attributes["seq"])
	}
}

func TestCheckAndCompleteSessions(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddEvent(eventAt(events.SessionStart, "sess-old", "prompt-a", base, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEvent(eventAt(events.SessionStart, "sess-fresh", "prompt-b", base.Add(50*time.Second), nil)); err != nil {
		t.Fatal(err)
	}

	s.SetNowFunc(func() time.Time { return base.Add(60 * time.Second) })

	prompts, err := s.CheckAndCompleteSessions(30 * time.Second)
	if err != nil {
		t.Fatalf("CheckAndCompleteSessions: %v", err)
	}
	if len(prompts) != 1 || prompts[0] != "prompt-a" {
		t.Fatalf("prompts = %v, want [prompt-a]", prompts)
	}

	sess, _ := s.GetSession("sess-old")
	if !sess.IsCompleted || sess.IsActive {
		t.Errorf("sess-old flags: active=%v completed=%v", sess.IsActive, sess.IsCompleted)
	}
	fresh, _ := s.GetSession("sess-fresh")
	if fresh.IsCompleted {
		t.Error("sess-fresh should still be active")
	}

	agent, _ := s.GetAgent("prompt-a")
	if agent.CompletedSessionCount != 1 {
		t.Errorf("CompletedSessionCount = %d", agent.CompletedSessionCount)
	}

	// Second sweep finds nothing new.
	prompts, err = s.CheckAndCompleteSessions(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 0 {
		t.Errorf("second sweep prompts = %v", prompts)
	}
}

func TestReactivationClearsSignature(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddEvent(eventAt(events.SessionStart, "sess-1", "prompt-a", base, nil)); err != nil {
		t.Fatal(err)
	}
	s.SetNowFunc(func() time.Time { return base.Add(time.Hour) })
	if _, err := s.CheckAndCompleteSessions(30 * time.Second); err != nil {
		t.Fatal(err)
	}

	features := &models.SessionFeatures{RequestCount: 2, TotalTokens: 99}
	if err := s.SetSessionSignature("sess-1", features, []uint64{1, 2, 3}); err != nil {
		t.Fatalf("SetSessionSignature: %v", err)
	}
	sess, _ := s.GetSession("sess-1")
	if len(sess.Signature) != 3 || sess.Features == nil || sess.Features.TotalTokens != 99 {
		t.Fatalf("signature not stored: %+v", sess)
	}

	// A late event reopens the session; the frozen artifacts are stale
	// and must go.
	if err := s.AddEvent(eventAt(events.LLMCallStart, "sess-1", "prompt-a", base.Add(2*time.Hour), nil)); err != nil {
		t.Fatal(err)
	}
	sess, _ = s.GetSession("sess-1")
	if sess.IsCompleted {
		t.Error("session should be reactivated")
	}
	if sess.Signature != nil || sess.Features != nil {
		t.Errorf("stale artifacts kept: sig=%v features=%+v", sess.Signature, sess.Features)
	}
}

func TestReactivationAdjustsCompletedCount(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddEvent(eventAt(events.SessionStart, "sess-1", "prompt-a", base, nil)); err != nil {
		t.Fatal(err)
	}
	s.SetNowFunc(func() time.Time { return base.Add(time.Hour) })
	if _, err := s.CheckAndCompleteSessions(30 * time.Second); err != nil {
		t.Fatal(err)
	}
	agent, _ := s.GetAgent("prompt-a")
	if agent.CompletedSessionCount != 1 {
		t.Fatalf("completed count = %d, want 1", agent.CompletedSessionCount)
	}

	// Reactivate and let the same session complete a second time; it
	// must not be counted twice.
	if err := s.AddEvent(eventAt(events.LLMCallStart, "sess-1", "prompt-a", base.Add(2*time.Hour), nil)); err != nil {
		t.Fatal(err)
	}
	agent, _ = s.GetAgent("prompt-a")
	if agent.CompletedSessionCount != 0 {
		t.Errorf("completed count after reactivation = %d, want 0", agent.CompletedSessionCount)
	}

	s.SetNowFunc(func() time.Time { return base.Add(4 * time.Hour) })
	if _, err := s.CheckAndCompleteSessions(30 * time.Second); err != nil {
		t.Fatal(err)
	}
	agent, _ = s.GetAgent("prompt-a")
	if agent.CompletedSessionCount != 1 {
		t.Errorf("completed count after re-completion = %d, want 1", agent.CompletedSessionCount)
	}
}

func TestSetSignatureRequiresCompleted(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddEvent(eventAt(events.SessionStart, "sess-1", "prompt-a", time.Now(), nil)); err != nil {
		t.Fatal(err)
	}
	err := s.SetSessionSignature("sess-1", &models.SessionFeatures{}, []uint64{1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanupOldDataSparesCompleted(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddEvent(eventAt(events.SessionStart, "sess-done", "prompt-a", base, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEvent(eventAt(events.SessionStart, "sess-stale", "prompt-a", base.Add(time.Second), nil)); err != nil {
		t.Fatal(err)
	}

	s.SetNowFunc(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := s.CheckAndCompleteSessions(time.Minute); err != nil {
		t.Fatal(err)
	}
	// Reopen sess-stale so it is incomplete again, then age it out.
	if err := s.AddEvent(eventAt(events.LLMCallStart, "sess-stale", "prompt-a", base.Add(2*time.Second), nil)); err != nil {
		t.Fatal(err)
	}

	s.SetNowFunc(func() time.Time { return base.Add(24 * time.Hour) })
	if err := s.CleanupOldData(); err != nil {
		t.Fatalf("CleanupOldData: %v", err)
	}

	if _, err := s.GetSession("sess-done"); err != nil {
		t.Errorf("completed session deleted: %v", err)
	}
	if _, err := s.GetSession("sess-stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session kept, err = %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 8, 1, 12, 0, 0, 123456000, time.UTC)
	ev := eventAt(events.ToolExecution, "sess-rt", "prompt-rt", at, map[string]any{"tool_name": "search"})

	if err := s.AddEvent(ev); err != nil {
		t.Fatal(err)
	}
	sess, err := s.GetSession("sess-rt")
	if err != nil {
		t.Fatal(err)
	}

	if !sess.CreatedAt.Equal(at) || !sess.LastActivity.Equal(at) {
		t.Errorf("timestamps: created=%v activity=%v, want %v", sess.CreatedAt, sess.LastActivity, at)
	}
	got := sess.Events[0]
	if got.Name != events.ToolExecution || got.SessionID != "sess-rt" {
		t.Errorf("event = %+v", got)
	}
	if got.TraceID != events.TraceID("sess-rt") || got.SpanID != events.SpanID("sess-rt") {
		t.Errorf("derived ids lost: trace=%s span=%s", got.TraceID, got.SpanID)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("event timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestCompletedSessionsWithoutSignature(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"s1", "s2"} {
		if err := s.AddEvent(eventAt(events.SessionStart, id, "prompt-a", base, nil)); err != nil {
			t.Fatal(err)
		}
	}
	s.SetNowFunc(func() time.Time { return base.Add(time.Hour) })
	if _, err := s.CheckAndCompleteSessions(time.Minute); err != nil {
		t.Fatal(err)
	}

	pending, err := s.CompletedSessionsWithoutSignature("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := s.SetSessionSignature("s1", &models.SessionFeatures{}, []uint64{7}); err != nil {
		t.Fatal(err)
	}
	pending, err = s.CompletedSessionsWithoutSignature("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SessionID != "s2" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestAnalysisWatermark(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddEvent(eventAt(events.SessionStart, "s1", "prompt-a", base, nil)); err != nil {
		t.Fatal(err)
	}
	s.SetNowFunc(func() time.Time { return base.Add(time.Hour) })
	if _, err := s.CheckAndCompleteSessions(time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountUnanalyzedCompleted("prompt-a")
	if err != nil || n != 1 {
		t.Fatalf("unanalyzed = %d, err = %v", n, err)
	}

	as, err := s.CreateAnalysisSession("prompt-a", models.AnalysisDynamic)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSessionsAnalyzed([]string{"s1"}, as.ID); err != nil {
		t.Fatal(err)
	}

	n, err = s.CountUnanalyzedCompleted("prompt-a")
	if err != nil || n != 0 {
		t.Fatalf("unanalyzed after mark = %d, err = %v", n, err)
	}
}

func TestAnalysisSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	as, err := s.CreateAnalysisSession("prompt-a", models.AnalysisDynamic)
	if err != nil {
		t.Fatalf("CreateAnalysisSession: %v", err)
	}
	if as.Status != models.AnalysisInProgress {
		t.Errorf("status = %s", as.Status)
	}

	stale, err := s.StaleAnalysisSessions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != as.ID {
		t.Errorf("stale = %+v", stale)
	}

	risk := 0.42
	if err := s.CompleteAnalysisSession(as.ID, 7, 2, &risk); err != nil {
		t.Fatalf("CompleteAnalysisSession: %v", err)
	}

	got, err := s.GetAnalysisSession(as.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.AnalysisCompleted || got.SessionsAnalyzed != 7 || got.FindingsCount != 2 {
		t.Errorf("got = %+v", got)
	}
	if got.RiskScore == nil || *got.RiskScore != 0.42 {
		t.Errorf("risk = %v", got.RiskScore)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	latest, err := s.LatestCompletedAnalysis("prompt-a")
	if err != nil || latest.ID != as.ID {
		t.Errorf("latest = %+v, err = %v", latest, err)
	}
}

func TestFindingFingerprintDedup(t *testing.T) {
	s := newTestStore(t)
	as, err := s.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	if err != nil {
		t.Fatal(err)
	}

	f := &models.Finding{
		AnalysisSessionID: as.ID,
		SystemPromptID:    "prompt-a",
		FilePath:          "agent.py",
		LineStart:         10,
		Type:              "prompt_injection",
		Severity:          "high",
		Title:             "Unescaped user input in prompt",
		Evidence:          map[string]any{"snippet": "prompt += user_input"},
	}
	first, dupFlag, err := s.InsertFinding(f)
	if err != nil {
		t.Fatalf("InsertFinding: %v", err)
	}
	if dupFlag {
		t.Fatal("first insert flagged as duplicate")
	}

	// Same issue rediscovered by a later run: the original comes back.
	rediscovered := &models.Finding{
		AnalysisSessionID: as.ID,
		FilePath:          "agent.py",
		LineStart:         10,
		Type:              "prompt_injection",
		Severity:          "high",
		Title:             "Unescaped user input in prompt",
		Evidence:          map[string]any{"snippet": "prompt += user_input"},
	}
	second, dupFlag, err := s.InsertFinding(rediscovered)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if !dupFlag {
		t.Error("rediscovery not flagged as duplicate")
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("rediscovery returned %+v, want original %s", second, first.ID)
	}

	all, err := s.ListFindings(ListFindingsOptions{SystemPromptID: "prompt-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("findings = %d, want 1", len(all))
	}
}

func TestFindingStatusAudit(t *testing.T) {
	s := newTestStore(t)
	as, _ := s.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	f, _, err := s.InsertFinding(&models.Finding{
		AnalysisSessionID: as.ID,
		Type:              "secrets",
		Severity:          "critical",
		Title:             "Hardcoded API key",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateFindingStatus(f.ID, models.FindingFixed, "rotated the key"); err != nil {
		t.Fatalf("UpdateFindingStatus: %v", err)
	}
	got, _ := s.GetFinding(f.ID)
	if got.Status != models.FindingFixed {
		t.Errorf("status = %s", got.Status)
	}

	trail, err := s.AuditTrail("finding", f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].FromStatus != "OPEN" || trail[0].ToStatus != "FIXED" {
		t.Errorf("trail = %+v", trail)
	}

	if err := s.UpdateFindingStatus(f.ID, "BOGUS", ""); !errors.Is(err, ErrIntegrity) {
		t.Errorf("bogus status err = %v", err)
	}
}

func TestFindingInsertBumpsAnalysisCount(t *testing.T) {
	s := newTestStore(t)
	as, err := s.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	if err != nil {
		t.Fatal(err)
	}

	f := &models.Finding{
		AnalysisSessionID: as.ID,
		FilePath:          "agent.py",
		LineStart:         7,
		Type:              "pii_leak",
		Severity:          "medium",
		Title:             "Phone number in tool output",
	}
	first, _, err := s.InsertFinding(f)
	if err != nil {
		t.Fatalf("InsertFinding: %v", err)
	}
	got, err := s.GetAnalysisSession(as.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FindingsCount != 1 {
		t.Errorf("findings_count after first insert = %d, want 1", got.FindingsCount)
	}

	// A rediscovery maps to the same row and must not count again.
	second, dupFlag, err := s.InsertFinding(&models.Finding{
		AnalysisSessionID: as.ID,
		FilePath:          "agent.py",
		LineStart:         7,
		Type:              "pii_leak",
		Severity:          "medium",
		Title:             "Phone number in tool output",
	})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if !dupFlag || second.ID != first.ID {
		t.Fatalf("duplicate = %v, id = %s, want %s", dupFlag, second.ID, first.ID)
	}
	got, _ = s.GetAnalysisSession(as.ID)
	if got.FindingsCount != 1 {
		t.Errorf("findings_count after rediscovery = %d, want 1", got.FindingsCount)
	}
}

func TestFindingNoteAppendsToDescription(t *testing.T) {
	s := newTestStore(t)
	as, _ := s.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	f, _, err := s.InsertFinding(&models.Finding{
		AnalysisSessionID: as.ID,
		Type:              "secrets",
		Severity:          "critical",
		Title:             "Hardcoded API key",
		Description:       "key literal in source",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateFindingStatus(f.ID, models.FindingFixed, "rotated the key"); err != nil {
		t.Fatalf("UpdateFindingStatus: %v", err)
	}
	got, _ := s.GetFinding(f.ID)
	if got.Description != "key literal in source\nrotated the key" {
		t.Errorf("description = %q", got.Description)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Errorf("updated_at = %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}

	// A note on a finding with no description starts it.
	bare, _, err := s.InsertFinding(&models.Finding{
		AnalysisSessionID: as.ID,
		Type:              "secrets",
		Severity:          "low",
		Title:             "Token in test fixture",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFindingStatus(bare.ID, models.FindingIgnored, "fixture only"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetFinding(bare.ID)
	if got.Description != "fixture only" {
		t.Errorf("description = %q", got.Description)
	}
}

func TestRecommendationStateMachine(t *testing.T) {
	s := newTestStore(t)
	as, _ := s.CreateAnalysisSession("prompt-a", models.AnalysisStatic)
	f, _, _ := s.InsertFinding(&models.Finding{
		AnalysisSessionID: as.ID,
		Type:              "secrets",
		Severity:          "critical",
		Title:             "Hardcoded API key",
	})

	rec, err := s.CreateRecommendation(f.ID, "prompt-a", "Rotate the key", "Move it to the environment.")
	if err != nil {
		t.Fatalf("CreateRecommendation: %v", err)
	}

	steps := []models.RecommendationStatus{
		models.RecommendationFixing,
		models.RecommendationFixed,
		models.RecommendationVerified,
	}
	for _, to := range steps {
		if err := s.TransitionRecommendation(rec.ID, to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// VERIFIED is terminal.
	err = s.TransitionRecommendation(rec.ID, models.RecommendationPending, "")
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("terminal transition err = %v", err)
	}

	trail, _ := s.AuditTrail("recommendation", rec.ID)
	if len(trail) != 3 {
		t.Errorf("trail entries = %d, want 3", len(trail))
	}
}

func TestBehavioralResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	as, _ := s.CreateAnalysisSession("prompt-a", models.AnalysisDynamic)

	result := &models.BehavioralResult{
		TotalSessions:       10,
		NumClusters:         2,
		NumOutliers:         1,
		StabilityScore:      0.8,
		PredictabilityScore: 0.9,
		Confidence:          models.ResultConfidenceHigh,
		Clusters: []models.Cluster{
			{ID: 0, Size: 6, Percentage: 60, Confidence: models.ClusterConfidenceNormal},
			{ID: 1, Size: 3, Percentage: 30, Confidence: models.ClusterConfidenceLow},
		},
		Outliers: []models.Outlier{
			{SessionID: "sess-x", NearestCluster: 0, Distance: 0.7, Severity: models.OutlierHigh},
		},
	}
	if err := s.PersistBehavioralResult(as.ID, "prompt-a", result); err != nil {
		t.Fatalf("PersistBehavioralResult: %v", err)
	}

	got, err := s.LatestBehavioralResult("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.NumClusters != 2 || len(got.Clusters) != 2 || got.Outliers[0].Severity != models.OutlierHigh {
		t.Errorf("got = %+v", got)
	}

	if _, err := s.LatestBehavioralResult("prompt-unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown agent err = %v", err)
	}
}

func TestSecurityChecksRoundTrip(t *testing.T) {
	s := newTestStore(t)
	as, _ := s.CreateAnalysisSession("prompt-a", models.AnalysisDynamic)

	checks := []models.AssessmentCheck{
		{Category: "resource_abuse", CheckID: "token_budget", Status: models.CheckPassed, Value: "1200"},
		{Category: "resource_abuse", CheckID: "tool_call_budget", Status: models.CheckWarning, Value: "61",
			Recommendations: []string{"Cap tool call loops"}},
	}
	inserted, err := s.PersistSecurityChecks(as.ID, checks)
	if err != nil {
		t.Fatalf("PersistSecurityChecks: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	got, err := s.SecurityChecks(as.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Status != models.CheckWarning || got[1].Recommendations[0] != "Cap tool call loops" {
		t.Errorf("got = %+v", got)
	}
}

func TestIDEConnections(t *testing.T) {
	s := newTestStore(t)
	if err := s.TouchIDEConnection("conn-1", "vscode"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchIDEConnection("conn-1", "vscode"); err != nil {
		t.Fatal(err)
	}
	conns, err := s.ListIDEConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 || conns[0].Name != "vscode" {
		t.Errorf("conns = %+v", conns)
	}
}
