package analysis

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/store"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newFixture(t *testing.T) (*store.Store, *Runner, *Monitor) {
	t.Helper()
	st, err := store.Open(store.Options{Mode: "memory", MaxEvents: 100, RetentionMinutes: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	runner := NewRunner(st, testLogger(), nil, 2, 0.6)
	monitor := NewMonitor(st, runner, testLogger(), 5*time.Second, 30*time.Second)
	return st, runner, monitor
}

func feedSession(t *testing.T, st *store.Store, id, prompt string, at time.Time, tools []string, tokens int64) {
	t.Helper()
	add := func(name events.Name, offset time.Duration, attrs map[string]any) {
		ev := events.New(name, id, prompt, attrs)
		ev.Timestamp = at.Add(offset).UTC()
		if err := st.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}
	add(events.SessionStart, 0, nil)
	add(events.LLMCallStart, time.Second, map[string]any{"model": "gpt-4o", "tools": tools})
	for i, tool := range tools {
		add(events.ToolExecution, time.Duration(2+i)*time.Second, map[string]any{"tool_name": tool})
	}
	add(events.LLMCallFinish, time.Duration(3+len(tools))*time.Second, map[string]any{
		"model":             "gpt-4o",
		"total_tokens":      tokens,
		"prompt_tokens":     tokens - 40,
		"completion_tokens": int64(40),
		"duration_ms":       int64(800),
	})
}

func TestMonitorSweepFreezesAndTriggers(t *testing.T) {
	st, runner, monitor := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		feedSession(t, st, fmt.Sprintf("sess-%d", i), "prompt-a", base, []string{"search", "fetch"}, 400)
	}
	st.SetNowFunc(func() time.Time { return base.Add(5 * time.Minute) })

	if err := monitor.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	runner.Wait()

	// Signatures frozen on every completed session.
	sessions, err := st.CompletedSessions("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("completed = %d", len(sessions))
	}
	for _, sess := range sessions {
		if len(sess.Signature) == 0 || sess.Features == nil {
			t.Errorf("session %s missing frozen artifacts", sess.SessionID)
		}
		if sess.LastAnalysisSessionID == "" {
			t.Errorf("session %s not marked analyzed", sess.SessionID)
		}
	}

	// The triggered run persisted a behavioral result and checks.
	result, err := st.LatestBehavioralResult("prompt-a")
	if err != nil {
		t.Fatalf("LatestBehavioralResult: %v", err)
	}
	if result.TotalSessions != 3 || result.NumClusters != 1 {
		t.Errorf("result = %+v", result)
	}

	latest, err := st.LatestCompletedAnalysis("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if latest.SessionsAnalyzed != 3 {
		t.Errorf("SessionsAnalyzed = %d", latest.SessionsAnalyzed)
	}
	checks, err := st.SecurityChecks(latest.ID)
	if err != nil || len(checks) == 0 {
		t.Errorf("checks = %d, err = %v", len(checks), err)
	}
}

func TestRunnerSkipsWhenNothingNew(t *testing.T) {
	st, runner, monitor := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	feedSession(t, st, "sess-1", "prompt-a", base, []string{"search"}, 100)
	feedSession(t, st, "sess-2", "prompt-a", base, []string{"search"}, 110)
	st.SetNowFunc(func() time.Time { return base.Add(5 * time.Minute) })

	if err := monitor.Sweep(); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	first, err := st.ListAnalysisSessions("prompt-a", 10)
	if err != nil {
		t.Fatal(err)
	}

	// Everything analyzed: a fresh trigger must not start a run.
	runner.Trigger("prompt-a")
	runner.Wait()

	second, err := st.ListAnalysisSessions("prompt-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != len(first) {
		t.Errorf("runs went from %d to %d without new sessions", len(first), len(second))
	}
}

func TestRunnerFreezesPercentilesOnce(t *testing.T) {
	st, runner, monitor := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	feedSession(t, st, "sess-1", "prompt-a", base, []string{"search"}, 100)
	feedSession(t, st, "sess-2", "prompt-a", base, []string{"search"}, 200)
	st.SetNowFunc(func() time.Time { return base.Add(5 * time.Minute) })
	if err := monitor.Sweep(); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	agent, err := st.GetAgent("prompt-a")
	if err != nil {
		t.Fatal(err)
	}
	if agent.CachedPercentiles == nil {
		t.Fatal("percentiles not frozen")
	}
	frozen := *agent.CachedPercentiles

	// A very different later batch must not move the anchors.
	feedSession(t, st, "sess-3", "prompt-a", base.Add(10*time.Minute), []string{"search"}, 90000)
	st.SetNowFunc(func() time.Time { return base.Add(20 * time.Minute) })
	if err := monitor.Sweep(); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	agent, _ = st.GetAgent("prompt-a")
	if *agent.CachedPercentiles != frozen {
		t.Errorf("anchors moved: %+v -> %+v", frozen, *agent.CachedPercentiles)
	}
}

func TestRunnerWatermarkAdvances(t *testing.T) {
	st, runner, monitor := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	feedSession(t, st, "sess-1", "prompt-a", base, []string{"search"}, 100)
	feedSession(t, st, "sess-2", "prompt-a", base, []string{"search"}, 120)
	st.SetNowFunc(func() time.Time { return base.Add(5 * time.Minute) })
	if err := monitor.Sweep(); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	n, err := st.CountUnanalyzedCompleted("prompt-a")
	if err != nil || n != 0 {
		t.Fatalf("unanalyzed = %d, err = %v", n, err)
	}
	agent, _ := st.GetAgent("prompt-a")
	if agent.LastAnalyzedSessionCount != 2 {
		t.Errorf("watermark = %d", agent.LastAnalyzedSessionCount)
	}
}

func TestRecoverAtStartup(t *testing.T) {
	st, _, monitor := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	feedSession(t, st, "sess-1", "prompt-a", base, []string{"search"}, 100)
	feedSession(t, st, "sess-2", "prompt-a", base, []string{"search"}, 120)
	st.SetNowFunc(func() time.Time { return base.Add(5 * time.Minute) })

	// Complete the sessions without letting the wired runner analyze,
	// simulating a crash between completion and analysis.
	if _, err := st.CheckAndCompleteSessions(30 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := monitor.freezeSignatures("prompt-a"); err != nil {
		t.Fatal(err)
	}

	fresh := NewRunner(st, testLogger(), nil, 2, 0.6)
	if err := fresh.RecoverAtStartup(); err != nil {
		t.Fatalf("RecoverAtStartup: %v", err)
	}
	fresh.Wait()

	if _, err := st.LatestCompletedAnalysis("prompt-a"); err != nil {
		t.Errorf("no analysis after recovery: %v", err)
	}
}
