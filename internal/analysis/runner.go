// Package analysis drives the background pipeline: the monitor completes
// idle sessions and freezes their signatures, the runner clusters and
// assesses each affected agent.
package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/argus/internal/behavior"
	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/security"
	"github.com/haasonsaas/argus/internal/store"
)

// Runner serializes analysis per agent: at most one run in flight per
// system prompt id, with a burst re-check after each run so completions
// that landed during analysis are picked up without busy-waiting.
type Runner struct {
	store   *store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	minSessions int
	tau         float64

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner. minSessions gates percentile freezing;
// tau is the clustering threshold.
func NewRunner(st *store.Store, logger *observability.Logger, metrics *observability.Metrics, minSessions int, tau float64) *Runner {
	if minSessions <= 0 {
		minSessions = 5
	}
	if tau <= 0 {
		tau = behavior.DefaultTau
	}
	return &Runner{
		store:       st,
		logger:      logger,
		metrics:     metrics,
		minSessions: minSessions,
		tau:         tau,
		running:     map[string]bool{},
	}
}

// Trigger dispatches an analysis for the agent if one is due and none is
// in flight. Non-blocking; safe to call from the monitor loop and HTTP
// handlers.
func (r *Runner) Trigger(systemPromptID string) {
	if !r.tryStart(systemPromptID) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runAndRecheck(systemPromptID)
	}()
}

// Wait blocks until all in-flight runs finish. Used at shutdown and in
// tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// tryStart is the atomic decision-and-set: it claims the running flag
// only when unanalyzed completed sessions exist.
func (r *Runner) tryStart(systemPromptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[systemPromptID] {
		return false
	}
	n, err := r.store.CountUnanalyzedCompleted(systemPromptID)
	if err != nil {
		r.logger.Warn(context.Background(), "analysis decision failed",
			"agent_id", systemPromptID, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	r.running[systemPromptID] = true
	return true
}

func (r *Runner) finish(systemPromptID string) {
	r.mu.Lock()
	delete(r.running, systemPromptID)
	r.mu.Unlock()
}

func (r *Runner) runAndRecheck(systemPromptID string) {
	err := r.RunOnce(systemPromptID)
	r.finish(systemPromptID)

	status := "completed"
	if err != nil {
		status = "failed"
		r.logger.Error(context.Background(), "analysis run failed",
			"agent_id", systemPromptID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.AnalysisRuns.WithLabelValues(status).Inc()
	}

	// Completions that arrived mid-run get a fresh dispatch. Each run
	// advances the analyzed watermark, so this converges.
	if r.tryStart(systemPromptID) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runAndRecheck(systemPromptID)
		}()
	}
}

// RunOnce executes one full analysis for the agent: snapshot, compute,
// persist. The store lock is never held during compute. A compute or
// persist error still completes the analysis row (zero findings) and
// leaves the analyzed watermark untouched, so the next run retries the
// same sessions.
func (r *Runner) RunOnce(systemPromptID string) error {
	as, err := r.store.CreateAnalysisSession(systemPromptID, models.AnalysisDynamic)
	if err != nil {
		return fmt.Errorf("create analysis session: %w", err)
	}

	result, report, analyzed, runErr := r.compute(systemPromptID)
	if runErr != nil {
		_ = r.store.CompleteAnalysisSession(as.ID, 0, 0, nil)
		return runErr
	}

	if err := r.store.PersistBehavioralResult(as.ID, systemPromptID, result); err != nil {
		_ = r.store.CompleteAnalysisSession(as.ID, 0, 0, nil)
		return fmt.Errorf("persist behavioral result: %w", err)
	}
	checksInserted, err := r.store.PersistSecurityChecks(as.ID, report.Checks)
	if err != nil {
		_ = r.store.CompleteAnalysisSession(as.ID, 0, 0, nil)
		return fmt.Errorf("persist security checks: %w", err)
	}
	if err := r.store.MarkSessionsAnalyzed(analyzed, as.ID); err != nil {
		_ = r.store.CompleteAnalysisSession(as.ID, 0, 0, nil)
		return fmt.Errorf("mark analyzed: %w", err)
	}
	if err := r.store.SetAgentAnalyzedCount(systemPromptID, result.TotalSessions); err != nil {
		r.logger.Warn(context.Background(), "analyzed count not advanced",
			"agent_id", systemPromptID, "error", err)
	}

	findings := report.CriticalIssues + report.Warnings
	risk := security.RiskScore(report)
	if err := r.store.CompleteAnalysisSession(as.ID, len(analyzed), findings, &risk); err != nil {
		return fmt.Errorf("complete analysis session: %w", err)
	}

	r.logger.Info(context.Background(), "analysis completed",
		"agent_id", systemPromptID,
		"analysis_id", as.ID,
		"sessions", len(analyzed),
		"checks", checksInserted,
		"clusters", result.NumClusters,
		"outliers", result.NumOutliers,
		"risk_score", risk)
	return nil
}

// compute snapshots the agent's sessions, freezes percentiles if due and
// runs clustering plus assessment. Pure except for the snapshot reads
// and the one-time percentile write.
func (r *Runner) compute(systemPromptID string) (result *models.BehavioralResult, report *models.SecurityReport, analyzed []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, report, analyzed = nil, nil, nil
			err = fmt.Errorf("analysis compute panicked: %v", rec)
		}
	}()

	sessions, err := r.store.CompletedSessions(systemPromptID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot sessions: %w", err)
	}
	agent, err := r.store.GetAgent(systemPromptID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot agent: %w", err)
	}

	anchors := agent.CachedPercentiles
	if anchors == nil && len(sessions) >= r.minSessions {
		feats := make([]*models.SessionFeatures, 0, len(sessions))
		for _, sess := range sessions {
			f := sess.Features
			if f == nil {
				f = behavior.ExtractFeatures(sess)
			}
			feats = append(feats, f)
		}
		anchors = behavior.ComputePercentiles(feats)
		if err := r.store.SetAgentPercentiles(systemPromptID, anchors); err != nil {
			return nil, nil, nil, fmt.Errorf("freeze percentiles: %w", err)
		}
	}

	result = behavior.Analyze(sessions, anchors, r.tau)
	report = security.Assess(sessions, result)

	for _, sess := range sessions {
		if sess.LastAnalysisSessionID == "" {
			analyzed = append(analyzed, sess.SessionID)
		}
	}
	return result, report, analyzed, nil
}

// RecoverAtStartup re-triggers agents that accumulated unanalyzed
// completions while the process was down.
func (r *Runner) RecoverAtStartup() error {
	agents, err := r.store.ListAgents()
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.CompletedSessionCount >= r.minSessions &&
			agent.CompletedSessionCount > agent.LastAnalyzedSessionCount {
			r.Trigger(agent.SystemPromptID)
		}
	}
	return nil
}
