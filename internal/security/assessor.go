// Package security grades an agent's observed behavior against fixed
// resource bounds and the outcome of behavioral clustering.
package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/argus/internal/models"
)

// Universal per-session bounds. Sessions past these limits indicate
// runaway loops or prompt-injection driven abuse.
const (
	MaxTokensPerSession    = 50000
	MaxToolCallsPerSession = 50
)

// Error-rate thresholds over a session's LLM calls.
const (
	errorRateWarning  = 0.05
	errorRateCritical = 0.20
)

// Predictability floor: an agent whose sessions mostly defy clustering
// is doing something its history cannot explain.
const (
	predictabilityWarning  = 0.70
	predictabilityCritical = 0.50
)

// Assess runs every check over the agent's completed sessions and the
// behavioral result. The result may be nil when clustering has not run;
// behavioral checks are skipped in that case.
func Assess(sessions []*models.Session, behavioral *models.BehavioralResult) *models.SecurityReport {
	report := &models.SecurityReport{}

	report.Checks = append(report.Checks, checkTokenBudget(sessions))
	report.Checks = append(report.Checks, checkToolCallBudget(sessions))
	report.Checks = append(report.Checks, checkErrorRate(sessions))
	report.Checks = append(report.Checks, checkToolCoverage(sessions))

	if behavioral != nil && behavioral.TotalSessions > 0 {
		report.Checks = append(report.Checks, checkOutlierSeverity(behavioral))
		report.Checks = append(report.Checks, checkPredictability(behavioral))
	}

	report.Rollup()
	return report
}

// RiskScore collapses a report to [0, 1]: criticals weigh full, warnings
// half.
func RiskScore(report *models.SecurityReport) float64 {
	if report.TotalChecks == 0 {
		return 0
	}
	return (float64(report.CriticalIssues) + 0.5*float64(report.Warnings)) / float64(report.TotalChecks)
}

func checkTokenBudget(sessions []*models.Session) models.AssessmentCheck {
	var over []string
	var worst int64
	for _, s := range sessions {
		if s.TotalTokens > MaxTokensPerSession {
			over = append(over, s.SessionID)
		}
		if s.TotalTokens > worst {
			worst = s.TotalTokens
		}
	}
	check := models.AssessmentCheck{
		Category: "resource_limits",
		CheckID:  "token_budget",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("max %d tokens/session", worst),
	}
	if len(over) > 0 {
		check.Status = escalate(len(over), len(sessions))
		check.Evidence = map[string]any{"sessions_over_budget": capList(over, 10), "budget": MaxTokensPerSession}
		check.Recommendations = []string{
			fmt.Sprintf("Investigate sessions exceeding %d tokens for runaway loops", MaxTokensPerSession),
		}
	}
	return check
}

func checkToolCallBudget(sessions []*models.Session) models.AssessmentCheck {
	var over []string
	worst := 0
	for _, s := range sessions {
		if s.ToolUseCount > MaxToolCallsPerSession {
			over = append(over, s.SessionID)
		}
		if s.ToolUseCount > worst {
			worst = s.ToolUseCount
		}
	}
	check := models.AssessmentCheck{
		Category: "resource_limits",
		CheckID:  "tool_call_budget",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("max %d tool calls/session", worst),
	}
	if len(over) > 0 {
		check.Status = escalate(len(over), len(sessions))
		check.Evidence = map[string]any{"sessions_over_budget": capList(over, 10), "budget": MaxToolCallsPerSession}
		check.Recommendations = []string{"Cap agent tool loops or add per-session tool budgets"}
	}
	return check
}

func checkErrorRate(sessions []*models.Session) models.AssessmentCheck {
	var errors, events int
	for _, s := range sessions {
		errors += s.ErrorCount
		events += s.EventCount
	}
	rate := 0.0
	if events > 0 {
		rate = float64(errors) / float64(events)
	}
	check := models.AssessmentCheck{
		Category: "reliability",
		CheckID:  "error_rate",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("%.1f%%", 100*rate),
	}
	switch {
	case rate >= errorRateCritical:
		check.Status = models.CheckCritical
	case rate >= errorRateWarning:
		check.Status = models.CheckWarning
	}
	if check.Status != models.CheckPassed {
		check.Evidence = map[string]any{"error_events": errors, "total_events": events}
		check.Recommendations = []string{"Review llm.call.error events for systematic upstream failures"}
	}
	return check
}

// checkToolCoverage flags tools invoked outside the declared tool set.
// Undeclared invocations in proxied traffic suggest the agent is being
// steered off its intended surface.
func checkToolCoverage(sessions []*models.Session) models.AssessmentCheck {
	declared := map[string]bool{}
	invoked := map[string]bool{}
	for _, s := range sessions {
		for _, t := range s.AvailableTools {
			declared[t] = true
		}
		for t := range s.ToolUsage {
			invoked[t] = true
		}
	}

	var undeclared []string
	for t := range invoked {
		if len(declared) > 0 && !declared[t] {
			undeclared = append(undeclared, t)
		}
	}
	sort.Strings(undeclared)

	check := models.AssessmentCheck{
		Category: "tool_usage",
		CheckID:  "tool_coverage",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("%d/%d declared tools used", len(invoked), len(declared)),
	}
	if len(undeclared) > 0 {
		check.Status = models.CheckWarning
		check.Evidence = map[string]any{"undeclared_tools": undeclared}
		check.Recommendations = []string{
			"Tools invoked but never declared: " + strings.Join(capList(undeclared, 5), ", "),
		}
	}
	return check
}

func checkOutlierSeverity(b *models.BehavioralResult) models.AssessmentCheck {
	counts := map[models.OutlierSeverity]int{}
	for _, o := range b.Outliers {
		counts[o.Severity]++
	}
	check := models.AssessmentCheck{
		Category: "behavioral_anomalies",
		CheckID:  "outlier_severity",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("%d outliers / %d sessions", b.NumOutliers, b.TotalSessions),
	}
	switch {
	case counts[models.OutlierCritical] > 0:
		check.Status = models.CheckCritical
	case counts[models.OutlierHigh] > 0:
		check.Status = models.CheckWarning
	}
	if check.Status != models.CheckPassed {
		var worst []string
		for _, o := range b.Outliers {
			if o.Severity == models.OutlierCritical || o.Severity == models.OutlierHigh {
				worst = append(worst, o.SessionID)
			}
		}
		check.Evidence = map[string]any{
			"critical": counts[models.OutlierCritical],
			"high":     counts[models.OutlierHigh],
			"sessions": capList(worst, 10),
		}
		check.Recommendations = []string{"Replay the flagged sessions and inspect their tool activity"}
	}
	return check
}

func checkPredictability(b *models.BehavioralResult) models.AssessmentCheck {
	check := models.AssessmentCheck{
		Category: "behavioral_anomalies",
		CheckID:  "predictability",
		Status:   models.CheckPassed,
		Value:    fmt.Sprintf("%.2f", b.PredictabilityScore),
	}
	switch {
	case b.PredictabilityScore < predictabilityCritical:
		check.Status = models.CheckCritical
	case b.PredictabilityScore < predictabilityWarning:
		check.Status = models.CheckWarning
	}
	if check.Status != models.CheckPassed {
		check.Evidence = map[string]any{
			"predictability": b.PredictabilityScore,
			"outliers":       b.NumOutliers,
			"total_sessions": b.TotalSessions,
		}
		check.Recommendations = []string{"Agent behavior is drifting; review recent prompt or tool changes"}
	}
	return check
}

// escalate grades a bound violation by how much of the traffic violates
// it.
func escalate(violations, total int) models.CheckStatus {
	if total > 0 && float64(violations)/float64(total) >= 0.5 {
		return models.CheckCritical
	}
	return models.CheckWarning
}

func capList(ss []string, n int) []string {
	if len(ss) > n {
		return ss[:n]
	}
	return ss
}
