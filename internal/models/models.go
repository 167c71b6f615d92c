// Package models holds the domain records shared by the trace store, the
// analysis pipeline and the HTTP surfaces.
package models

import (
	"time"

	"github.com/haasonsaas/argus/internal/events"
)

// Message is one normalized chat message from an upstream request body.
// Content carries text only; structured blocks are flattened by the
// provider adapters before they reach the resolver.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a logical conversation reconstructed across stateless
// upstream calls. It is mutable while active and frozen on completion.
type Session struct {
	SessionID      string    `json:"session_id"`
	SystemPromptID string    `json:"system_prompt_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	IsActive       bool      `json:"is_active"`
	IsCompleted    bool      `json:"is_completed"`

	EventCount          int   `json:"event_count"`
	MessageCount        int   `json:"message_count"`
	ToolUseCount        int   `json:"tool_use_count"`
	ErrorCount          int   `json:"error_count"`
	TotalTokens         int64 `json:"total_tokens"`
	TotalResponseTimeMs int64 `json:"total_response_time_ms"`

	ToolUsage      map[string]int  `json:"tool_usage,omitempty"`
	AvailableTools []string        `json:"available_tools,omitempty"`
	Events         []*events.Event `json:"events,omitempty"`

	// Signature and Features are written once when the monitor completes
	// the session and cleared if the session is reactivated.
	Signature []uint64         `json:"signature,omitempty"`
	Features  *SessionFeatures `json:"features,omitempty"`

	LastAnalysisSessionID string `json:"last_analysis_session_id,omitempty"`
}

// Agent aggregates all sessions that share one system prompt.
type Agent struct {
	SystemPromptID string    `json:"system_prompt_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	SessionIDs            []string `json:"session_ids,omitempty"`
	SessionCount          int      `json:"session_count"`
	CompletedSessionCount int      `json:"completed_session_count"`
	TotalEvents           int      `json:"total_events"`
	TotalTokens           int64    `json:"total_tokens"`

	ToolsSeen []string `json:"tools_seen,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`

	// CachedPercentiles are computed once from the first batch of
	// completed sessions and never recomputed; they anchor feature
	// bucketing so historical signatures stay comparable.
	CachedPercentiles        *Percentiles `json:"cached_percentiles,omitempty"`
	LastAnalyzedSessionCount int          `json:"last_analyzed_session_count"`
}

// Quantiles are the distribution anchors for one feature dimension.
type Quantiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
}

// Percentiles are the frozen per-agent distribution anchors.
type Percentiles struct {
	DurationSeconds Quantiles `json:"duration_seconds"`
	TotalTokens     Quantiles `json:"total_tokens"`
	ToolCalls       Quantiles `json:"tool_calls"`
}

// TokenStats summarizes one token dimension across a session's LLM calls.
type TokenStats struct {
	Mean  float64 `json:"mean"`
	Stdev float64 `json:"stdev"`
	Max   int64   `json:"max"`
	P95   float64 `json:"p95"`
}

// SessionFeatures is the structured behavioral fingerprint of a completed
// session. It feeds shingle construction for the MinHash signature.
type SessionFeatures struct {
	ToolsUsed        []string           `json:"tools_used,omitempty"`
	ToolSequence     []string           `json:"tool_sequence,omitempty"`
	ToolTimings      map[string]float64 `json:"tool_timings,omitempty"`
	Models           []string           `json:"models,omitempty"`
	RequestCount     int                `json:"request_count"`
	InputTokens      TokenStats         `json:"input_tokens"`
	OutputTokens     TokenStats         `json:"output_tokens"`
	DurationSeconds  float64            `json:"duration_seconds"`
	EventCount       int                `json:"event_count"`
	MeanEventGapSecs float64            `json:"mean_event_gap_seconds"`
	TotalTokens      int64              `json:"total_tokens"`
	TotalToolCalls   int                `json:"total_tool_calls"`
}

// AnalysisKind classifies an analysis run.
type AnalysisKind string

const (
	AnalysisStatic  AnalysisKind = "STATIC"
	AnalysisDynamic AnalysisKind = "DYNAMIC"
	AnalysisAutofix AnalysisKind = "AUTOFIX"
)

// AnalysisStatus is the lifecycle state of an analysis run.
type AnalysisStatus string

const (
	AnalysisInProgress AnalysisStatus = "IN_PROGRESS"
	AnalysisCompleted  AnalysisStatus = "COMPLETED"
)

// AnalysisSession records one analysis run over completed sessions.
type AnalysisSession struct {
	ID               string         `json:"id"`
	SystemPromptID   string         `json:"system_prompt_id"`
	Kind             AnalysisKind   `json:"kind"`
	Status           AnalysisStatus `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	SessionsAnalyzed int            `json:"sessions_analyzed"`
	FindingsCount    int            `json:"findings_count"`
	RiskScore        *float64       `json:"risk_score,omitempty"`
}

// FindingStatus is the lifecycle state of a finding.
type FindingStatus string

const (
	FindingOpen    FindingStatus = "OPEN"
	FindingFixed   FindingStatus = "FIXED"
	FindingIgnored FindingStatus = "IGNORED"
)

// Finding is one issue produced by an analysis and attached to an
// analysis session. De-duplicated by Fingerprint.
type Finding struct {
	ID                string         `json:"id"`
	AnalysisSessionID string         `json:"analysis_session_id"`
	SystemPromptID    string         `json:"system_prompt_id,omitempty"`
	FilePath          string         `json:"file_path,omitempty"`
	LineStart         int            `json:"line_start,omitempty"`
	LineEnd           int            `json:"line_end,omitempty"`
	Type              string         `json:"type"`
	Severity          string         `json:"severity"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	OWASP             string         `json:"owasp,omitempty"`
	CWE               string         `json:"cwe,omitempty"`
	MITRE             string         `json:"mitre,omitempty"`
	Status            FindingStatus  `json:"status"`
	Fingerprint       string         `json:"fingerprint"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RecommendationStatus is the lifecycle state of a recommendation.
type RecommendationStatus string

const (
	RecommendationPending   RecommendationStatus = "PENDING"
	RecommendationFixing    RecommendationStatus = "FIXING"
	RecommendationFixed     RecommendationStatus = "FIXED"
	RecommendationVerified  RecommendationStatus = "VERIFIED"
	RecommendationDismissed RecommendationStatus = "DISMISSED"
	RecommendationIgnored   RecommendationStatus = "IGNORED"
)

// Recommendation is a remediation derived from a finding.
type Recommendation struct {
	ID             string               `json:"id"`
	FindingID      string               `json:"finding_id"`
	SystemPromptID string               `json:"system_prompt_id,omitempty"`
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	Status         RecommendationStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// AuditEntry records one state transition on a finding or recommendation.
type AuditEntry struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IDEConnection tracks a connected IDE or static-analysis client.
type IDEConnection struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}
