// Package web serves the dashboard and control API over the trace store.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/pricing"
	"github.com/haasonsaas/argus/internal/resolver"
	"github.com/haasonsaas/argus/internal/store"
)

// EvaluationStatus summarizes how much of an agent's traffic analysis
// has covered.
type EvaluationStatus string

const (
	EvaluationComplete         EvaluationStatus = "COMPLETE"
	EvaluationPartial          EvaluationStatus = "PARTIAL"
	EvaluationInsufficientData EvaluationStatus = "INSUFFICIENT_DATA"
	EvaluationError            EvaluationStatus = "ERROR"
)

// Options configures a Server.
type Options struct {
	Store    *store.Store
	Resolver *resolver.Resolver
	Pricing  *pricing.Table
	Logger   *observability.Logger

	// Gatherer feeds /metrics; pass the registry the metrics were
	// created with.
	Gatherer prometheus.Gatherer

	// MinSessions is the analysis threshold used for evaluation status.
	MinSessions int

	// ReplayTimeout bounds upstream replay calls.
	ReplayTimeout time.Duration

	// OpenAIBase and AnthropicBase locate the upstreams for replay.
	OpenAIBase    string
	AnthropicBase string

	// Client overrides the replay HTTP client, for tests.
	Client *http.Client
}

// Server is the dashboard API.
type Server struct {
	store    *store.Store
	resolver *resolver.Resolver
	pricing  *pricing.Table
	logger   *observability.Logger
	gatherer prometheus.Gatherer

	minSessions   int
	replayTimeout time.Duration
	openaiBase    string
	anthropicBase string
	client        *http.Client
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	if opts.MinSessions <= 0 {
		opts.MinSessions = 5
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = 120 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Server{
		store:         opts.Store,
		resolver:      opts.Resolver,
		pricing:       opts.Pricing,
		logger:        opts.Logger,
		gatherer:      opts.Gatherer,
		minSessions:   opts.MinSessions,
		replayTimeout: opts.ReplayTimeout,
		openaiBase:    opts.OpenAIBase,
		anthropicBase: opts.AnthropicBase,
		client:        opts.Client,
	}
}

// Register attaches all API routes to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/agent/{id}", s.handleAgent)
	mux.HandleFunc("GET /api/session/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/list", s.handleSessionsList)
	mux.HandleFunc("POST /api/replay", s.handleReplay)
	mux.HandleFunc("POST /api/findings", s.handleCreateFinding)
	mux.HandleFunc("PATCH /api/finding/{id}", s.handleUpdateFinding)
	mux.HandleFunc("GET /api/workflow/{id}/findings", s.handleWorkflowFindings)
	mux.HandleFunc("POST /api/sessions/analysis", s.handleCreateAnalysis)
	mux.HandleFunc("POST /api/sessions/analysis/{id}/complete", s.handleCompleteAnalysis)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

type agentSummary struct {
	SystemPromptID   string           `json:"system_prompt_id"`
	DisplayName      string           `json:"display_name,omitempty"`
	SessionCount     int              `json:"session_count"`
	CompletedCount   int              `json:"completed_session_count"`
	TotalTokens      int64            `json:"total_tokens"`
	EvaluationStatus EvaluationStatus `json:"evaluation_status"`
	LastActivity     time.Time        `json:"last_activity"`
	RiskScore        *float64         `json:"risk_score,omitempty"`
}

type dashboardResponse struct {
	Agents        []agentSummary    `json:"agents"`
	Sessions      []*models.Session `json:"sessions"`
	LatestSession *models.Session   `json:"latest_session,omitempty"`
	LastUpdated   time.Time         `json:"last_updated"`
	ResolverStats resolver.Stats    `json:"resolver_stats"`
	IDEClients    int               `json:"ide_clients"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")

	agents, err := s.store.ListAgents()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := dashboardResponse{
		Agents:      []agentSummary{},
		Sessions:    []*models.Session{},
		LastUpdated: time.Now().UTC(),
	}
	for _, agent := range agents {
		if workflowID != "" && agent.SystemPromptID != workflowID {
			continue
		}
		summary := agentSummary{
			SystemPromptID:   agent.SystemPromptID,
			DisplayName:      agent.DisplayName,
			SessionCount:     agent.SessionCount,
			CompletedCount:   agent.CompletedSessionCount,
			TotalTokens:      agent.TotalTokens,
			EvaluationStatus: s.evaluationStatus(agent),
			LastActivity:     agent.UpdatedAt,
		}
		if latest, err := s.store.LatestCompletedAnalysis(agent.SystemPromptID); err == nil {
			summary.RiskScore = latest.RiskScore
		}
		resp.Agents = append(resp.Agents, summary)
	}
	sessions, err := s.store.ListSessions(store.ListSessionsOptions{
		SystemPromptID: workflowID,
		Limit:          50,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(sessions) > 0 {
		resp.Sessions = sessions
		resp.LatestSession = sessions[0]
	}
	if s.resolver != nil {
		resp.ResolverStats = s.resolver.Stats()
	}
	if conns, err := s.store.ListIDEConnections(); err == nil {
		resp.IDEClients = len(conns)
	}
	writeJSON(w, http.StatusOK, resp)
}

// evaluationStatus grades analysis coverage for one agent.
func (s *Server) evaluationStatus(agent *models.Agent) EvaluationStatus {
	if agent.CompletedSessionCount < s.minSessions {
		return EvaluationInsufficientData
	}
	unanalyzed, err := s.store.CountUnanalyzedCompleted(agent.SystemPromptID)
	if err != nil {
		return EvaluationError
	}
	if _, err := s.store.LatestCompletedAnalysis(agent.SystemPromptID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EvaluationPartial
		}
		return EvaluationError
	}
	if unanalyzed > 0 {
		return EvaluationPartial
	}
	return EvaluationComplete
}

type agentDetail struct {
	Agent            *models.Agent            `json:"agent"`
	EvaluationStatus EvaluationStatus         `json:"evaluation_status"`
	LatestAnalysis   *models.AnalysisSession  `json:"latest_analysis,omitempty"`
	Behavioral       *models.BehavioralResult `json:"behavioral,omitempty"`
	SecurityChecks   []models.AssessmentCheck `json:"security_checks,omitempty"`
	OpenFindings     int                      `json:"open_findings"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	detail := agentDetail{Agent: agent, EvaluationStatus: s.evaluationStatus(agent)}
	if latest, err := s.store.LatestCompletedAnalysis(id); err == nil {
		detail.LatestAnalysis = latest
		if checks, err := s.store.SecurityChecks(latest.ID); err == nil {
			detail.SecurityChecks = checks
		}
	}
	if result, err := s.store.LatestBehavioralResult(id); err == nil {
		detail.Behavioral = result
	}
	if findings, err := s.store.ListFindings(store.ListFindingsOptions{
		SystemPromptID: id, Status: string(models.FindingOpen),
	}); err == nil {
		detail.OpenFindings = len(findings)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListSessionsOptions{
		SystemPromptID: q.Get("system_prompt_id"),
		AgentID:        q.Get("agent_id"),
		Status:         q.Get("status"),
		Limit:          intParam(q.Get("limit"), 50),
		Offset:         intParam(q.Get("offset"), 0),
	}
	sessions, err := s.store.ListSessions(opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps store errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrIntegrity):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(r.Context(), "api request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
