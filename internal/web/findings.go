package web

import (
	"net/http"

	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/store"
)

// handleCreateFinding inserts a finding from an external analyzer.
// Duplicates (same fingerprint) refresh the existing row instead.
func (s *Server) handleCreateFinding(w http.ResponseWriter, r *http.Request) {
	var f models.Finding
	if err := readJSON(r, &f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if f.AnalysisSessionID == "" || f.Type == "" || f.Severity == "" || f.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "analysis_session_id, type, severity and title are required",
		})
		return
	}

	stored, duplicate, err := s.store.InsertFinding(&f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"finding": stored, "duplicate": duplicate})
}

type updateFindingRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (s *Server) handleUpdateFinding(w http.ResponseWriter, r *http.Request) {
	var req updateFindingRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := r.PathValue("id")
	if err := s.store.UpdateFindingStatus(id, models.FindingStatus(req.Status), req.Note); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.store.GetFinding(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleWorkflowFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	findings, err := s.store.ListFindings(store.ListFindingsOptions{
		SystemPromptID: r.PathValue("id"),
		Status:         q.Get("status"),
		Severity:       q.Get("severity"),
		Limit:          intParam(q.Get("limit"), 100),
		Offset:         intParam(q.Get("offset"), 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if findings == nil {
		findings = []*models.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"count":    len(findings),
	})
}

type createAnalysisRequest struct {
	SystemPromptID string `json:"system_prompt_id"`
	Kind           string `json:"kind,omitempty"`

	// ClientID/ClientName identify the IDE or scanner opening the
	// analysis session, for the dashboard's connected-clients list.
	ClientID   string `json:"client_id,omitempty"`
	ClientName string `json:"client_name,omitempty"`
}

// handleCreateAnalysis opens an analysis session on behalf of an
// external client, typically an IDE plugin running static checks.
func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	kind := models.AnalysisKind(req.Kind)
	switch kind {
	case "":
		kind = models.AnalysisStatic
	case models.AnalysisStatic, models.AnalysisDynamic, models.AnalysisAutofix:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown analysis kind"})
		return
	}

	as, err := s.store.CreateAnalysisSession(req.SystemPromptID, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ClientID != "" {
		if err := s.store.TouchIDEConnection(req.ClientID, req.ClientName); err != nil {
			s.logger.Warn(r.Context(), "ide connection not recorded", "client_id", req.ClientID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, as)
}

type completeAnalysisRequest struct {
	SessionsAnalyzed int      `json:"sessions_analyzed"`
	FindingsCount    int      `json:"findings_count"`
	RiskScore        *float64 `json:"risk_score,omitempty"`
}

func (s *Server) handleCompleteAnalysis(w http.ResponseWriter, r *http.Request) {
	var req completeAnalysisRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := r.PathValue("id")
	if err := s.store.CompleteAnalysisSession(id, req.SessionsAnalyzed, req.FindingsCount, req.RiskScore); err != nil {
		s.fail(w, r, err)
		return
	}
	as, err := s.store.GetAnalysisSession(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}
