package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/argus/internal/models"
)

// CreateAnalysisSession opens a new IN_PROGRESS analysis run.
func (s *Store) CreateAnalysisSession(systemPromptID string, kind models.AnalysisKind) (*models.AnalysisSession, error) {
	as := &models.AnalysisSession{
		ID:             uuid.NewString(),
		SystemPromptID: systemPromptID,
		Kind:           kind,
		Status:         models.AnalysisInProgress,
		StartedAt:      s.now(),
	}
	err := s.withTx("create_analysis", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO analysis_sessions
			 (session_id, system_prompt_id, kind, status, started_at, sessions_analyzed, findings_count)
			 VALUES (?, ?, ?, ?, ?, 0, 0)`,
			as.ID, as.SystemPromptID, string(as.Kind), string(as.Status), ts(as.StartedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return as, nil
}

// CompleteAnalysisSession closes a run with its final tallies. A failed
// run is closed the same way with zero findings so it never blocks the
// next one.
func (s *Store) CompleteAnalysisSession(id string, sessionsAnalyzed, findingsCount int, riskScore *float64) error {
	return s.withTx("complete_analysis", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE analysis_sessions
			 SET status = ?, completed_at = ?, sessions_analyzed = ?, findings_count = ?, risk_score = ?
			 WHERE session_id = ?`,
			string(models.AnalysisCompleted), ts(s.now()),
			sessionsAnalyzed, findingsCount, nullFloat(riskScore), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StaleAnalysisSessions returns runs stuck IN_PROGRESS since before the
// cutoff. Used at startup to recover from a crash mid-analysis.
func (s *Store) StaleAnalysisSessions(cutoff time.Time) ([]*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT `+analysisColumns+` FROM analysis_sessions
		 WHERE status = ? AND started_at < ?`,
		string(models.AnalysisInProgress), ts(cutoff))
	if err != nil {
		return nil, wrapIntegrity("stale_analysis", err)
	}
	defer rows.Close()
	return scanAnalysisSessions(rows)
}

// ListAnalysisSessions returns the runs for one agent, newest first.
func (s *Store) ListAnalysisSessions(systemPromptID string, limit int) ([]*models.AnalysisSession, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT `+analysisColumns+` FROM analysis_sessions
		 WHERE system_prompt_id = ? ORDER BY started_at DESC LIMIT ?`,
		systemPromptID, limit)
	if err != nil {
		return nil, wrapIntegrity("list_analysis", err)
	}
	defer rows.Close()
	return scanAnalysisSessions(rows)
}

// GetAnalysisSession returns one run by id.
func (s *Store) GetAnalysisSession(id string) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+analysisColumns+` FROM analysis_sessions WHERE session_id = ?`, id)
	as, err := scanAnalysisSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return as, err
}

// LatestCompletedAnalysis returns the most recent COMPLETED run for an
// agent, or ErrNotFound if none finished yet.
func (s *Store) LatestCompletedAnalysis(systemPromptID string) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT `+analysisColumns+` FROM analysis_sessions
		 WHERE system_prompt_id = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		systemPromptID, string(models.AnalysisCompleted))
	as, err := scanAnalysisSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return as, err
}

const analysisColumns = `session_id, system_prompt_id, kind, status, started_at,
	completed_at, sessions_analyzed, findings_count, risk_score`

func scanAnalysisSession(row rowScanner) (*models.AnalysisSession, error) {
	var (
		as          models.AnalysisSession
		kind        string
		status      string
		startedAt   string
		completedAt sql.NullString
		risk        sql.NullFloat64
	)
	err := row.Scan(&as.ID, &as.SystemPromptID, &kind, &status, &startedAt,
		&completedAt, &as.SessionsAnalyzed, &as.FindingsCount, &risk)
	if err != nil {
		return nil, err
	}
	as.Kind = models.AnalysisKind(kind)
	as.Status = models.AnalysisStatus(status)
	as.StartedAt = parseTS(startedAt)
	if completedAt.Valid {
		t := parseTS(completedAt.String)
		as.CompletedAt = &t
	}
	if risk.Valid {
		v := risk.Float64
		as.RiskScore = &v
	}
	return &as, nil
}

func scanAnalysisSessions(rows *sql.Rows) ([]*models.AnalysisSession, error) {
	var out []*models.AnalysisSession
	for rows.Next() {
		as, err := scanAnalysisSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
