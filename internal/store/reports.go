package store

import (
	"database/sql"
	"encoding/json"

	"github.com/haasonsaas/argus/internal/models"
)

// PersistSecurityChecks stores every check of a security report,
// passing or not, under its analysis session. Returns the number of
// checks inserted.
func (s *Store) PersistSecurityChecks(analysisSessionID string, checks []models.AssessmentCheck) (int, error) {
	inserted := 0
	err := s.withTx("persist_checks", func(tx *sql.Tx) error {
		now := ts(s.now())
		for _, c := range checks {
			evidence, err := marshalOrNull(c.Evidence, len(c.Evidence) > 0)
			if err != nil {
				return err
			}
			recs, err := marshalOrNull(c.Recommendations, len(c.Recommendations) > 0)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO security_checks
				 (analysis_session_id, category, check_id, status, value, evidence, recommendations, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				analysisSessionID, c.Category, c.CheckID, string(c.Status),
				nullStr(c.Value), evidence, recs, now); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SecurityChecks returns the checks recorded for one analysis session.
func (s *Store) SecurityChecks(analysisSessionID string) ([]models.AssessmentCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT category, check_id, status, value, evidence, recommendations
		 FROM security_checks WHERE analysis_session_id = ? ORDER BY id`,
		analysisSessionID)
	if err != nil {
		return nil, wrapIntegrity("security_checks", err)
	}
	defer rows.Close()

	var out []models.AssessmentCheck
	for rows.Next() {
		var (
			c              models.AssessmentCheck
			value          sql.NullString
			evidence, recs sql.NullString
		)
		if err := rows.Scan(&c.Category, &c.CheckID, &c.Status, &value, &evidence, &recs); err != nil {
			return nil, err
		}
		c.Value = value.String
		if err := unmarshalIfSet(evidence, &c.Evidence); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(recs, &c.Recommendations); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PersistBehavioralResult stores the full clustering result for one run.
func (s *Store) PersistBehavioralResult(analysisSessionID, systemPromptID string, result *models.BehavioralResult) error {
	return s.withTx("persist_behavioral", func(tx *sql.Tx) error {
		blob, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO behavioral_analysis (analysis_session_id, system_prompt_id, result, created_at)
			 VALUES (?, ?, ?, ?)`,
			analysisSessionID, systemPromptID, string(blob), ts(s.now()))
		return err
	})
}

// LatestBehavioralResult returns the most recent clustering result for
// an agent, or ErrNotFound.
func (s *Store) LatestBehavioralResult(systemPromptID string) (*models.BehavioralResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob string
	err := s.db.QueryRow(
		`SELECT result FROM behavioral_analysis
		 WHERE system_prompt_id = ? ORDER BY id DESC LIMIT 1`,
		systemPromptID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapIntegrity("latest_behavioral", err)
	}

	var result models.BehavioralResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
