package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/argus/internal/models"
)

// recommendationTransitions is the allowed state machine. A state absent
// from the map is terminal.
var recommendationTransitions = map[models.RecommendationStatus][]models.RecommendationStatus{
	models.RecommendationPending: {
		models.RecommendationFixing,
		models.RecommendationDismissed,
		models.RecommendationIgnored,
	},
	models.RecommendationFixing: {
		models.RecommendationFixed,
		models.RecommendationPending,
	},
	models.RecommendationFixed: {
		models.RecommendationVerified,
		models.RecommendationPending,
	},
}

// CreateRecommendation attaches a remediation to a finding, in PENDING.
func (s *Store) CreateRecommendation(findingID, systemPromptID, title, description string) (*models.Recommendation, error) {
	now := s.now()
	rec := &models.Recommendation{
		ID:             uuid.NewString(),
		FindingID:      findingID,
		SystemPromptID: systemPromptID,
		Title:          title,
		Description:    description,
		Status:         models.RecommendationPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.withTx("create_recommendation", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO recommendations
			 (recommendation_id, finding_id, system_prompt_id, title, description, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.FindingID, nullStr(rec.SystemPromptID),
			rec.Title, nullStr(rec.Description), string(rec.Status), ts(now), ts(now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// TransitionRecommendation moves a recommendation through its state
// machine and records the transition. An illegal transition returns
// ErrIntegrity and changes nothing.
func (s *Store) TransitionRecommendation(id string, to models.RecommendationStatus, note string) error {
	return s.withTx("transition_recommendation", func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRow(`SELECT status FROM recommendations WHERE recommendation_id = ?`, id).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		from := models.RecommendationStatus(cur)
		if !transitionAllowed(from, to) {
			return fmt.Errorf("recommendation %s: %s -> %s: %w", id, from, to, ErrIntegrity)
		}

		if _, err := tx.Exec(
			`UPDATE recommendations SET status = ?, updated_at = ? WHERE recommendation_id = ?`,
			string(to), ts(s.now()), id); err != nil {
			return err
		}
		return insertAuditTx(tx, "recommendation", id, cur, string(to), note, ts(s.now()))
	})
}

func transitionAllowed(from, to models.RecommendationStatus) bool {
	for _, allowed := range recommendationTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ListRecommendations returns the recommendations for an agent, or all
// when systemPromptID is empty. Newest first.
func (s *Store) ListRecommendations(systemPromptID string) ([]*models.Recommendation, error) {
	query := `SELECT recommendation_id, finding_id, system_prompt_id, title, description,
		status, created_at, updated_at FROM recommendations`
	var args []any
	if systemPromptID != "" {
		query += ` WHERE system_prompt_id = ?`
		args = append(args, systemPromptID)
	}
	query += ` ORDER BY created_at DESC`

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapIntegrity("list_recommendations", err)
	}
	defer rows.Close()

	var out []*models.Recommendation
	for rows.Next() {
		var (
			rec                  models.Recommendation
			prompt, desc         sql.NullString
			status, created, upd string
		)
		if err := rows.Scan(&rec.ID, &rec.FindingID, &prompt, &rec.Title, &desc,
			&status, &created, &upd); err != nil {
			return nil, err
		}
		rec.SystemPromptID = prompt.String
		rec.Description = desc.String
		rec.Status = models.RecommendationStatus(status)
		rec.CreatedAt = parseTS(created)
		rec.UpdatedAt = parseTS(upd)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
