package store

import (
	"database/sql"
	"encoding/json"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/models"
)

// applyEventToAgentTx keeps the agent aggregate row in step with its
// sessions. Called inside the AddEvent transaction.
func (s *Store) applyEventToAgentTx(tx *sql.Tx, sess *models.Session, ev *events.Event) error {
	agent, err := getAgentTx(tx, sess.SystemPromptID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == ErrNotFound {
		agent = &models.Agent{
			SystemPromptID: sess.SystemPromptID,
			AgentID:        sess.AgentID,
			CreatedAt:      ev.Timestamp,
		}
	}

	agent.UpdatedAt = ev.Timestamp
	agent.TotalEvents++

	if !contains(agent.SessionIDs, sess.SessionID) {
		agent.SessionIDs = append(agent.SessionIDs, sess.SessionID)
		agent.SessionCount++
	}

	switch ev.Name {
	case events.LLMCallStart:
		if tools := attrStrings(ev.Attributes, "tools"); len(tools) > 0 {
			agent.ToolsSeen = union(agent.ToolsSeen, tools)
		}
	case events.ToolExecution:
		if name, ok := ev.Attributes["tool_name"].(string); ok && name != "" {
			agent.ToolsUsed = union(agent.ToolsUsed, []string{name})
		}
	case events.LLMCallFinish:
		if n, ok := attrInt(ev.Attributes, "total_tokens"); ok {
			agent.TotalTokens += n
		}
	}

	return putAgentTx(tx, agent)
}

// GetAgent returns the aggregate for one system prompt id.
func (s *Store) GetAgent(systemPromptID string) (*models.Agent, error) {
	var agent *models.Agent
	err := s.withTx("get_agent", func(tx *sql.Tx) error {
		var err error
		agent, err = getAgentTx(tx, systemPromptID)
		return err
	})
	return agent, err
}

// ListAgents returns all agents ordered by most recent activity.
func (s *Store) ListAgents() ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, wrapIntegrity("list_agents", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// SetAgentMetadata updates the display name and description an operator
// assigns to an agent.
func (s *Store) SetAgentMetadata(systemPromptID, displayName, description string) error {
	return s.withTx("set_agent_metadata", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE agents SET display_name = ?, description = ?, updated_at = ?
			 WHERE system_prompt_id = ?`,
			displayName, description, ts(s.now()), systemPromptID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetAgentPercentiles freezes the distribution anchors computed from the
// first analyzed batch. Subsequent calls overwrite only if none are set.
func (s *Store) SetAgentPercentiles(systemPromptID string, p *models.Percentiles) error {
	return s.withTx("set_agent_percentiles", func(tx *sql.Tx) error {
		agent, err := getAgentTx(tx, systemPromptID)
		if err != nil {
			return err
		}
		if agent.CachedPercentiles != nil {
			return nil
		}
		agent.CachedPercentiles = p
		agent.UpdatedAt = s.now()
		return putAgentTx(tx, agent)
	})
}

// SetAgentAnalyzedCount advances the analysis watermark on the agent.
func (s *Store) SetAgentAnalyzedCount(systemPromptID string, count int) error {
	return s.withTx("set_agent_analyzed", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE agents SET last_analyzed_session_count = ?, updated_at = ?
			 WHERE system_prompt_id = ?`,
			count, ts(s.now()), systemPromptID)
		return err
	})
}

const agentColumns = `system_prompt_id, agent_id, display_name, description,
	created_at, updated_at, session_count, completed_session_count,
	total_events, total_tokens, sessions, tools_seen, tools_used,
	cached_percentiles, last_analyzed_session_count`

func getAgentTx(tx *sql.Tx, systemPromptID string) (*models.Agent, error) {
	row := tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE system_prompt_id = ?`, systemPromptID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return agent, err
}

func putAgentTx(tx *sql.Tx, agent *models.Agent) error {
	sessions, err := marshalOrNull(agent.SessionIDs, len(agent.SessionIDs) > 0)
	if err != nil {
		return err
	}
	seen, err := marshalOrNull(agent.ToolsSeen, len(agent.ToolsSeen) > 0)
	if err != nil {
		return err
	}
	used, err := marshalOrNull(agent.ToolsUsed, len(agent.ToolsUsed) > 0)
	if err != nil {
		return err
	}
	pct, err := marshalOrNull(agent.CachedPercentiles, agent.CachedPercentiles != nil)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO agents (
		system_prompt_id, agent_id, display_name, description,
		created_at, updated_at, session_count, completed_session_count,
		total_events, total_tokens, sessions, tools_seen, tools_used,
		cached_percentiles, last_analyzed_session_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(system_prompt_id) DO UPDATE SET
		agent_id = excluded.agent_id,
		display_name = excluded.display_name,
		description = excluded.description,
		updated_at = excluded.updated_at,
		session_count = excluded.session_count,
		completed_session_count = excluded.completed_session_count,
		total_events = excluded.total_events,
		total_tokens = excluded.total_tokens,
		sessions = excluded.sessions,
		tools_seen = excluded.tools_seen,
		tools_used = excluded.tools_used,
		cached_percentiles = excluded.cached_percentiles,
		last_analyzed_session_count = excluded.last_analyzed_session_count`,
		agent.SystemPromptID, nullStr(agent.AgentID), nullStr(agent.DisplayName),
		nullStr(agent.Description), ts(agent.CreatedAt), ts(agent.UpdatedAt),
		agent.SessionCount, agent.CompletedSessionCount,
		agent.TotalEvents, agent.TotalTokens,
		sessions, seen, used, pct, agent.LastAnalyzedSessionCount)
	return err
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent                        models.Agent
		agentID, name, desc          sql.NullString
		createdAt, updatedAt         string
		sessions, seen, used, anchor sql.NullString
	)
	err := row.Scan(&agent.SystemPromptID, &agentID, &name, &desc,
		&createdAt, &updatedAt, &agent.SessionCount, &agent.CompletedSessionCount,
		&agent.TotalEvents, &agent.TotalTokens,
		&sessions, &seen, &used, &anchor, &agent.LastAnalyzedSessionCount)
	if err != nil {
		return nil, err
	}

	agent.AgentID = agentID.String
	agent.DisplayName = name.String
	agent.Description = desc.String
	agent.CreatedAt = parseTS(createdAt)
	agent.UpdatedAt = parseTS(updatedAt)

	if err := unmarshalIfSet(sessions, &agent.SessionIDs); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(seen, &agent.ToolsSeen); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(used, &agent.ToolsUsed); err != nil {
		return nil, err
	}
	if anchor.Valid {
		agent.CachedPercentiles = &models.Percentiles{}
		if err := json.Unmarshal([]byte(anchor.String), agent.CachedPercentiles); err != nil {
			return nil, err
		}
	}
	return &agent, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
