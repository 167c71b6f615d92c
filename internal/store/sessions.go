package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/argus/internal/events"
	"github.com/haasonsaas/argus/internal/models"
)

// AddEvent applies one event to the session and agent aggregates in a
// single transaction. Events for one session arrive in order; a
// completed session is reactivated (signature and features cleared)
// before the event's updates land.
func (s *Store) AddEvent(ev *events.Event) error {
	if ev == nil || ev.SessionID == "" {
		return fmt.Errorf("add_event: event without session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTxLocked("add_event", func(tx *sql.Tx) error {
		sess, err := getSessionTx(tx, ev.SessionID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if err == ErrNotFound {
			sess = &models.Session{
				SessionID:      ev.SessionID,
				SystemPromptID: ev.SystemPromptID,
				AgentID:        ev.AgentID,
				CreatedAt:      ev.Timestamp,
				LastActivity:   ev.Timestamp,
				IsActive:       true,
				ToolUsage:      map[string]int{},
			}
		}

		if sess.IsCompleted {
			sess.IsCompleted = false
			sess.Signature = nil
			sess.Features = nil
			// The session will be counted again when it re-completes.
			if _, err := tx.Exec(
				`UPDATE agents SET completed_session_count = MAX(completed_session_count - 1, 0)
				 WHERE system_prompt_id = ?`, sess.SystemPromptID); err != nil {
				return err
			}
		}
		sess.IsActive = true
		sess.LastActivity = ev.Timestamp
		applyEvent(sess, ev)

		sess.Events = append(sess.Events, ev)
		if len(sess.Events) > s.opts.MaxEvents {
			sess.Events = sess.Events[len(sess.Events)-s.opts.MaxEvents:]
		}

		if err := putSessionTx(tx, sess); err != nil {
			return err
		}
		return s.applyEventToAgentTx(tx, sess, ev)
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues(string(ev.Name)).Inc()
	}

	s.eventCounter++
	if s.eventCounter%cleanupEveryNEvents == 0 {
		s.cleanupLocked()
	}
	return nil
}

// applyEvent updates the session counters for one event.
func applyEvent(sess *models.Session, ev *events.Event) {
	sess.EventCount++
	switch ev.Name {
	case events.LLMCallStart:
		if n, ok := attrInt(ev.Attributes, "message_count"); ok && int(n) > sess.MessageCount {
			sess.MessageCount = int(n)
		}
		if tools := attrStrings(ev.Attributes, "tools"); len(tools) > 0 {
			sess.AvailableTools = union(sess.AvailableTools, tools)
		}
	case events.ToolExecution:
		sess.ToolUseCount++
		if name, ok := ev.Attributes["tool_name"].(string); ok && name != "" {
			if sess.ToolUsage == nil {
				sess.ToolUsage = map[string]int{}
			}
			sess.ToolUsage[name]++
		}
	case events.LLMCallFinish:
		if n, ok := attrInt(ev.Attributes, "total_tokens"); ok {
			sess.TotalTokens += n
		}
		if n, ok := attrInt(ev.Attributes, "duration_ms"); ok {
			sess.TotalResponseTimeMs += n
		}
	case events.LLMCallError:
		sess.ErrorCount++
	}
}

// GetSession returns an immutable snapshot of one session.
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess *models.Session
	err := s.withTxLocked("get_session", func(tx *sql.Tx) error {
		var err error
		sess, err = getSessionTx(tx, sessionID)
		return err
	})
	return sess, err
}

// ListSessionsOptions filters ListSessions.
type ListSessionsOptions struct {
	SystemPromptID string
	AgentID        string
	// Status is "ACTIVE", "INACTIVE" or "COMPLETED"; empty means all.
	Status string
	Limit  int
	Offset int
}

// ListSessions returns session snapshots ordered by last activity,
// newest first.
func (s *Store) ListSessions(opts ListSessionsOptions) ([]*models.Session, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if opts.SystemPromptID != "" {
		query += " AND system_prompt_id = ?"
		args = append(args, opts.SystemPromptID)
	}
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	switch opts.Status {
	case "ACTIVE":
		query += " AND is_active = 1 AND is_completed = 0"
	case "INACTIVE":
		query += " AND is_active = 0 AND is_completed = 0"
	case "COMPLETED":
		query += " AND is_completed = 1"
	}
	query += " ORDER BY last_activity DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, wrapIntegrity("list_sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CheckAndCompleteSessions marks sessions inactive past the timeout as
// completed and returns the distinct agents affected, so the analysis
// scheduler can be triggered. Sessions are never deleted here. Calling
// it twice in a row returns an empty set the second time.
func (s *Store) CheckAndCompleteSessions(timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := ts(s.now().Add(-timeout))
	promptSet := map[string]bool{}

	err := s.withTxLocked("complete_sessions", func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT session_id, system_prompt_id FROM sessions
			 WHERE is_active = 1 AND is_completed = 0 AND last_activity < ?`, cutoff)
		if err != nil {
			return err
		}
		type pair struct{ id, prompt string }
		var completed []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.id, &p.prompt); err != nil {
				rows.Close()
				return err
			}
			completed = append(completed, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range completed {
			if _, err := tx.Exec(
				`UPDATE sessions SET is_active = 0, is_completed = 1 WHERE session_id = ?`, p.id); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`UPDATE agents SET completed_session_count = completed_session_count + 1,
				 updated_at = ? WHERE system_prompt_id = ?`, ts(s.now()), p.prompt); err != nil {
				return err
			}
			promptSet[p.prompt] = true
			if s.metrics != nil {
				s.metrics.SessionsCompleted.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	prompts := make([]string, 0, len(promptSet))
	for p := range promptSet {
		prompts = append(prompts, p)
	}
	sort.Strings(prompts)
	return prompts, nil
}

// CompletedSessionsWithoutSignature returns the completed sessions of an
// agent whose behavioral signature has not been computed yet.
func (s *Store) CompletedSessionsWithoutSignature(systemPromptID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE system_prompt_id = ? AND is_completed = 1 AND behavioral_signature IS NULL`,
		systemPromptID)
	if err != nil {
		return nil, wrapIntegrity("sessions_without_signature", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CompletedSessions returns all completed sessions of one agent.
func (s *Store) CompletedSessions(systemPromptID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE system_prompt_id = ? AND is_completed = 1`, systemPromptID)
	if err != nil {
		return nil, wrapIntegrity("completed_sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SetSessionSignature freezes the behavioral signature and features of a
// completed session. They stay put until the session is reactivated.
func (s *Store) SetSessionSignature(sessionID string, features *models.SessionFeatures, signature []uint64) error {
	return s.withTx("set_signature", func(tx *sql.Tx) error {
		featJSON, err := json.Marshal(features)
		if err != nil {
			return err
		}
		sigJSON, err := json.Marshal(signature)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			`UPDATE sessions SET behavioral_features = ?, behavioral_signature = ?
			 WHERE session_id = ? AND is_completed = 1`,
			string(featJSON), string(sigJSON), sessionID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// MarkSessionsAnalyzed stamps the analysis session that consumed each
// session, advancing the incremental-analysis watermark.
func (s *Store) MarkSessionsAnalyzed(sessionIDs []string, analysisSessionID string) error {
	return s.withTx("mark_analyzed", func(tx *sql.Tx) error {
		for _, id := range sessionIDs {
			if _, err := tx.Exec(
				`UPDATE sessions SET last_analysis_session_id = ? WHERE session_id = ?`,
				analysisSessionID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountUnanalyzedCompleted counts completed sessions no analysis has
// consumed yet.
func (s *Store) CountUnanalyzedCompleted(systemPromptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions
		 WHERE system_prompt_id = ? AND is_completed = 1 AND last_analysis_session_id IS NULL`,
		systemPromptID).Scan(&n)
	if err != nil {
		return 0, wrapIntegrity("count_unanalyzed", err)
	}
	return n, nil
}

// CleanupOldData deletes incomplete sessions whose last activity is past
// the retention horizon. Completed sessions are never deleted; their
// frozen signatures are permanent.
func (s *Store) CleanupOldData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceCleanupLocked()
}

// cleanupLocked runs cleanup if the rate limit allows.
func (s *Store) cleanupLocked() {
	if s.now().Sub(s.lastCleanup) < cleanupMinInterval {
		return
	}
	if err := s.forceCleanupLocked(); err != nil {
		s.logger.Warn(context.Background(), "cleanup failed", "error", err)
	}
}

func (s *Store) forceCleanupLocked() error {
	s.lastCleanup = s.now()
	cutoff := ts(s.now().Add(-time.Duration(s.opts.RetentionMinutes) * time.Minute))
	_, err := s.db.Exec(
		`DELETE FROM sessions WHERE is_completed = 0 AND last_activity < ?`, cutoff)
	return wrapIntegrity("cleanup", err)
}

// IndexSignature records a resolver signature for crash recovery of the
// signature-to-session mapping.
func (s *Store) IndexSignature(signature, sessionID string) error {
	return s.withTx("index_signature", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions_signature_index (signature, session_id) VALUES (?, ?)
			 ON CONFLICT(signature) DO UPDATE SET session_id = excluded.session_id`,
			signature, sessionID)
		return err
	})
}

const sessionColumns = `session_id, system_prompt_id, agent_id, created_at, last_activity,
	is_active, is_completed, event_count, message_count, tool_use_count, error_count,
	total_tokens, total_response_time_ms, tool_usage_details, available_tools, events,
	behavioral_signature, behavioral_features, last_analysis_session_id`

func getSessionTx(tx *sql.Tx, sessionID string) (*models.Session, error) {
	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

func putSessionTx(tx *sql.Tx, sess *models.Session) error {
	toolUsage, err := marshalOrNull(sess.ToolUsage, len(sess.ToolUsage) > 0)
	if err != nil {
		return err
	}
	tools, err := marshalOrNull(sess.AvailableTools, len(sess.AvailableTools) > 0)
	if err != nil {
		return err
	}
	evs, err := marshalOrNull(sess.Events, len(sess.Events) > 0)
	if err != nil {
		return err
	}
	sig, err := marshalOrNull(sess.Signature, len(sess.Signature) > 0)
	if err != nil {
		return err
	}
	feat, err := marshalOrNull(sess.Features, sess.Features != nil)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO sessions (
		session_id, system_prompt_id, agent_id, created_at, last_activity,
		is_active, is_completed, event_count, message_count, tool_use_count, error_count,
		total_tokens, total_response_time_ms, tool_usage_details, available_tools, events,
		behavioral_signature, behavioral_features, last_analysis_session_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		system_prompt_id = excluded.system_prompt_id,
		agent_id = excluded.agent_id,
		last_activity = excluded.last_activity,
		is_active = excluded.is_active,
		is_completed = excluded.is_completed,
		event_count = excluded.event_count,
		message_count = excluded.message_count,
		tool_use_count = excluded.tool_use_count,
		error_count = excluded.error_count,
		total_tokens = excluded.total_tokens,
		total_response_time_ms = excluded.total_response_time_ms,
		tool_usage_details = excluded.tool_usage_details,
		available_tools = excluded.available_tools,
		events = excluded.events,
		behavioral_signature = excluded.behavioral_signature,
		behavioral_features = excluded.behavioral_features,
		last_analysis_session_id = excluded.last_analysis_session_id`,
		sess.SessionID, sess.SystemPromptID, nullStr(sess.AgentID),
		ts(sess.CreatedAt), ts(sess.LastActivity),
		boolInt(sess.IsActive), boolInt(sess.IsCompleted),
		sess.EventCount, sess.MessageCount, sess.ToolUseCount, sess.ErrorCount,
		sess.TotalTokens, sess.TotalResponseTimeMs,
		toolUsage, tools, evs, sig, feat, nullStr(sess.LastAnalysisSessionID))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess                             models.Session
		agentID, lastAnalysis            sql.NullString
		createdAt, lastActivity          string
		isActive, isCompleted            int
		toolUsage, tools, evs, sig, feat sql.NullString
	)
	err := row.Scan(&sess.SessionID, &sess.SystemPromptID, &agentID, &createdAt, &lastActivity,
		&isActive, &isCompleted, &sess.EventCount, &sess.MessageCount, &sess.ToolUseCount,
		&sess.ErrorCount, &sess.TotalTokens, &sess.TotalResponseTimeMs,
		&toolUsage, &tools, &evs, &sig, &feat, &lastAnalysis)
	if err != nil {
		return nil, err
	}

	sess.AgentID = agentID.String
	sess.LastAnalysisSessionID = lastAnalysis.String
	sess.CreatedAt = parseTS(createdAt)
	sess.LastActivity = parseTS(lastActivity)
	sess.IsActive = isActive == 1
	sess.IsCompleted = isCompleted == 1

	if err := unmarshalIfSet(toolUsage, &sess.ToolUsage); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(tools, &sess.AvailableTools); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(evs, &sess.Events); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(sig, &sess.Signature); err != nil {
		return nil, err
	}
	if feat.Valid {
		sess.Features = &models.SessionFeatures{}
		if err := json.Unmarshal([]byte(feat.String), sess.Features); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Serialization helpers shared by the session and agent tables.

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOrNull(v any, set bool) (any, error) {
	if !set {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalIfSet(col sql.NullString, dst any) error {
	if !col.Valid {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func attrInt(attrs map[string]any, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func attrStrings(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func union(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}
	return existing
}
