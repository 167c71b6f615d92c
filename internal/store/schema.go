package store

// schema is the idempotent DDL applied at startup. Timestamps are stored
// as RFC 3339 strings in UTC; composite values as JSON.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	system_prompt_id TEXT NOT NULL,
	agent_id TEXT,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_completed INTEGER NOT NULL DEFAULT 0,
	event_count INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	tool_use_count INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_response_time_ms INTEGER NOT NULL DEFAULT 0,
	tool_usage_details TEXT,
	available_tools TEXT,
	events TEXT,
	behavioral_signature TEXT,
	behavioral_features TEXT,
	last_analysis_session_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_prompt ON sessions(system_prompt_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);
CREATE INDEX IF NOT EXISTS idx_sessions_flags ON sessions(is_active, is_completed);

CREATE TABLE IF NOT EXISTS agents (
	system_prompt_id TEXT PRIMARY KEY,
	agent_id TEXT,
	display_name TEXT,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	session_count INTEGER NOT NULL DEFAULT 0,
	completed_session_count INTEGER NOT NULL DEFAULT 0,
	total_events INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	sessions TEXT,
	tools_seen TEXT,
	tools_used TEXT,
	cached_percentiles TEXT,
	last_analyzed_session_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS analysis_sessions (
	session_id TEXT PRIMARY KEY,
	system_prompt_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	sessions_analyzed INTEGER NOT NULL DEFAULT 0,
	findings_count INTEGER NOT NULL DEFAULT 0,
	risk_score REAL
);

CREATE TABLE IF NOT EXISTS findings (
	finding_id TEXT PRIMARY KEY,
	analysis_session_id TEXT NOT NULL REFERENCES analysis_sessions(session_id),
	system_prompt_id TEXT,
	file_path TEXT,
	line_start INTEGER,
	line_end INTEGER,
	finding_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	evidence TEXT,
	owasp TEXT,
	cwe TEXT,
	mitre TEXT,
	status TEXT NOT NULL DEFAULT 'OPEN',
	fingerprint TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_prompt ON findings(system_prompt_id);

CREATE TABLE IF NOT EXISTS security_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_session_id TEXT NOT NULL REFERENCES analysis_sessions(session_id),
	category TEXT NOT NULL,
	check_id TEXT NOT NULL,
	status TEXT NOT NULL,
	value TEXT,
	evidence TEXT,
	recommendations TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS behavioral_analysis (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_session_id TEXT NOT NULL REFERENCES analysis_sessions(session_id),
	system_prompt_id TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_behavioral_prompt ON behavioral_analysis(system_prompt_id);

CREATE TABLE IF NOT EXISTS recommendations (
	recommendation_id TEXT PRIMARY KEY,
	finding_id TEXT NOT NULL REFERENCES findings(finding_id),
	system_prompt_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT NOT NULL,
	note TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ide_connections (
	connection_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions_signature_index (
	signature TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id)
);
`

// migrate applies the schema. Safe to run on every startup.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return wrapIntegrity("migrate", err)
	}
	return nil
}
