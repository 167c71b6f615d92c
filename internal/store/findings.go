package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/argus/internal/models"
)

// Fingerprint derives the stable identity of a finding from what it
// reports, not when. The same issue rediscovered by a later run maps to
// the same fingerprint and is dropped by the unique constraint.
func Fingerprint(findingType, filePath string, lineStart int, snippet string) string {
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	key := strings.Join([]string{findingType, filePath, fmt.Sprint(lineStart), snippet}, "\x00")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// InsertFinding persists a finding, assigning its id and fingerprint.
// A rediscovery of an existing finding refreshes the original's
// updated_at and returns it with a true duplicate flag; the original
// keeps its status and history.
func (s *Store) InsertFinding(f *models.Finding) (*models.Finding, bool, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Fingerprint == "" {
		snippet := f.Description
		if v, ok := f.Evidence["snippet"].(string); ok {
			snippet = v
		}
		f.Fingerprint = Fingerprint(f.Type, f.FilePath, f.LineStart, snippet)
	}
	if f.Status == "" {
		f.Status = models.FindingOpen
	}
	now := s.now()
	f.CreatedAt = now
	f.UpdatedAt = now

	err := s.withTx("insert_finding", func(tx *sql.Tx) error {
		evidence, err := marshalOrNull(f.Evidence, len(f.Evidence) > 0)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO findings (finding_id, analysis_session_id, system_prompt_id,
			 file_path, line_start, line_end, finding_type, severity, title, description,
			 evidence, owasp, cwe, mitre, status, fingerprint, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.AnalysisSessionID, nullStr(f.SystemPromptID),
			nullStr(f.FilePath), f.LineStart, f.LineEnd, f.Type, f.Severity,
			f.Title, nullStr(f.Description), evidence,
			nullStr(f.OWASP), nullStr(f.CWE), nullStr(f.MITRE),
			string(f.Status), f.Fingerprint, ts(now), ts(now))
		if err != nil {
			return err
		}
		// First insert only; rediscoveries never bump the count.
		_, err = tx.Exec(
			`UPDATE analysis_sessions SET findings_count = findings_count + 1
			 WHERE session_id = ?`, f.AnalysisSessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			return s.refreshDuplicate(f.Fingerprint)
		}
		return nil, false, err
	}
	return f, false, nil
}

// refreshDuplicate bumps updated_at on the original finding and returns
// it.
func (s *Store) refreshDuplicate(fingerprint string) (*models.Finding, bool, error) {
	var existing *models.Finding
	err := s.withTx("refresh_finding", func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE findings SET updated_at = ? WHERE fingerprint = ?`,
			ts(s.now()), fingerprint); err != nil {
			return err
		}
		row := tx.QueryRow(`SELECT `+findingColumns+` FROM findings WHERE fingerprint = ?`, fingerprint)
		var err error
		existing, err = scanFinding(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// ListFindingsOptions filters ListFindings.
type ListFindingsOptions struct {
	SystemPromptID    string
	AnalysisSessionID string
	Status            string
	Severity          string
	Limit             int
	Offset            int
}

// ListFindings returns findings, newest first.
func (s *Store) ListFindings(opts ListFindingsOptions) ([]*models.Finding, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []any
	if opts.SystemPromptID != "" {
		query += " AND system_prompt_id = ?"
		args = append(args, opts.SystemPromptID)
	}
	if opts.AnalysisSessionID != "" {
		query += " AND analysis_session_id = ?"
		args = append(args, opts.AnalysisSessionID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Severity != "" {
		query += " AND severity = ?"
		args = append(args, opts.Severity)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapIntegrity("list_findings", err)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFinding returns one finding by id.
func (s *Store) GetFinding(id string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+findingColumns+` FROM findings WHERE finding_id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

// UpdateFindingStatus moves a finding to a new lifecycle state and
// records the transition in the audit log.
func (s *Store) UpdateFindingStatus(id string, status models.FindingStatus, note string) error {
	switch status {
	case models.FindingOpen, models.FindingFixed, models.FindingIgnored:
	default:
		return fmt.Errorf("finding status %q: %w", status, ErrIntegrity)
	}

	return s.withTx("update_finding_status", func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRow(`SELECT status FROM findings WHERE finding_id = ?`, id).Scan(&prev)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if note != "" {
			// Notes accumulate on the finding itself, newline separated.
			if _, err := tx.Exec(
				`UPDATE findings
				 SET status = ?, updated_at = ?,
				     description = CASE
				       WHEN description IS NULL OR description = '' THEN ?
				       ELSE description || char(10) || ?
				     END
				 WHERE finding_id = ?`,
				string(status), ts(s.now()), note, note, id); err != nil {
				return err
			}
		} else if _, err := tx.Exec(
			`UPDATE findings SET status = ?, updated_at = ? WHERE finding_id = ?`,
			string(status), ts(s.now()), id); err != nil {
			return err
		}
		return insertAuditTx(tx, "finding", id, prev, string(status), note, ts(s.now()))
	})
}

const findingColumns = `finding_id, analysis_session_id, system_prompt_id,
	file_path, line_start, line_end, finding_type, severity, title, description,
	evidence, owasp, cwe, mitre, status, fingerprint, created_at, updated_at`

func scanFinding(row rowScanner) (*models.Finding, error) {
	var (
		f                            models.Finding
		prompt, path, desc, evidence sql.NullString
		owasp, cwe, mitre            sql.NullString
		status, createdAt, updatedAt string
	)
	err := row.Scan(&f.ID, &f.AnalysisSessionID, &prompt,
		&path, &f.LineStart, &f.LineEnd, &f.Type, &f.Severity, &f.Title, &desc,
		&evidence, &owasp, &cwe, &mitre, &status, &f.Fingerprint, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.SystemPromptID = prompt.String
	f.FilePath = path.String
	f.Description = desc.String
	f.OWASP = owasp.String
	f.CWE = cwe.String
	f.MITRE = mitre.String
	f.Status = models.FindingStatus(status)
	f.CreatedAt = parseTS(createdAt)
	f.UpdatedAt = parseTS(updatedAt)
	if evidence.Valid {
		if err := json.Unmarshal([]byte(evidence.String), &f.Evidence); err != nil {
			return nil, err
		}
	}
	return &f, nil
}
