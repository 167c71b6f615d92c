package store

import (
	"database/sql"

	"github.com/haasonsaas/argus/internal/models"
)

func insertAuditTx(tx *sql.Tx, entityType, entityID, from, to, note, at string) error {
	_, err := tx.Exec(
		`INSERT INTO audit_log (entity_type, entity_id, from_status, to_status, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entityType, entityID, nullStr(from), to, nullStr(note), at)
	return err
}

// AuditTrail returns the recorded transitions for one entity, oldest
// first.
func (s *Store) AuditTrail(entityType, entityID string) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, entity_type, entity_id, from_status, to_status, note, created_at
		 FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		entityType, entityID)
	if err != nil {
		return nil, wrapIntegrity("audit_trail", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e          models.AuditEntry
			from, note sql.NullString
			created    string
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &from, &e.ToStatus, &note, &created); err != nil {
			return nil, err
		}
		e.FromStatus = from.String
		e.Note = note.String
		e.CreatedAt = parseTS(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
