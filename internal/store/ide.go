package store

import (
	"database/sql"

	"github.com/haasonsaas/argus/internal/models"
)

// TouchIDEConnection registers or refreshes an IDE client heartbeat.
func (s *Store) TouchIDEConnection(id, name string) error {
	return s.withTx("touch_ide", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO ide_connections (connection_id, name, last_seen) VALUES (?, ?, ?)
			 ON CONFLICT(connection_id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
			id, name, ts(s.now()))
		return err
	})
}

// ListIDEConnections returns the known IDE clients, most recent first.
func (s *Store) ListIDEConnections() ([]models.IDEConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT connection_id, name, last_seen FROM ide_connections ORDER BY last_seen DESC`)
	if err != nil {
		return nil, wrapIntegrity("list_ide", err)
	}
	defer rows.Close()

	var out []models.IDEConnection
	for rows.Next() {
		var (
			c        models.IDEConnection
			lastSeen string
		)
		if err := rows.Scan(&c.ID, &c.Name, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = parseTS(lastSeen)
		out = append(out, c)
	}
	return out, rows.Err()
}
