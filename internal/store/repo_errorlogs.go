package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const errorLogColumns = `id, service, error_type, message, user_id, metadata_json,
	stack, dedupe_hash, occurred_at_ms`

// InsertErrorLogs writes a flushed batch in one transaction.
func (s *Store) InsertErrorLogs(entries []model.ErrorLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return s.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO error_logs (id, service, error_type, message, user_id,
			                        metadata_json, stack, dedupe_hash, occurred_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.Exec(e.ID, e.Service, e.ErrorType, e.Message, nullStr(e.UserID),
				e.MetadataJSON, e.Stack, e.DedupeHash, e.OccurredAtMs); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountRecentErrorsByHash returns how many rows share the dedupe hash since
// the cutoff. Drives suppression of noisy repeats.
func (s *Store) CountRecentErrorsByHash(hash string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM error_logs WHERE dedupe_hash = ? AND occurred_at_ms >= ?
	`, hash, sinceMs).Scan(&n)
	return n, err
}

// PurgeErrorLogsBefore deletes rows older than the cutoff and reports how
// many were removed.
func (s *Store) PurgeErrorLogsBefore(cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM error_logs WHERE occurred_at_ms < ?", cutoffMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListErrorLogs returns recent rows newest first, optionally filtered by
// service. Limit 0 means no limit.
func (s *Store) ListErrorLogs(service string, limit int) ([]model.ErrorLogEntry, error) {
	query := "SELECT " + errorLogColumns + " FROM error_logs"
	var args []any
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY occurred_at_ms DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ErrorLogEntry
	for rows.Next() {
		var e model.ErrorLogEntry
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &e.Service, &e.ErrorType, &e.Message, &userID,
			&e.MetadataJSON, &e.Stack, &e.DedupeHash, &e.OccurredAtMs); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		result = append(result, e)
	}
	return result, rows.Err()
}
