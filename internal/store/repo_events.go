package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const eventColumns = `id, user_id, geofence_id, shift_id, shift_bucket, event_type,
	lat, lon, occurred_at_ms`

// InsertGeofenceEvent records one debounced entry or exit transition.
func (s *Store) InsertGeofenceEvent(e model.GeofenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO geofence_events (id, user_id, geofence_id, shift_id, shift_bucket,
		                             event_type, lat, lon, occurred_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.GeofenceID, nullStr(e.ShiftID), nullStr(e.ShiftBucket),
		e.EventType, e.Lat, e.Lon, e.OccurredAtMs)
	return err
}

// ListUserGeofenceEvents returns a user's transitions newest first, bounded
// by occurrence time. Zero bounds are open; limit 0 means no limit.
func (s *Store) ListUserGeofenceEvents(userID string, fromMs, toMs int64, limit int) ([]model.GeofenceEvent, error) {
	query := "SELECT " + eventColumns + " FROM geofence_events WHERE user_id = ?"
	args := []any{userID}
	if fromMs > 0 {
		query += " AND occurred_at_ms >= ?"
		args = append(args, fromMs)
	}
	if toMs > 0 {
		query += " AND occurred_at_ms <= ?"
		args = append(args, toMs)
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

	var result []model.GeofenceEvent
	for rows.Next() {
		var e model.GeofenceEvent
		var shiftID, shiftBucket sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.GeofenceID, &shiftID, &shiftBucket,
			&e.EventType, &e.Lat, &e.Lon, &e.OccurredAtMs); err != nil {
			return nil, err
		}
		e.ShiftID = shiftID.String
		e.ShiftBucket = shiftBucket.String
		result = append(result, e)
	}
	return result, rows.Err()
}
