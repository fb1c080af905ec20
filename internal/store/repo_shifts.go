package store

import (
	"database/sql"
	"fmt"

	"github.com/crewtrack/crewtrack/internal/model"
)

// Shift rows are bucketed into one physical table per role. The role to
// table mapping lives in the shift package; the store only refuses names
// outside the allowlist so table parameters never reach SQL unchecked.
var shiftTables = map[string]bool{
	"employee_shifts":    true,
	"group_admin_shifts": true,
	"management_shifts":  true,
}

func checkShiftTable(table string) error {
	if !shiftTables[table] {
		return fmt.Errorf("unknown shift table %q", table)
	}
	return nil
}

const shiftColumns = `id, user_id, start_time_ms, end_time_ms, start_lat, start_lon,
	end_lat, end_lon, location_history_json, total_distance_km, travel_time_min,
	ended_automatically, status, created_at_ms, updated_at_ms`

// InsertShift adds a new shift row. The partial unique index rejects a second
// active shift for the same user in the same table.
func (s *Store) InsertShift(table string, sh model.Shift) error {
	if err := checkShiftTable(table); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO `+table+` (id, user_id, start_time_ms, end_time_ms, start_lat, start_lon,
		                       end_lat, end_lon, location_history_json, total_distance_km,
		                       travel_time_min, ended_automatically, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sh.ID, sh.UserID, sh.StartTimeMs, nullI64(sh.EndTimeMs), sh.StartLat, sh.StartLon,
		nullF64(sh.EndLat), nullF64(sh.EndLon), sh.LocationHistoryJSON, sh.TotalDistanceKm,
		sh.TravelTimeMin, sh.EndedAutomatically, sh.Status, sh.CreatedAtMs, sh.UpdatedAtMs)
	return err
}

// GetShift returns a shift by ID, or nil if no row exists.
func (s *Store) GetShift(table, id string) (*model.Shift, error) {
	if err := checkShiftTable(table); err != nil {
		return nil, err
	}
	row := s.db.QueryRow("SELECT "+shiftColumns+" FROM "+table+" WHERE id = ?", id)
	sh, err := scanShiftRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sh, err
}

// ActiveShift returns the user's active shift in the given table, or nil.
func (s *Store) ActiveShift(table, userID string) (*model.Shift, error) {
	if err := checkShiftTable(table); err != nil {
		return nil, err
	}
	row := s.db.QueryRow("SELECT "+shiftColumns+" FROM "+table+" WHERE user_id = ? AND status = 'active'", userID)
	sh, err := scanShiftRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sh, err
}

// UpdateShiftProgress rewrites the rolling history and travel metrics of an
// active shift after a sample is accepted.
func (s *Store) UpdateShiftProgress(table, id, historyJSON string, distanceKm, travelMin float64, updatedAtMs int64) error {
	if err := checkShiftTable(table); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE `+table+` SET
			location_history_json = ?,
			total_distance_km     = ?,
			travel_time_min       = ?,
			updated_at_ms         = ?
		WHERE id = ? AND status = 'active'
	`, historyJSON, distanceKm, travelMin, updatedAtMs, id)
	return err
}

// FinalizeShiftArgs carries the terminal values written when a shift closes.
type FinalizeShiftArgs struct {
	Table       string
	ShiftID     string
	UserID      string
	EndTimeMs   int64
	EndLat      float64
	EndLon      float64
	HistoryJSON string
	DistanceKm  float64
	TravelMin   float64
	Auto        bool
}

// FinalizeShift marks a shift completed and, in the same transaction, closes
// any pending timer the user still has. It returns false when the shift was
// not active anymore, so callers can treat double ends as a no-op.
func (s *Store) FinalizeShift(args FinalizeShiftArgs) (bool, error) {
	if err := checkShiftTable(args.Table); err != nil {
		return false, err
	}

	var closed bool
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE `+args.Table+` SET
				end_time_ms           = ?,
				end_lat               = ?,
				end_lon               = ?,
				location_history_json = ?,
				total_distance_km     = ?,
				travel_time_min       = ?,
				ended_automatically   = ?,
				status                = 'completed',
				updated_at_ms         = ?
			WHERE id = ? AND status = 'active'
		`, args.EndTimeMs, args.EndLat, args.EndLon, args.HistoryJSON,
			args.DistanceKm, args.TravelMin, args.Auto, args.EndTimeMs, args.ShiftID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		closed = n > 0
		if !closed {
			return nil
		}

		_, err = tx.Exec(`
			UPDATE shift_timer_settings SET completed = 1, updated_at_ms = ?
			WHERE user_id = ? AND completed = 0
		`, args.EndTimeMs, args.UserID)
		return err
	})
	return closed, err
}

// ListUserShifts returns a user's shifts newest first, bounded by start time.
// Zero bounds are open; limit 0 means no limit.
func (s *Store) ListUserShifts(table, userID string, fromMs, toMs int64, limit int) ([]model.Shift, error) {
	if err := checkShiftTable(table); err != nil {
		return nil, err
	}

	query := "SELECT " + shiftColumns + " FROM " + table + " WHERE user_id = ?"
	args := []any{userID}
	if fromMs > 0 {
		query += " AND start_time_ms >= ?"
		args = append(args, fromMs)
	}
	if toMs > 0 {
		query += " AND start_time_ms <= ?"
		args = append(args, toMs)
	}
	query += " ORDER BY start_time_ms DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listShifts(query, args...)
}

// ListActiveShifts returns every active shift in the given table.
func (s *Store) ListActiveShifts(table string) ([]model.Shift, error) {
	if err := checkShiftTable(table); err != nil {
		return nil, err
	}
	return s.listShifts("SELECT " + shiftColumns + " FROM " + table + " WHERE status = 'active'")
}

// CountActiveShiftsForUsers returns how many of the given users have an
// active shift in the table. An empty slice returns zero.
func (s *Store) CountActiveShiftsForUsers(table string, userIDs []string) (int, error) {
	if err := checkShiftTable(table); err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	query, args := inClause("SELECT COUNT(*) FROM "+table+" WHERE status = 'active' AND user_id IN ", userIDs)
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ActiveShiftUserIDs returns which of the given users currently hold an
// active shift in the table.
func (s *Store) ActiveShiftUserIDs(table string, userIDs []string) (map[string]bool, error) {
	if err := checkShiftTable(table); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}

	query, args := inClause("SELECT user_id FROM "+table+" WHERE status = 'active' AND user_id IN ", userIDs)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out[userID] = true
	}
	return out, rows.Err()
}

// SumClosedShiftDistance totals completed-shift distance for shifts the user
// started inside [dayStartMs, dayEndMs).
func (s *Store) SumClosedShiftDistance(table, userID string, dayStartMs, dayEndMs int64) (float64, error) {
	if err := checkShiftTable(table); err != nil {
		return 0, err
	}

	var total sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(total_distance_km) FROM `+table+`
		WHERE user_id = ? AND status = 'completed' AND start_time_ms >= ? AND start_time_ms < ?
	`, userID, dayStartMs, dayEndMs).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func (s *Store) listShifts(query string, args ...any) ([]model.Shift, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Shift
	for rows.Next() {
		sh, err := scanShiftRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sh)
	}
	return result, rows.Err()
}

func scanShiftRow(row rowScanner) (*model.Shift, error) {
	var sh model.Shift
	var endTime sql.NullInt64
	var endLat, endLon sql.NullFloat64
	if err := row.Scan(&sh.ID, &sh.UserID, &sh.StartTimeMs, &endTime, &sh.StartLat, &sh.StartLon,
		&endLat, &endLon, &sh.LocationHistoryJSON, &sh.TotalDistanceKm, &sh.TravelTimeMin,
		&sh.EndedAutomatically, &sh.Status, &sh.CreatedAtMs, &sh.UpdatedAtMs); err != nil {
		return nil, err
	}
	sh.EndTimeMs = endTime.Int64
	sh.EndLat = endLat.Float64
	sh.EndLon = endLon.Float64
	return &sh, nil
}

// inClause expands prefix with a (?, ?, ...) list for the given values.
func inClause(prefix string, values []string) (string, []any) {
	args := make([]any, len(values))
	q := prefix + "("
	for i, v := range values {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args[i] = v
	}
	return q + ")", args
}
