package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const locationColumns = `seq, id, user_id, shift_id, shift_bucket, lat, lon, accuracy_m,
	battery_pct, speed_mps, altitude_m, is_moving, is_background, geofence_status,
	is_tracking_active, recorded_at_ms, received_at_ms`

// InsertLocation appends an accepted sample and fills in its server-assigned
// sequence number.
func (s *Store) InsertLocation(l *model.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO employee_locations (id, user_id, shift_id, shift_bucket, lat, lon,
		                                accuracy_m, battery_pct, speed_mps, altitude_m,
		                                is_moving, is_background, geofence_status,
		                                is_tracking_active, recorded_at_ms, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.UserID, nullStr(l.ShiftID), nullStr(l.ShiftBucket), l.Lat, l.Lon,
		nullF64(l.AccuracyM), nullF64(l.BatteryPct), nullF64(l.SpeedMps), nullF64(l.AltitudeM),
		l.IsMoving, l.IsBackground, l.GeofenceStatus, l.IsTrackingActive, l.RecordedAtMs, l.ReceivedAtMs)
	if err != nil {
		return err
	}
	l.Seq, err = res.LastInsertId()
	return err
}

// LatestLocation returns the user's most recently accepted sample, or nil.
func (s *Store) LatestLocation(userID string) (*model.LocationSample, error) {
	row := s.db.QueryRow(`
		SELECT `+locationColumns+` FROM employee_locations
		WHERE user_id = ? ORDER BY seq DESC LIMIT 1
	`, userID)
	l, err := scanLocationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ListShiftLocations returns the samples tied to one shift in arrival order.
func (s *Store) ListShiftLocations(shiftID string) ([]model.LocationSample, error) {
	return s.listLocations(`
		SELECT `+locationColumns+` FROM employee_locations
		WHERE shift_id = ? ORDER BY seq
	`, shiftID)
}

// ListUserLocations returns a user's samples in arrival order, bounded by
// server receive time. Zero bounds are open; limit 0 means no limit.
func (s *Store) ListUserLocations(userID string, fromMs, toMs int64, limit int) ([]model.LocationSample, error) {
	query := "SELECT " + locationColumns + " FROM employee_locations WHERE user_id = ?"
	args := []any{userID}
	if fromMs > 0 {
		query += " AND received_at_ms >= ?"
		args = append(args, fromMs)
	}
	if toMs > 0 {
		query += " AND received_at_ms <= ?"
		args = append(args, toMs)
	}
	query += " ORDER BY seq"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listLocations(query, args...)
}

// LatestLocationsForUsers returns each listed user's newest sample. Users
// with no samples are simply absent from the result.
func (s *Store) LatestLocationsForUsers(userIDs []string) (map[string]model.LocationSample, error) {
	if len(userIDs) == 0 {
		return map[string]model.LocationSample{}, nil
	}

	query, args := inClause(`
		SELECT `+locationColumns+` FROM employee_locations
		WHERE seq IN (
			SELECT MAX(seq) FROM employee_locations WHERE user_id IN `, userIDs)
	query += " GROUP BY user_id)"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]model.LocationSample, len(userIDs))
	for rows.Next() {
		l, err := scanLocationRow(rows)
		if err != nil {
			return nil, err
		}
		result[l.UserID] = *l
	}
	return result, rows.Err()
}

func (s *Store) listLocations(query string, args ...any) ([]model.LocationSample, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.LocationSample
	for rows.Next() {
		l, err := scanLocationRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func scanLocationRow(row rowScanner) (*model.LocationSample, error) {
	var l model.LocationSample
	var shiftID, shiftBucket sql.NullString
	var accuracy, battery, speed, altitude sql.NullFloat64
	if err := row.Scan(&l.Seq, &l.ID, &l.UserID, &shiftID, &shiftBucket, &l.Lat, &l.Lon,
		&accuracy, &battery, &speed, &altitude, &l.IsMoving, &l.IsBackground,
		&l.GeofenceStatus, &l.IsTrackingActive, &l.RecordedAtMs, &l.ReceivedAtMs); err != nil {
		return nil, err
	}
	l.ShiftID = shiftID.String
	l.ShiftBucket = shiftBucket.String
	l.AccuracyM = accuracy.Float64
	l.BatteryPct = battery.Float64
	l.SpeedMps = speed.Float64
	l.AltitudeM = altitude.Float64
	return &l, nil
}
