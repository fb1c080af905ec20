package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const analyticsColumns = `id, user_id, day, distance_km, travel_min, indoor_min,
	outdoor_min, updated_at_ms`

// AccumulateDaily adds deltas into the user's rollup for the day, creating
// the row on first touch. The id is only used for the insert arm.
func (s *Store) AccumulateDaily(id, userID, day string, distanceKm, travelMin, indoorMin, outdoorMin float64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tracking_analytics (id, user_id, day, distance_km, travel_min,
		                                indoor_min, outdoor_min, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			distance_km   = distance_km + excluded.distance_km,
			travel_min    = travel_min + excluded.travel_min,
			indoor_min    = indoor_min + excluded.indoor_min,
			outdoor_min   = outdoor_min + excluded.outdoor_min,
			updated_at_ms = excluded.updated_at_ms
	`, id, userID, day, distanceKm, travelMin, indoorMin, outdoorMin, nowMs)
	return err
}

// SetDailyDistance overwrites the day's distance total, leaving the time
// buckets accumulated. Used when a shift closes and the authoritative
// per-shift totals replace the incremental estimate.
func (s *Store) SetDailyDistance(id, userID, day string, distanceKm float64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tracking_analytics (id, user_id, day, distance_km, travel_min,
		                                indoor_min, outdoor_min, updated_at_ms)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			distance_km   = excluded.distance_km,
			updated_at_ms = excluded.updated_at_ms
	`, id, userID, day, distanceKm, nowMs)
	return err
}

// GetDaily returns the user's rollup for one day, or nil if no row exists.
func (s *Store) GetDaily(userID, day string) (*model.DailyAnalytics, error) {
	row := s.db.QueryRow("SELECT "+analyticsColumns+" FROM tracking_analytics WHERE user_id = ? AND day = ?", userID, day)
	a, err := scanAnalyticsRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListDailyRange returns rollups for days in [fromDay, toDay], oldest first.
// Day keys sort lexically because they are zero-padded YYYY-MM-DD.
func (s *Store) ListDailyRange(userID, fromDay, toDay string) ([]model.DailyAnalytics, error) {
	rows, err := s.db.Query(`
		SELECT `+analyticsColumns+` FROM tracking_analytics
		WHERE user_id = ? AND day >= ? AND day <= ?
		ORDER BY day
	`, userID, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DailyAnalytics
	for rows.Next() {
		a, err := scanAnalyticsRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func scanAnalyticsRow(row rowScanner) (*model.DailyAnalytics, error) {
	var a model.DailyAnalytics
	if err := row.Scan(&a.ID, &a.UserID, &a.Day, &a.DistanceKm, &a.TravelMin,
		&a.IndoorMin, &a.OutdoorMin, &a.UpdatedAtMs); err != nil {
		return nil, err
	}
	return &a, nil
}
