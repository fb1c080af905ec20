package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const timerColumns = `id, shift_id, user_id, shift_bucket, role_type, duration_hours,
	end_time_ms, completed, notification_sent, created_at_ms, updated_at_ms`

// InsertTimer adds a new timer row. The partial unique index rejects a second
// pending timer for the same user.
func (s *Store) InsertTimer(t model.ShiftTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO shift_timer_settings (id, shift_id, user_id, shift_bucket, role_type,
		                                  duration_hours, end_time_ms, completed,
		                                  notification_sent, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ShiftID, t.UserID, t.ShiftBucket, string(t.RoleType), t.DurationHours,
		t.EndTimeMs, t.Completed, t.NotificationSent, t.CreatedAtMs, t.UpdatedAtMs)
	return err
}

// PendingTimer returns the user's open timer, or nil.
func (s *Store) PendingTimer(userID string) (*model.ShiftTimer, error) {
	row := s.db.QueryRow("SELECT "+timerColumns+" FROM shift_timer_settings WHERE user_id = ? AND completed = 0", userID)
	t, err := scanTimerRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// DeletePendingTimer removes the user's open timer so a replacement can be
// inserted. Completed rows stay for history.
func (s *Store) DeletePendingTimer(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM shift_timer_settings WHERE user_id = ? AND completed = 0", userID)
	return err
}

// UpdateTimerSchedule moves a pending timer's duration and due time.
func (s *Store) UpdateTimerSchedule(id string, durationHours float64, endTimeMs, updatedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE shift_timer_settings SET
			duration_hours    = ?,
			end_time_ms       = ?,
			notification_sent = 0,
			updated_at_ms     = ?
		WHERE id = ? AND completed = 0
	`, durationHours, endTimeMs, updatedAtMs, id)
	return err
}

// CompleteTimer marks a timer done. Returns false when it was already done.
func (s *Store) CompleteTimer(id string, updatedAtMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE shift_timer_settings SET completed = 1, updated_at_ms = ?
		WHERE id = ? AND completed = 0
	`, updatedAtMs, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTimerNotified records that the pre-expiry reminder went out.
func (s *Store) MarkTimerNotified(id string, updatedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE shift_timer_settings SET notification_sent = 1, updated_at_ms = ?
		WHERE id = ?
	`, updatedAtMs, id)
	return err
}

// DueTimers returns pending timers whose due time has passed, oldest first.
func (s *Store) DueTimers(nowMs int64) ([]model.ShiftTimer, error) {
	return s.listTimers(`
		SELECT `+timerColumns+` FROM shift_timer_settings
		WHERE completed = 0 AND end_time_ms <= ?
		ORDER BY end_time_ms
	`, nowMs)
}

// TimersDueWithin returns pending, not yet reminded timers due inside the
// window (nowMs, nowMs+windowMs].
func (s *Store) TimersDueWithin(nowMs, windowMs int64) ([]model.ShiftTimer, error) {
	return s.listTimers(`
		SELECT `+timerColumns+` FROM shift_timer_settings
		WHERE completed = 0 AND notification_sent = 0 AND end_time_ms > ? AND end_time_ms <= ?
		ORDER BY end_time_ms
	`, nowMs, nowMs+windowMs)
}

func (s *Store) listTimers(query string, args ...any) ([]model.ShiftTimer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ShiftTimer
	for rows.Next() {
		t, err := scanTimerRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func scanTimerRow(row rowScanner) (*model.ShiftTimer, error) {
	var t model.ShiftTimer
	var role string
	if err := row.Scan(&t.ID, &t.ShiftID, &t.UserID, &t.ShiftBucket, &role, &t.DurationHours,
		&t.EndTimeMs, &t.Completed, &t.NotificationSent, &t.CreatedAtMs, &t.UpdatedAtMs); err != nil {
		return nil, err
	}
	t.RoleType = model.Role(role)
	return &t, nil
}
