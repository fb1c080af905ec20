package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const notificationColumns = `id, user_id, title, message, type, priority, data_json, read, created_at_ms`

// InsertNotification adds an inbox row.
func (s *Store) InsertNotification(n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO notifications (id, user_id, title, message, type, priority, data_json, read, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Title, n.Message, n.Type, n.Priority, n.DataJSON, n.Read, n.CreatedAtMs)
	return err
}

// ListUserNotifications returns a user's inbox newest first. Limit 0 means
// no limit; unreadOnly narrows to unread rows.
func (s *Store) ListUserNotifications(userID string, limit int, unreadOnly bool) ([]model.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE user_id = ?"
	args := []any{userID}
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY created_at_ms DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type,
			&n.Priority, &n.DataJSON, &n.Read, &n.CreatedAtMs); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// MarkNotificationRead flags one row read, scoped to its owner. Returns
// false when no matching unread row existed.
func (s *Store) MarkNotificationRead(id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllNotificationsRead flags the user's whole inbox read and reports how
// many rows changed.
func (s *Store) MarkAllNotificationsRead(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0", userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnreadNotifications returns the user's unread count.
func (s *Store) CountUnreadNotifications(userID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0", userID).Scan(&n)
	return n, err
}

// InsertPushRecord writes the audit row for one dispatch attempt.
func (s *Store) InsertPushRecord(p model.PushRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO push_notifications (id, notification_id, user_id, title, message,
		                                data_json, sent, sent_at_ms, error, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, nullStr(p.NotificationID), p.UserID, p.Title, p.Message, p.DataJSON,
		p.Sent, nullI64(p.SentAtMs), nullStr(p.Error), p.CreatedAtMs)
	return err
}

// ListUserPushRecords returns a user's dispatch audit rows newest first.
func (s *Store) ListUserPushRecords(userID string, limit int) ([]model.PushRecord, error) {
	query := `SELECT id, notification_id, user_id, title, message, data_json, sent,
		sent_at_ms, error, created_at_ms FROM push_notifications WHERE user_id = ? ORDER BY created_at_ms DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PushRecord
	for rows.Next() {
		var p model.PushRecord
		var notificationID, errText sql.NullString
		var sentAt sql.NullInt64
		if err := rows.Scan(&p.ID, &notificationID, &p.UserID, &p.Title, &p.Message,
			&p.DataJSON, &p.Sent, &sentAt, &errText, &p.CreatedAtMs); err != nil {
			return nil, err
		}
		p.NotificationID = notificationID.String
		p.SentAtMs = sentAt.Int64
		p.Error = errText.String
		result = append(result, p)
	}
	return result, rows.Err()
}
