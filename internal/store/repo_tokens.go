package store

import (
	"github.com/crewtrack/crewtrack/internal/model"
)

const tokenColumns = `id, user_id, token, platform, device_name, active, last_used_ms, created_at_ms`

// UpsertDeviceToken registers a push token, reactivating it and refreshing
// last use when the (user, token) pair already exists.
func (s *Store) UpsertDeviceToken(t model.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO device_tokens (id, user_id, token, platform, device_name, active,
		                           last_used_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET
			platform     = excluded.platform,
			device_name  = excluded.device_name,
			active       = 1,
			last_used_ms = excluded.last_used_ms
	`, t.ID, t.UserID, t.Token, t.Platform, t.DeviceName, t.Active, t.LastUsedMs, t.CreatedAtMs)
	return err
}

// DeactivateToken retires a token wherever it appears. Used both for
// explicit unregister and for DeviceNotRegistered push receipts.
func (s *Store) DeactivateToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE device_tokens SET active = 0 WHERE token = ?", token)
	return err
}

// DeactivateUserToken retires one (user, token) pair.
func (s *Store) DeactivateUserToken(userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE device_tokens SET active = 0 WHERE user_id = ? AND token = ?", userID, token)
	return err
}

// ActiveTokensForUsers returns every active token held by the listed users.
func (s *Store) ActiveTokensForUsers(userIDs []string) ([]model.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query, args := inClause("SELECT "+tokenColumns+" FROM device_tokens WHERE active = 1 AND user_id IN ", userIDs)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DeviceToken
	for rows.Next() {
		var t model.DeviceToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.DeviceName,
			&t.Active, &t.LastUsedMs, &t.CreatedAtMs); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ActiveTokensForUser returns the user's active tokens.
func (s *Store) ActiveTokensForUser(userID string) ([]model.DeviceToken, error) {
	return s.ActiveTokensForUsers([]string{userID})
}
