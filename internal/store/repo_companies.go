package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const companyColumns = `id, name, status, attendance_bridge_enabled,
	min_location_accuracy_m, min_interval_ms, max_interval_ms, created_at_ms, updated_at_ms`

// UpsertCompany inserts or updates a company by ID.
func (s *Store) UpsertCompany(c model.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO companies (id, name, status, attendance_bridge_enabled,
		                       min_location_accuracy_m, min_interval_ms, max_interval_ms,
		                       created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name                      = excluded.name,
			status                    = excluded.status,
			attendance_bridge_enabled = excluded.attendance_bridge_enabled,
			min_location_accuracy_m   = excluded.min_location_accuracy_m,
			min_interval_ms           = excluded.min_interval_ms,
			max_interval_ms           = excluded.max_interval_ms,
			updated_at_ms             = excluded.updated_at_ms
	`, c.ID, c.Name, c.Status, c.AttendanceBridgeEnabled,
		nullF64(c.MinLocationAccuracyM), nullI64(c.MinIntervalMs), nullI64(c.MaxIntervalMs),
		c.CreatedAtMs, c.UpdatedAtMs)
	return err
}

// GetCompany returns the company by ID, or nil if no row exists.
func (s *Store) GetCompany(id string) (*model.Company, error) {
	row := s.db.QueryRow("SELECT "+companyColumns+" FROM companies WHERE id = ?", id)
	c, err := scanCompanyRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListCompanies returns all companies ordered by name.
func (s *Store) ListCompanies() ([]model.Company, error) {
	rows, err := s.db.Query("SELECT " + companyColumns + " FROM companies ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Company
	for rows.Next() {
		c, err := scanCompanyRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func scanCompanyRow(row rowScanner) (*model.Company, error) {
	var c model.Company
	var accuracy sql.NullFloat64
	var minInterval, maxInterval sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &c.AttendanceBridgeEnabled,
		&accuracy, &minInterval, &maxInterval, &c.CreatedAtMs, &c.UpdatedAtMs); err != nil {
		return nil, err
	}
	c.MinLocationAccuracyM = accuracy.Float64
	c.MinIntervalMs = minInterval.Int64
	c.MaxIntervalMs = maxInterval.Int64
	return &c, nil
}
