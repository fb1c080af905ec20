package store

import (
	"database/sql"
	"fmt"

	"github.com/crewtrack/crewtrack/internal/model"
)

const userColumns = `id, name, email, employee_number, department, designation, role, company_id,
	group_admin_id, manager_id, geofence_override, active, created_at_ms, updated_at_ms`

// UpsertUser inserts or updates a user by ID. Email collisions with a
// different user surface as a UNIQUE constraint error.
func (s *Store) UpsertUser(u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users (id, name, email, employee_number, department, designation, role,
		                   company_id, group_admin_id, manager_id, geofence_override, active,
		                   created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name              = excluded.name,
			email             = excluded.email,
			employee_number   = excluded.employee_number,
			department        = excluded.department,
			designation       = excluded.designation,
			role              = excluded.role,
			company_id        = excluded.company_id,
			group_admin_id    = excluded.group_admin_id,
			manager_id        = excluded.manager_id,
			geofence_override = excluded.geofence_override,
			active            = excluded.active,
			updated_at_ms     = excluded.updated_at_ms
	`, u.ID, u.Name, u.Email, u.EmployeeNumber, u.Department, u.Designation, string(u.Role),
		u.CompanyID, nullStr(u.GroupAdminID), nullStr(u.ManagerID), u.GeofenceOverride, u.Active,
		u.CreatedAtMs, u.UpdatedAtMs)
	return err
}

// GetUser returns the user by ID, or nil if no row exists.
func (s *Store) GetUser(id string) (*model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// GetUserByEmail returns the user by email, or nil if no row exists.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE email = ?", email)
	return scanUser(row)
}

// ListCompanyUsers returns users of a company, optionally filtered to one role.
func (s *Store) ListCompanyUsers(companyID string, role model.Role) ([]model.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE company_id = ?"
	args := []any{companyID}
	if role != "" {
		query += " AND role = ?"
		args = append(args, string(role))
	}
	query += " ORDER BY name"
	return s.listUsers(query, args...)
}

// ListGroupMembers returns active employees supervised by the given group admin.
func (s *Store) ListGroupMembers(groupAdminID string) ([]model.User, error) {
	return s.listUsers("SELECT "+userColumns+" FROM users WHERE group_admin_id = ? AND active = 1 ORDER BY name", groupAdminID)
}

// ListManagedGroupAdmins returns active group admins reporting to the given manager.
func (s *Store) ListManagedGroupAdmins(managerID string) ([]model.User, error) {
	return s.listUsers("SELECT "+userColumns+" FROM users WHERE manager_id = ? AND active = 1 ORDER BY name", managerID)
}

// SetUserActive flips the active flag without touching other fields.
func (s *Store) SetUserActive(id string, active bool, updatedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE users SET active = ?, updated_at_ms = ? WHERE id = ?", active, updatedAtMs, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s not found", id)
	}
	return nil
}

func (s *Store) listUsers(query string, args ...any) ([]model.User, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*model.User, error) {
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func scanUserRow(row rowScanner) (*model.User, error) {
	var u model.User
	var role string
	var groupAdminID, managerID sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmployeeNumber, &u.Department, &u.Designation,
		&role, &u.CompanyID, &groupAdminID, &managerID, &u.GeofenceOverride, &u.Active,
		&u.CreatedAtMs, &u.UpdatedAtMs); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.GroupAdminID = groupAdminID.String
	u.ManagerID = managerID.String
	return &u, nil
}
