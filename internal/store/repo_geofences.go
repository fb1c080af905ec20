package store

import (
	"database/sql"

	"github.com/crewtrack/crewtrack/internal/model"
)

const geofenceColumns = `id, company_id, name, kind, center_lat, center_lon, radius_m,
	polygon_json, active, created_at_ms, updated_at_ms`

// UpsertGeofence inserts or updates a geofence by ID.
func (s *Store) UpsertGeofence(g model.Geofence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO company_geofences (id, company_id, name, kind, center_lat, center_lon,
		                               radius_m, polygon_json, active, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id    = excluded.company_id,
			name          = excluded.name,
			kind          = excluded.kind,
			center_lat    = excluded.center_lat,
			center_lon    = excluded.center_lon,
			radius_m      = excluded.radius_m,
			polygon_json  = excluded.polygon_json,
			active        = excluded.active,
			updated_at_ms = excluded.updated_at_ms
	`, g.ID, g.CompanyID, g.Name, string(g.Kind), nullF64(g.CenterLat), nullF64(g.CenterLon),
		nullF64(g.RadiusM), nullStr(g.PolygonJSON), g.Active, g.CreatedAtMs, g.UpdatedAtMs)
	return err
}

// GetGeofence returns the geofence by ID, or nil if no row exists.
func (s *Store) GetGeofence(id string) (*model.Geofence, error) {
	row := s.db.QueryRow("SELECT "+geofenceColumns+" FROM company_geofences WHERE id = ?", id)
	g, err := scanGeofenceRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListCompanyGeofences returns a company's geofences, optionally only active ones.
func (s *Store) ListCompanyGeofences(companyID string, activeOnly bool) ([]model.Geofence, error) {
	query := "SELECT " + geofenceColumns + " FROM company_geofences WHERE company_id = ?"
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.Query(query, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Geofence
	for rows.Next() {
		g, err := scanGeofenceRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *g)
	}
	return result, rows.Err()
}

// DeleteGeofence removes a geofence by ID.
func (s *Store) DeleteGeofence(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM company_geofences WHERE id = ?", id)
	return err
}

func scanGeofenceRow(row rowScanner) (*model.Geofence, error) {
	var g model.Geofence
	var kind string
	var centerLat, centerLon, radius sql.NullFloat64
	var polygon sql.NullString
	if err := row.Scan(&g.ID, &g.CompanyID, &g.Name, &kind, &centerLat, &centerLon,
		&radius, &polygon, &g.Active, &g.CreatedAtMs, &g.UpdatedAtMs); err != nil {
		return nil, err
	}
	g.Kind = model.GeofenceKind(kind)
	g.CenterLat = centerLat.Float64
	g.CenterLon = centerLon.Float64
	g.RadiusM = radius.Float64
	g.PolygonJSON = polygon.String
	return &g, nil
}
