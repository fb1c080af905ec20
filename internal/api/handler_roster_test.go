package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/testutil"
)

func findRosterEntry(t *testing.T, rows []activeLocationEntry, userID string) activeLocationEntry {
	t.Helper()
	for _, row := range rows {
		if row.Employee.ID == userID {
			return row
		}
	}
	t.Fatalf("no roster entry for %s (%d rows)", userID, len(rows))
	return activeLocationEntry{}
}

func TestActiveLocations_RosterScopes(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		mintToken(t, "e-1"), locationBody(12.9716, 77.5946, time.Now().Add(-10*time.Minute).UnixMilli()))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status: got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/active-locations", mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("roster status: got %d (%s)", rec.Code, rec.Body.String())
	}
	var rows []activeLocationEntry
	decodeJSON(t, rec, &rows)
	entry := findRosterEntry(t, rows, "e-1")
	if entry.Location == nil {
		t.Fatal("expected a location for e-1 after ingest")
	}
	if entry.OnShift {
		t.Fatal("e-1 should not be on shift yet")
	}
	if entry.Employee.EmployeeNumber != "E-100" || entry.Employee.Department != "Field Ops" {
		t.Errorf("employee enrichment: %+v", entry.Employee)
	}

	// onShift flips once a shift starts.
	rec = fx.do(t, http.MethodPost, "/employee-tracking/start-shift",
		mintToken(t, "e-1"), locationBody(12.9716, 77.5946, time.Now().UnixMilli()))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status: got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/active-locations", mintToken(t, "ga-1"), nil)
	decodeJSON(t, rec, &rows)
	if entry := findRosterEntry(t, rows, "e-1"); !entry.OnShift {
		t.Fatal("expected onShift after start")
	}

	// Management sees the company's employees and group admins.
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/active-locations", mintToken(t, "mgr-1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("management roster status: got %d (%s)", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &rows)
	findRosterEntry(t, rows, "e-1")
	findRosterEntry(t, rows, "ga-1")
}

func TestActiveLocations_EmployeeForbidden(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	rec := fx.do(t, http.MethodGet, "/group-admin-tracking/active-locations", mintToken(t, "e-1"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != "PERMISSION_DENIED" {
		t.Errorf("code: got %q, want PERMISSION_DENIED", code)
	}
}

func TestEmployeeHistory(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)
	empToken := mintToken(t, "e-1")

	fx.do(t, http.MethodPost, "/employee-tracking/start-shift",
		empToken, locationBody(12.9716, 77.5946, time.Now().UnixMilli()))
	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		empToken, locationBody(12.9716, 77.5956, time.Now().Add(-10*time.Minute).UnixMilli()))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status: got %d (%s)", rec.Code, rec.Body.String())
	}

	// Supervisor reads today's trail.
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/employee-history?employee_id=e-1",
		mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status: got %d (%s)", rec.Code, rec.Body.String())
	}
	var hist employeeHistoryResponse
	decodeJSON(t, rec, &hist)
	if len(hist.Locations) == 0 || len(hist.Shifts) == 0 {
		t.Fatalf("history: %d locations, %d shifts", len(hist.Locations), len(hist.Shifts))
	}

	// employee_id is mandatory.
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/employee-history", mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing employee_id: got %d, want 400", rec.Code)
	}

	// Unknown target.
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/employee-history?employee_id=nobody",
		mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown target: got %d, want 404", rec.Code)
	}

	// A supervisor from another company is out of scope.
	testutil.SeedCompany(t, fx.store, "co-2")
	testutil.SeedUser(t, fx.store, model.User{ID: "mgr-2", Role: model.RoleManagement, CompanyID: "co-2"})
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/employee-history?employee_id=e-1",
		mintToken(t, "mgr-2"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign viewer: got %d, want 403", rec.Code)
	}

	// Date must be a day key.
	rec = fx.do(t, http.MethodGet, "/group-admin-tracking/employee-history?employee_id=e-1&date=08-25-2026",
		mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed date: got %d, want 400", rec.Code)
	}
}

func TestAnalytics(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)
	empToken := mintToken(t, "e-1")

	// Starting a shift initializes today's rollup row.
	rec := fx.do(t, http.MethodPost, "/employee-tracking/start-shift",
		empToken, locationBody(12.9716, 77.5946, time.Now().UnixMilli()))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status: got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodGet, "/employee-tracking/analytics", empToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("self analytics status: got %d (%s)", rec.Code, rec.Body.String())
	}
	var self analyticsResponse
	decodeJSON(t, rec, &self)
	if len(self.Analytics) == 0 {
		t.Fatal("expected at least one rollup row after shift start")
	}

	// Supervisor reads the subordinate's rollup.
	rec = fx.do(t, http.MethodGet, "/employee-tracking/analytics?employee_id=e-1", mintToken(t, "ga-1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("supervisor analytics status: got %d (%s)", rec.Code, rec.Body.String())
	}

	// The other direction is out of scope.
	rec = fx.do(t, http.MethodGet, "/employee-tracking/analytics?employee_id=ga-1", empToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("upward read: got %d, want 403", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != "PERMISSION_DENIED" {
		t.Errorf("code: got %q, want PERMISSION_DENIED", code)
	}

	// Day keys are validated before the service runs.
	rec = fx.do(t, http.MethodGet, "/employee-tracking/analytics?start_date=2026/08/25", empToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed start_date: got %d, want 400", rec.Code)
	}
}
