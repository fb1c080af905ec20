package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/testutil"
)

func TestCanObserve(t *testing.T) {
	ga1 := &model.User{ID: "ga-1", Role: model.RoleGroupAdmin, CompanyID: "co-1"}
	ga2 := &model.User{ID: "ga-2", Role: model.RoleGroupAdmin, CompanyID: "co-1"}
	e1 := &model.User{ID: "e-1", Role: model.RoleEmployee, CompanyID: "co-1", GroupAdminID: "ga-1"}
	mgr := &model.User{ID: "m-1", Role: model.RoleManagement, CompanyID: "co-1"}
	otherMgr := &model.User{ID: "m-2", Role: model.RoleManagement, CompanyID: "co-2"}
	root := &model.User{ID: "root", Role: model.RoleSuperAdmin}

	cases := []struct {
		name           string
		viewer, target *model.User
		want           bool
	}{
		{"self", e1, e1, true},
		{"group admin sees member", ga1, e1, true},
		{"other group admin blocked", ga2, e1, false},
		{"management sees company", mgr, e1, true},
		{"management blocked across companies", otherMgr, e1, false},
		{"super admin sees all", root, e1, true},
		{"employee sees nobody else", e1, ga1, false},
		{"nil target", ga1, nil, false},
	}
	for _, tc := range cases {
		if got := CanObserve(tc.viewer, tc.target); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCurrentShift(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	ctx := context.Background()

	sh, last, err := fx.roster.CurrentShift(ctx, &emp)
	if err != nil || sh != nil || last != nil {
		t.Fatalf("idle: %+v %+v (%v)", sh, last, err)
	}

	started, _, err := fx.shifts.Start(ctx, &emp, SampleInput{Lat: 12.97, Lon: 77.59})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := fx.tracker.Ingest(ctx, &emp, SampleInput{Lat: 12.97, Lon: 77.59, AccuracyM: 8}, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	sh, last, err = fx.roster.CurrentShift(ctx, &emp)
	if err != nil || sh == nil || sh.ID != started.ID {
		t.Fatalf("active: %+v (%v)", sh, err)
	}
	if last == nil {
		t.Fatal("expected a current location with the active shift")
	}
}

func TestShiftHistory_WindowsByStartDay(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	ctx := context.Background()

	// One shift today, ended after an hour.
	if _, _, err := fx.shifts.Start(ctx, &emp, SampleInput{Lat: 12.97, Lon: 77.59}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.clock.Advance(time.Hour)
	if _, err := fx.shifts.End(ctx, &emp, SampleInput{Lat: 12.97, Lon: 77.59}); err != nil {
		t.Fatalf("End: %v", err)
	}

	day := analytics.DayKey(fixtureStart)
	shifts, err := fx.roster.ShiftHistory(ctx, &emp, day, day)
	if err != nil || len(shifts) != 1 {
		t.Fatalf("history: %d (%v)", len(shifts), err)
	}

	// A window before the shift returns nothing.
	past := analytics.DayKey(fixtureStart.AddDate(0, 0, -10))
	shifts, err = fx.roster.ShiftHistory(ctx, &emp, past, past)
	if err != nil || len(shifts) != 0 {
		t.Fatalf("past window: %d (%v)", len(shifts), err)
	}

	if _, err := fx.roster.ShiftHistory(ctx, &emp, "April 7", ""); err == nil {
		t.Fatal("bad day key must be rejected")
	}
}

func TestAnalytics_VisibilityScope(t *testing.T) {
	fx := newFixture(t)
	_, ga, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	stranger := testutil.SeedUser(t, fx.store, model.User{
		ID: "ga-2", Role: model.RoleGroupAdmin, CompanyID: "co-1",
	})
	ctx := context.Background()

	day := analytics.DayKey(fixtureStart)
	if err := fx.store.AccumulateDaily(uuid.NewString(), emp.ID, day, 5.5, 30, 10, 50, fixtureStart.UnixMilli()); err != nil {
		t.Fatalf("seed daily: %v", err)
	}

	rows, err := fx.roster.Analytics(ctx, &ga, emp.ID, day, day)
	if err != nil || len(rows) != 1 || rows[0].DistanceKm != 5.5 {
		t.Fatalf("supervisor read: %+v (%v)", rows, err)
	}

	// Defaulted window (trailing month) still finds today's row.
	rows, err = fx.roster.Analytics(ctx, &emp, "", "", "")
	if err != nil || len(rows) != 1 {
		t.Fatalf("self read with defaults: %d (%v)", len(rows), err)
	}

	_, err = fx.roster.Analytics(ctx, &stranger, emp.ID, day, day)
	hasServiceCode(t, err, "PERMISSION_DENIED")

	_, err = fx.roster.Analytics(ctx, &ga, "no-such-user", day, day)
	hasServiceCode(t, err, "NOT_FOUND")
}

func TestActiveLocations_GroupRoster(t *testing.T) {
	fx := newFixture(t)
	_, ga, e1 := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	e2 := testutil.SeedUser(t, fx.store, model.User{
		ID: "e-2", Role: model.RoleEmployee, CompanyID: "co-1", GroupAdminID: "ga-1",
	})
	ctx := context.Background()

	// e-1 is on shift and reporting; e-2 has never been heard from.
	if _, _, err := fx.shifts.Start(ctx, &e1, SampleInput{Lat: 12.97, Lon: 77.59}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := fx.tracker.Ingest(ctx, &e1, SampleInput{Lat: 12.97, Lon: 77.59, AccuracyM: 8}, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rows, err := fx.roster.ActiveLocations(ctx, &ga)
	if err != nil {
		t.Fatalf("ActiveLocations: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("roster size: %d", len(rows))
	}
	byID := map[string]ActiveLocation{}
	for _, r := range rows {
		byID[r.User.ID] = r
	}
	if r := byID[e1.ID]; !r.OnShift || r.Location == nil {
		t.Fatalf("e-1 row: %+v", r)
	}
	if r := byID[e2.ID]; r.OnShift || r.Location != nil {
		t.Fatalf("e-2 row: %+v", r)
	}

	_, err = fx.roster.ActiveLocations(ctx, &e1)
	hasServiceCode(t, err, "PERMISSION_DENIED")
}

func TestActiveLocations_ManagementSeesCompany(t *testing.T) {
	fx := newFixture(t)
	_, _, _ = fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	mgr := testutil.SeedUser(t, fx.store, model.User{
		ID: "m-1", Role: model.RoleManagement, CompanyID: "co-1",
	})
	// Another company's employee stays invisible.
	testutil.SeedCompany(t, fx.store, "co-2")
	testutil.SeedUser(t, fx.store, model.User{
		ID: "e-x", Role: model.RoleEmployee, CompanyID: "co-2",
	})

	rows, err := fx.roster.ActiveLocations(context.Background(), &mgr)
	if err != nil {
		t.Fatalf("ActiveLocations: %v", err)
	}
	// co-1's employee and group admin; never co-2's employee.
	if len(rows) != 2 {
		t.Fatalf("roster size: %d", len(rows))
	}
	for _, r := range rows {
		if r.User.CompanyID != "co-1" {
			t.Fatalf("foreign user leaked: %+v", r.User)
		}
	}
}

func TestEmployeeHistory_DayFilterAndVisibility(t *testing.T) {
	fx := newFixture(t)
	_, ga, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	stranger := testutil.SeedUser(t, fx.store, model.User{
		ID: "ga-2", Role: model.RoleGroupAdmin, CompanyID: "co-1",
	})
	ctx := context.Background()

	fx.insertSample(t, emp.ID, "", "", 12.90, 77.50, fixtureStart.AddDate(0, 0, -1))
	fx.insertSample(t, emp.ID, "", "", 12.97, 77.59, fixtureStart)

	day := analytics.DayKey(fixtureStart)
	samples, shifts, err := fx.roster.EmployeeHistory(ctx, &ga, emp.ID, day)
	if err != nil {
		t.Fatalf("EmployeeHistory: %v", err)
	}
	if len(samples) != 1 || samples[0].Lat != 12.97 {
		t.Fatalf("day filter: %+v", samples)
	}
	if len(shifts) != 0 {
		t.Fatalf("unexpected shifts: %+v", shifts)
	}

	// Empty date defaults to today (the fixture clock's day).
	samples, _, err = fx.roster.EmployeeHistory(ctx, &ga, emp.ID, "")
	if err != nil || len(samples) != 1 {
		t.Fatalf("default day: %d (%v)", len(samples), err)
	}

	_, _, err = fx.roster.EmployeeHistory(ctx, &stranger, emp.ID, day)
	hasServiceCode(t, err, "PERMISSION_DENIED")

	_, _, err = fx.roster.EmployeeHistory(ctx, &ga, "", day)
	hasServiceCode(t, err, "INVALID_ARGUMENT")

	_, _, err = fx.roster.EmployeeHistory(ctx, &ga, emp.ID, "not-a-date")
	hasServiceCode(t, err, "INVALID_ARGUMENT")
}
