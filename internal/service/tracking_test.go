package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/testutil"
)

func TestIngest_AcceptedSamplePersistsAndCaches(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")
	testutil.SeedCircleFence(t, fx.store, "f-1", "co-1", 12.9716, 77.5946, 300)

	ack, err := fx.tracker.Ingest(context.Background(), &emp, SampleInput{
		Lat: 12.9716, Lon: 77.5946, AccuracyM: 8, BatteryPct: 80,
	}, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ack.Success || ack.LocationID == "" {
		t.Fatalf("ack: %+v", ack)
	}
	if ack.GeofenceStatus != model.GeofenceStatusInside {
		t.Fatalf("geofence status: got %s, want inside", ack.GeofenceStatus)
	}
	if ack.IntervalMs <= 0 {
		t.Fatalf("interval: got %d, want > 0", ack.IntervalMs)
	}

	rows, err := fx.store.ListUserLocations(emp.ID, 0, 0, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("persisted rows: %d (%v)", len(rows), err)
	}
	if rows[0].ID != ack.LocationID {
		t.Fatalf("row id %s != ack %s", rows[0].ID, ack.LocationID)
	}

	cached := fx.tracker.CachedLocation(context.Background(), emp.ID)
	if cached == nil || cached.GeofenceStatus != model.GeofenceStatusInside {
		t.Fatalf("cached last location: %+v", cached)
	}
}

func TestIngest_ForegroundRejectionIsTyped(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	// 800 m accuracy is past the 500 m foreground gate.
	_, err := fx.tracker.Ingest(context.Background(), &emp, SampleInput{
		Lat: 12.97, Lon: 77.59, AccuracyM: 800,
	}, false)
	hasServiceCode(t, err, "LOCATION_REJECTED")

	rows, _ := fx.store.ListUserLocations(emp.ID, 0, 0, 0)
	if len(rows) != 0 {
		t.Fatalf("rejected sample must not persist, found %d rows", len(rows))
	}
}

func TestIngestBackground_DowngradesGateToWarning(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	// The same accuracy that rejects a foreground sample is tolerated in
	// background mode up to 15 km, and past that it still only warns.
	ack := fx.tracker.IngestBackground(context.Background(), &emp, SampleInput{
		Lat: 12.97, Lon: 77.59, AccuracyM: 20_000,
	})
	if !ack.Success {
		t.Fatalf("background ingest must acknowledge: %+v", ack)
	}
	if len(ack.Warnings) == 0 || !strings.Contains(ack.Warnings[0], "accuracy") {
		t.Fatalf("expected accuracy warning, got %v", ack.Warnings)
	}

	rows, _ := fx.store.ListUserLocations(emp.ID, 0, 0, 0)
	if len(rows) != 1 {
		t.Fatalf("background sample should persist, found %d rows", len(rows))
	}
}

func TestIngest_ActiveShiftStampsSample(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	sh, _, err := fx.shifts.Start(context.Background(), &emp, SampleInput{Lat: 12.97, Lon: 77.59})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The client claims no shift; the server-side active shift wins.
	fx.clock.Advance(time.Minute)
	ack, err := fx.tracker.Ingest(context.Background(), &emp, SampleInput{
		Lat: 12.975, Lon: 77.59, AccuracyM: 10,
	}, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack: %+v", ack)
	}

	rows, _ := fx.store.ListUserLocations(emp.ID, 0, 0, 0)
	if len(rows) != 1 || rows[0].ShiftID != sh.ID {
		t.Fatalf("sample shift stamp: got %q, want %q", rows[0].ShiftID, sh.ID)
	}
	if !rows[0].IsTrackingActive {
		t.Fatal("sample should be marked tracking-active")
	}

	// Mid-shift progress: the polyline grew past the opening point.
	cur, err := fx.store.GetShift("employee_shifts", sh.ID)
	if err != nil {
		t.Fatalf("GetShift: %v", err)
	}
	if len(cur.LocationHistoryJSON) <= len(sh.LocationHistoryJSON) {
		t.Fatalf("history did not grow: %q", cur.LocationHistoryJSON)
	}
}

func TestIngest_PersistFailureParksAndDeadLetters(t *testing.T) {
	fx := newFixture(t)
	testutil.SeedCompany(t, fx.store, "co-1")
	// Ghost user: the company resolves but the locations insert hits the
	// users foreign key, which is the forced persistence failure.
	ghost := model.User{ID: "ghost", Role: model.RoleEmployee, CompanyID: "co-1"}

	ctx := context.Background()
	in := SampleInput{Lat: 12.97, Lon: 77.59, AccuracyM: 10}

	for attempt := 1; attempt <= 3; attempt++ {
		ack, err := fx.tracker.Ingest(ctx, &ghost, in, false)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if ack.Success || ack.ErrorCode != "STORAGE" || !ack.WillRetry {
			t.Fatalf("attempt %d ack: %+v", attempt, ack)
		}
	}

	// Fourth failure exhausts the budget and dead-letters the payload.
	ack, err := fx.tracker.Ingest(ctx, &ghost, in, false)
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if ack.Success || ack.WillRetry {
		t.Fatalf("expected dead-lettered ack, got %+v", ack)
	}

	failed := fx.tracker.FailedUpdates(ctx, "ghost")
	if len(failed) == 0 {
		t.Fatal("expected failed updates to be listed")
	}
}

func TestReplay_InsertsParkedSample(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	sample := model.LocationSample{
		ID: "replayed", UserID: emp.ID, Lat: 12.97, Lon: 77.59,
		GeofenceStatus: model.GeofenceStatusOutside,
		RecordedAtMs:   fixtureStart.UnixMilli(),
		ReceivedAtMs:   fixtureStart.UnixMilli(),
	}
	payload, _ := json.Marshal(sample)

	err := fx.tracker.Replay(context.Background(), retryq.Record{UserID: emp.ID, Payload: payload})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	rows, _ := fx.store.ListUserLocations(emp.ID, 0, 0, 0)
	if len(rows) != 1 || rows[0].ID != "replayed" {
		t.Fatalf("replayed row missing: %+v", rows)
	}

	err = fx.tracker.Replay(context.Background(), retryq.Record{UserID: emp.ID, Payload: []byte("{broken")})
	hasServiceCode(t, err, "INVALID_ARGUMENT")
}

func TestReportInterval_StaysWithinGlobalBounds(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	// 12% battery, stationary: the multipliers blow past the ceiling and the
	// global clamp pins the interval to five minutes exactly.
	interval, breakdown := fx.tracker.ReportInterval(context.Background(), &emp, 12, false)
	if interval != 5*time.Minute {
		t.Fatalf("low-battery interval: got %v, want 5m", interval)
	}
	if breakdown.FinalMs != interval.Milliseconds() {
		t.Fatalf("breakdown mismatch: %d vs %v", breakdown.FinalMs, interval)
	}

	// Charging swaps the base to the floor; the result shrinks but stays
	// within the global bounds.
	charging, _ := fx.tracker.ReportInterval(context.Background(), &emp, 12, true)
	if charging >= interval {
		t.Fatalf("charging should shorten the interval: %v vs %v", charging, interval)
	}
	if charging < 10*time.Second || charging > 5*time.Minute {
		t.Fatalf("charging interval out of bounds: %v", charging)
	}
}

func TestLastKnown_FallsBackToStore(t *testing.T) {
	fx := newFixture(t)
	_, _, emp := fx.seedEmployee(t, "co-1", "ga-1", "e-1")

	if got := fx.tracker.LastKnown(context.Background(), emp.ID); got != nil {
		t.Fatalf("expected nil before any sample, got %+v", got)
	}

	fx.insertSample(t, emp.ID, "", "", 12.9, 77.5, fixtureStart)
	got := fx.tracker.LastKnown(context.Background(), emp.ID)
	if got == nil || got.Lat != 12.9 {
		t.Fatalf("store fallback: %+v", got)
	}
}
