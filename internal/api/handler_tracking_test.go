package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/crewtrack/crewtrack/internal/model"
)

func TestIngestLocation_OK(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	stamp := time.Now().Add(-10 * time.Minute).UnixMilli()
	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		mintToken(t, "e-1"), locationBody(12.9716, 77.5946, stamp))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	var resp ingestResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || resp.LocationID == "" || resp.Timestamp == 0 {
		t.Fatalf("envelope: %+v", resp)
	}
	if resp.GeofenceStatus != model.GeofenceStatusOutside {
		t.Errorf("geofenceStatus: got %q, want outside", resp.GeofenceStatus)
	}
	if resp.BatteryOptimizations == nil || resp.BatteryOptimizations.Interval <= 0 {
		t.Fatalf("batteryOptimizations missing: %+v", resp.BatteryOptimizations)
	}

	row, err := fx.store.LatestLocation("e-1")
	if err != nil || row == nil {
		t.Fatalf("latest location: %v", err)
	}
	if row.ID != resp.LocationID {
		t.Errorf("persisted row %q, ack %q", row.ID, resp.LocationID)
	}
}

func TestIngestLocation_MissingCoordinates(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		mintToken(t, "e-1"), map[string]any{"longitude": 77.59})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	if resp.Error.Code != "INVALID_ARGUMENT" || !strings.Contains(resp.Error.Message, "latitude") {
		t.Errorf("error: %+v", resp.Error)
	}
}

func TestIngestLocation_UnknownFieldRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		mintToken(t, "e-1"), map[string]any{
			"latitude": 12.97, "longitude": 77.59, "fooBar": true,
		})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != "INVALID_ARGUMENT" {
		t.Errorf("code: got %q, want INVALID_ARGUMENT", code)
	}
}

func TestIngestLocation_RejectedAccuracy(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	body := locationBody(12.97, 77.59, time.Now().UnixMilli())
	body["accuracy"] = 900.0
	rec := fx.do(t, http.MethodPost, "/employee-tracking/location", mintToken(t, "e-1"), body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400 (%s)", rec.Code, rec.Body.String())
	}
	if code := errorCodeOf(t, rec); code != "LOCATION_REJECTED" {
		t.Errorf("code: got %q, want LOCATION_REJECTED", code)
	}
}

// TestIngestLocation_StorageFailureParksPayload forces the locations insert
// to fail via the users foreign key: the caller exists only in the auth
// cache, never in the users table.
func TestIngestLocation_StorageFailureParksPayload(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	fx.auth.users.Set("ghost", authEntry{user: model.User{
		ID: "ghost", Role: model.RoleEmployee, CompanyID: "co-1", Active: true,
	}})

	rec := fx.do(t, http.MethodPost, "/employee-tracking/location",
		mintToken(t, "ghost"), locationBody(12.97, 77.59, time.Now().UnixMilli()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	var resp ingestResponse
	decodeJSON(t, rec, &resp)
	if resp.Success || resp.ErrorCode != "STORAGE" || !resp.WillRetry {
		t.Fatalf("envelope: %+v", resp)
	}

	parked := fx.retry.Failed(context.Background(), "ghost")
	if len(parked) != 1 {
		t.Fatalf("parked payloads: got %d, want 1", len(parked))
	}
}

func TestIngestBackground_GateFailuresBecomeWarnings(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	body := locationBody(12.97, 77.59, time.Now().UnixMilli())
	body["accuracy"] = 20_000.0 // over even the background limit
	rec := fx.do(t, http.MethodPost, "/employee-tracking/location/background",
		mintToken(t, "e-1"), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	var resp ingestResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success {
		t.Fatalf("background ingest must acknowledge: %+v", resp)
	}
	if len(resp.Warnings) == 0 {
		t.Fatal("expected accuracy warning on the ack")
	}

	row, err := fx.store.LatestLocation("e-1")
	if err != nil || row == nil || !row.IsBackground {
		t.Fatalf("background row not persisted: %+v (%v)", row, err)
	}
}

func TestIngestLocation_BackgroundFlagRoutesThroughSameEnvelope(t *testing.T) {
	fx := newFixture(t)
	fx.seedCrew(t)

	body := locationBody(12.97, 77.59, time.Now().UnixMilli())
	body["isBackground"] = true
	body["accuracy"] = 20_000.0
	rec := fx.do(t, http.MethodPost, "/employee-tracking/location", mintToken(t, "e-1"), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || len(resp.Warnings) == 0 {
		t.Fatalf("envelope: %+v", resp)
	}
}
