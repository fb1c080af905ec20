package api

import (
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/service"
)

// locationRequest is the shared body of the location and shift endpoints.
// Latitude/longitude are pointers so a present zero value passes required.
type locationRequest struct {
	Latitude     *float64 `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude    *float64 `json:"longitude" validate:"required,min=-180,max=180"`
	Accuracy     float64  `json:"accuracy" validate:"min=0"`
	Timestamp    int64    `json:"timestamp" validate:"min=0"`
	BatteryLevel float64  `json:"batteryLevel" validate:"min=0,max=100"`
	IsMoving     bool     `json:"isMoving"`
	Altitude     float64  `json:"altitude"`
	Speed        float64  `json:"speed" validate:"min=0"`
	ShiftID      string   `json:"shiftId"`
	IsBackground bool     `json:"isBackground"`
}

func (in *locationRequest) sampleInput() service.SampleInput {
	return service.SampleInput{
		Lat:          *in.Latitude,
		Lon:          *in.Longitude,
		AccuracyM:    in.Accuracy,
		BatteryPct:   in.BatteryLevel,
		SpeedMps:     in.Speed,
		AltitudeM:    in.Altitude,
		IsMoving:     in.IsMoving,
		ShiftID:      in.ShiftID,
		RecordedAtMs: in.Timestamp,
	}
}

type timerRequest struct {
	DurationHours float64 `json:"durationHours" validate:"required,gt=0,lte=24"`
}

// batteryHintsDTO mirrors the socket ack's batteryOptimizations block.
type batteryHintsDTO struct {
	Interval  int64             `json:"interval"`
	Breakdown battery.Breakdown `json:"breakdown"`
}

// ingestResponse is the location ingest envelope. The status code is 200
// even for persistence failures; success=false plus willRetry tells the
// client the payload is parked server-side and must not be resent.
type ingestResponse struct {
	Success              bool             `json:"success"`
	LocationID           string           `json:"locationId,omitempty"`
	Timestamp            int64            `json:"timestamp"`
	GeofenceStatus       string           `json:"geofenceStatus,omitempty"`
	Warnings             []string         `json:"warnings,omitempty"`
	BatteryOptimizations *batteryHintsDTO `json:"batteryOptimizations,omitempty"`
	ErrorCode            string           `json:"errorCode,omitempty"`
	WillRetry            bool             `json:"willRetry,omitempty"`
}

func ingestResponseFrom(ack *service.Ack) ingestResponse {
	resp := ingestResponse{
		Success:        ack.Success,
		LocationID:     ack.LocationID,
		Timestamp:      ack.ReceivedAtMs,
		GeofenceStatus: ack.GeofenceStatus,
		Warnings:       ack.Warnings,
		ErrorCode:      ack.ErrorCode,
		WillRetry:      ack.WillRetry,
	}
	if ack.Success {
		resp.BatteryOptimizations = &batteryHintsDTO{
			Interval:  ack.IntervalMs,
			Breakdown: ack.Breakdown,
		}
	}
	return resp
}

type startShiftResponse struct {
	ID             string `json:"id"`
	StartTimestamp int64  `json:"startTimestamp"`
	GeofenceStatus string `json:"geofenceStatus"`
}

type endShiftResponse struct {
	ID                string  `json:"id"`
	StartTimestamp    int64   `json:"startTimestamp"`
	EndTimestamp      int64   `json:"endTimestamp"`
	TotalDistance     float64 `json:"totalDistance"`
	TravelTimeMinutes float64 `json:"travelTimeMinutes"`
}

type currentShiftResponse struct {
	IsActive        bool                `json:"isActive"`
	Shift           *model.Shift        `json:"shift,omitempty"`
	CurrentLocation *model.LastLocation `json:"currentLocation,omitempty"`
}

type shiftHistoryResponse struct {
	Shifts []model.Shift `json:"shifts"`
}

type analyticsResponse struct {
	Analytics []model.DailyAnalytics `json:"analytics"`
}

type timerResponse struct {
	Timer *model.ShiftTimer `json:"timer"`
	Shift *model.Shift      `json:"shift,omitempty"`
}

// employeeSummary matches the enrichment block on socket fan-out frames.
type employeeSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmployeeNumber string `json:"employeeNumber,omitempty"`
	Department     string `json:"department,omitempty"`
	Designation    string `json:"designation,omitempty"`
	DeviceInfo     string `json:"deviceInfo,omitempty"`
	Role           string `json:"role"`
}

func summaryOf(u model.User) employeeSummary {
	return employeeSummary{
		ID:             u.ID,
		Name:           u.Name,
		EmployeeNumber: u.EmployeeNumber,
		Department:     u.Department,
		Designation:    u.Designation,
		DeviceInfo:     u.DeviceInfo,
		Role:           string(u.Role),
	}
}

type activeLocationEntry struct {
	Employee employeeSummary     `json:"employee"`
	Location *model.LastLocation `json:"location,omitempty"`
	OnShift  bool                `json:"onShift"`
}

type employeeHistoryResponse struct {
	Locations []model.LocationSample `json:"locations"`
	Shifts    []model.Shift          `json:"shifts"`
}

type healthzResponse struct {
	Status   string `json:"status"`
	Cache    string `json:"cache"`
	Sessions int    `json:"sessions"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}
