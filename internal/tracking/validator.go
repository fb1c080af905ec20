// Package tracking validates incoming location samples and carries the
// small helpers the ingest service shares with the socket layer.
package tracking

import (
	"fmt"
	"math"

	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/model"
)

// Rejection codes surfaced to foreground clients.
const (
	RejectCoordinates   = "INVALID_COORDINATES"
	RejectAccuracy      = "ACCURACY_TOO_LOW"
	RejectBattery       = "BATTERY_TOO_LOW"
	RejectSpeed         = "SPEED_UNREALISTIC"
	RejectCompanyPolicy = "COMPANY_ACCURACY_POLICY"
)

// Rejection names the first gate an unacceptable sample failed.
type Rejection struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Verdict is the validator outcome. Background samples never carry a
// Rejection; their gate failures become warnings instead.
type Verdict struct {
	Rejection *Rejection
	Warnings  []string
}

// Accepted reports whether the sample may be persisted.
func (v Verdict) Accepted() bool { return v.Rejection == nil }

// Validator runs the ordered acceptance gates over a sample.
type Validator struct {
	tuning config.ValidatorTuning
}

func NewValidator(tuning config.ValidatorTuning) *Validator {
	return &Validator{tuning: tuning}
}

// Check gates a sample against the previous cached location and the
// company's accuracy policy. prev and company may be nil. Gates run in
// order and the first failure decides the verdict; in background mode every
// failure downgrades to a warning so mobile clients never retry-storm.
func (v *Validator) Check(sample model.LocationSample, prev *model.LastLocation, company *model.Company, background bool) Verdict {
	var verdict Verdict
	fail := func(code, detail string) bool {
		if background {
			verdict.Warnings = append(verdict.Warnings, code+": "+detail)
			return false
		}
		verdict.Rejection = &Rejection{Code: code, Detail: detail}
		return true
	}

	if !finiteCoords(sample.Lat, sample.Lon) {
		if fail(RejectCoordinates, fmt.Sprintf("lat=%v lon=%v", sample.Lat, sample.Lon)) {
			return verdict
		}
	}

	maxAccuracy := v.tuning.MaxAccuracyForegroundM
	if background {
		maxAccuracy = v.tuning.MaxAccuracyBackgroundM
	}
	if sample.AccuracyM > maxAccuracy {
		if fail(RejectAccuracy, fmt.Sprintf("accuracy %.0fm exceeds %.0fm", sample.AccuracyM, maxAccuracy)) {
			return verdict
		}
	}

	if sample.BatteryPct > 0 && sample.BatteryPct < v.tuning.MinBatteryPct {
		if fail(RejectBattery, fmt.Sprintf("battery %.0f%% below %.0f%%", sample.BatteryPct, v.tuning.MinBatteryPct)) {
			return verdict
		}
	}

	if kmh, ok := impliedSpeedKmh(sample, prev); ok && kmh > v.tuning.MaxSpeedKmh {
		if fail(RejectSpeed, fmt.Sprintf("implied speed %.0f km/h exceeds %.0f km/h", kmh, v.tuning.MaxSpeedKmh)) {
			return verdict
		}
	}

	if company != nil && company.MinLocationAccuracyM > 0 && sample.AccuracyM > company.MinLocationAccuracyM {
		if fail(RejectCompanyPolicy, fmt.Sprintf("accuracy %.0fm exceeds company limit %.0fm", sample.AccuracyM, company.MinLocationAccuracyM)) {
			return verdict
		}
	}

	return verdict
}

func finiteCoords(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// impliedSpeedKmh reconstructs the speed needed to reach the new sample from
// the previous one. A missing prior or a non-positive time delta yields no
// gate.
func impliedSpeedKmh(sample model.LocationSample, prev *model.LastLocation) (float64, bool) {
	if prev == nil {
		return 0, false
	}
	deltaMs := sample.RecordedAtMs - prev.RecordedAtMs
	if deltaMs <= 0 {
		return 0, false
	}
	meters := geo.Distance(prev.Lat, prev.Lon, sample.Lat, sample.Lon)
	return meters / 1000 / (float64(deltaMs) / 3_600_000), true
}

// StatusOf renders the geofence status string carried on samples and acks.
func StatusOf(inside bool) string {
	if inside {
		return model.GeofenceStatusInside
	}
	return model.GeofenceStatusOutside
}

// LastLocationFrom builds the cache entry written for every accepted sample.
func LastLocationFrom(s model.LocationSample, inside bool, fenceID string) model.LastLocation {
	return model.LastLocation{
		UserID:         s.UserID,
		Lat:            s.Lat,
		Lon:            s.Lon,
		AccuracyM:      s.AccuracyM,
		BatteryPct:     s.BatteryPct,
		SpeedMps:       s.SpeedMps,
		IsMoving:       s.IsMoving,
		GeofenceStatus: StatusOf(inside),
		GeofenceID:     fenceID,
		ShiftID:        s.ShiftID,
		RecordedAtMs:   s.RecordedAtMs,
		ReceivedAtMs:   s.ReceivedAtMs,
	}
}
