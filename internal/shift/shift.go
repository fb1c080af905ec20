// Package shift holds the role-bucket descriptors and the route metrics
// math shared by the shift service and the auto-end sweep. Shifts for each
// role live in their own physical table; this package is the only place
// those table names appear.
package shift

import (
	"encoding/json"

	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/model"
)

// maxHistoryPoints bounds the embedded polyline. Older interior points are
// dropped; start and end locations live in their own columns.
const maxHistoryPoints = 2000

// Bucket describes where one role's shifts are stored and who supervises it.
type Bucket struct {
	Role       model.Role
	Table      string
	Supervisor model.Role // empty when nobody is notified above this role
}

var buckets = []Bucket{
	{Role: model.RoleEmployee, Table: "employee_shifts", Supervisor: model.RoleGroupAdmin},
	{Role: model.RoleGroupAdmin, Table: "group_admin_shifts", Supervisor: model.RoleManagement},
	{Role: model.RoleManagement, Table: "management_shifts"},
}

// BucketFor resolves the descriptor for a role. Super admins have no bucket.
func BucketFor(role model.Role) (Bucket, bool) {
	for _, b := range buckets {
		if b.Role == role {
			return b, true
		}
	}
	return Bucket{}, false
}

// BucketForTable resolves a descriptor from its physical table name, used
// when walking timer rows that carry the bucket as a string.
func BucketForTable(table string) (Bucket, bool) {
	for _, b := range buckets {
		if b.Table == table {
			return b, true
		}
	}
	return Bucket{}, false
}

// Buckets returns all descriptors in a stable order.
func Buckets() []Bucket {
	out := make([]Bucket, len(buckets))
	copy(out, buckets)
	return out
}

// ValidTimerHours reports whether an auto-end duration is acceptable.
func ValidTimerHours(hours float64) bool {
	return hours > 0 && hours <= 24
}

// Metrics is the route summary written onto a closing shift.
type Metrics struct {
	DistanceKm float64
	TravelMin  float64
}

// ComputeMetrics folds the shift's persisted samples into distance and
// travel time. Only segments whose endpoints are both outside every company
// geofence count, so idling inside an office accrues nothing. Segments with
// non-increasing timestamps are skipped.
func ComputeMetrics(samples []model.LocationSample, inside func(lat, lon float64) bool) Metrics {
	var m Metrics
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		elapsed := sampleTimeMs(cur) - sampleTimeMs(prev)
		if elapsed <= 0 {
			continue
		}
		if inside(prev.Lat, prev.Lon) || inside(cur.Lat, cur.Lon) {
			continue
		}
		m.DistanceKm += geo.Distance(prev.Lat, prev.Lon, cur.Lat, cur.Lon) / 1000
		m.TravelMin += float64(elapsed) / 60_000
	}
	return m
}

func sampleTimeMs(s model.LocationSample) int64 {
	if s.RecordedAtMs > 0 {
		return s.RecordedAtMs
	}
	return s.ReceivedAtMs
}

// DecodeHistory parses a stored polyline. Corrupt or empty JSON yields nil
// rather than an error; the history is advisory and must never block a
// shift operation.
func DecodeHistory(historyJSON string) []model.Point {
	if historyJSON == "" {
		return nil
	}
	var points []model.Point
	if err := json.Unmarshal([]byte(historyJSON), &points); err != nil {
		return nil
	}
	return points
}

// EncodeHistory renders a polyline for storage.
func EncodeHistory(points []model.Point) string {
	if len(points) == 0 {
		return "[]"
	}
	b, err := json.Marshal(points)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// AppendHistory adds one point to a stored polyline, trimming the oldest
// interior points past the cap.
func AppendHistory(historyJSON string, p model.Point) string {
	points := append(DecodeHistory(historyJSON), p)
	if len(points) > maxHistoryPoints {
		points = points[len(points)-maxHistoryPoints:]
	}
	return EncodeHistory(points)
}
