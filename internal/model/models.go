// Package model defines domain structs shared across the persistence layer.
package model

// User is a platform identity. GroupAdminID points at the immediate
// supervisor; it is only set for roles that have one.
type User struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	EmployeeNumber   string `json:"employee_number"`
	Department       string `json:"department"`
	Designation      string `json:"designation"`
	DeviceInfo       string `json:"device_info"`
	Role             Role   `json:"role"`
	CompanyID        string `json:"company_id"`
	GroupAdminID     string `json:"group_admin_id,omitempty"`
	ManagerID        string `json:"manager_id,omitempty"`
	GeofenceOverride bool   `json:"geofence_override"`
	Active           bool   `json:"active"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	UpdatedAtMs      int64  `json:"updated_at_ms"`
}

// Company is the top-level tenant.
type Company struct {
	ID                      string  `json:"id"`
	Name                    string  `json:"name"`
	Status                  string  `json:"status"` // active | disabled
	AttendanceBridgeEnabled bool    `json:"attendance_bridge_enabled"`
	MinLocationAccuracyM    float64 `json:"min_location_accuracy_m,omitempty"`
	MinIntervalMs           int64   `json:"min_interval_ms,omitempty"`
	MaxIntervalMs           int64   `json:"max_interval_ms,omitempty"`
	CreatedAtMs             int64   `json:"created_at_ms"`
	UpdatedAtMs             int64   `json:"updated_at_ms"`
}

// CompanyStatusActive and CompanyStatusDisabled are the valid company states.
const (
	CompanyStatusActive   = "active"
	CompanyStatusDisabled = "disabled"
)

// GeofenceKind discriminates fence geometry.
type GeofenceKind string

const (
	GeofencePolygon GeofenceKind = "polygon"
	GeofenceCircle  GeofenceKind = "circle"
)

// IsValid reports whether k is a known geometry kind.
func (k GeofenceKind) IsValid() bool {
	return k == GeofencePolygon || k == GeofenceCircle
}

// Geofence is a named area scoped to a company. Circle fences use
// CenterLat/CenterLon/RadiusM; polygon fences store their ring as a JSON
// array of points in PolygonJSON.
type Geofence struct {
	ID          string       `json:"id"`
	CompanyID   string       `json:"company_id"`
	Name        string       `json:"name"`
	Kind        GeofenceKind `json:"kind"`
	CenterLat   float64      `json:"center_lat,omitempty"`
	CenterLon   float64      `json:"center_lon,omitempty"`
	RadiusM     float64      `json:"radius_m,omitempty"`
	PolygonJSON string       `json:"polygon_json,omitempty"`
	Active      bool         `json:"active"`
	CreatedAtMs int64        `json:"created_at_ms"`
	UpdatedAtMs int64        `json:"updated_at_ms"`
}

// Point is a single polyline vertex. TimestampMs is the client sample stamp.
type Point struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	TimestampMs int64   `json:"timestamp_ms,omitempty"`
}

// ShiftStatusActive and ShiftStatusCompleted are the valid shift states.
const (
	ShiftStatusActive    = "active"
	ShiftStatusCompleted = "completed"
)

// Shift is one on-duty interval. LocationHistoryJSON is an append-only JSON
// array of Points; EndTimeMs is zero while the shift is active.
type Shift struct {
	ID                  string  `json:"id"`
	UserID              string  `json:"user_id"`
	StartTimeMs         int64   `json:"start_time_ms"`
	EndTimeMs           int64   `json:"end_time_ms,omitempty"`
	StartLat            float64 `json:"start_lat"`
	StartLon            float64 `json:"start_lon"`
	EndLat              float64 `json:"end_lat,omitempty"`
	EndLon              float64 `json:"end_lon,omitempty"`
	LocationHistoryJSON string  `json:"location_history_json"`
	TotalDistanceKm     float64 `json:"total_distance_km"`
	TravelTimeMin       float64 `json:"travel_time_min"`
	EndedAutomatically  bool    `json:"ended_automatically"`
	Status              string  `json:"status"`
	CreatedAtMs         int64   `json:"created_at_ms"`
	UpdatedAtMs         int64   `json:"updated_at_ms"`
}

// GeofenceStatus values carried on samples and shift acknowledgements.
const (
	GeofenceStatusInside  = "inside"
	GeofenceStatusOutside = "outside"
	GeofenceStatusUnknown = "unknown"
)

// LocationSample is one accepted location row. Seq is the server-assigned
// arrival order; RecordedAtMs is the client stamp, ReceivedAtMs the server
// stamp.
type LocationSample struct {
	Seq              int64   `json:"seq"`
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	ShiftID          string  `json:"shift_id,omitempty"`
	ShiftBucket      string  `json:"shift_bucket,omitempty"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	AccuracyM        float64 `json:"accuracy_m,omitempty"`
	BatteryPct       float64 `json:"battery_pct,omitempty"`
	SpeedMps         float64 `json:"speed_mps,omitempty"`
	AltitudeM        float64 `json:"altitude_m,omitempty"`
	IsMoving         bool    `json:"is_moving"`
	IsBackground     bool    `json:"is_background"`
	GeofenceStatus   string  `json:"geofence_status"`
	IsTrackingActive bool    `json:"is_tracking_active"`
	RecordedAtMs     int64   `json:"recorded_at_ms"`
	ReceivedAtMs     int64   `json:"received_at_ms"`
}

// ShiftTimer schedules automatic termination of a shift. EndTimeMs is
// computed as shift start plus DurationHours, in UTC.
type ShiftTimer struct {
	ID               string  `json:"id"`
	ShiftID          string  `json:"shift_id"`
	UserID           string  `json:"user_id"`
	ShiftBucket      string  `json:"shift_bucket"`
	RoleType         Role    `json:"role_type"`
	DurationHours    float64 `json:"duration_hours"`
	EndTimeMs        int64   `json:"end_time_ms"`
	Completed        bool    `json:"completed"`
	NotificationSent bool    `json:"notification_sent"`
	CreatedAtMs      int64   `json:"created_at_ms"`
	UpdatedAtMs      int64   `json:"updated_at_ms"`
}

// GeofenceEvent records a debounced entry or exit transition.
type GeofenceEvent struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	GeofenceID   string  `json:"geofence_id"`
	ShiftID      string  `json:"shift_id,omitempty"`
	ShiftBucket  string  `json:"shift_bucket,omitempty"`
	EventType    string  `json:"event_type"` // entry | exit
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	OccurredAtMs int64   `json:"occurred_at_ms"`
}

// DailyAnalytics is the per-user per-day rollup. Day is a UTC YYYY-MM-DD key.
type DailyAnalytics struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Day         string  `json:"day"`
	DistanceKm  float64 `json:"distance_km"`
	TravelMin   float64 `json:"travel_min"`
	IndoorMin   float64 `json:"indoor_min"`
	OutdoorMin  float64 `json:"outdoor_min"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// DeviceToken is one push target. (UserID, Token) is unique; inactive rows
// are kept for audit but never dispatched to.
type DeviceToken struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	DeviceName  string `json:"device_name,omitempty"`
	Active      bool   `json:"active"`
	LastUsedMs  int64  `json:"last_used_ms"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Notification is an in-app inbox row.
type Notification struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	DataJSON    string `json:"data_json,omitempty"`
	Read        bool   `json:"read"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// PushRecord is the audit row for one push dispatch attempt.
type PushRecord struct {
	ID             string `json:"id"`
	NotificationID string `json:"notification_id,omitempty"`
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	DataJSON       string `json:"data_json,omitempty"`
	Sent           bool   `json:"sent"`
	SentAtMs       int64  `json:"sent_at_ms,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
}

// ErrorLogEntry is one structured error row.
type ErrorLogEntry struct {
	ID           string `json:"id"`
	Service      string `json:"service"`
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	UserID       string `json:"user_id,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
	Stack        string `json:"stack,omitempty"`
	DedupeHash   string `json:"dedupe_hash"`
	OccurredAtMs int64  `json:"occurred_at_ms"`
}

// LastLocation is the cached most-recent accepted sample for a user,
// stored at lastLocation:<userId> with a short TTL.
type LastLocation struct {
	UserID         string  `json:"user_id"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	AccuracyM      float64 `json:"accuracy_m,omitempty"`
	BatteryPct     float64 `json:"battery_pct,omitempty"`
	SpeedMps       float64 `json:"speed_mps,omitempty"`
	IsMoving       bool    `json:"is_moving"`
	GeofenceStatus string  `json:"geofence_status"`
	GeofenceID     string  `json:"geofence_id,omitempty"`
	ShiftID        string  `json:"shift_id,omitempty"`
	RecordedAtMs   int64   `json:"recorded_at_ms"`
	ReceivedAtMs   int64   `json:"received_at_ms"`
}
