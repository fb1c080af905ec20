package live

import (
	"encoding/json"

	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/service"
)

// Event names carried in the frame envelope. employee:location_update is
// the canonical broadcast event; inbound it doubles as an alias for
// location:update so older clients keep working.
const (
	evLocationUpdate   = "location:update"
	evEmployeeLocation = "employee:location_update"
	evSubscribe        = "admin:subscribe_employees"
	evUnsubscribe      = "admin:unsubscribe_employees"
	evGetFailed        = "location:get_failed"
	evGetInterval      = "location:get_interval"

	evAck            = "location:ack"
	evError          = "location:error"
	evSubscribeOK    = "admin:subscription_success"
	evSubscribeErr   = "admin:subscription_error"
	evFailedUpdates  = "location:failed_updates"
	evUpdateInterval = "location:update_interval"
)

// frame is the wire envelope: one event name plus its JSON payload.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: data})
}

// locationReport is the inbound sample payload, field-compatible with the
// REST location body.
type locationReport struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Accuracy     float64 `json:"accuracy"`
	Timestamp    int64   `json:"timestamp"`
	BatteryLevel float64 `json:"batteryLevel"`
	IsMoving     bool    `json:"isMoving"`
	Altitude     float64 `json:"altitude"`
	Speed        float64 `json:"speed"`
	ShiftID      string  `json:"shiftId"`
	IsBackground bool    `json:"isBackground"`
}

type subscribeRequest struct {
	EmployeeIDs []string `json:"employeeIds"`
}

type intervalRequest struct {
	BatteryLevel float64 `json:"batteryLevel"`
	IsCharging   bool    `json:"isCharging"`
}

// batteryHints tells the client when to report next. Interval is in
// milliseconds.
type batteryHints struct {
	Interval  int64             `json:"interval"`
	Breakdown battery.Breakdown `json:"breakdown"`
}

type ackPayload struct {
	Received             bool         `json:"received"`
	Timestamp            int64        `json:"timestamp"`
	LocationID           string       `json:"locationId,omitempty"`
	GeofenceStatus       string       `json:"geofenceStatus,omitempty"`
	Warnings             []string     `json:"warnings,omitempty"`
	ErrorCode            string       `json:"errorCode,omitempty"`
	WillRetry            bool         `json:"willRetry,omitempty"`
	BatteryOptimizations batteryHints `json:"batteryOptimizations"`
}

func ackFromIngest(ack *service.Ack) ackPayload {
	return ackPayload{
		Received:       ack.Success,
		Timestamp:      ack.ReceivedAtMs,
		LocationID:     ack.LocationID,
		GeofenceStatus: ack.GeofenceStatus,
		Warnings:       ack.Warnings,
		ErrorCode:      ack.ErrorCode,
		WillRetry:      ack.WillRetry,
		BatteryOptimizations: batteryHints{
			Interval:  ack.IntervalMs,
			Breakdown: ack.Breakdown,
		},
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

type subscriptionResult struct {
	Subscribed []string `json:"subscribed,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// employeeInfo and locationInfo make up the broadcast payload watchers
// receive.
type employeeInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmployeeNumber string `json:"employeeNumber,omitempty"`
	Department     string `json:"department,omitempty"`
	Designation    string `json:"designation,omitempty"`
	DeviceInfo     string `json:"deviceInfo,omitempty"`
}

type locationInfo struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Accuracy     float64 `json:"accuracy,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	BatteryLevel float64 `json:"batteryLevel,omitempty"`
	IsMoving     bool    `json:"isMoving"`
}

type locationEvent struct {
	Employee    employeeInfo `json:"employee"`
	Location    locationInfo `json:"location"`
	IsActive    bool         `json:"isActive"`
	LastUpdated int64        `json:"lastUpdated"`
}

func eventFromUpdate(u service.Update) locationEvent {
	return locationEvent{
		Employee: employeeInfo{
			ID:             u.User.ID,
			Name:           u.User.Name,
			EmployeeNumber: u.User.EmployeeNumber,
			Department:     u.User.Department,
			Designation:    u.User.Designation,
			DeviceInfo:     u.User.DeviceInfo,
		},
		Location: locationInfo{
			Latitude:     u.Sample.Lat,
			Longitude:    u.Sample.Lon,
			Accuracy:     u.Sample.AccuracyM,
			Timestamp:    u.Sample.RecordedAtMs,
			BatteryLevel: u.Sample.BatteryPct,
			IsMoving:     u.Sample.IsMoving,
		},
		IsActive:    u.IsActive,
		LastUpdated: u.LastUpdatedMs,
	}
}

// relayMessage crosses instances over the cache pub/sub channel. Frame
// carries the pre-encoded broadcast so receivers fan out bytes as-is.
type relayMessage struct {
	Origin        string          `json:"origin"`
	UserID        string          `json:"userId"`
	GroupAdminID  string          `json:"groupAdminId,omitempty"`
	CompanyID     string          `json:"companyId,omitempty"`
	LastUpdatedMs int64           `json:"lastUpdated"`
	Frame         json.RawMessage `json:"frame"`
}
