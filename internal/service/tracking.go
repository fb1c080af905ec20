package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/shift"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

// lastLocationTTL bounds how long a cached last location stays authoritative.
const lastLocationTTL = 5 * time.Minute

// SampleInput is a location report as the transport layers hand it over,
// before the server stamps and smooths it.
type SampleInput struct {
	Lat          float64
	Lon          float64
	AccuracyM    float64
	BatteryPct   float64
	SpeedMps     float64
	AltitudeM    float64
	IsMoving     bool
	ShiftID      string
	RecordedAtMs int64 // client stamp; zero means "now"
}

// Ack is the ingest acknowledgement. Success false with WillRetry means the
// row could not be persisted and sits in the retry queue; clients must not
// resend.
type Ack struct {
	Success        bool
	LocationID     string
	Seq            int64
	ReceivedAtMs   int64
	GeofenceStatus string
	Warnings       []string
	IntervalMs     int64
	Breakdown      battery.Breakdown
	ErrorCode      string
	WillRetry      bool
}

// Update is the enriched fan-out unit handed to the live layer after a
// sample is accepted.
type Update struct {
	User          model.User
	Sample        model.LocationSample
	IsActive      bool
	LastUpdatedMs int64
}

// Broadcaster receives accepted updates for socket fan-out. The live hub
// implements it; a nil broadcaster drops updates silently.
type Broadcaster interface {
	BroadcastLocation(u Update)
}

// TrackingService runs the ingest pipeline: smooth, validate, persist,
// cache, debounce geofences, accumulate analytics, compute the next report
// interval, and hand off to the broadcaster.
type TrackingService struct {
	store     *store.Store
	cache     *cache.Cache
	validator *tracking.Validator
	fences    *geofence.Service
	hyst      *geofence.Hysteresis
	filters   *kalman.Registry
	battery   *battery.Policy
	analytics *analytics.Aggregator
	retry     *retryq.Queue
	errs      *errorlog.Sink
	metrics   *metrics.Metrics
	broadcast Broadcaster
	now       func() time.Time
}

// TrackingDeps carries the collaborators for NewTrackingService.
type TrackingDeps struct {
	Store      *store.Store
	Cache      *cache.Cache
	Validator  *tracking.Validator
	Fences     *geofence.Service
	Hysteresis *geofence.Hysteresis
	Filters    *kalman.Registry
	Battery    *battery.Policy
	Analytics  *analytics.Aggregator
	Retry      *retryq.Queue
	Errors     *errorlog.Sink
	Metrics    *metrics.Metrics
}

func NewTrackingService(d TrackingDeps) *TrackingService {
	return &TrackingService{
		store:     d.Store,
		cache:     d.Cache,
		validator: d.Validator,
		fences:    d.Fences,
		hyst:      d.Hysteresis,
		filters:   d.Filters,
		battery:   d.Battery,
		analytics: d.Analytics,
		retry:     d.Retry,
		errs:      d.Errors,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// SetBroadcaster wires the live hub in after construction; the hub depends
// on this service for inbound socket events, so it cannot be a constructor
// argument.
func (s *TrackingService) SetBroadcaster(b Broadcaster) { s.broadcast = b }

// Ingest accepts one location report. Foreground rejections return a
// LOCATION_REJECTED error; persistence failures return a non-success Ack
// with the payload parked in the retry queue.
func (s *TrackingService) Ingest(ctx context.Context, user *model.User, in SampleInput, background bool) (*Ack, error) {
	started := s.now()
	defer func() {
		s.metrics.IngestDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.now().UTC()
	sample := model.LocationSample{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		ShiftID:      in.ShiftID,
		Lat:          in.Lat,
		Lon:          in.Lon,
		AccuracyM:    in.AccuracyM,
		BatteryPct:   in.BatteryPct,
		SpeedMps:     in.SpeedMps,
		AltitudeM:    in.AltitudeM,
		IsMoving:     in.IsMoving,
		IsBackground: background,
		RecordedAtMs: in.RecordedAtMs,
		ReceivedAtMs: now.UnixMilli(),
	}
	if sample.RecordedAtMs == 0 {
		sample.RecordedAtMs = sample.ReceivedAtMs
	}
	recordedAt := time.UnixMilli(sample.RecordedAtMs).UTC()

	// The server-side active shift wins over whatever the client sent.
	activeShift, bucket := s.activeShift(user)
	if activeShift != nil {
		sample.ShiftID = activeShift.ID
		sample.ShiftBucket = bucket.Table
		sample.IsTrackingActive = true
	}

	// Background samples skip smoothing: they arrive sparsely and would
	// drag the filter's velocity estimate around.
	if !background {
		lat, lon := s.filters.Get(user.ID).Update(sample.Lat, sample.Lon, sample.AccuracyM, recordedAt)
		sample.Lat, sample.Lon = lat, lon
	}

	prev := s.lastLocation(ctx, user.ID)
	company, err := s.store.GetCompany(user.CompanyID)
	if err != nil {
		return nil, storage("load company", err)
	}

	verdict := s.validator.Check(sample, prev, company, background)
	if !verdict.Accepted() {
		s.metrics.IngestRejected.WithLabelValues(verdict.Rejection.Code).Inc()
		return nil, locationRejected(verdict.Rejection.Error())
	}
	if len(verdict.Warnings) > 0 {
		s.metrics.IngestWarnings.Inc()
		s.errs.Logf("tracking", "VALIDATION_WARNING", user.ID,
			"background sample accepted with warnings: %v", verdict.Warnings)
	}

	inside, fenceID, _, err := s.fences.Locate(user.CompanyID, sample.Lat, sample.Lon)
	if err != nil {
		s.errs.Logf("tracking", "GEOFENCE_LOOKUP", user.ID, "containment check failed: %v", err)
		sample.GeofenceStatus = model.GeofenceStatusUnknown
	} else {
		sample.GeofenceStatus = tracking.StatusOf(inside)
	}

	if err := s.store.InsertLocation(&sample); err != nil {
		return s.parkFailedSample(ctx, user.ID, sample, err), nil
	}

	last := tracking.LastLocationFrom(sample, inside, fenceID)
	if buf, err := json.Marshal(last); err == nil {
		s.cache.Set(ctx, lastLocationKey(user.ID), string(buf), lastLocationTTL)
	}

	if sample.GeofenceStatus != model.GeofenceStatusUnknown {
		s.observeFence(ctx, user.ID, sample, prev, inside, fenceID, recordedAt)
	}

	s.recordAnalytics(sample, prev, inside, recordedAt)

	if activeShift != nil {
		s.advanceShiftProgress(activeShift, bucket.Table, sample, prev, now.UnixMilli())
	}

	interval, breakdown := s.battery.NextInterval(ctx, battery.PolicyInput{
		UserID:       user.ID,
		BatteryPct:   sample.BatteryPct,
		SpeedMps:     sample.SpeedMps,
		InGeofence:   inside,
		CompanyMinMs: companyMinMs(company),
		CompanyMaxMs: companyMaxMs(company),
	})

	mode := "foreground"
	if background {
		mode = "background"
	}
	s.metrics.IngestAccepted.WithLabelValues(mode).Inc()

	if s.broadcast != nil {
		s.broadcast.BroadcastLocation(Update{
			User:          *user,
			Sample:        sample,
			IsActive:      activeShift != nil,
			LastUpdatedMs: sample.ReceivedAtMs,
		})
	}

	return &Ack{
		Success:        true,
		LocationID:     sample.ID,
		Seq:            sample.Seq,
		ReceivedAtMs:   sample.ReceivedAtMs,
		GeofenceStatus: sample.GeofenceStatus,
		Warnings:       verdict.Warnings,
		IntervalMs:     interval.Milliseconds(),
		Breakdown:      breakdown,
	}, nil
}

// IngestBackground never fails: validation errors were already downgraded to
// warnings by the validator, and anything else is logged and acknowledged so
// mobile clients stop retrying.
func (s *TrackingService) IngestBackground(ctx context.Context, user *model.User, in SampleInput) *Ack {
	ack, err := s.Ingest(ctx, user, in, true)
	if err != nil {
		s.errs.Logf("tracking", "BACKGROUND_INGEST", user.ID, "background sample discarded: %v", err)
		return &Ack{Success: false, ErrorCode: errorCode(err), ReceivedAtMs: s.now().UnixMilli()}
	}
	return ack
}

// FailedUpdates lists the caller's parked and dead-lettered payloads for the
// socket location:get_failed event.
func (s *TrackingService) FailedUpdates(ctx context.Context, userID string) []retryq.Record {
	return s.retry.Failed(ctx, userID)
}

// ReportInterval computes the next report interval for a client that asked
// without submitting a sample. Movement and fence context come from the
// cached last location when present.
func (s *TrackingService) ReportInterval(ctx context.Context, user *model.User, batteryPct float64, isCharging bool) (time.Duration, battery.Breakdown) {
	in := battery.PolicyInput{
		UserID:     user.ID,
		BatteryPct: batteryPct,
		IsCharging: isCharging,
	}
	if prev := s.lastLocation(ctx, user.ID); prev != nil {
		in.SpeedMps = prev.SpeedMps
		in.InGeofence = prev.GeofenceStatus == model.GeofenceStatusInside
	}
	if company, err := s.store.GetCompany(user.CompanyID); err == nil && company != nil {
		in.CompanyMinMs = companyMinMs(company)
		in.CompanyMaxMs = companyMaxMs(company)
	}
	return s.battery.NextInterval(ctx, in)
}

// Replay re-ingests a parked payload from the retry queue drain. The sample
// keeps its original stamps; smoothing and broadcast are skipped because the
// report is stale by definition.
func (s *TrackingService) Replay(ctx context.Context, rec retryq.Record) error {
	var sample model.LocationSample
	if err := json.Unmarshal(rec.Payload, &sample); err != nil {
		return invalidArg("undecodable retry payload")
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if err := s.store.InsertLocation(&sample); err != nil {
		return storage("replay location", err)
	}
	s.metrics.RetryReplayed.Inc()
	return nil
}

// LastKnown returns the freshest location we hold for a user: the cache
// entry when it is still live, otherwise the newest persisted row.
func (s *TrackingService) LastKnown(ctx context.Context, userID string) *model.LastLocation {
	if last := s.lastLocation(ctx, userID); last != nil {
		return last
	}
	row, err := s.store.LatestLocation(userID)
	if err != nil || row == nil {
		return nil
	}
	last := tracking.LastLocationFrom(*row, row.GeofenceStatus == model.GeofenceStatusInside, "")
	return &last
}

// CachedLocation returns the live cache entry or nil, never touching the
// store. The roster layers these over a batched store read so socket-fresh
// fixes win without a per-user query.
func (s *TrackingService) CachedLocation(ctx context.Context, userID string) *model.LastLocation {
	return s.lastLocation(ctx, userID)
}

func (s *TrackingService) parkFailedSample(ctx context.Context, userID string, sample model.LocationSample, cause error) *Ack {
	s.metrics.PersistFailures.Inc()
	s.errs.Logf("tracking", "PERSIST_FAILURE", userID, "location insert failed: %v", cause)

	payload, err := json.Marshal(sample)
	if err != nil {
		return &Ack{Success: false, ErrorCode: "STORAGE", ReceivedAtMs: sample.ReceivedAtMs}
	}
	_, deadLettered := s.retry.Enqueue(ctx, userID, payload, cause)
	if deadLettered {
		s.metrics.RetryDeadLettered.Inc()
	} else {
		s.metrics.RetryScheduled.Inc()
	}
	return &Ack{
		Success:      false,
		ErrorCode:    "STORAGE",
		WillRetry:    !deadLettered,
		ReceivedAtMs: sample.ReceivedAtMs,
	}
}

// observeFence debounces the containment reading. An outside reading is
// attributed to the fence the user last occupied, since "outside all fences"
// has no identity of its own.
func (s *TrackingService) observeFence(ctx context.Context, userID string, sample model.LocationSample, prev *model.LastLocation, inside bool, fenceID string, at time.Time) {
	obsFence := fenceID
	if !inside && prev != nil && prev.GeofenceID != "" {
		obsFence = prev.GeofenceID
	}
	if obsFence == "" {
		return
	}

	tr := s.hyst.Observe(ctx, userID, obsFence, inside, at)
	if tr == nil || tr.Initial {
		return
	}

	eventType := "exit"
	if tr.Entered {
		eventType = "entry"
	}
	s.metrics.GeofenceTransitions.WithLabelValues(eventType).Inc()

	// Event rows are only written while the user is on shift; off-shift
	// movements update debounce state without leaving a trail.
	if sample.ShiftID == "" {
		return
	}
	err := s.store.InsertGeofenceEvent(model.GeofenceEvent{
		ID:           uuid.NewString(),
		UserID:       userID,
		GeofenceID:   obsFence,
		ShiftID:      sample.ShiftID,
		ShiftBucket:  sample.ShiftBucket,
		EventType:    eventType,
		Lat:          sample.Lat,
		Lon:          sample.Lon,
		OccurredAtMs: tr.AtMs,
	})
	if err != nil {
		s.errs.Logf("tracking", "GEOFENCE_EVENT", userID, "event insert failed: %v", err)
	}
}

func (s *TrackingService) recordAnalytics(sample model.LocationSample, prev *model.LastLocation, inside bool, at time.Time) {
	obs := analytics.Observation{
		UserID:    sample.UserID,
		At:        at,
		Lat:       sample.Lat,
		Lon:       sample.Lon,
		AccuracyM: sample.AccuracyM,
		SpeedMps:  sample.SpeedMps,
		Inside:    inside,
	}
	if prev != nil {
		obs.PrevLat = prev.Lat
		obs.PrevLon = prev.Lon
		obs.PrevAtMs = prev.RecordedAtMs
		obs.PrevInside = prev.GeofenceStatus == model.GeofenceStatusInside
	}
	s.analytics.RecordSample(obs)
}

// advanceShiftProgress appends the point to the shift's polyline and rolls
// the live travel metrics forward. The end-of-shift recompute from persisted
// samples stays authoritative; this keeps mid-shift reads current.
func (s *TrackingService) advanceShiftProgress(active *model.Shift, table string, sample model.LocationSample, prev *model.LastLocation, nowMs int64) {
	history := shift.AppendHistory(active.LocationHistoryJSON, model.Point{
		Lat:         sample.Lat,
		Lon:         sample.Lon,
		TimestampMs: sample.RecordedAtMs,
	})

	distanceKm := active.TotalDistanceKm
	travelMin := active.TravelTimeMin
	if prev != nil &&
		prev.GeofenceStatus == model.GeofenceStatusOutside &&
		sample.GeofenceStatus == model.GeofenceStatusOutside {
		elapsedMs := sample.RecordedAtMs - prev.RecordedAtMs
		if elapsedMs > 0 {
			distanceKm += geo.Distance(prev.Lat, prev.Lon, sample.Lat, sample.Lon) / 1000
			travelMin += float64(elapsedMs) / 60_000
		}
	}

	if err := s.store.UpdateShiftProgress(table, active.ID, history, distanceKm, travelMin, nowMs); err != nil {
		s.errs.Logf("tracking", "SHIFT_PROGRESS", sample.UserID, "progress update failed: %v", err)
		return
	}
	active.LocationHistoryJSON = history
	active.TotalDistanceKm = distanceKm
	active.TravelTimeMin = travelMin
}

func (s *TrackingService) activeShift(user *model.User) (*model.Shift, shift.Bucket) {
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, shift.Bucket{}
	}
	active, err := s.store.ActiveShift(bucket.Table, user.ID)
	if err != nil {
		s.errs.Logf("tracking", "ACTIVE_SHIFT", user.ID, "active shift lookup failed: %v", err)
		return nil, bucket
	}
	return active, bucket
}

func (s *TrackingService) lastLocation(ctx context.Context, userID string) *model.LastLocation {
	raw, ok := s.cache.Get(ctx, lastLocationKey(userID))
	if !ok {
		return nil
	}
	var last model.LastLocation
	if err := json.Unmarshal([]byte(raw), &last); err != nil {
		return nil
	}
	return &last
}

func lastLocationKey(userID string) string { return "lastLocation:" + userID }

func companyMinMs(c *model.Company) int64 {
	if c == nil {
		return 0
	}
	return c.MinIntervalMs
}

func companyMaxMs(c *model.Company) int64 {
	if c == nil {
		return 0
	}
	return c.MaxIntervalMs
}

// errorCode extracts the taxonomy code for envelope rendering.
func errorCode(err error) string {
	if se, ok := err.(*ServiceError); ok {
		return se.Code
	}
	return "INTERNAL"
}
