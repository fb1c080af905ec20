package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/attendance"
	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/notify"
	"github.com/crewtrack/crewtrack/internal/shift"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

// ShiftService owns the shift lifecycle: start, end, auto-end timers, the
// minute sweep, and the reminder pass.
type ShiftService struct {
	store      *store.Store
	fences     *geofence.Service
	analytics  *analytics.Aggregator
	notify     *notify.Dispatcher
	attendance *attendance.Bridge
	errs       *errorlog.Sink
	metrics    *metrics.Metrics
	env        string
	now        func() time.Time
}

// ShiftDeps carries the collaborators for NewShiftService.
type ShiftDeps struct {
	Store      *store.Store
	Fences     *geofence.Service
	Analytics  *analytics.Aggregator
	Notify     *notify.Dispatcher
	Attendance *attendance.Bridge
	Errors     *errorlog.Sink
	Metrics    *metrics.Metrics
	// Environment gates the attendance bridge together with the
	// per-company flag; only production punches.
	Environment string
}

func NewShiftService(d ShiftDeps) *ShiftService {
	return &ShiftService{
		store:      d.Store,
		fences:     d.Fences,
		analytics:  d.Analytics,
		notify:     d.Notify,
		attendance: d.Attendance,
		errs:       d.Errors,
		metrics:    d.Metrics,
		env:        d.Environment,
		now:        time.Now,
	}
}

// Start opens a shift at the given location. Users without geofence override
// must stand inside a company fence when the company has any; a second start
// while one is active fails with SHIFT_ALREADY_ACTIVE even under concurrency,
// arbitrated by the partial unique index.
func (s *ShiftService) Start(ctx context.Context, user *model.User, in SampleInput) (*model.Shift, string, error) {
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, "", permissionDenied("role does not track shifts")
	}

	hasFences, err := s.fences.HasActiveFences(user.CompanyID)
	if err != nil {
		return nil, "", storage("load geofences", err)
	}
	inside, _, _, err := s.fences.Locate(user.CompanyID, in.Lat, in.Lon)
	if err != nil {
		return nil, "", storage("geofence containment", err)
	}
	if hasFences && !inside && !user.GeofenceOverride {
		return nil, "", locationRejected("start location is outside the company geofence")
	}

	active, err := s.store.ActiveShift(bucket.Table, user.ID)
	if err != nil {
		return nil, "", storage("active shift lookup", err)
	}
	if active != nil {
		return nil, "", alreadyActive("a shift is already active")
	}

	nowMs := s.now().UnixMilli()
	startMs := in.RecordedAtMs
	if startMs == 0 {
		startMs = nowMs
	}
	row := model.Shift{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		StartTimeMs: startMs,
		StartLat:    in.Lat,
		StartLon:    in.Lon,
		LocationHistoryJSON: shift.EncodeHistory([]model.Point{
			{Lat: in.Lat, Lon: in.Lon, TimestampMs: startMs},
		}),
		Status:      model.ShiftStatusActive,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}
	if err := s.store.InsertShift(bucket.Table, row); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, "", alreadyActive("a shift is already active")
		}
		return nil, "", storage("insert shift", err)
	}

	day := analytics.DayKey(time.UnixMilli(startMs).UTC())
	if err := s.analytics.EnsureDay(user.ID, day); err != nil {
		s.errs.Logf("shift", "ANALYTICS_DAY", user.ID, "day row init failed: %v", err)
	}

	s.metrics.ShiftsStarted.WithLabelValues(string(bucket.Role)).Inc()
	return &row, tracking.StatusOf(inside), nil
}

// End closes the caller's active shift at the given location, recomputing
// route metrics from the persisted samples.
func (s *ShiftService) End(ctx context.Context, user *model.User, in SampleInput) (*model.Shift, error) {
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, permissionDenied("role does not track shifts")
	}
	active, err := s.store.ActiveShift(bucket.Table, user.ID)
	if err != nil {
		return nil, storage("active shift lookup", err)
	}
	if active == nil {
		return nil, invalidArg("no active shift to end")
	}

	samples, err := s.store.ListShiftLocations(active.ID)
	if err != nil {
		return nil, storage("load shift locations", err)
	}
	m := shift.ComputeMetrics(samples, s.insideFn(user.CompanyID))

	nowMs := s.now().UnixMilli()
	endMs := in.RecordedAtMs
	if endMs == 0 {
		endMs = nowMs
	}
	history := shift.AppendHistory(active.LocationHistoryJSON, model.Point{
		Lat: in.Lat, Lon: in.Lon, TimestampMs: endMs,
	})

	closed, err := s.store.FinalizeShift(store.FinalizeShiftArgs{
		Table:       bucket.Table,
		ShiftID:     active.ID,
		UserID:      user.ID,
		EndTimeMs:   endMs,
		EndLat:      in.Lat,
		EndLon:      in.Lon,
		HistoryJSON: history,
		DistanceKm:  m.DistanceKm,
		TravelMin:   m.TravelMin,
	})
	if err != nil {
		return nil, storage("finalize shift", err)
	}
	if !closed {
		// Lost the race with the auto-end sweep.
		return nil, invalidArg("no active shift to end")
	}

	s.finalizeDay(ctx, bucket.Table, user.ID, active.StartTimeMs)
	s.metrics.ShiftsEnded.WithLabelValues(string(bucket.Role), "false").Inc()

	active.EndTimeMs = endMs
	active.EndLat = in.Lat
	active.EndLon = in.Lon
	active.LocationHistoryJSON = history
	active.TotalDistanceKm = m.DistanceKm
	active.TravelTimeMin = m.TravelMin
	active.Status = model.ShiftStatusCompleted
	active.UpdatedAtMs = endMs
	return active, nil
}

// SetTimer schedules automatic termination of the caller's active shift.
// A prior open timer is replaced; end time is shift start plus the duration,
// computed in UTC.
func (s *ShiftService) SetTimer(ctx context.Context, user *model.User, hours float64) (*model.ShiftTimer, error) {
	if !shift.ValidTimerHours(hours) {
		return nil, invalidArg("durationHours must be in (0, 24]")
	}
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, permissionDenied("role does not track shifts")
	}
	active, err := s.store.ActiveShift(bucket.Table, user.ID)
	if err != nil {
		return nil, storage("active shift lookup", err)
	}
	if active == nil {
		return nil, invalidArg("no active shift to schedule against")
	}

	nowMs := s.now().UnixMilli()
	timer := model.ShiftTimer{
		ID:            uuid.NewString(),
		ShiftID:       active.ID,
		UserID:        user.ID,
		ShiftBucket:   bucket.Table,
		RoleType:      user.Role,
		DurationHours: hours,
		EndTimeMs:     active.StartTimeMs + int64(math.Round(hours*3_600_000)),
		CreatedAtMs:   nowMs,
		UpdatedAtMs:   nowMs,
	}
	if err := s.store.DeletePendingTimer(user.ID); err != nil {
		return nil, storage("replace timer", err)
	}
	if err := s.store.InsertTimer(timer); err != nil {
		return nil, storage("insert timer", err)
	}
	return &timer, nil
}

// CancelTimer removes the caller's open timer.
func (s *ShiftService) CancelTimer(ctx context.Context, user *model.User) error {
	pending, err := s.store.PendingTimer(user.ID)
	if err != nil {
		return storage("timer lookup", err)
	}
	if pending == nil {
		return notFound("no timer scheduled")
	}
	if err := s.store.DeletePendingTimer(user.ID); err != nil {
		return storage("delete timer", err)
	}
	return nil
}

// GetTimer returns the caller's open timer joined with its shift.
func (s *ShiftService) GetTimer(ctx context.Context, user *model.User) (*model.ShiftTimer, *model.Shift, error) {
	pending, err := s.store.PendingTimer(user.ID)
	if err != nil {
		return nil, nil, storage("timer lookup", err)
	}
	if pending == nil {
		return nil, nil, notFound("no timer scheduled")
	}
	sh, err := s.store.GetShift(pending.ShiftBucket, pending.ShiftID)
	if err != nil {
		return nil, nil, storage("timer shift lookup", err)
	}
	return pending, sh, nil
}

// AutoEndSweep closes every shift whose timer has expired. Each timer is
// handled independently: a failure rolls back that timer only and the sweep
// moves on. Returns how many shifts were ended.
func (s *ShiftService) AutoEndSweep(ctx context.Context) (int, error) {
	nowMs := s.now().UnixMilli()
	due, err := s.store.DueTimers(nowMs)
	if err != nil {
		return 0, storage("due timers", err)
	}

	ended := 0
	for _, timer := range due {
		ok, err := s.sweepTimer(ctx, timer)
		if err != nil {
			s.metrics.SweepErrors.Inc()
			s.errs.Logf("shift", "AUTO_END", timer.UserID, "timer %s sweep failed: %v", timer.ID, err)
			continue
		}
		if ok {
			ended++
		}
	}
	return ended, nil
}

// sweepTimer ends one overdue shift. Returns true when a shift was closed;
// false when the timer was stale and only marked completed.
func (s *ShiftService) sweepTimer(ctx context.Context, timer model.ShiftTimer) (bool, error) {
	nowMs := s.now().UnixMilli()

	bucket, ok := shift.BucketForTable(timer.ShiftBucket)
	if !ok {
		// Unknown bucket: retire the timer so the sweep stops revisiting it.
		_, err := s.store.CompleteTimer(timer.ID, nowMs)
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("timer %s references unknown bucket %q", timer.ID, timer.ShiftBucket)
	}

	sh, err := s.store.GetShift(bucket.Table, timer.ShiftID)
	if err != nil {
		return false, err
	}
	if sh == nil || sh.Status != model.ShiftStatusActive {
		// Shift already closed by hand; the timer just gets retired.
		if _, err := s.store.CompleteTimer(timer.ID, nowMs); err != nil {
			return false, err
		}
		return false, nil
	}

	user, err := s.store.GetUser(timer.UserID)
	if err != nil {
		return false, err
	}

	// Supervisory buckets end without route metrics; only employee shifts
	// carry them.
	var m shift.Metrics
	var samples []model.LocationSample
	if bucket.Role == model.RoleEmployee && user != nil {
		samples, err = s.store.ListShiftLocations(sh.ID)
		if err != nil {
			return false, err
		}
		m = shift.ComputeMetrics(samples, s.insideFn(user.CompanyID))
	}

	endLat, endLon := endLocation(sh, samples)
	closed, err := s.store.FinalizeShift(store.FinalizeShiftArgs{
		Table:       bucket.Table,
		ShiftID:     sh.ID,
		UserID:      timer.UserID,
		EndTimeMs:   timer.EndTimeMs, // the scheduled end, not "now"
		EndLat:      endLat,
		EndLon:      endLon,
		HistoryJSON: sh.LocationHistoryJSON,
		DistanceKm:  m.DistanceKm,
		TravelMin:   m.TravelMin,
		Auto:        true,
	})
	if err != nil {
		return false, err
	}
	if !closed {
		return false, nil
	}

	if bucket.Role == model.RoleEmployee {
		s.finalizeDay(ctx, bucket.Table, timer.UserID, sh.StartTimeMs)
	}
	s.metrics.ShiftsEnded.WithLabelValues(string(bucket.Role), "true").Inc()

	if user == nil {
		return true, nil
	}

	warning := s.punchAttendance(ctx, bucket, user)
	s.notifyAutoEnd(ctx, user, timer, warning)
	return true, nil
}

// punchAttendance forwards the employee code to the attendance bridge when
// the company opted in and the environment allows it. Failures become a
// warning line for the user notification; the shift is already closed.
func (s *ShiftService) punchAttendance(ctx context.Context, bucket shift.Bucket, user *model.User) string {
	if bucket.Role != model.RoleEmployee || s.attendance == nil || !s.attendance.Enabled() {
		return ""
	}
	if s.env != config.EnvProduction {
		return ""
	}
	company, err := s.store.GetCompany(user.CompanyID)
	if err != nil || company == nil || !company.AttendanceBridgeEnabled {
		return ""
	}
	if user.EmployeeNumber == "" {
		s.errs.Logf("shift", "ATTENDANCE", user.ID, "no employee number on file, punch skipped")
		return "Attendance sync skipped: no employee number on file."
	}

	env := s.attendance.Punch(ctx, []string{user.EmployeeNumber})
	if env.Success {
		return ""
	}
	s.errs.Log(errorlog.Event{
		Service: "shift",
		Type:    "ATTENDANCE",
		UserID:  user.ID,
		Message: fmt.Sprintf("attendance punch failed (%s): %v", env.ErrorType, env.SparrowErrors),
	})
	return fmt.Sprintf("Attendance sync failed (%s); please punch manually.", env.ErrorType)
}

// notifyAutoEnd emits the user push and the supervisor heads-up after the
// sweep closed a shift. Notification failures never fail the sweep.
func (s *ShiftService) notifyAutoEnd(ctx context.Context, user *model.User, timer model.ShiftTimer, warning string) {
	msg := fmt.Sprintf("Your shift was automatically ended after %s.", formatHours(timer.DurationHours))
	if warning != "" {
		msg += " " + warning
	}
	err := s.notify.Dispatch(ctx, notify.Notification{
		UserID:   user.ID,
		Title:    "Shift Automatically Ended",
		Message:  msg,
		Type:     "shift_auto_end",
		Priority: "high",
		Data: map[string]any{
			"shiftId":    timer.ShiftID,
			"endTime":    timer.EndTimeMs,
			"autoEnded":  true,
			"hasWarning": warning != "",
		},
	})
	if err != nil {
		s.errs.Logf("shift", "NOTIFY", user.ID, "auto-end notification failed: %v", err)
	}

	supRole, ok := user.Role.SupervisorRole()
	if !ok {
		return
	}
	n := notify.Notification{
		Title:    "Shift Auto-Ended",
		Message:  fmt.Sprintf("%s's shift was automatically ended after %s.", user.Name, formatHours(timer.DurationHours)),
		Type:     "shift_auto_end_supervisor",
		Priority: "default",
		Data:     map[string]any{"userId": user.ID, "shiftId": timer.ShiftID},
	}
	// Prefer the direct supervisor; fall back to everyone holding the role.
	switch {
	case user.Role == model.RoleEmployee && user.GroupAdminID != "":
		n.UserID = user.GroupAdminID
		err = s.notify.Dispatch(ctx, n)
	case user.Role == model.RoleGroupAdmin && user.ManagerID != "":
		n.UserID = user.ManagerID
		err = s.notify.Dispatch(ctx, n)
	default:
		err = s.notify.DispatchRole(ctx, user.ID, supRole, n, true)
	}
	if err != nil {
		s.errs.Logf("shift", "NOTIFY", user.ID, "supervisor notification failed: %v", err)
	}
}

// SendTimerReminders pushes "Shift Ending Soon" to every open timer due
// within the window that has not been reminded yet. Returns how many went
// out.
func (s *ShiftService) SendTimerReminders(ctx context.Context, minutes int) (int, error) {
	nowMs := s.now().UnixMilli()
	due, err := s.store.TimersDueWithin(nowMs, int64(minutes)*60_000)
	if err != nil {
		return 0, storage("reminder timers", err)
	}

	sent := 0
	for _, timer := range due {
		remaining := int(math.Ceil(float64(timer.EndTimeMs-nowMs) / 60_000))
		err := s.notify.Dispatch(ctx, notify.Notification{
			UserID:   timer.UserID,
			Title:    "Shift Ending Soon",
			Message:  fmt.Sprintf("Your shift will end automatically in %d minutes.", remaining),
			Type:     "shift_reminder",
			Priority: "high",
			Data: map[string]any{
				"shiftId":          timer.ShiftID,
				"minutesRemaining": remaining,
				"endTime":          timer.EndTimeMs,
			},
		})
		if err != nil {
			// Leave notification_sent unset so the next tick retries.
			s.errs.Logf("shift", "REMINDER", timer.UserID, "reminder dispatch failed: %v", err)
			continue
		}
		if err := s.store.MarkTimerNotified(timer.ID, nowMs); err != nil {
			s.errs.Logf("shift", "REMINDER", timer.UserID, "mark notified failed: %v", err)
			continue
		}
		s.metrics.RemindersSent.Inc()
		sent++
	}
	return sent, nil
}

// finalizeDay reconciles the analytics day rollup after a shift closes. A
// user holds at most one active shift, so every close is the last of its day
// for rollup purposes.
func (s *ShiftService) finalizeDay(ctx context.Context, table, userID string, startMs int64) {
	day := analytics.DayKey(time.UnixMilli(startMs).UTC())
	if err := s.analytics.FinalizeShift(ctx, table, userID, day); err != nil {
		s.errs.Logf("shift", "ANALYTICS_FINALIZE", userID, "day rollup failed: %v", err)
	}
}

func (s *ShiftService) insideFn(companyID string) func(lat, lon float64) bool {
	return func(lat, lon float64) bool {
		inside, _, _, err := s.fences.Locate(companyID, lat, lon)
		return err == nil && inside
	}
}

// endLocation picks the terminal coordinates for an auto-ended shift: the
// newest persisted sample, else the last polyline point, else the start.
func endLocation(sh *model.Shift, samples []model.LocationSample) (float64, float64) {
	if n := len(samples); n > 0 {
		return samples[n-1].Lat, samples[n-1].Lon
	}
	if points := shift.DecodeHistory(sh.LocationHistoryJSON); len(points) > 0 {
		p := points[len(points)-1]
		return p.Lat, p.Lon
	}
	return sh.StartLat, sh.StartLon
}

func formatHours(hours float64) string {
	if hours == 1 {
		return "1 hour"
	}
	if hours == math.Trunc(hours) {
		return strconv.Itoa(int(hours)) + " hours"
	}
	return strconv.FormatFloat(hours, 'f', 1, 64) + " hours"
}
