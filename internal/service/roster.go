package service

import (
	"context"
	"time"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/shift"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

const (
	historyDefaultDays  = 30
	historyShiftLimit   = 200
	historySampleLimit  = 5000
	analyticsDefaultDay = 30
)

// RosterService serves the read side: who is on shift, where they last were,
// and the per-day rollups. Writes stay in TrackingService and ShiftService.
type RosterService struct {
	store   *store.Store
	tracker *TrackingService
	now     func() time.Time
}

func NewRosterService(st *store.Store, tracker *TrackingService) *RosterService {
	return &RosterService{store: st, tracker: tracker, now: time.Now}
}

// CanObserve reports whether viewer may read target's locations and shifts.
// Everyone sees themselves; group admins see their direct group; management
// sees the whole company; super admins see everything.
func CanObserve(viewer, target *model.User) bool {
	if viewer == nil || target == nil {
		return false
	}
	if viewer.ID == target.ID {
		return true
	}
	switch viewer.Role {
	case model.RoleSuperAdmin:
		return true
	case model.RoleManagement:
		return viewer.CompanyID == target.CompanyID
	case model.RoleGroupAdmin:
		return target.GroupAdminID == viewer.ID
	}
	return false
}

// CurrentShift returns the caller's active shift, if any, with the freshest
// location we hold for them. A nil shift with nil error means "not on shift".
func (s *RosterService) CurrentShift(ctx context.Context, user *model.User) (*model.Shift, *model.LastLocation, error) {
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, nil, permissionDenied("role does not track shifts")
	}
	active, err := s.store.ActiveShift(bucket.Table, user.ID)
	if err != nil {
		return nil, nil, storage("active shift lookup", err)
	}
	if active == nil {
		return nil, nil, nil
	}
	return active, s.tracker.LastKnown(ctx, user.ID), nil
}

// ShiftHistory lists the caller's shifts between two day keys, newest first.
// Empty bounds default to the trailing thirty days.
func (s *RosterService) ShiftHistory(ctx context.Context, user *model.User, fromDay, toDay string) ([]model.Shift, error) {
	bucket, ok := shift.BucketFor(user.Role)
	if !ok {
		return nil, permissionDenied("role does not track shifts")
	}
	fromMs, toMs, err := s.rangeBounds(fromDay, toDay, historyDefaultDays)
	if err != nil {
		return nil, err
	}
	shifts, err := s.store.ListUserShifts(bucket.Table, user.ID, fromMs, toMs, historyShiftLimit)
	if err != nil {
		return nil, storage("list shifts", err)
	}
	return shifts, nil
}

// Analytics returns daily rollups. Supervisors may pass targetID to read a
// subordinate's rollup; visibility follows CanObserve.
func (s *RosterService) Analytics(ctx context.Context, viewer *model.User, targetID, fromDay, toDay string) ([]model.DailyAnalytics, error) {
	target := viewer
	if targetID != "" && targetID != viewer.ID {
		var err error
		target, err = s.visibleUser(viewer, targetID)
		if err != nil {
			return nil, err
		}
	}
	from, to, err := s.dayRange(fromDay, toDay, analyticsDefaultDay)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListDailyRange(target.ID, from, to)
	if err != nil {
		return nil, storage("list analytics", err)
	}
	return rows, nil
}

// ActiveLocation is one row of the supervisor live roster.
type ActiveLocation struct {
	User     model.User
	Location *model.LastLocation // nil when the user has never reported
	OnShift  bool
}

// ActiveLocations returns the last known location and shift state for every
// user the viewer supervises. Group admins get their group; management and
// super admins get the company's employees and group admins.
func (s *RosterService) ActiveLocations(ctx context.Context, viewer *model.User) ([]ActiveLocation, error) {
	var users []model.User
	switch viewer.Role {
	case model.RoleGroupAdmin:
		members, err := s.store.ListGroupMembers(viewer.ID)
		if err != nil {
			return nil, storage("list group members", err)
		}
		users = members
	case model.RoleManagement, model.RoleSuperAdmin:
		for _, role := range []model.Role{model.RoleEmployee, model.RoleGroupAdmin} {
			part, err := s.store.ListCompanyUsers(viewer.CompanyID, role)
			if err != nil {
				return nil, storage("list company users", err)
			}
			users = append(users, part...)
		}
	default:
		return nil, permissionDenied("role cannot view the roster")
	}
	if len(users) == 0 {
		return []ActiveLocation{}, nil
	}

	ids := make([]string, len(users))
	byRole := map[model.Role][]string{}
	for i, u := range users {
		ids[i] = u.ID
		byRole[u.Role] = append(byRole[u.Role], u.ID)
	}

	latest, err := s.store.LatestLocationsForUsers(ids)
	if err != nil {
		return nil, storage("latest locations", err)
	}
	onShift := map[string]bool{}
	for role, roleIDs := range byRole {
		bucket, ok := shift.BucketFor(role)
		if !ok {
			continue
		}
		active, err := s.store.ActiveShiftUserIDs(bucket.Table, roleIDs)
		if err != nil {
			return nil, storage("active shift scan", err)
		}
		for id := range active {
			onShift[id] = true
		}
	}

	out := make([]ActiveLocation, 0, len(users))
	for _, u := range users {
		row := ActiveLocation{User: u, OnShift: onShift[u.ID]}
		// Cache beats the batched store read when both exist; the cache
		// entry is written on every accepted sample.
		if cached := s.tracker.CachedLocation(ctx, u.ID); cached != nil {
			row.Location = cached
		} else if sample, ok := latest[u.ID]; ok {
			last := tracking.LastLocationFrom(sample,
				sample.GeofenceStatus == model.GeofenceStatusInside, "")
			row.Location = &last
		}
		out = append(out, row)
	}
	return out, nil
}

// EmployeeHistory returns one subordinate's samples and shifts for a single
// UTC day. An empty day means today.
func (s *RosterService) EmployeeHistory(ctx context.Context, viewer *model.User, employeeID, day string) ([]model.LocationSample, []model.Shift, error) {
	if employeeID == "" {
		return nil, nil, invalidArg("employee_id is required")
	}
	target, err := s.visibleUser(viewer, employeeID)
	if err != nil {
		return nil, nil, err
	}
	if day == "" {
		day = analytics.DayKey(s.now())
	}
	fromMs, toMs, err := analytics.DayBounds(day)
	if err != nil {
		return nil, nil, invalidArg("date must be YYYY-MM-DD")
	}

	samples, err := s.store.ListUserLocations(target.ID, fromMs, toMs, historySampleLimit)
	if err != nil {
		return nil, nil, storage("list locations", err)
	}
	var shifts []model.Shift
	if bucket, ok := shift.BucketFor(target.Role); ok {
		shifts, err = s.store.ListUserShifts(bucket.Table, target.ID, fromMs, toMs, historyShiftLimit)
		if err != nil {
			return nil, nil, storage("list shifts", err)
		}
	}
	return samples, shifts, nil
}

// visibleUser loads a target and enforces CanObserve.
func (s *RosterService) visibleUser(viewer *model.User, targetID string) (*model.User, error) {
	target, err := s.store.GetUser(targetID)
	if err != nil {
		return nil, storage("load user", err)
	}
	if target == nil {
		return nil, notFound("user not found")
	}
	if !CanObserve(viewer, target) {
		return nil, permissionDenied("user is outside your scope")
	}
	return target, nil
}

// dayRange normalizes a [from, to] day-key pair, defaulting to the trailing
// window ending today.
func (s *RosterService) dayRange(fromDay, toDay string, defaultDays int) (string, string, error) {
	nowUTC := s.now().UTC()
	if toDay == "" {
		toDay = analytics.DayKey(nowUTC)
	}
	if fromDay == "" {
		toStart, _, err := analytics.DayBounds(toDay)
		if err != nil {
			return "", "", invalidArg("end_date must be YYYY-MM-DD")
		}
		fromDay = analytics.DayKey(time.UnixMilli(toStart).UTC().AddDate(0, 0, -defaultDays))
	}
	if _, _, err := analytics.DayBounds(fromDay); err != nil {
		return "", "", invalidArg("start_date must be YYYY-MM-DD")
	}
	if _, _, err := analytics.DayBounds(toDay); err != nil {
		return "", "", invalidArg("end_date must be YYYY-MM-DD")
	}
	return fromDay, toDay, nil
}

// rangeBounds converts a day-key pair into a millisecond window.
func (s *RosterService) rangeBounds(fromDay, toDay string, defaultDays int) (int64, int64, error) {
	fromDay, toDay, err := s.dayRange(fromDay, toDay, defaultDays)
	if err != nil {
		return 0, 0, err
	}
	fromMs, _, err := analytics.DayBounds(fromDay)
	if err != nil {
		return 0, 0, invalidArg("start_date must be YYYY-MM-DD")
	}
	_, toMs, err := analytics.DayBounds(toDay)
	if err != nil {
		return 0, 0, invalidArg("end_date must be YYYY-MM-DD")
	}
	if toMs <= fromMs {
		return 0, 0, invalidArg("end_date precedes start_date")
	}
	return fromMs, toMs, nil
}
