package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/notify"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/testutil"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

// clock is a mutable time source injected into the services under test.
type clock struct {
	mu sync.Mutex
	at time.Time
}

func newClock(at time.Time) *clock { return &clock{at: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

// capturePusher records push batches and acknowledges every token.
type capturePusher struct {
	mu   sync.Mutex
	sent []string // titles, in dispatch order
}

func (p *capturePusher) Send(ctx context.Context, tokens []string, title, body string, data map[string]any, priority string) []notify.PushResult {
	p.mu.Lock()
	p.sent = append(p.sent, title)
	p.mu.Unlock()
	out := make([]notify.PushResult, len(tokens))
	for i, tok := range tokens {
		out[i] = notify.PushResult{Token: tok, OK: true}
	}
	return out
}

type fixture struct {
	clock   *clock
	store   *store.Store
	cache   *cache.Cache
	redis   *miniredis.Miniredis
	metrics *metrics.Metrics
	fences  *geofence.Service
	agg     *analytics.Aggregator
	retry   *retryq.Queue
	push    *capturePusher
	tracker *TrackingService
	shifts  *ShiftService
	roster  *RosterService
}

// fixtureStart is the wall-clock origin for every test: a Tuesday morning,
// mid-day UTC so day-bucket arithmetic stays away from midnight.
var fixtureStart = time.Date(2026, 4, 7, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	ca, mr := testutil.NewCache(t)
	sink := testutil.NewSink(t, st)
	clk := newClock(fixtureStart)

	tun := config.DefaultTuning()
	m := metrics.New()
	fences := geofence.NewService(st)
	agg := analytics.NewAggregator(st, tun.Analytics)
	retry := retryq.New(ca)

	tracker := NewTrackingService(TrackingDeps{
		Store:      st,
		Cache:      ca,
		Validator:  tracking.NewValidator(tun.Validator),
		Fences:     fences,
		Hysteresis: geofence.NewHysteresis(ca, tun.Hysteresis.MinTransitionGap.Std(), tun.Hysteresis.ConfirmThreshold),
		Filters:    kalman.NewRegistry(),
		Battery:    battery.NewPolicy(ca, tun.Battery),
		Analytics:  agg,
		Retry:      retry,
		Errors:     sink,
		Metrics:    m,
	})
	tracker.now = clk.Now

	push := &capturePusher{}
	dispatcher := notify.NewDispatcher(st, push, sink)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	shifts := NewShiftService(ShiftDeps{
		Store:       st,
		Fences:      fences,
		Analytics:   agg,
		Notify:      dispatcher,
		Attendance:  nil,
		Errors:      sink,
		Metrics:     m,
		Environment: config.EnvDevelopment,
	})
	shifts.now = clk.Now

	roster := NewRosterService(st, tracker)
	roster.now = clk.Now

	return &fixture{
		clock:   clk,
		store:   st,
		cache:   ca,
		redis:   mr,
		metrics: m,
		fences:  fences,
		agg:     agg,
		retry:   retry,
		push:    push,
		tracker: tracker,
		shifts:  shifts,
		roster:  roster,
	}
}

// seedEmployee inserts a company, a group admin and one employee under them.
func (fx *fixture) seedEmployee(t *testing.T, companyID, gaID, empID string) (model.Company, model.User, model.User) {
	t.Helper()
	co := testutil.SeedCompany(t, fx.store, companyID)
	ga := testutil.SeedUser(t, fx.store, model.User{
		ID: gaID, Role: model.RoleGroupAdmin, CompanyID: companyID,
	})
	emp := testutil.SeedUser(t, fx.store, model.User{
		ID: empID, Role: model.RoleEmployee, CompanyID: companyID,
		GroupAdminID: gaID, EmployeeNumber: "E-" + empID,
	})
	return co, ga, emp
}

// insertSample writes a raw location row, bypassing the ingest pipeline.
func (fx *fixture) insertSample(t *testing.T, userID, shiftID, bucket string, lat, lon float64, at time.Time) model.LocationSample {
	t.Helper()
	sample := model.LocationSample{
		ID:             uuid.NewString(),
		UserID:         userID,
		ShiftID:        shiftID,
		ShiftBucket:    bucket,
		Lat:            lat,
		Lon:            lon,
		AccuracyM:      10,
		GeofenceStatus: model.GeofenceStatusOutside,
		RecordedAtMs:   at.UnixMilli(),
		ReceivedAtMs:   at.UnixMilli(),
	}
	if err := fx.store.InsertLocation(&sample); err != nil {
		t.Fatalf("insert sample: %v", err)
	}
	return sample
}

// inboxTitles returns the titles of a user's persisted notifications.
func (fx *fixture) inboxTitles(t *testing.T, userID string) []string {
	t.Helper()
	rows, err := fx.store.ListUserNotifications(userID, 50, false)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	titles := make([]string, len(rows))
	for i, n := range rows {
		titles[i] = n.Title
	}
	return titles
}

func hasServiceCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	se, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if se.Code != code {
		t.Fatalf("error code: got %s, want %s (%v)", se.Code, code, err)
	}
}
