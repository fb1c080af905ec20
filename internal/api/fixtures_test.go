package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/live"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/notify"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/testutil"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

const testSecret = "api-handler-test-signing-secret"

type nopPusher struct{}

func (nopPusher) Send(ctx context.Context, tokens []string, title, body string, data map[string]any, priority string) []notify.PushResult {
	out := make([]notify.PushResult, len(tokens))
	for i, tok := range tokens {
		out[i] = notify.PushResult{Token: tok, OK: true}
	}
	return out
}

type fixture struct {
	store   *store.Store
	cache   *cache.Cache
	redis   *miniredis.Miniredis
	metrics *metrics.Metrics
	retry   *retryq.Queue
	tracker *service.TrackingService
	shifts  *service.ShiftService
	roster  *service.RosterService
	hub     *live.Hub
	auth    *Authenticator
	srv     *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	ca, mr := testutil.NewCache(t)
	sink := testutil.NewSink(t, st)

	tun := config.DefaultTuning()
	m := metrics.New()
	fences := geofence.NewService(st)
	agg := analytics.NewAggregator(st, tun.Analytics)
	retry := retryq.New(ca)
	filters := kalman.NewRegistry()

	tracker := service.NewTrackingService(service.TrackingDeps{
		Store:      st,
		Cache:      ca,
		Validator:  tracking.NewValidator(tun.Validator),
		Fences:     fences,
		Hysteresis: geofence.NewHysteresis(ca, tun.Hysteresis.MinTransitionGap.Std(), tun.Hysteresis.ConfirmThreshold),
		Filters:    filters,
		Battery:    battery.NewPolicy(ca, tun.Battery),
		Analytics:  agg,
		Retry:      retry,
		Errors:     sink,
		Metrics:    m,
	})

	dispatcher := notify.NewDispatcher(st, nopPusher{}, sink)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	shifts := service.NewShiftService(service.ShiftDeps{
		Store:       st,
		Fences:      fences,
		Analytics:   agg,
		Notify:      dispatcher,
		Errors:      sink,
		Metrics:     m,
		Environment: config.EnvDevelopment,
	})
	roster := service.NewRosterService(st, tracker)

	hub := live.NewHub(live.HubDeps{
		Store:   st,
		Tracker: tracker,
		Cache:   ca,
		Filters: filters,
		Errors:  sink,
		Metrics: m,
	})
	tracker.SetBroadcaster(hub)
	hub.Start()
	t.Cleanup(hub.Stop)

	auth := NewAuthenticator(testSecret, st, sink)
	srv := NewServer("127.0.0.1:0", Deps{
		Auth:         auth,
		Tracker:      tracker,
		Shifts:       shifts,
		Roster:       roster,
		Hub:          hub,
		Cache:        ca,
		Metrics:      m,
		MaxBodyBytes: 1 << 20,
	})

	return &fixture{
		store:   st,
		cache:   ca,
		redis:   mr,
		metrics: m,
		retry:   retry,
		tracker: tracker,
		shifts:  shifts,
		roster:  roster,
		hub:     hub,
		auth:    auth,
		srv:     srv,
	}
}

// seedCrew inserts one company with a group admin, an employee under them,
// and a management user.
func (fx *fixture) seedCrew(t *testing.T) {
	t.Helper()
	testutil.SeedCompany(t, fx.store, "co-1")
	testutil.SeedUser(t, fx.store, model.User{
		ID: "ga-1", Role: model.RoleGroupAdmin, CompanyID: "co-1",
	})
	testutil.SeedUser(t, fx.store, model.User{
		ID: "e-1", Role: model.RoleEmployee, CompanyID: "co-1",
		GroupAdminID: "ga-1", EmployeeNumber: "E-100",
		Department: "Field Ops", Designation: "Technician",
	})
	testutil.SeedUser(t, fx.store, model.User{
		ID: "mgr-1", Role: model.RoleManagement, CompanyID: "co-1",
	})
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	return mintTokenWithClaims(t, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

func mintTokenWithClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// do runs one request through the full middleware chain. body may be nil, a
// raw string/[]byte, or any JSON-marshalable value.
func (fx *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewReader([]byte(b))
	case []byte:
		rd = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	return resp.Error.Code
}

// locationBody builds a report that passes every validation gate.
func locationBody(lat, lon float64, stampMs int64) map[string]any {
	return map[string]any{
		"latitude":     lat,
		"longitude":    lon,
		"accuracy":     10.0,
		"batteryLevel": 80.0,
		"isMoving":     true,
		"timestamp":    stampMs,
	}
}
