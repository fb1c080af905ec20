package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/notify"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/testutil"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

func newTestJobDeps(t *testing.T) (*store.Store, *errorlog.Sink, *metrics.Metrics) {
	t.Helper()
	st := testutil.NewStore(t)
	return st, testutil.NewSink(t, st), metrics.New()
}

func TestJobSkipsOverlappingTick(t *testing.T) {
	_, sink, m := newTestJobDeps(t)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var runs atomic.Int32
	j := newJob("overlap", time.Second, sink, m, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		j.fire()
		close(done)
	}()
	<-started

	j.fire() // previous run still holds the latch
	if got := runs.Load(); got != 1 {
		t.Fatalf("overlapping tick ran the job: %d runs", got)
	}

	close(release)
	<-done

	j.fire() // latch released, the job runs again
	if got := runs.Load(); got != 2 {
		t.Fatalf("latch never released: %d runs", got)
	}
}

func TestJobRecoversPanic(t *testing.T) {
	st, sink, m := newTestJobDeps(t)

	j := newJob("panics", time.Second, sink, m, func(ctx context.Context) error {
		panic("boom")
	})
	j.fire() // must not propagate
	j.fire() // and must not wedge the latch

	testutil.WaitFor(t, 2*time.Second, "panic logged", func() bool {
		rows, err := st.ListErrorLogs("schedule", 10)
		return err == nil && len(rows) > 0 && rows[0].ErrorType == "JOB_PANIC"
	})
}

func TestJobBudgetBoundsTheRun(t *testing.T) {
	st, sink, m := newTestJobDeps(t)

	j := newJob("slow", 20*time.Millisecond, sink, m, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	j.fire()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("budget not enforced, run took %v", elapsed)
	}

	testutil.WaitFor(t, 2*time.Second, "failure logged", func() bool {
		rows, err := st.ListErrorLogs("schedule", 10)
		return err == nil && len(rows) > 0 && rows[0].ErrorType == "JOB_FAILURE"
	})
}

type nopPusher struct{}

func (nopPusher) Send(ctx context.Context, tokens []string, title, body string, data map[string]any, priority string) []notify.PushResult {
	out := make([]notify.PushResult, len(tokens))
	for i, tok := range tokens {
		out[i] = notify.PushResult{Token: tok, OK: true}
	}
	return out
}

func newScheduler(t *testing.T) (*Scheduler, *store.Store, *retryq.Queue) {
	t.Helper()
	st := testutil.NewStore(t)
	ca, _ := testutil.NewCache(t)
	sink := testutil.NewSink(t, st)

	tun := config.DefaultTuning()
	m := metrics.New()
	fences := geofence.NewService(st)
	agg := analytics.NewAggregator(st, tun.Analytics)
	retry := retryq.New(ca)

	tracker := service.NewTrackingService(service.TrackingDeps{
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

	s := New(Deps{
		Shifts:  shifts,
		Tracker: tracker,
		Retry:   retry,
		Store:   st,
		Errors:  sink,
		Metrics: m,
	})
	return s, st, retry
}

// TestJobsAgainstRealDeps runs each job body once against a live store. The
// job semantics themselves are covered by the service tests; this pins the
// wiring.
func TestJobsAgainstRealDeps(t *testing.T) {
	s, st, retry := newScheduler(t)
	testutil.SeedCompany(t, st, "co-1")
	testutil.SeedUser(t, st, model.User{ID: "e-1", CompanyID: "co-1"})

	// Nothing due: both minute jobs come back clean.
	s.sweep.fire()
	s.reminders.fire()

	// A parked sample is replayed into the store once its backoff elapses.
	sample := model.LocationSample{
		ID: uuid.NewString(), UserID: "e-1", Lat: 12.9716, Lon: 77.5946,
		GeofenceStatus: model.GeofenceStatusOutside,
		RecordedAtMs:   time.Now().UnixMilli(), ReceivedAtMs: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	retry.Enqueue(context.Background(), "e-1", payload, errors.New("insert failed"))

	testutil.WaitFor(t, 5*time.Second, "parked sample replayed", func() bool {
		s.drain.fire()
		row, err := st.LatestLocation("e-1")
		return err == nil && row != nil && row.ID == sample.ID
	})

	// Purge drops rows past retention and keeps fresh ones.
	now := time.Now().UnixMilli()
	old := model.ErrorLogEntry{
		ID: uuid.NewString(), Service: "tracking", ErrorType: "PERSIST_FAILURE",
		Message: "ancient", DedupeHash: "h-old", OccurredAtMs: now - 31*24*3_600_000,
	}
	fresh := model.ErrorLogEntry{
		ID: uuid.NewString(), Service: "tracking", ErrorType: "PERSIST_FAILURE",
		Message: "recent", DedupeHash: "h-new", OccurredAtMs: now,
	}
	if err := st.InsertErrorLogs([]model.ErrorLogEntry{old, fresh}); err != nil {
		t.Fatalf("seed error logs: %v", err)
	}
	s.purge.fire()

	rows, err := st.ListErrorLogs("tracking", 0)
	if err != nil {
		t.Fatalf("list error logs: %v", err)
	}
	for _, row := range rows {
		if row.ID == old.ID {
			t.Fatal("expired row survived the purge")
		}
	}
	found := false
	for _, row := range rows {
		found = found || row.ID == fresh.ID
	}
	if !found {
		t.Fatal("fresh row was purged")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, _, _ := newScheduler(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
}
