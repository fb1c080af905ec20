// Package schedule runs the wall-clock jobs: the auto-end sweep, shift
// timer reminders, the retry-queue drain, and error-log retention. Every
// job is latched so a tick that lands while the previous run is still
// working is skipped rather than queued, and a panic in one job never
// reaches the others.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
)

const (
	minuteSpec = "* * * * *"
	purgeSpec  = "0 2 * * *"

	reminderLeadMinutes      = 5
	defaultErrorLogRetention = 30 * 24 * time.Hour

	// minuteJobBudget stays under the tick interval so a hung dependency
	// surfaces as an error instead of a pile of skipped ticks.
	minuteJobBudget = 50 * time.Second
	purgeJobBudget  = 5 * time.Minute
)

// Scheduler owns the cron runner and the job set.
type Scheduler struct {
	cron *cron.Cron

	sweep     *job
	reminders *job
	drain     *job
	purge     *job
}

// Deps carries the collaborators for New.
type Deps struct {
	Shifts  *service.ShiftService
	Tracker *service.TrackingService
	Retry   *retryq.Queue
	Store   *store.Store
	Errors  *errorlog.Sink
	Metrics *metrics.Metrics
	// ErrorLogRetention bounds how long error rows survive the nightly
	// purge. Zero keeps the thirty-day default.
	ErrorLogRetention time.Duration
}

// New wires the job set. Call Start to begin ticking.
func New(d Deps) *Scheduler {
	retention := d.ErrorLogRetention
	if retention <= 0 {
		retention = defaultErrorLogRetention
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),

		sweep: newJob("auto_end_sweep", minuteJobBudget, d.Errors, d.Metrics,
			func(ctx context.Context) error {
				ended, err := d.Shifts.AutoEndSweep(ctx)
				if ended > 0 {
					log.Printf("[schedule] auto-ended %d shifts", ended)
				}
				return err
			}),
		reminders: newJob("timer_reminders", minuteJobBudget, d.Errors, d.Metrics,
			func(ctx context.Context) error {
				_, err := d.Shifts.SendTimerReminders(ctx, reminderLeadMinutes)
				return err
			}),
		drain: newJob("retry_drain", minuteJobBudget, d.Errors, d.Metrics,
			func(ctx context.Context) error {
				processed, pruned := d.Retry.Drain(ctx, d.Tracker.Replay)
				if processed > 0 || pruned > 0 {
					log.Printf("[schedule] replayed %d parked updates, pruned %d", processed, pruned)
				}
				return nil
			}),
		purge: newJob("errorlog_purge", purgeJobBudget, d.Errors, d.Metrics,
			func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-retention).UnixMilli()
				removed, err := d.Store.PurgeErrorLogsBefore(cutoff)
				if err != nil {
					return err
				}
				if removed > 0 {
					log.Printf("[schedule] purged %d expired error logs", removed)
				}
				return nil
			}),
	}
}

// Start registers the cron entries and begins ticking. The minute jobs run
// as independent entries so one slow job cannot delay the others.
func (s *Scheduler) Start() error {
	entries := []struct {
		spec string
		j    *job
	}{
		{minuteSpec, s.sweep},
		{minuteSpec, s.reminders},
		{minuteSpec, s.drain},
		{purgeSpec, s.purge},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, e.j.fire); err != nil {
			return fmt.Errorf("schedule: register %s: %w", e.j.name, err)
		}
	}
	s.cron.Start()
	log.Printf("[schedule] %d jobs scheduled", len(entries))
	return nil
}

// Stop halts the ticker and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// job serializes runs of one task and isolates its failures.
type job struct {
	name    string
	budget  time.Duration
	errs    *errorlog.Sink
	metrics *metrics.Metrics
	run     func(ctx context.Context) error

	busy atomic.Bool
}

func newJob(name string, budget time.Duration, errs *errorlog.Sink, m *metrics.Metrics, run func(ctx context.Context) error) *job {
	return &job{name: name, budget: budget, errs: errs, metrics: m, run: run}
}

// fire executes one tick. Overlapping ticks are skipped; panics and errors
// are logged and counted, never propagated to the cron runner.
func (j *job) fire() {
	if !j.busy.CompareAndSwap(false, true) {
		j.metrics.JobRuns.WithLabelValues(j.name, "skipped").Inc()
		log.Printf("[schedule] %s still running, tick skipped", j.name)
		return
	}
	defer j.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			j.metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
			j.errs.Logf("schedule", "JOB_PANIC", "", "%s panicked: %v", j.name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.budget)
	defer cancel()

	if err := j.run(ctx); err != nil {
		j.metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
		j.errs.Logf("schedule", "JOB_FAILURE", "", "%s: %v", j.name, err)
		return
	}
	j.metrics.JobRuns.WithLabelValues(j.name, "ok").Inc()
}
