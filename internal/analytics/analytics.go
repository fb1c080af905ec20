// Package analytics maintains the per-user per-day tracking rollup. Sample
// deltas accumulate in memory and are flushed to the tracking_analytics
// table in batches; closing a user's last shift reconciles the day's
// distance against the authoritative per-shift totals.
package analytics

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/store"
)

const defaultFlushInterval = 15 * time.Second

// Observation is one accepted sample paired with the previous one.
// PrevAtMs zero means there was no previous sample, so no deltas accrue.
type Observation struct {
	UserID     string
	At         time.Time
	Lat        float64
	Lon        float64
	AccuracyM  float64
	SpeedMps   float64
	Inside     bool
	PrevLat    float64
	PrevLon    float64
	PrevAtMs   int64
	PrevInside bool
}

// dayDelta is the pending accumulation for one (user, day) pair. Values are
// replaced wholesale inside Compute, never mutated in place, so a drained
// snapshot is stable.
type dayDelta struct {
	distanceKm float64
	travelMin  float64
	indoorMin  float64
	outdoorMin float64
}

// Aggregator folds observations into day buckets and flushes them.
type Aggregator struct {
	store    *store.Store
	tuning   config.AnalyticsTuning
	pending  *xsync.Map[string, *dayDelta]
	interval time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAggregator creates the rollup aggregator.
func NewAggregator(st *store.Store, tuning config.AnalyticsTuning) *Aggregator {
	return &Aggregator{
		store:    st,
		tuning:   tuning,
		pending:  xsync.NewMap[string, *dayDelta](),
		interval: defaultFlushInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop halts the flusher and performs a final flush.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// RecordSample accumulates one observation into its UTC day bucket. The hot
// path touches only memory; persistence happens on the flush cadence.
func (a *Aggregator) RecordSample(obs Observation) {
	if obs.PrevAtMs <= 0 {
		return
	}
	elapsed := obs.At.UnixMilli() - obs.PrevAtMs
	if elapsed <= 0 {
		return
	}
	elapsedMin := float64(elapsed) / 60_000

	delta := dayDelta{}
	if a.isIndoor(obs.AccuracyM, obs.SpeedMps) {
		delta.indoorMin = elapsedMin
	} else {
		delta.outdoorMin = elapsedMin
	}

	// Travel points rule: only segments fully outside every fence count
	// toward distance, and only moving ones toward travel time.
	if !obs.PrevInside && !obs.Inside {
		delta.distanceKm = geo.Distance(obs.PrevLat, obs.PrevLon, obs.Lat, obs.Lon) / 1000
		if obs.SpeedMps > a.tuning.IndoorSpeedBelowMS {
			delta.travelMin = elapsedMin
		}
	}

	key := dayKeyFor(obs.UserID, DayKey(obs.At))
	a.pending.Compute(key, func(old *dayDelta, loaded bool) (*dayDelta, xsync.ComputeOp) {
		if !loaded {
			d := delta
			return &d, xsync.UpdateOp
		}
		return &dayDelta{
			distanceKm: old.distanceKm + delta.distanceKm,
			travelMin:  old.travelMin + delta.travelMin,
			indoorMin:  old.indoorMin + delta.indoorMin,
			outdoorMin: old.outdoorMin + delta.outdoorMin,
		}, xsync.UpdateOp
	})
}

// Flush drains the pending buckets into the store and returns how many rows
// were written. Failed buckets are merged back for the next cycle.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	keys := make([]string, 0, a.pending.Size())
	a.pending.Range(func(key string, _ *dayDelta) bool {
		keys = append(keys, key)
		return true
	})

	flushed := 0
	var firstErr error
	for _, key := range keys {
		delta, ok := a.pending.LoadAndDelete(key)
		if !ok {
			continue
		}
		userID, day, ok := splitKey(key)
		if !ok {
			continue
		}
		err := a.store.AccumulateDaily(uuid.NewString(), userID, day,
			delta.distanceKm, delta.travelMin, delta.indoorMin, delta.outdoorMin,
			a.now().UnixMilli())
		if err != nil {
			a.merge(key, delta)
			if firstErr == nil {
				firstErr = fmt.Errorf("flush %s: %w", key, err)
			}
			continue
		}
		flushed++
	}
	return flushed, firstErr
}

// FinalizeShift reconciles the day's distance after the user's last active
// shift in the bucket closed: pending deltas flush first, then the distance
// total is replaced by the sum of the day's completed shifts.
func (a *Aggregator) FinalizeShift(ctx context.Context, bucketTable, userID, day string) error {
	key := dayKeyFor(userID, day)
	if delta, ok := a.pending.LoadAndDelete(key); ok {
		err := a.store.AccumulateDaily(uuid.NewString(), userID, day,
			delta.distanceKm, delta.travelMin, delta.indoorMin, delta.outdoorMin,
			a.now().UnixMilli())
		if err != nil {
			a.merge(key, delta)
			return fmt.Errorf("finalize flush: %w", err)
		}
	}

	startMs, endMs, err := DayBounds(day)
	if err != nil {
		return err
	}
	total, err := a.store.SumClosedShiftDistance(bucketTable, userID, startMs, endMs)
	if err != nil {
		return fmt.Errorf("sum shift distance: %w", err)
	}
	if err := a.store.SetDailyDistance(uuid.NewString(), userID, day, total, a.now().UnixMilli()); err != nil {
		return fmt.Errorf("reconcile distance: %w", err)
	}
	return nil
}

// EnsureDay guarantees the (user, day) analytics row exists, writing a zero
// accumulation when it does not. Shift start calls this so the day shows up
// in reports even before the first sample lands.
func (a *Aggregator) EnsureDay(userID, day string) error {
	return a.store.AccumulateDaily(uuid.NewString(), userID, day, 0, 0, 0, 0, a.now().UnixMilli())
}

// PendingBuckets reports the in-memory bucket count, used by health surfaces.
func (a *Aggregator) PendingBuckets() int {
	return a.pending.Size()
}

func (a *Aggregator) isIndoor(accuracyM, speedMps float64) bool {
	return accuracyM > a.tuning.IndoorAccuracyAboveM || speedMps < a.tuning.IndoorSpeedBelowMS
}

func (a *Aggregator) merge(key string, delta *dayDelta) {
	a.pending.Compute(key, func(old *dayDelta, loaded bool) (*dayDelta, xsync.ComputeOp) {
		if !loaded {
			return delta, xsync.UpdateOp
		}
		return &dayDelta{
			distanceKm: old.distanceKm + delta.distanceKm,
			travelMin:  old.travelMin + delta.travelMin,
			indoorMin:  old.indoorMin + delta.indoorMin,
			outdoorMin: old.outdoorMin + delta.outdoorMin,
		}, xsync.UpdateOp
	})
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.pending.Size() == 0 {
				continue
			}
			if _, err := a.Flush(context.Background()); err != nil {
				log.Printf("[analytics] flush failed: %v", err)
			}

		case <-a.stopCh:
			if _, err := a.Flush(context.Background()); err != nil {
				log.Printf("[analytics] final flush failed: %v", err)
			}
			return
		}
	}
}

// DayKey renders the UTC day bucket for a timestamp.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DayBounds returns the UTC millisecond window [startMs, endMs) for a day
// key.
func DayBounds(day string) (startMs, endMs int64, err error) {
	start, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("bad day key %q: %w", day, err)
	}
	return start.UnixMilli(), start.Add(24 * time.Hour).UnixMilli(), nil
}

func dayKeyFor(userID, day string) string {
	return userID + "|" + day
}

func splitKey(key string) (userID, day string, ok bool) {
	i := strings.LastIndexByte(key, '|')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
