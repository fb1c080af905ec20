package geofence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crewtrack/crewtrack/internal/cache"
)

// Hysteresis state keys live only in the cache; losing them costs at most
// one re-confirmed transition.
const stateTTL = 24 * time.Hour

// HysteresisState is the per (user, fence) debounce record stored as JSON at
// geofence:state:<userId>:<fenceId>.
type HysteresisState struct {
	Inside           bool  `json:"inside"`
	LastTransitionMs int64 `json:"last_transition_ms"`
	ConsecutiveCount int   `json:"consecutive_count"`
}

// Transition reports a confirmed boundary crossing. Initial marks the very
// first observation for the pair; callers record event rows only for real
// flips.
type Transition struct {
	UserID  string
	FenceID string
	Entered bool
	Initial bool
	AtMs    int64
}

// Hysteresis debounces fence crossings by a minimum inter-transition gap and
// a consecutive-reading threshold.
type Hysteresis struct {
	cache     *cache.Cache
	gap       time.Duration
	threshold int
}

// NewHysteresis creates the debouncer. Gap and threshold come from the
// tuning overlay (60 s and 3 by default).
func NewHysteresis(c *cache.Cache, gap time.Duration, threshold int) *Hysteresis {
	return &Hysteresis{cache: c, gap: gap, threshold: threshold}
}

// Observe folds one containment reading into the pair's state and returns a
// Transition when the state flips (or initializes), nil otherwise.
func (h *Hysteresis) Observe(ctx context.Context, userID, fenceID string, nowInside bool, at time.Time) *Transition {
	key := stateKey(userID, fenceID)
	nowMs := at.UnixMilli()

	st, ok := h.load(ctx, key)
	if !ok {
		h.save(ctx, key, HysteresisState{Inside: nowInside, LastTransitionMs: nowMs, ConsecutiveCount: 1})
		return &Transition{UserID: userID, FenceID: fenceID, Entered: nowInside, Initial: true, AtMs: nowMs}
	}

	sinceTransition := nowMs - st.LastTransitionMs

	if nowInside == st.Inside {
		if sinceTransition > h.gap.Milliseconds() {
			st.ConsecutiveCount = 1
		} else {
			st.ConsecutiveCount++
		}
		h.save(ctx, key, st)
		return nil
	}

	// The reading disagrees with the settled side.
	if sinceTransition < h.gap.Milliseconds() {
		st.ConsecutiveCount = 0
		h.save(ctx, key, st)
		return nil
	}

	st.ConsecutiveCount++
	if st.ConsecutiveCount < h.threshold {
		h.save(ctx, key, st)
		return nil
	}

	st.Inside = nowInside
	st.LastTransitionMs = nowMs
	st.ConsecutiveCount = 1
	h.save(ctx, key, st)
	return &Transition{UserID: userID, FenceID: fenceID, Entered: nowInside, AtMs: nowMs}
}

// Reset drops the pair's state, e.g. when a fence is deleted.
func (h *Hysteresis) Reset(ctx context.Context, userID, fenceID string) {
	h.cache.Delete(ctx, stateKey(userID, fenceID))
}

func (h *Hysteresis) load(ctx context.Context, key string) (HysteresisState, bool) {
	raw, ok := h.cache.Get(ctx, key)
	if !ok {
		return HysteresisState{}, false
	}
	var st HysteresisState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// Corrupt state re-initializes on the next observation.
		return HysteresisState{}, false
	}
	return st, true
}

func (h *Hysteresis) save(ctx context.Context, key string, st HysteresisState) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	h.cache.Set(ctx, key, string(data), stateTTL)
}

func stateKey(userID, fenceID string) string {
	return "geofence:state:" + userID + ":" + fenceID
}
