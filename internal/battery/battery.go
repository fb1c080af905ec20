// Package battery computes the adaptive location update interval handed back
// to mobile clients with every acknowledgement. Low battery stretches the
// interval, movement tightens it, and charging floors it.
package battery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/config"
)

const (
	movingSpeedMps = 0.5
	maxStationary  = 5
	streakTTL      = time.Hour
)

// PolicyInput is one interval request.
type PolicyInput struct {
	UserID     string
	BatteryPct float64
	IsCharging bool
	SpeedMps   float64
	InGeofence bool

	// Company overrides; zero means unset.
	CompanyMinMs int64
	CompanyMaxMs int64
}

// Breakdown reports how the interval was derived, for acknowledgements and
// debugging endpoints.
type Breakdown struct {
	BaseMs                int64   `json:"base_ms"`
	MovementFactor        float64 `json:"movement_factor"`
	FenceFactor           float64 `json:"fence_factor"`
	BatteryFactor         float64 `json:"battery_factor"`
	ConsecutiveStationary int     `json:"consecutive_stationary"`
	FinalMs               int64   `json:"final_ms"`
}

// streakState is the per-user stationary streak at battery:state:<uid>.
type streakState struct {
	ConsecutiveStationary int   `json:"consecutive_stationary"`
	UpdatedAtMs           int64 `json:"updated_at_ms"`
}

// Policy derives intervals. Min and Max come from the tuning overlay
// (10 s and 5 min by default).
type Policy struct {
	cache *cache.Cache
	min   time.Duration
	max   time.Duration
	now   func() time.Time
}

// NewPolicy creates the interval policy from tuning bounds.
func NewPolicy(c *cache.Cache, tuning config.BatteryTuning) *Policy {
	return &Policy{cache: c, min: tuning.MinInterval.Std(), max: tuning.MaxInterval.Std(), now: time.Now}
}

// NextInterval computes the next update interval and advances the user's
// stationary streak.
func (p *Policy) NextInterval(ctx context.Context, in PolicyInput) (time.Duration, Breakdown) {
	moving := in.SpeedMps > movingSpeedMps
	streak := p.advanceStreak(ctx, in.UserID, moving)

	minMs := p.min.Milliseconds()
	maxMs := p.max.Milliseconds()

	var baseMs int64
	switch {
	case in.IsCharging:
		baseMs = minMs
	case in.BatteryPct <= 15:
		baseMs = maxMs
	case in.BatteryPct <= 25:
		baseMs = int64(0.75 * float64(maxMs))
	default:
		baseMs = 2 * minMs
	}

	movement := 1.0
	if moving {
		movement = 0.5
	} else {
		capped := streak
		if capped > maxStationary {
			capped = maxStationary
		}
		movement = 1 + 0.5*float64(capped)
	}

	fence := 1.0
	if in.InGeofence {
		fence = 0.75
	}

	dial := 1.0
	if in.BatteryPct <= 75 {
		dial = 1 + (75-in.BatteryPct)/75
	}

	ms := int64(float64(baseMs) * movement * fence * dial)

	// Company bounds first, then the global ones win.
	if in.CompanyMinMs > 0 && ms < in.CompanyMinMs {
		ms = in.CompanyMinMs
	}
	if in.CompanyMaxMs > 0 && ms > in.CompanyMaxMs {
		ms = in.CompanyMaxMs
	}
	if ms < minMs {
		ms = minMs
	}
	if ms > maxMs {
		ms = maxMs
	}

	return time.Duration(ms) * time.Millisecond, Breakdown{
		BaseMs:                baseMs,
		MovementFactor:        movement,
		FenceFactor:           fence,
		BatteryFactor:         dial,
		ConsecutiveStationary: streak,
		FinalMs:               ms,
	}
}

// advanceStreak bumps or clears the stationary run and returns the value to
// use for this sample. Moving resets to zero.
func (p *Policy) advanceStreak(ctx context.Context, userID string, moving bool) int {
	key := "battery:state:" + userID

	var st streakState
	if raw, ok := p.cache.Get(ctx, key); ok {
		_ = json.Unmarshal([]byte(raw), &st)
	}

	if moving {
		st.ConsecutiveStationary = 0
	} else {
		st.ConsecutiveStationary++
	}
	st.UpdatedAtMs = p.now().UnixMilli()

	if data, err := json.Marshal(st); err == nil {
		p.cache.Set(ctx, key, string(data), streakTTL)
	}
	return st.ConsecutiveStationary
}
