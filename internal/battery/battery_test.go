package battery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/config"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New(cache.Options{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	t.Cleanup(c.Stop)
	return NewPolicy(c, config.DefaultTuning().Battery)
}

func TestNextInterval_ChargingFloors(t *testing.T) {
	p := newTestPolicy(t)

	// Charging and moving: base MIN, halved for movement, then clamped
	// back up to MIN.
	got, bd := p.NextInterval(context.Background(), PolicyInput{
		UserID: "u-1", BatteryPct: 90, IsCharging: true, SpeedMps: 2,
	})
	if got != 10*time.Second {
		t.Fatalf("charging+moving interval = %v, want 10s (breakdown %+v)", got, bd)
	}
}

func TestNextInterval_LowBatteryCeilings(t *testing.T) {
	p := newTestPolicy(t)

	// 10% battery, stationary: base MAX, stretched by streak and dial,
	// clamped back down to MAX.
	got, bd := p.NextInterval(context.Background(), PolicyInput{
		UserID: "u-1", BatteryPct: 10, SpeedMps: 0,
	})
	if got != 5*time.Minute {
		t.Fatalf("low battery interval = %v, want 5m (breakdown %+v)", got, bd)
	}
	if bd.BaseMs != (5 * time.Minute).Milliseconds() {
		t.Fatalf("base should be MAX at 10%%, got %d", bd.BaseMs)
	}
}

func TestNextInterval_MidBatteryBands(t *testing.T) {
	p := newTestPolicy(t)

	// 20% battery, moving, full-charge dial bands:
	// base 0.75*300000=225000, movement 0.5, dial 1+(75-20)/75.
	_, bd := p.NextInterval(context.Background(), PolicyInput{
		UserID: "u-2", BatteryPct: 20, SpeedMps: 1.0,
	})
	if bd.BaseMs != 225_000 {
		t.Fatalf("base at 20%% = %d, want 225000", bd.BaseMs)
	}
	if bd.MovementFactor != 0.5 {
		t.Fatalf("movement factor = %v, want 0.5", bd.MovementFactor)
	}
	wantDial := 1 + (75-20.0)/75
	if bd.BatteryFactor != wantDial {
		t.Fatalf("battery dial = %v, want %v", bd.BatteryFactor, wantDial)
	}
}

func TestNextInterval_StationaryStreakGrows(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	in := PolicyInput{UserID: "u-3", BatteryPct: 100, SpeedMps: 0}

	// Healthy battery, stationary: base 2*MIN = 20 s, dial 1. Only the
	// streak multiplier moves; it caps at 5.
	var last time.Duration
	for i := 1; i <= 7; i++ {
		got, bd := p.NextInterval(ctx, in)
		if bd.ConsecutiveStationary != i {
			t.Fatalf("streak after %d calls = %d", i, bd.ConsecutiveStationary)
		}
		wantCap := i
		if wantCap > 5 {
			wantCap = 5
		}
		want := time.Duration(float64(20_000)*(1+0.5*float64(wantCap))) * time.Millisecond
		if got != want {
			t.Fatalf("call %d interval = %v, want %v", i, got, want)
		}
		last = got
	}
	if last != 70*time.Second {
		t.Fatalf("capped streak interval = %v, want 70s", last)
	}

	// Movement resets the streak.
	_, bd := p.NextInterval(ctx, PolicyInput{UserID: "u-3", BatteryPct: 100, SpeedMps: 2})
	if bd.ConsecutiveStationary != 0 {
		t.Fatalf("streak after movement = %d, want 0", bd.ConsecutiveStationary)
	}
	_, bd = p.NextInterval(ctx, in)
	if bd.ConsecutiveStationary != 1 {
		t.Fatalf("streak restarts at 1, got %d", bd.ConsecutiveStationary)
	}
}

func TestNextInterval_FenceAndCompanyClamps(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()

	// Moving inside a fence at full battery: 20s * 0.5 * 0.75 = 7.5 s,
	// clamped up to global MIN.
	got, _ := p.NextInterval(ctx, PolicyInput{UserID: "u-4", BatteryPct: 100, SpeedMps: 2, InGeofence: true})
	if got != 10*time.Second {
		t.Fatalf("fence+moving = %v, want global MIN 10s", got)
	}

	// Company minimum overrides upward within global bounds.
	got, _ = p.NextInterval(ctx, PolicyInput{
		UserID: "u-5", BatteryPct: 100, SpeedMps: 2,
		CompanyMinMs: 30_000,
	})
	if got != 30*time.Second {
		t.Fatalf("company min clamp = %v, want 30s", got)
	}

	// Company maximum pulls long intervals down.
	got, _ = p.NextInterval(ctx, PolicyInput{
		UserID: "u-6", BatteryPct: 10, SpeedMps: 0,
		CompanyMaxMs: 60_000,
	})
	if got != time.Minute {
		t.Fatalf("company max clamp = %v, want 1m", got)
	}
}
