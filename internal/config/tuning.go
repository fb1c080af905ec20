package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning carries the operational constants that field deployments most often
// need to adjust. Values not present in the tuning file keep their defaults.
type Tuning struct {
	Validator  ValidatorTuning  `yaml:"validator"`
	Battery    BatteryTuning    `yaml:"battery"`
	Hysteresis HysteresisTuning `yaml:"hysteresis"`
	Analytics  AnalyticsTuning  `yaml:"analytics"`
}

// ValidatorTuning bounds what an accepted location update may look like.
type ValidatorTuning struct {
	MaxAccuracyForegroundM float64 `yaml:"max_accuracy_foreground_m"`
	MaxAccuracyBackgroundM float64 `yaml:"max_accuracy_background_m"`
	MinBatteryPct          float64 `yaml:"min_battery_pct"`
	MaxSpeedKmh            float64 `yaml:"max_speed_kmh"`
}

// BatteryTuning bounds the adaptive reporting interval.
type BatteryTuning struct {
	MinInterval Duration `yaml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval"`
}

// HysteresisTuning controls geofence transition damping.
type HysteresisTuning struct {
	MinTransitionGap Duration `yaml:"min_transition_gap"`
	ConfirmThreshold int      `yaml:"confirm_threshold"`
}

// AnalyticsTuning controls indoor/outdoor classification.
type AnalyticsTuning struct {
	IndoorAccuracyAboveM float64 `yaml:"indoor_accuracy_above_m"`
	IndoorSpeedBelowMS   float64 `yaml:"indoor_speed_below_ms"`
}

// DefaultTuning returns the built-in operating constants.
func DefaultTuning() *Tuning {
	return &Tuning{
		Validator: ValidatorTuning{
			MaxAccuracyForegroundM: 500,
			MaxAccuracyBackgroundM: 15000,
			MinBatteryPct:          5,
			MaxSpeedKmh:            120,
		},
		Battery: BatteryTuning{
			MinInterval: Duration(10 * time.Second),
			MaxInterval: Duration(5 * time.Minute),
		},
		Hysteresis: HysteresisTuning{
			MinTransitionGap: Duration(60 * time.Second),
			ConfirmThreshold: 3,
		},
		Analytics: AnalyticsTuning{
			IndoorAccuracyAboveM: 20,
			IndoorSpeedBelowMS:   0.5,
		},
	}
}

// LoadTuningFile reads a YAML tuning file and overlays it onto the defaults.
// Unknown keys are rejected so typos fail loudly at startup. An empty path
// returns the defaults unchanged.
func LoadTuningFile(path string) (*Tuning, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(tuning); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse tuning file %s: %w", path, err)
	}

	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning file %s: %w", path, err)
	}
	return tuning, nil
}

// Validate checks internal consistency of the tuning values.
func (t *Tuning) Validate() error {
	var errs []string

	if t.Validator.MaxAccuracyForegroundM <= 0 {
		errs = append(errs, "validator.max_accuracy_foreground_m must be positive")
	}
	if t.Validator.MaxAccuracyBackgroundM < t.Validator.MaxAccuracyForegroundM {
		errs = append(errs, "validator.max_accuracy_background_m must be >= validator.max_accuracy_foreground_m")
	}
	if t.Validator.MinBatteryPct < 0 || t.Validator.MinBatteryPct > 100 {
		errs = append(errs, "validator.min_battery_pct must be 0-100")
	}
	if t.Validator.MaxSpeedKmh <= 0 {
		errs = append(errs, "validator.max_speed_kmh must be positive")
	}
	if t.Battery.MinInterval.Std() <= 0 {
		errs = append(errs, "battery.min_interval must be positive")
	}
	if t.Battery.MaxInterval.Std() < t.Battery.MinInterval.Std() {
		errs = append(errs, "battery.max_interval must be >= battery.min_interval")
	}
	if t.Hysteresis.MinTransitionGap.Std() < 0 {
		errs = append(errs, "hysteresis.min_transition_gap must not be negative")
	}
	if t.Hysteresis.ConfirmThreshold < 1 {
		errs = append(errs, "hysteresis.confirm_threshold must be at least 1")
	}
	if t.Analytics.IndoorAccuracyAboveM <= 0 {
		errs = append(errs, "analytics.indoor_accuracy_above_m must be positive")
	}
	if t.Analytics.IndoorSpeedBelowMS < 0 {
		errs = append(errs, "analytics.indoor_speed_below_ms must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("tuning validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
