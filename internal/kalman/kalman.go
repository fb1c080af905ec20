// Package kalman implements the per-user location smoother: a 4-state
// linear Kalman filter over [lat, lon, vlat, vlon] with a constant-velocity
// transition. Velocities are in degrees per second; smoothing operates on
// raw coordinates, so the measurement noise scale absorbs the unit
// conversion from reported accuracy metres.
package kalman

import (
	"math"
	"sync"
	"time"
)

const (
	initialCovariance = 100.0
	processNoiseDiag  = 0.01
	processNoiseCross = 0.1
	measurementScale  = 0.01
	// maxStepSeconds caps dt so a stale filter does not launch the state
	// off the map when a user reappears after hours.
	maxStepSeconds = 300.0
)

type vec4 [4]float64
type mat4 [4][4]float64

// Filter is a single user's smoother. Safe for concurrent use; the REST
// path and a live socket may share one instance.
type Filter struct {
	mu          sync.Mutex
	initialized bool
	x           vec4
	p           mat4
	lastAt      time.Time
}

// NewFilter returns an uninitialized filter. The first Update initializes
// state from the measurement and echoes it back unchanged.
func NewFilter() *Filter {
	return &Filter{}
}

// Update feeds one measurement and returns the smoothed coordinates.
// accuracyM scales the measurement covariance linearly; values below 1 m
// are floored. Non-finite intermediate results reset the filter and echo
// the measurement.
func (f *Filter) Update(lat, lon, accuracyM float64, at time.Time) (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		f.init(lat, lon, at)
		return lat, lon
	}

	dt := at.Sub(f.lastAt).Seconds()
	if dt < 0 {
		dt = 0
	} else if dt > maxStepSeconds {
		dt = maxStepSeconds
	}
	f.lastAt = at

	f.predict(dt)
	f.correct(lat, lon, accuracyM)

	if !isFinite(f.x[0]) || !isFinite(f.x[1]) {
		f.init(lat, lon, at)
		return lat, lon
	}
	return f.x[0], f.x[1]
}

// Reset clears the filter; the next Update re-initializes it.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
}

func (f *Filter) init(lat, lon float64, at time.Time) {
	f.initialized = true
	f.x = vec4{lat, lon, 0, 0}
	f.p = mat4{}
	for i := 0; i < 4; i++ {
		f.p[i][i] = initialCovariance
	}
	f.lastAt = at
}

// predict advances state and covariance by dt seconds under the
// constant-velocity model x' = F x, P' = F P Fᵀ + Q.
func (f *Filter) predict(dt float64) {
	fm := mat4{
		{1, 0, dt, 0},
		{0, 1, 0, dt},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	q := mat4{
		{processNoiseDiag, 0, processNoiseCross, 0},
		{0, processNoiseDiag, 0, processNoiseCross},
		{processNoiseCross, 0, processNoiseDiag, 0},
		{0, processNoiseCross, 0, processNoiseDiag},
	}

	f.x = vec4{
		f.x[0] + dt*f.x[2],
		f.x[1] + dt*f.x[3],
		f.x[2],
		f.x[3],
	}
	f.p = matAdd(matMul(matMul(fm, f.p), matTranspose(fm)), q)
}

// correct folds in the 2-D measurement [lat, lon] with covariance
// R = diag(measurementScale · accuracy).
func (f *Filter) correct(lat, lon, accuracyM float64) {
	if accuracyM < 1 {
		accuracyM = 1
	}
	r := measurementScale * accuracyM

	// Innovation y = z − H x; H selects the position components.
	y0 := lat - f.x[0]
	y1 := lon - f.x[1]

	// S = H P Hᵀ + R is the 2x2 upper-left block of P plus R.
	s00 := f.p[0][0] + r
	s01 := f.p[0][1]
	s10 := f.p[1][0]
	s11 := f.p[1][1] + r

	det := s00*s11 - s01*s10
	if det == 0 || !isFinite(det) {
		return
	}
	i00 := s11 / det
	i01 := -s01 / det
	i10 := -s10 / det
	i11 := s00 / det

	// K = P Hᵀ S⁻¹ is 4x2; column j of P Hᵀ is column j of P (j ∈ {0,1}).
	var k [4][2]float64
	for i := 0; i < 4; i++ {
		k[i][0] = f.p[i][0]*i00 + f.p[i][1]*i10
		k[i][1] = f.p[i][0]*i01 + f.p[i][1]*i11
	}

	for i := 0; i < 4; i++ {
		f.x[i] += k[i][0]*y0 + k[i][1]*y1
	}

	// P = (I − K H) P; K H only touches the first two columns.
	var kh mat4
	for i := 0; i < 4; i++ {
		kh[i][0] = k[i][0]
		kh[i][1] = k[i][1]
	}
	ikh := matSub(identity(), kh)
	f.p = matMul(ikh, f.p)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func identity() mat4 {
	var m mat4
	for i := 0; i < 4; i++ {
		m[i][i] = 1
	}
	return m
}

func matMul(a, b mat4) mat4 {
	var out mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func matAdd(a, b mat4) mat4 {
	var out mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func matSub(a, b mat4) mat4 {
	var out mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = a[i][j] - b[i][j]
		}
	}
	return out
}

func matTranspose(a mat4) mat4 {
	var out mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}
