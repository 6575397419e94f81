package imu

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// MotionType selects the trajectory followed by a simulated sensor.
type MotionType string

// The supported simulated trajectories.
const (
	// MotionStationary holds still at the origin.
	MotionStationary MotionType = "stationary"
	// MotionLinear accelerates uniformly along world x from rest.
	MotionLinear MotionType = "linear"
	// MotionCircular drives a horizontal circle counterclockwise, heading along the tangent.
	MotionCircular MotionType = "circular"
)

// SimulationConfig describes a synthetic inertial recording.
type SimulationConfig struct {
	Start    time.Time
	Duration time.Duration
	// Rate is the sampling frequency in Hz.
	Rate   float64
	Motion MotionType
	// GyroNoise and AccelNoise are per-axis standard deviations.
	GyroNoise  float64
	AccelNoise float64
	Seed       int64
	// Gravity defaults to StandardGravity.
	Gravity r3.Vector
	// LinearAccel is the MotionLinear acceleration in m/s^2, 0.5 when unset.
	LinearAccel float64
	// AngularRate (rad/s) and Radius (m) shape MotionCircular, 0.5 and 1 when unset.
	AngularRate float64
	Radius      float64
}

// DefaultSimulationConfig matches a 200 Hz consumer IMU.
func DefaultSimulationConfig(motion MotionType, duration time.Duration) SimulationConfig {
	return SimulationConfig{
		Duration:   duration,
		Rate:       200,
		Motion:     motion,
		GyroNoise:  0.01,
		AccelNoise: 0.1,
	}
}

func (cfg SimulationConfig) withDefaults() SimulationConfig {
	if cfg.Gravity == (r3.Vector{}) {
		cfg.Gravity = StandardGravity
	}
	if cfg.LinearAccel == 0 {
		cfg.LinearAccel = 0.5
	}
	if cfg.AngularRate == 0 {
		cfg.AngularRate = 0.5
	}
	if cfg.Radius == 0 {
		cfg.Radius = 1
	}
	return cfg
}

// Validate checks the recording parameters.
func (cfg SimulationConfig) Validate() error {
	if !(cfg.Rate > 0) {
		return errors.Errorf("sample rate must be positive, got %v", cfg.Rate)
	}
	if cfg.Duration <= 0 {
		return errors.Errorf("duration must be positive, got %v", cfg.Duration)
	}
	if cfg.GyroNoise < 0 || cfg.AccelNoise < 0 {
		return errors.New("noise must not be negative")
	}
	switch cfg.Motion {
	case MotionStationary, MotionLinear, MotionCircular:
	default:
		return errors.Errorf("unknown motion type %q", cfg.Motion)
	}
	return nil
}

// TruthState is the exact kinematic state of the simulated body.
type TruthState struct {
	Position     r3.Vector
	Velocity     r3.Vector
	Acceleration r3.Vector
	// Orientation rotates body vectors into the world frame.
	Orientation     quat.Number
	AngularVelocity r3.Vector
}

// Truth returns the simulated body's state at t.
func (cfg SimulationConfig) Truth(t time.Time) TruthState {
	cfg = cfg.withDefaults()
	s := t.Sub(cfg.Start).Seconds()
	identity := quat.Number{Real: 1}
	switch cfg.Motion {
	case MotionLinear:
		a := cfg.LinearAccel
		return TruthState{
			Position:     r3.Vector{X: 0.5 * a * s * s},
			Velocity:     r3.Vector{X: a * s},
			Acceleration: r3.Vector{X: a},
			Orientation:  identity,
		}
	case MotionCircular:
		w, r := cfg.AngularRate, cfg.Radius
		sin, cos := math.Sincos(w * s)
		return TruthState{
			Position:        r3.Vector{X: r * sin, Y: r * (1 - cos)},
			Velocity:        r3.Vector{X: r * w * cos, Y: r * w * sin},
			Acceleration:    r3.Vector{X: -r * w * w * sin, Y: r * w * w * cos},
			Orientation:     spatialmath.QuatFromRotationVector(r3.Vector{Z: w * s}),
			AngularVelocity: r3.Vector{Z: w},
		}
	default:
		return TruthState{Orientation: identity}
	}
}

// Simulate generates gyroscope and accelerometer samples from Start through Start+Duration along
// the configured trajectory, with seeded gaussian noise.
func Simulate(cfg SimulationConfig) (gyro, accel []Sample, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	noise := func(sigma float64) r3.Vector {
		return r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(sigma)
	}

	n := int(math.Floor(cfg.Duration.Seconds()*cfg.Rate+1e-9)) + 1
	gyro = make([]Sample, 0, n)
	accel = make([]Sample, 0, n)
	for k := 0; k < n; k++ {
		t := cfg.Start.Add(time.Duration(float64(k) / cfg.Rate * float64(time.Second)))
		truth := cfg.Truth(t)
		// an accelerometer measures specific force: acceleration minus gravity, in the body frame
		specific := spatialmath.RotateVector(quat.Conj(truth.Orientation), truth.Acceleration.Sub(cfg.Gravity))
		gyro = append(gyro, Sample{Time: t, Value: truth.AngularVelocity.Add(noise(cfg.GyroNoise))})
		accel = append(accel, Sample{Time: t, Value: specific.Add(noise(cfg.AccelNoise))})
	}
	return gyro, accel, nil
}
