package ekf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// ProcessNoise holds per-second variances added to each state block on every prediction.
type ProcessNoise struct {
	Position    float64 `json:"position"`
	Velocity    float64 `json:"velocity"`
	Orientation float64 `json:"orientation"`
	// GyroBias and AccelBias are random-walk variances.
	GyroBias  float64 `json:"gyro_bias"`
	AccelBias float64 `json:"accel_bias"`
}

// MeasurementNoise holds the variances of a camera pose measurement.
type MeasurementNoise struct {
	Position float64 `json:"position"`
	// Orientation is per axis of the small-angle residual, in rad^2.
	Orientation float64 `json:"orientation"`
}

// Config describes a Filter.
type Config struct {
	InitialState State
	// InitialCovariance is the diagonal of the starting covariance in Vector order. Empty means 0.1
	// everywhere.
	InitialCovariance []float64
	ProcessNoise      ProcessNoise
	MeasurementNoise  MeasurementNoise
	// Gravity is the world-frame gravity the inertial deltas must have been integrated with.
	Gravity r3.Vector
	// BodyToCamera is the camera pose in the body frame. Nil means the frames coincide.
	BodyToCamera spatialmath.Pose
	// Updates whose innovation covariance has a smaller determinant or a larger condition number
	// are skipped.
	MinInnovationDeterminant float64
	MaxInnovationCondition   float64
}

// DefaultConfig returns the filter tuning for a handheld camera with a consumer IMU.
func DefaultConfig() Config {
	return Config{
		InitialState: NewState(),
		ProcessNoise: ProcessNoise{
			Position:    0.01,
			Velocity:    0.01,
			Orientation: 0.001,
			GyroBias:    0.0001,
			AccelBias:   0.001,
		},
		MeasurementNoise: MeasurementNoise{
			Position:    0.01,
			Orientation: 0.001,
		},
		Gravity:                  imu.StandardGravity,
		MinInnovationDeterminant: 1e-30,
		MaxInnovationCondition:   1e12,
	}
}

func nonNegative(name string, v float64) error {
	if !(v >= 0) || math.IsInf(v, 0) {
		return errors.Errorf("%s must be a finite non-negative number, got %v", name, v)
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (cfg *Config) Validate() error {
	var err error
	if !cfg.InitialState.finite() {
		err = multierr.Append(err, errors.New("initial state must be finite"))
	}
	if n := spatialmath.QuatNorm(cfg.InitialState.Orientation); n < 1e-9 {
		err = multierr.Append(err, errors.New("initial orientation must be a non-zero quaternion"))
	}
	switch l := len(cfg.InitialCovariance); l {
	case 0:
	case StateSize:
		for i, v := range cfg.InitialCovariance {
			err = multierr.Append(err, nonNegative(stateNames[i]+" initial variance", v))
		}
	default:
		err = multierr.Append(err, errors.Errorf("initial covariance needs %d entries, got %d", StateSize, l))
	}
	err = multierr.Combine(err,
		nonNegative("position process noise", cfg.ProcessNoise.Position),
		nonNegative("velocity process noise", cfg.ProcessNoise.Velocity),
		nonNegative("orientation process noise", cfg.ProcessNoise.Orientation),
		nonNegative("gyro bias process noise", cfg.ProcessNoise.GyroBias),
		nonNegative("accel bias process noise", cfg.ProcessNoise.AccelBias),
		nonNegative("position measurement noise", cfg.MeasurementNoise.Position),
		nonNegative("orientation measurement noise", cfg.MeasurementNoise.Orientation),
		nonNegative("minimum innovation determinant", cfg.MinInnovationDeterminant),
	)
	if !(cfg.MaxInnovationCondition > 1) {
		err = multierr.Append(err, errors.Errorf("maximum innovation condition must exceed 1, got %v",
			cfg.MaxInnovationCondition))
	}
	if !finiteVec(cfg.Gravity) {
		err = multierr.Append(err, errors.New("gravity must be finite"))
	}
	if cfg.BodyToCamera != nil {
		if !finiteVec(cfg.BodyToCamera.Point()) || spatialmath.QuatNorm(cfg.BodyToCamera.Orientation().Quaternion()) < 1e-9 {
			err = multierr.Append(err, errors.New("body to camera transform must be finite"))
		}
	}
	return err
}

func (cfg *Config) initialCovariance() []float64 {
	if len(cfg.InitialCovariance) == StateSize {
		return cfg.InitialCovariance
	}
	diag := make([]float64, StateSize)
	for i := range diag {
		diag[i] = 0.1
	}
	return diag
}

func (cfg *Config) bodyToCamera() (r3.Vector, quat.Number) {
	if cfg.BodyToCamera == nil {
		return r3.Vector{}, quat.Number{Real: 1}
	}
	return cfg.BodyToCamera.Point(), spatialmath.Normalize(cfg.BodyToCamera.Orientation().Quaternion())
}
