package ekf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// StateSize is the length of the filter's mean vector.
const StateSize = 16

// offsets of each block in the mean vector and the covariance.
const (
	posIdx       = 0
	velIdx       = 3
	quatIdx      = 6
	gyroBiasIdx  = 10
	accelBiasIdx = 13
)

var stateNames = [StateSize]string{
	"px", "py", "pz",
	"vx", "vy", "vz",
	"qw", "qx", "qy", "qz",
	"bgx", "bgy", "bgz",
	"bax", "bay", "baz",
}

// State is the filter mean: the body pose and velocity in the world frame plus the inertial biases.
type State struct {
	Position r3.Vector
	Velocity r3.Vector
	// Orientation rotates body vectors into the world frame.
	Orientation quat.Number
	GyroBias    r3.Vector
	AccelBias   r3.Vector
}

// NewState returns a state at rest at the origin with identity orientation.
func NewState() State {
	return State{Orientation: quat.Number{Real: 1}}
}

// Vector lays the state out as [p(3) v(3) q(w,x,y,z) bg(3) ba(3)].
func (s State) Vector() []float64 {
	out := make([]float64, 0, StateSize)
	out = append(out, s.Position.X, s.Position.Y, s.Position.Z)
	out = append(out, s.Velocity.X, s.Velocity.Y, s.Velocity.Z)
	out = append(out, spatialmath.QuatToVector(s.Orientation)...)
	out = append(out, s.GyroBias.X, s.GyroBias.Y, s.GyroBias.Z)
	out = append(out, s.AccelBias.X, s.AccelBias.Y, s.AccelBias.Z)
	return out
}

// StateFromVector is the inverse of Vector. The orientation is normalized.
func StateFromVector(v []float64) (State, error) {
	if len(v) != StateSize {
		return State{}, errors.Errorf("state vector needs %d entries, got %d", StateSize, len(v))
	}
	vec := func(i int) r3.Vector { return r3.Vector{X: v[i], Y: v[i+1], Z: v[i+2]} }
	s := State{
		Position:    vec(posIdx),
		Velocity:    vec(velIdx),
		Orientation: spatialmath.QuatFromVector(v[quatIdx : quatIdx+4]),
		GyroBias:    vec(gyroBiasIdx),
		AccelBias:   vec(accelBiasIdx),
	}
	if !s.finite() {
		return State{}, errors.New("state vector is not finite")
	}
	if spatialmath.QuatNorm(s.Orientation) < 1e-9 {
		return State{}, errors.New("state orientation is zero")
	}
	s.Orientation = spatialmath.Normalize(s.Orientation)
	return s, nil
}

// Pose returns the body pose in the world frame.
func (s State) Pose() spatialmath.Pose {
	return spatialmath.NewPose(s.Position, spatialmath.NewOrientationFromQuat(s.Orientation))
}

func (s State) finite() bool {
	for _, x := range s.Vector() {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteVec(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
