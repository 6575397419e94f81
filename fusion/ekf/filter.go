// Package ekf fuses inertial motion deltas with camera pose measurements in a 16-state extended
// Kalman filter over position, velocity, orientation and both inertial biases.
//
// The covariance is kept in the coordinates of the mean vector, so the orientation block is over
// the four quaternion components. Measurements correct the orientation through a small-angle
// perturbation applied on the right, after which the quaternion is renormalized.
//
// A Filter is not safe for concurrent use; callers serialize Predict, Update and reads.
package ekf

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// MeasurementSize is the length of a camera pose innovation: position then orientation residual.
const MeasurementSize = 6

// ErrInvalidDelta is returned by Predict for unusable motion deltas or time steps.
var ErrInvalidDelta = errors.New("invalid motion delta")

// UpdateResult reports what a measurement update did.
type UpdateResult struct {
	Applied bool
	// Reason explains a skipped update.
	Reason string
	// Innovation is the position difference followed by the orientation residual.
	Innovation [MeasurementSize]float64
	// Mahalanobis is the squared innovation distance under the innovation covariance.
	Mahalanobis float64
}

// Stats counts filter transitions.
type Stats struct {
	Predicts       int
	Updates        int
	SkippedUpdates int
}

// Filter is a visual-inertial extended Kalman filter.
type Filter struct {
	cfg    Config
	logger logging.Logger

	x State
	p *mat.SymDense
	// q holds per-second process noise variances; r is the measurement covariance.
	q []float64
	r *mat.SymDense

	camOffset   r3.Vector
	camRotation quat.Number

	initialized bool
	stats       Stats
}

// NewFilter returns a filter starting at cfg.InitialState.
func NewFilter(cfg Config, logger logging.Logger) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid filter config")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("ekf")
	}
	f := &Filter{cfg: cfg, logger: logger}
	f.camOffset, f.camRotation = cfg.bodyToCamera()

	pn := cfg.ProcessNoise
	f.q = make([]float64, StateSize)
	fillDiag(f.q, posIdx, 3, pn.Position)
	fillDiag(f.q, velIdx, 3, pn.Velocity)
	fillDiag(f.q, quatIdx, 4, pn.Orientation)
	fillDiag(f.q, gyroBiasIdx, 3, pn.GyroBias)
	fillDiag(f.q, accelBiasIdx, 3, pn.AccelBias)

	mn := cfg.MeasurementNoise
	f.r = mat.NewSymDense(MeasurementSize, nil)
	for i := 0; i < 3; i++ {
		f.r.SetSym(i, i, mn.Position)
		f.r.SetSym(i+3, i+3, mn.Orientation)
	}

	state := cfg.InitialState
	state.Orientation = spatialmath.Normalize(state.Orientation)
	f.resetTo(state)
	return f, nil
}

func fillDiag(d []float64, start, n int, v float64) {
	for i := start; i < start+n; i++ {
		d[i] = v
	}
}

func (f *Filter) resetTo(s State) {
	f.x = s
	f.p = mat.NewSymDense(StateSize, nil)
	for i, v := range f.cfg.initialCovariance() {
		f.p.SetSym(i, i, v)
	}
	f.initialized = false
}

// Reset restarts the filter at rest at the given pose with zero biases and the initial covariance.
// A nil orientation means identity.
func (f *Filter) Reset(position r3.Vector, orientation spatialmath.Orientation) {
	s := NewState()
	s.Position = position
	if orientation != nil {
		s.Orientation = spatialmath.Normalize(orientation.Quaternion())
	}
	f.resetTo(s)
	f.logger.Debugw("filter reset", "position", position)
}

// State returns a copy of the mean.
func (f *Filter) State() State {
	return f.x
}

// Covariance returns a copy of the covariance.
func (f *Filter) Covariance() *mat.SymDense {
	return mat.NewSymDense(StateSize, append([]float64(nil), f.p.RawSymmetric().Data...))
}

// PositionUncertainty is the square root of the position covariance trace, in meters.
func (f *Filter) PositionUncertainty() float64 {
	return math.Sqrt(f.p.At(0, 0) + f.p.At(1, 1) + f.p.At(2, 2))
}

// IsInitialized reports whether a measurement has been applied since construction or Reset.
func (f *Filter) IsInitialized() bool {
	return f.initialized
}

// Stats returns transition counters.
func (f *Filter) Stats() Stats {
	return f.stats
}

func (f *Filter) validateDelta(delta *imu.MotionDelta, dt time.Duration) error {
	if delta == nil {
		return errors.Wrap(ErrInvalidDelta, "nil delta")
	}
	if dt <= 0 {
		return errors.Wrapf(ErrInvalidDelta, "time step must be positive, got %v", dt)
	}
	if !finiteVec(delta.DeltaVelocity) || !finiteVec(delta.DeltaPosition) {
		return errors.Wrap(ErrInvalidDelta, "non-finite velocity or position change")
	}
	n := spatialmath.QuatNorm(delta.DeltaRotation)
	if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n-1) > 1e-6 {
		return errors.Wrapf(ErrInvalidDelta, "rotation change must be a unit quaternion, norm %v", n)
	}
	if delta.Gravity != (r3.Vector{}) && delta.Gravity.Sub(f.cfg.Gravity).Norm() > 1e-9 {
		return errors.Wrapf(ErrInvalidDelta, "delta integrated with gravity %v, filter uses %v", delta.Gravity, f.cfg.Gravity)
	}
	return nil
}

// Predict propagates the state through an inertial delta, advancing time by dt. The delta's velocity
// and position changes are rotated into the world frame with the current orientation, which is the
// orientation it must have been integrated from. Biases are unchanged in the mean.
//
// dt is the frame interval and carries the v*dt term and the process noise, while the delta covers
// its own sample span, delta.Elapsed. Batches that share their boundary sample tile time, so the
// two differ by less than a sample period per frame and the difference does not accumulate.
func (f *Filter) Predict(delta *imu.MotionDelta, dt time.Duration) error {
	if err := f.validateDelta(delta, dt); err != nil {
		return err
	}
	secs := dt.Seconds()
	q := f.x.Orientation
	rot := spatialmath.QuatToRotationMatrix(q)

	fm := f.transitionJacobian(delta, secs, rot)

	next := f.x
	next.Position = f.x.Position.Add(f.x.Velocity.Mul(secs)).Add(rot.Mul(delta.DeltaPosition))
	next.Velocity = f.x.Velocity.Add(rot.Mul(delta.DeltaVelocity))
	next.Orientation = spatialmath.Normalize(quat.Mul(q, delta.DeltaRotation))

	var fp, fpf mat.Dense
	fp.Mul(fm, f.p)
	fpf.Mul(&fp, fm.T())
	for i := 0; i < StateSize; i++ {
		fpf.Set(i, i, fpf.At(i, i)+f.q[i]*secs)
	}

	f.x = next
	f.p = symmetrize(&fpf)
	f.stats.Predicts++
	f.logger.Debugw("predicted", "dt", dt, "position", next.Position, "uncertainty", f.PositionUncertainty())
	return nil
}

// transitionJacobian is the derivative of the predicted mean with respect to the current mean.
func (f *Filter) transitionJacobian(delta *imu.MotionDelta, dt float64, rot *spatialmath.RotationMatrix) *mat.Dense {
	q := f.x.Orientation
	fm := identity(StateSize)
	for i := 0; i < 3; i++ {
		fm.Set(posIdx+i, velIdx+i, dt)
	}
	// the delta carries gravity as R(q)^T g, which R(q) maps back to the world g for any q. Only
	// the specific-force part turns with the orientation.
	dv, dp := delta.WithoutGravity(q)
	setBlock(fm, posIdx, quatIdx, spatialmath.RotatedVectorJacobian(q, dp))
	setBlock(fm, velIdx, quatIdx, spatialmath.RotatedVectorJacobian(q, dv))
	setBlock(fm, quatIdx, quatIdx, spatialmath.QuatRightMatrix(delta.DeltaRotation))

	j := delta.Jacobians
	if j.RotationGyro == nil {
		return fm
	}
	r := rot.Dense()
	mulInto := func(row, col int, m mat.Matrix) {
		var out mat.Dense
		out.Mul(r, m)
		setBlock(fm, row, col, &out)
	}
	mulInto(posIdx, gyroBiasIdx, j.PositionGyro)
	mulInto(posIdx, accelBiasIdx, j.PositionAccel)
	mulInto(velIdx, gyroBiasIdx, j.VelocityGyro)
	mulInto(velIdx, accelBiasIdx, j.VelocityAccel)

	// q' = q * dq * Exp(J_rg * dbg); the tangent maps into components through L(q') [0; I/2]
	half := mat.NewDense(4, 3, []float64{
		0, 0, 0,
		0.5, 0, 0,
		0, 0.5, 0,
		0, 0, 0.5,
	})
	var lh, qbg mat.Dense
	lh.Mul(spatialmath.QuatLeftMatrix(quat.Mul(q, delta.DeltaRotation)), half)
	qbg.Mul(&lh, j.RotationGyro)
	setBlock(fm, quatIdx, gyroBiasIdx, &qbg)
	return fm
}

// ExpectedMeasurement is the camera pose in the world frame implied by the current state.
func (f *Filter) ExpectedMeasurement() (r3.Vector, quat.Number) {
	pos := f.x.Position.Add(spatialmath.RotateVector(f.x.Orientation, f.camOffset))
	return pos, spatialmath.Normalize(quat.Mul(f.x.Orientation, f.camRotation))
}

// measurementJacobian is the derivative of the innovation with respect to the mean.
func (f *Filter) measurementJacobian() *mat.Dense {
	q := f.x.Orientation
	h := mat.NewDense(MeasurementSize, StateSize, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, posIdx+i, 1)
	}
	setBlock(h, 0, quatIdx, spatialmath.RotatedVectorJacobian(q, f.camOffset))

	// residual ~ R_bc^T * theta with theta = 2 vec(conj(q) * dq)
	var vecPart mat.Dense
	vecPart.Mul(mat.NewDense(3, 4, []float64{
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 2,
	}), spatialmath.QuatLeftMatrix(quat.Conj(q)))
	var hq mat.Dense
	hq.Mul(spatialmath.QuatToRotationMatrix(f.camRotation).Dense().T(), &vecPart)
	setBlock(h, 3, quatIdx, &hq)
	return h
}

func (f *Filter) skip(reason string, result UpdateResult) UpdateResult {
	f.stats.SkippedUpdates++
	result.Applied = false
	result.Reason = reason
	f.logger.Warnw("skipping measurement update", "reason", reason)
	return result
}

// Update corrects the state with a measured camera pose in the world frame. Ill-conditioned
// updates are skipped and reported, leaving the state untouched.
func (f *Filter) Update(position r3.Vector, rotation spatialmath.Orientation) UpdateResult {
	var result UpdateResult
	if rotation == nil {
		return f.skip("missing orientation", result)
	}
	zq := rotation.Quaternion()
	if !finiteVec(position) || !finiteQuat(zq) || spatialmath.QuatNorm(zq) < 1e-9 {
		return f.skip("non-finite measurement", result)
	}
	zq = spatialmath.Normalize(zq)

	hp, hq := f.ExpectedMeasurement()
	dp := position.Sub(hp)
	dq := spatialmath.QuatToRotationVector(quat.Mul(quat.Conj(hq), zq))
	y := mat.NewVecDense(MeasurementSize, []float64{dp.X, dp.Y, dp.Z, dq.X, dq.Y, dq.Z})
	copy(result.Innovation[:], y.RawVector().Data)

	h := f.measurementJacobian()
	var hp16, s mat.Dense
	hp16.Mul(h, f.p)
	s.Mul(&hp16, h.T())
	s.Add(&s, f.r)
	sSym := symmetrize(&s)

	det := mat.Det(sSym)
	if math.IsNaN(det) || det < f.cfg.MinInnovationDeterminant {
		return f.skip(fmt.Sprintf("innovation covariance determinant %g below %g", det, f.cfg.MinInnovationDeterminant), result)
	}
	if c := mat.Cond(sSym, 2); math.IsNaN(c) || c > f.cfg.MaxInnovationCondition {
		return f.skip(fmt.Sprintf("innovation covariance condition %g above %g", c, f.cfg.MaxInnovationCondition), result)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sSym); !ok {
		return f.skip("innovation covariance is not positive definite", result)
	}

	// K = P H^T S^-1, solved as S K^T = H P
	var kt mat.Dense
	if err := chol.SolveTo(&kt, &hp16); err != nil {
		return f.skip(fmt.Sprintf("solving for gain: %v", err), result)
	}
	k := mat.DenseCopyOf(kt.T())

	var sy mat.VecDense
	if err := chol.SolveVecTo(&sy, y); err != nil {
		return f.skip(fmt.Sprintf("solving innovation distance: %v", err), result)
	}
	result.Mahalanobis = mat.Dot(y, &sy)

	var dx mat.VecDense
	dx.MulVec(k, y)
	next, ok := f.applyCorrection(dx.RawVector().Data)
	if !ok {
		return f.skip("correction is not finite", result)
	}

	// Joseph form: (I - K H) P (I - K H)^T + K R K^T
	var kh mat.Dense
	kh.Mul(k, h)
	ikh := identity(StateSize)
	ikh.Sub(ikh, &kh)
	var a, joseph, kr, krk mat.Dense
	a.Mul(ikh, f.p)
	joseph.Mul(&a, ikh.T())
	kr.Mul(k, f.r)
	krk.Mul(&kr, k.T())
	joseph.Add(&joseph, &krk)

	f.x = next
	f.p = symmetrize(&joseph)
	f.initialized = true
	f.stats.Updates++
	result.Applied = true
	f.logger.Debugw("applied measurement", "mahalanobis", result.Mahalanobis, "uncertainty", f.PositionUncertainty())
	return result
}

// applyCorrection adds dx to the mean, turning the quaternion part into a local rotation.
func (f *Filter) applyCorrection(dx []float64) (State, bool) {
	vec := func(i int) r3.Vector { return r3.Vector{X: dx[i], Y: dx[i+1], Z: dx[i+2]} }
	next := f.x
	next.Position = next.Position.Add(vec(posIdx))
	next.Velocity = next.Velocity.Add(vec(velIdx))
	next.GyroBias = next.GyroBias.Add(vec(gyroBiasIdx))
	next.AccelBias = next.AccelBias.Add(vec(accelBiasIdx))

	dq := spatialmath.QuatFromVector(dx[quatIdx : quatIdx+4])
	local := quat.Mul(quat.Conj(f.x.Orientation), dq)
	theta := r3.Vector{X: 2 * local.Imag, Y: 2 * local.Jmag, Z: 2 * local.Kmag}
	next.Orientation = spatialmath.Normalize(quat.Mul(f.x.Orientation, spatialmath.QuatFromRotationVector(theta)))
	return next, next.finite()
}

func finiteQuat(q quat.Number) bool {
	return !quat.IsNaN(q) && !quat.IsInf(q)
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix) {
	r, c := src.Dims()
	dst.Slice(row, row+r, col, col+c).(*mat.Dense).Copy(src)
}

// symmetrize returns (m + m^T) / 2.
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}
