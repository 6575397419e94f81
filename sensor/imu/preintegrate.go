// Package imu pre-integrates gyroscope and accelerometer batches into the relative motion between
// two camera frames.
package imu

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

var (
	// ErrEmptySequence is returned when a gyroscope or accelerometer batch has no samples.
	ErrEmptySequence = errors.New("inertial sequence is empty")
	// ErrNonMonotonic is returned when a sample is not strictly after its predecessor.
	ErrNonMonotonic = errors.New("inertial timestamps are not strictly increasing")
	// ErrZeroSpan is returned when the merged batch covers no time.
	ErrZeroSpan = errors.New("inertial batch spans no time")
	// ErrNonFinite is returned for NaN or infinite readings.
	ErrNonFinite = errors.New("inertial reading is not finite")
)

// Sample is one timestamped gyroscope (rad/s) or accelerometer (m/s^2) reading in the body frame.
type Sample struct {
	Time  time.Time
	Value r3.Vector
}

// BiasJacobians are the first-order sensitivities of a MotionDelta to the biases it was integrated
// with. Rotation sensitivities are in the local tangent space of DeltaRotation.
type BiasJacobians struct {
	RotationGyro  *mat.Dense
	VelocityGyro  *mat.Dense
	VelocityAccel *mat.Dense
	PositionGyro  *mat.Dense
	PositionAccel *mat.Dense
}

func newBiasJacobians() BiasJacobians {
	return BiasJacobians{
		RotationGyro:  mat.NewDense(3, 3, nil),
		VelocityGyro:  mat.NewDense(3, 3, nil),
		VelocityAccel: mat.NewDense(3, 3, nil),
		PositionGyro:  mat.NewDense(3, 3, nil),
		PositionAccel: mat.NewDense(3, 3, nil),
	}
}

// step advances the sensitivities over one zero-order-hold step. It must run before the running
// rotation is advanced.
func (j *BiasJacobians) step(deltaRot quat.Number, accel, gyro r3.Vector, dt float64) {
	rm := spatialmath.QuatToRotationMatrix(deltaRot).Dense()
	var rf, rfj mat.Dense
	rf.Mul(rm, spatialmath.Skew(accel))
	rfj.Mul(&rf, j.RotationGyro)

	addScaled(j.PositionAccel, j.VelocityAccel, dt)
	addScaled(j.PositionAccel, rm, -0.5*dt*dt)
	addScaled(j.PositionGyro, j.VelocityGyro, dt)
	addScaled(j.PositionGyro, &rfj, -0.5*dt*dt)
	addScaled(j.VelocityAccel, rm, -dt)
	addScaled(j.VelocityGyro, &rfj, -dt)

	phi := gyro.Mul(dt)
	inc := spatialmath.QuatToRotationMatrix(spatialmath.QuatFromRotationVector(phi)).Dense()
	var next mat.Dense
	next.Mul(inc.T(), j.RotationGyro)
	addScaled(&next, rightJacobian(phi), -dt)
	j.RotationGyro.Copy(&next)
}

// addScaled sets dst = dst + s*a.
func addScaled(dst, a *mat.Dense, s float64) {
	var tmp mat.Dense
	tmp.Scale(s, a)
	dst.Add(dst, &tmp)
}

// rightJacobian is the right Jacobian of SO(3) at the rotation vector phi.
func rightJacobian(phi r3.Vector) *mat.Dense {
	theta := phi.Norm()
	k := spatialmath.Skew(phi)
	out := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if theta < 1e-8 {
		addScaled(out, k, -0.5)
		return out
	}
	var k2 mat.Dense
	k2.Mul(k, k)
	addScaled(out, k, -(1-math.Cos(theta))/(theta*theta))
	addScaled(out, &k2, (theta-math.Sin(theta))/(theta*theta*theta))
	return out
}

// MotionDelta is the motion accumulated over one inertial batch, expressed in the body frame at the
// start of the batch. Gravity is already folded into DeltaVelocity and DeltaPosition.
type MotionDelta struct {
	DeltaRotation quat.Number
	DeltaVelocity r3.Vector
	DeltaPosition r3.Vector
	Elapsed       time.Duration
	Gravity       r3.Vector
	// GyroBias and AccelBias are the estimates that were subtracted during integration.
	GyroBias  r3.Vector
	AccelBias r3.Vector
	Steps     int
	Jacobians BiasJacobians
}

// WithoutGravity returns DeltaVelocity and DeltaPosition with the folded-in gravity removed, for a
// delta integrated from orientation. Gravity seen from a body at rest in the start frame is
// constant over the batch, so it contributes R(q)^T g T and R(q)^T g T^2/2.
func (d *MotionDelta) WithoutGravity(orientation quat.Number) (velocity, position r3.Vector) {
	if d.Gravity == (r3.Vector{}) {
		return d.DeltaVelocity, d.DeltaPosition
	}
	g := spatialmath.RotateVector(quat.Conj(spatialmath.Normalize(orientation)), d.Gravity)
	secs := d.Elapsed.Seconds()
	return d.DeltaVelocity.Sub(g.Mul(secs)), d.DeltaPosition.Sub(g.Mul(0.5 * secs * secs))
}

// Corrected returns the delta re-linearized for new bias estimates without integrating again.
func (d *MotionDelta) Corrected(gyroBias, accelBias r3.Vector) *MotionDelta {
	dbg := gyroBias.Sub(d.GyroBias)
	dba := accelBias.Sub(d.AccelBias)
	out := *d
	out.DeltaRotation = spatialmath.Normalize(quat.Mul(d.DeltaRotation,
		spatialmath.QuatFromRotationVector(mulVec(d.Jacobians.RotationGyro, dbg))))
	out.DeltaVelocity = d.DeltaVelocity.
		Add(mulVec(d.Jacobians.VelocityGyro, dbg)).
		Add(mulVec(d.Jacobians.VelocityAccel, dba))
	out.DeltaPosition = d.DeltaPosition.
		Add(mulVec(d.Jacobians.PositionGyro, dbg)).
		Add(mulVec(d.Jacobians.PositionAccel, dba))
	out.GyroBias = gyroBias
	out.AccelBias = accelBias
	return &out
}

func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func validateSequence(name string, samples []Sample) error {
	if len(samples) == 0 {
		return errors.Wrapf(ErrEmptySequence, "%s", name)
	}
	for i, s := range samples {
		if !finite(s.Value) {
			return errors.Wrapf(ErrNonFinite, "%s sample %d", name, i)
		}
		if i > 0 && !s.Time.After(samples[i-1].Time) {
			return errors.Wrapf(ErrNonMonotonic, "%s sample %d at %v follows %v", name, i, s.Time, samples[i-1].Time)
		}
	}
	return nil
}

func finite(v r3.Vector) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// mergeTimes returns the sorted union of both timelines; coincident timestamps become one event.
func mergeTimes(a, b []Sample) []time.Time {
	out := make([]time.Time, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var t time.Time
		switch {
		case j >= len(b) || (i < len(a) && a[i].Time.Before(b[j].Time)):
			t = a[i].Time
			i++
		case i >= len(a) || b[j].Time.Before(a[i].Time):
			t = b[j].Time
			j++
		default:
			t = a[i].Time
			i++
			j++
		}
		out = append(out, t)
	}
	return out
}

// hold advances idx to the latest sample at or before t. Before the first sample, the first
// sample is used.
func hold(samples []Sample, idx int, t time.Time) int {
	for idx+1 < len(samples) && !samples[idx+1].Time.After(t) {
		idx++
	}
	return idx
}

// Preintegrate integrates a gyroscope and an accelerometer batch into the motion relative to the
// body frame at the start of the batch. orientation is the body-to-world rotation at the start,
// used to carry gravity into the body frame as it rotates.
func Preintegrate(
	gyro, accel []Sample,
	orientation quat.Number,
	gyroBias, accelBias r3.Vector,
	opts ...Option,
) (*MotionDelta, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewBlankLogger("imu")
	}
	if err := validateSequence("gyroscope", gyro); err != nil {
		return nil, err
	}
	if err := validateSequence("accelerometer", accel); err != nil {
		return nil, err
	}
	if !finite(gyroBias) || !finite(accelBias) || !finite(o.gravity) {
		return nil, errors.Wrap(ErrNonFinite, "bias or gravity")
	}
	events := mergeTimes(gyro, accel)
	span := events[len(events)-1].Sub(events[0])
	if span <= 0 {
		return nil, ErrZeroSpan
	}

	q0 := spatialmath.Normalize(orientation)
	delta := &MotionDelta{
		DeltaRotation: quat.Number{Real: 1},
		Elapsed:       span,
		Gravity:       o.gravity,
		GyroBias:      gyroBias,
		AccelBias:     accelBias,
		Jacobians:     newBiasJacobians(),
	}
	gi, ai := 0, 0
	for k := 0; k+1 < len(events); k++ {
		start := events[k]
		// merged events are strictly increasing, so dt > 0
		dt := events[k+1].Sub(start).Seconds()
		gi = hold(gyro, gi, start)
		ai = hold(accel, ai, start)
		w := gyro[gi].Value.Sub(gyroBias)
		f := accel[ai].Value.Sub(accelBias)

		// gravity expressed in the body frame as it stands at this step
		current := quat.Mul(q0, delta.DeltaRotation)
		local := f.Add(spatialmath.RotateVector(quat.Conj(current), o.gravity))
		a := spatialmath.RotateVector(delta.DeltaRotation, local)

		delta.Jacobians.step(delta.DeltaRotation, f, w, dt)
		delta.DeltaPosition = delta.DeltaPosition.Add(delta.DeltaVelocity.Mul(dt)).Add(a.Mul(0.5 * dt * dt))
		delta.DeltaVelocity = delta.DeltaVelocity.Add(a.Mul(dt))
		delta.DeltaRotation = spatialmath.Normalize(
			quat.Mul(delta.DeltaRotation, spatialmath.QuatFromRotationVector(w.Mul(dt))))
		delta.Steps++
	}
	o.logger.Debugw("integrated inertial batch", "steps", delta.Steps, "elapsed", span)
	return delta, nil
}

// Preintegrator integrates batches with bias estimates it retains between calls.
type Preintegrator struct {
	mu        sync.Mutex
	opts      []Option
	gyroBias  r3.Vector
	accelBias r3.Vector
	last      *MotionDelta
}

// NewPreintegrator returns a Preintegrator with zero biases.
func NewPreintegrator(opts ...Option) *Preintegrator {
	return &Preintegrator{opts: opts}
}

// SetBias replaces the bias estimates used by later integrations.
func (p *Preintegrator) SetBias(gyroBias, accelBias r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gyroBias = gyroBias
	p.accelBias = accelBias
}

// Bias returns the current gyroscope and accelerometer bias estimates.
func (p *Preintegrator) Bias() (gyroBias, accelBias r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gyroBias, p.accelBias
}

// Integrate runs Preintegrate with the retained biases.
func (p *Preintegrator) Integrate(gyro, accel []Sample, orientation quat.Number) (*MotionDelta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delta, err := Preintegrate(gyro, accel, orientation, p.gyroBias, p.accelBias, p.opts...)
	if err != nil {
		return nil, err
	}
	p.last = delta
	return delta, nil
}

// Last returns the most recent successful integration, or nil.
func (p *Preintegrator) Last() *MotionDelta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Reset forgets the last integration. Biases are kept.
func (p *Preintegrator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = nil
}
