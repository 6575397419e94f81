package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

func TestComposeInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		p := NewPose(
			r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()},
			NewOrientationFromQuat(randomQuat(rng)),
		)
		test.That(t, PoseAlmostEqualEps(Compose(p, PoseInverse(p)), NewZeroPose(), 1e-9), test.ShouldBeTrue)
		test.That(t, PoseAlmostEqualEps(Compose(PoseInverse(p), p), NewZeroPose(), 1e-9), test.ShouldBeTrue)

		inv := OrientationInverse(p.Orientation())
		test.That(t, QuaternionAlmostEqual(
			quat.Mul(p.Orientation().Quaternion(), inv.Quaternion()), quat.Number{Real: 1}, 1e-9), test.ShouldBeTrue)
	}
	test.That(t, PoseAlmostEqual(NewPoseFromPoint(r3.Vector{X: 1e-8}), NewZeroPose()), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(NewPoseFromPoint(r3.Vector{X: 1e-3}), NewZeroPose()), test.ShouldBeFalse)
}

func TestComposeTranslation(t *testing.T) {
	a := NewPose(r3.Vector{X: 1}, &R4AA{Theta: math.Pi / 2, RZ: 1})
	b := NewPoseFromPoint(r3.Vector{X: 2})
	c := Compose(a, b)
	test.That(t, R3VectorAlmostEqual(c.Point(), r3.Vector{X: 1, Y: 2}, 1e-9), test.ShouldBeTrue)
	test.That(t, OrientationAlmostEqual(c.Orientation(), a.Orientation()), test.ShouldBeTrue)

	between := PoseBetween(a, c)
	test.That(t, PoseAlmostEqualEps(between, b, 1e-9), test.ShouldBeTrue)
	test.That(t, R3VectorAlmostEqual(TransformPoint(a, r3.Vector{X: 2}), c.Point(), 1e-9), test.ShouldBeTrue)
}

func TestRotationMatrixRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 50; i++ {
		q := randomQuat(rng)
		rm := QuatToRotationMatrix(q)
		test.That(t, rm.IsOrthonormal(1e-9), test.ShouldBeTrue)
		test.That(t, QuaternionAlmostEqual(rm.Quaternion(), q, 1e-9), test.ShouldBeTrue)
		test.That(t, rm.Quaternion().Real, test.ShouldBeGreaterThanOrEqualTo, 0.0)

		prod := rm.MatMul(rm.Transpose())
		test.That(t, prod.IsOrthonormal(1e-9), test.ShouldBeTrue)
		test.That(t, prod.At(0, 0), test.ShouldAlmostEqual, 1, 1e-9)
	}

	_, err := NewRotationMatrix([]float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)

	q := QuatFromRotationVector(r3.Vector{X: 0.3, Z: -0.2})
	rm, err := NewRotationMatrixFromDense(QuatToRotationMatrix(q).Dense())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, QuaternionAlmostEqual(rm.Quaternion(), q, 1e-9), test.ShouldBeTrue)
	_, err = NewRotationMatrixFromDense(mat.NewDense(2, 3, nil))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAxisAngle(t *testing.T) {
	test.That(t, R3ToR4(r3.Vector{}), test.ShouldResemble, NewR4AA())
	aa := R3ToR4(r3.Vector{Y: 0.5})
	test.That(t, aa.Theta, test.ShouldAlmostEqual, 0.5)
	test.That(t, aa.RY, test.ShouldAlmostEqual, 1)
	test.That(t, R3VectorAlmostEqual(aa.ToR3(), r3.Vector{Y: 0.5}, 1e-12), test.ShouldBeTrue)
	test.That(t, QuaternionAlmostEqual(aa.ToQuat(), QuatFromRotationVector(r3.Vector{Y: 0.5}), 1e-12), test.ShouldBeTrue)
	test.That(t, (&R4AA{Theta: 1}).ToQuat(), test.ShouldResemble, quat.Number{Real: 1})
}

func TestAngularVelocity(t *testing.T) {
	rate := r3.Vector{X: 0.2, Y: -0.1, Z: 0.4}
	dt := 0.5
	q := R3ToAngVel(rate).Integrate(dt)
	av := QuatToAngVel(q, dt)
	test.That(t, R3VectorAlmostEqual(r3.Vector(av), rate, 1e-9), test.ShouldBeTrue)

	between := OrientationBetween(NewZeroOrientation(), NewOrientationFromQuat(q))
	test.That(t, R3VectorAlmostEqual(r3.Vector(OrientationToAngularVel(between, dt)), rate, 1e-9), test.ShouldBeTrue)
}
