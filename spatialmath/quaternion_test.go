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

func randomQuat(rng *rand.Rand) quat.Number {
	return Normalize(quat.Number{
		Real: rng.NormFloat64(),
		Imag: rng.NormFloat64(),
		Jmag: rng.NormFloat64(),
		Kmag: rng.NormFloat64(),
	})
}

func TestExpLogRoundTrip(t *testing.T) {
	for _, v := range []r3.Vector{
		{},
		{X: 1e-12},
		{X: 0.3, Y: -0.2, Z: 0.1},
		{Z: math.Pi / 2},
		{X: 2, Y: 1, Z: -0.5},
	} {
		q := QuatFromRotationVector(v)
		test.That(t, QuatNorm(q), test.ShouldAlmostEqual, 1, 1e-12)
		back := QuatToRotationVector(q)
		test.That(t, R3VectorAlmostEqual(back, v, 1e-9), test.ShouldBeTrue)
	}
}

func TestLogIsSignSafe(t *testing.T) {
	q := QuatFromRotationVector(r3.Vector{X: 0.4, Y: 0.1})
	a := QuatToRotationVector(q)
	b := QuatToRotationVector(Flip(q))
	test.That(t, R3VectorAlmostEqual(a, b, 1e-12), test.ShouldBeTrue)
}

func TestRotateVector(t *testing.T) {
	q := QuatFromRotationVector(r3.Vector{Z: math.Pi / 2})
	v := RotateVector(q, r3.Vector{X: 1})
	test.That(t, R3VectorAlmostEqual(v, r3.Vector{Y: 1}, 1e-12), test.ShouldBeTrue)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		q := randomQuat(rng)
		p := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		fromMatrix := QuatToRotationMatrix(q).Mul(p)
		test.That(t, R3VectorAlmostEqual(RotateVector(q, p), fromMatrix, 1e-9), test.ShouldBeTrue)
	}
}

func TestQuatMatrices(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		q := randomQuat(rng)
		p := randomQuat(rng)
		pv := mat.NewVecDense(4, QuatToVector(p))

		var left mat.VecDense
		left.MulVec(QuatLeftMatrix(q), pv)
		test.That(t, QuaternionAlmostEqual(QuatFromVector(left.RawVector().Data), quat.Mul(q, p), 1e-12), test.ShouldBeTrue)

		var right mat.VecDense
		right.MulVec(QuatRightMatrix(q), pv)
		test.That(t, QuaternionAlmostEqual(QuatFromVector(right.RawVector().Data), quat.Mul(p, q), 1e-12), test.ShouldBeTrue)
	}
}

func TestRotatedVectorJacobian(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := randomQuat(rng)
	v := r3.Vector{X: 0.5, Y: -1.2, Z: 2}
	jac := RotatedVectorJacobian(q, v)

	// central differences over raw components; q*v*conj(q) is quadratic in q so this is exact up to rounding
	rot := func(c []float64) r3.Vector {
		qq := QuatFromVector(c)
		r := quat.Mul(quat.Mul(qq, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(qq))
		return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
	}
	const h = 1e-6
	for c := 0; c < 4; c++ {
		plus := QuatToVector(q)
		minus := QuatToVector(q)
		plus[c] += h
		minus[c] -= h
		d := rot(plus).Sub(rot(minus)).Mul(1 / (2 * h))
		test.That(t, jac.At(0, c), test.ShouldAlmostEqual, d.X, 1e-6)
		test.That(t, jac.At(1, c), test.ShouldAlmostEqual, d.Y, 1e-6)
		test.That(t, jac.At(2, c), test.ShouldAlmostEqual, d.Z, 1e-6)
	}
}

func TestSkew(t *testing.T) {
	a := r3.Vector{X: 1, Y: 2, Z: 3}
	b := r3.Vector{X: -4, Y: 0.5, Z: 2}
	var out mat.VecDense
	out.MulVec(Skew(a), mat.NewVecDense(3, []float64{b.X, b.Y, b.Z}))
	cross := a.Cross(b)
	test.That(t, out.AtVec(0), test.ShouldAlmostEqual, cross.X)
	test.That(t, out.AtVec(1), test.ShouldAlmostEqual, cross.Y)
	test.That(t, out.AtVec(2), test.ShouldAlmostEqual, cross.Z)
}

func TestNormalizeZero(t *testing.T) {
	test.That(t, Normalize(quat.Number{}), test.ShouldResemble, quat.Number{Real: 1})
}
