// Package spatialmath defines the rotation and pose primitives used by the odometry pipeline.
// Quaternions follow gonum's quat.Number with the Hamilton convention, Real being the scalar part.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// smallAngle is the rotation magnitude below which series expansions replace trig functions.
const smallAngle = 1e-10

// Quaternion is an Orientation backed by a unit quaternion.
type Quaternion quat.Number

// Quaternion returns orientation in quaternion representation.
func (q *Quaternion) Quaternion() quat.Number {
	return quat.Number(*q)
}

// AxisAngles returns the orientation in axis angle representation.
func (q *Quaternion) AxisAngles() *R4AA {
	aa := QuatToR4AA(q.Quaternion())
	return &aa
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (q *Quaternion) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(q.Quaternion())
}

// QuatNorm returns the Euclidean norm of all four quaternion components.
func QuatNorm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Normalize scales q to unit length. The zero quaternion normalizes to identity.
func Normalize(q quat.Number) quat.Number {
	n := QuatNorm(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// QuaternionAlmostEqual is an equality test that treats q and -q as the same rotation.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	if a.Real*b.Real+a.Imag*b.Imag+a.Jmag*b.Jmag+a.Kmag*b.Kmag < 0 {
		b = Flip(b)
	}
	return math.Abs(a.Real-b.Real) < tol &&
		math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol &&
		math.Abs(a.Kmag-b.Kmag) < tol
}

// QuatFromRotationVector is the exponential map: the unit quaternion rotating by |v| radians about v.
func QuatFromRotationVector(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < smallAngle {
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatToRotationVector is the logarithmic map. The result has norm in [0, pi].
func QuatToRotationVector(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = Flip(q)
	}
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := u.Norm()
	if n < smallAngle {
		if q.Real == 0 {
			return r3.Vector{}
		}
		return u.Mul(2 / q.Real)
	}
	return u.Mul(2 * math.Atan2(n, q.Real) / n)
}

// RotateVector rotates v by the unit quaternion q, computing q*v*conj(q).
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.Real)).Add(u.Cross(t))
}

// Skew returns the 3x3 cross product matrix of v, such that Skew(v)*w = v x w.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// QuatLeftMatrix returns the 4x4 matrix L(q) with q*p = L(q)*p for p laid out as (w, x, y, z).
func QuatLeftMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, -z, y,
		y, z, w, -x,
		z, -y, x, w,
	})
}

// QuatRightMatrix returns the 4x4 matrix R(q) with p*q = R(q)*p for p laid out as (w, x, y, z).
func QuatRightMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, z, -y,
		y, -z, w, x,
		z, y, -x, w,
	})
}

// RotatedVectorJacobian returns the 3x4 Jacobian of q*v*conj(q) with respect to the components
// (w, x, y, z) of q.
func RotatedVectorJacobian(q quat.Number, v r3.Vector) *mat.Dense {
	w := q.Real
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	col0 := v.Mul(w).Add(u.Cross(v)).Mul(2)

	// 2 * (u.v I + u v^T - v u^T - w [v]x)
	uv := u.Dot(v)
	uArr := [3]float64{u.X, u.Y, u.Z}
	vArr := [3]float64{v.X, v.Y, v.Z}
	vx := Skew(v)
	jac := mat.NewDense(3, 4, nil)
	jac.Set(0, 0, col0.X)
	jac.Set(1, 0, col0.Y)
	jac.Set(2, 0, col0.Z)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			val := uArr[r]*vArr[c] - vArr[r]*uArr[c] - w*vx.At(r, c)
			if r == c {
				val += uv
			}
			jac.Set(r, c+1, 2*val)
		}
	}
	return jac
}

// QuatToVector lays a quaternion out as (w, x, y, z).
func QuatToVector(q quat.Number) []float64 {
	return []float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}

// QuatFromVector reads a quaternion laid out as (w, x, y, z).
func QuatFromVector(v []float64) quat.Number {
	return quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}
}
