package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// AngularVelocity contains angular velocity in rad/s across x/y/z axes.
type AngularVelocity r3.Vector

// R3ToAngVel converts an r3 vector to an angular velocity.
func R3ToAngVel(v r3.Vector) AngularVelocity {
	return AngularVelocity(v)
}

// QuatToAngVel returns the constant body rate that produces the rotation diffQ over dt seconds.
func QuatToAngVel(diffQ quat.Number, dt float64) AngularVelocity {
	return AngularVelocity(QuatToRotationVector(diffQ).Mul(1 / dt))
}

// OrientationToAngularVel calculates an angular velocity based on an orientation change over a time difference.
func OrientationToAngularVel(o Orientation, dt float64) AngularVelocity {
	return QuatToAngVel(o.Quaternion(), dt)
}

// Integrate returns the rotation accumulated by holding av for dt seconds.
func (av AngularVelocity) Integrate(dt float64) quat.Number {
	return QuatFromRotationVector(r3.Vector(av).Mul(dt))
}
