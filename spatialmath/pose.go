package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a 6dof pose, position and orientation, with respect to the origin.
// The Point() method returns the position in (x,y,z) and the Orientation() method returns the orientation.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

type pose struct {
	pt r3.Vector
	q  quat.Number
}

// NewZeroPose returns a pose at (0,0,0) with same orientation as whatever frame it is placed in.
func NewZeroPose() Pose {
	return &pose{q: quat.Number{Real: 1}}
}

// NewPose takes in a position and orientation and returns a Pose.
func NewPose(p r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(p)
	}
	return &pose{pt: p, q: Normalize(o.Quaternion())}
}

// NewPoseFromPoint takes in a cartesian (x,y,z) and stores it as a vector.
// It will have the same orientation as the frame it is in.
func NewPoseFromPoint(point r3.Vector) Pose {
	return &pose{pt: point, q: quat.Number{Real: 1}}
}

// NewPoseFromOrientation takes in an orientation and stores it as a pose at the origin.
func NewPoseFromOrientation(o Orientation) Pose {
	return NewPose(r3.Vector{}, o)
}

func (p *pose) Point() r3.Vector {
	return p.pt
}

func (p *pose) Orientation() Orientation {
	q := Quaternion(p.q)
	return &q
}

func (p *pose) String() string {
	aa := QuatToR4AA(p.q)
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f Theta:%.4f RX:%.4f RY:%.4f RZ:%.4f}",
		p.pt.X, p.pt.Y, p.pt.Z, aa.Theta, aa.RX, aa.RY, aa.RZ)
}

// Compose returns a*b, which maps points from b's frame into a's parent frame.
func Compose(a, b Pose) Pose {
	qa := Normalize(a.Orientation().Quaternion())
	qb := b.Orientation().Quaternion()
	return &pose{
		pt: a.Point().Add(RotateVector(qa, b.Point())),
		q:  Normalize(quat.Mul(qa, qb)),
	}
}

// PoseInverse will return the inverse of a pose. So if a given pose p is the pose of A relative to B, PoseInverse(p) will give
// the pose of B relative to A.
func PoseInverse(p Pose) Pose {
	qInv := quat.Conj(Normalize(p.Orientation().Quaternion()))
	return &pose{
		pt: RotateVector(qInv, p.Point()).Mul(-1),
		q:  qInv,
	}
}

// PoseBetween returns the difference between two poses, i.e. the pose that composed onto a gives b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// TransformPoint maps a point expressed in p's frame into the parent frame.
func TransformPoint(p Pose, pt r3.Vector) r3.Vector {
	return p.Point().Add(RotateVector(p.Orientation().Quaternion(), pt))
}

// PoseAlmostEqual will return a bool describing whether 2 poses are approximately the same.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, 1e-6)
}

// PoseAlmostEqualEps will return a bool describing whether 2 poses are approximately the same within an epsilon.
func PoseAlmostEqualEps(a, b Pose, epsilon float64) bool {
	return PoseAlmostCoincidentEps(a, b, epsilon) &&
		QuaternionAlmostEqual(a.Orientation().Quaternion(), b.Orientation().Quaternion(), epsilon)
}

// PoseAlmostCoincidentEps will return a bool describing whether 2 poses approximately are at the same 3D coordinate location.
func PoseAlmostCoincidentEps(a, b Pose, epsilon float64) bool {
	return R3VectorAlmostEqual(a.Point(), b.Point(), epsilon)
}

// R3VectorAlmostEqual compares two r3.Vector objects and returns if the all elementwise differences are less than epsilon.
func R3VectorAlmostEqual(a, b r3.Vector, epsilon float64) bool {
	d := a.Sub(b)
	return d.X*d.X < epsilon*epsilon && d.Y*d.Y < epsilon*epsilon && d.Z*d.Z < epsilon*epsilon
}
