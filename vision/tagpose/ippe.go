package tagpose

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// candidate is one of the two IPPE rotations with its least-squares translation.
type candidate struct {
	rotation    *spatialmath.RotationMatrix
	translation r3.Vector
}

// ippeSquare returns the two pose candidates for a planar square whose centered object points (z=0)
// are seen at the normalized, undistorted image points.
//
// See Collins and Bartoli, "Infinitesimal Plane-based Pose Estimation", IJCV 2014.
func ippeSquare(object [4]r3.Vector, normalized [4]r2.Point) ([2]candidate, error) {
	var cands [2]candidate
	src := make([]r2.Point, 4)
	for i, p := range object {
		src[i] = r2.Point{X: p.X, Y: p.Y}
	}
	h, err := transform.EstimateHomography(src, normalized[:])
	if err != nil {
		return cands, errors.Wrap(ErrPnPFailed, err.Error())
	}

	// v is where the object origin lands; J is the homography's Jacobian there
	vx, vy := h.At(0, 2), h.At(1, 2)
	j00 := h.At(0, 0) - h.At(2, 0)*vx
	j01 := h.At(0, 1) - h.At(2, 1)*vx
	j10 := h.At(1, 0) - h.At(2, 0)*vy
	j11 := h.At(1, 1) - h.At(2, 1)*vy

	rv := rotationToDirection(r3.Vector{X: vx, Y: vy, Z: 1})

	// B = [I2 | -v] * Rv[:, 0:2]
	b00 := rv.At(0, 0) - vx*rv.At(2, 0)
	b01 := rv.At(0, 1) - vx*rv.At(2, 1)
	b10 := rv.At(1, 0) - vy*rv.At(2, 0)
	b11 := rv.At(1, 1) - vy*rv.At(2, 1)
	det := b00*b11 - b01*b10
	if math.Abs(det) < 1e-12 {
		return cands, errors.Wrap(ErrPnPFailed, "degenerate viewing direction")
	}
	// A = B^-1 J
	a00 := (b11*j00 - b01*j10) / det
	a01 := (b11*j01 - b01*j11) / det
	a10 := (-b10*j00 + b00*j10) / det
	a11 := (-b10*j01 + b00*j11) / det

	// gamma is the largest singular value of A
	ata00 := a00*a00 + a10*a10
	ata01 := a00*a01 + a10*a11
	ata11 := a01*a01 + a11*a11
	gamma := math.Sqrt(0.5 * (ata00 + ata11 + math.Sqrt((ata00-ata11)*(ata00-ata11)+4*ata01*ata01)))
	if gamma < 1e-12 || math.IsNaN(gamma) {
		return cands, errors.Wrap(ErrPnPFailed, "degenerate homography Jacobian")
	}
	r00, r01, r10, r11 := a00/gamma, a01/gamma, a10/gamma, a11/gamma

	// the third row [b0 b1] completes two orthonormal columns: b b^T = I - R22^T R22
	b0 := math.Sqrt(math.Max(0, 1-r00*r00-r10*r10))
	b1 := math.Sqrt(math.Max(0, 1-r01*r01-r11*r11))
	if -(r00*r01 + r10*r11) < 0 {
		b1 = -b1
	}

	for i, sign := range []float64{1, -1} {
		c1 := r3.Vector{X: r00, Y: r10, Z: sign * b0}
		c2 := r3.Vector{X: r01, Y: r11, Z: sign * b1}
		c3 := c1.Cross(c2)
		local, err := spatialmath.NewRotationMatrix([]float64{
			c1.X, c2.X, c3.X,
			c1.Y, c2.Y, c3.Y,
			c1.Z, c2.Z, c3.Z,
		})
		if err != nil {
			return cands, err
		}
		rot := rv.MatMul(local)
		t, err := solveTranslation(rot, object, normalized)
		if err != nil {
			return cands, err
		}
		cands[i] = candidate{rotation: rot, translation: t}
	}
	return cands, nil
}

// rotationToDirection is the smallest rotation taking the z axis onto dir.
func rotationToDirection(dir r3.Vector) *spatialmath.RotationMatrix {
	p := dir.Normalize()
	axis := r3.Vector{Z: 1}.Cross(p)
	s := axis.Norm()
	if s < 1e-15 {
		return spatialmath.QuatToRotationMatrix(spatialmath.QuatFromRotationVector(r3.Vector{}))
	}
	angle := math.Atan2(s, p.Z)
	return spatialmath.QuatToRotationMatrix(spatialmath.QuatFromRotationVector(axis.Mul(angle / s)))
}

// solveTranslation finds t minimizing the algebraic reprojection error given the rotation:
// for each point, tx - u*tz = u*(r3.X) - r1.X and ty - v*tz = v*(r3.X) - r2.X.
func solveTranslation(rot *spatialmath.RotationMatrix, object [4]r3.Vector, normalized [4]r2.Point) (r3.Vector, error) {
	a := mat.NewDense(8, 3, nil)
	b := mat.NewVecDense(8, nil)
	for i, p := range object {
		u, v := normalized[i].X, normalized[i].Y
		r1x := rot.Row(0).Dot(p)
		r2x := rot.Row(1).Dot(p)
		r3x := rot.Row(2).Dot(p)
		a.SetRow(2*i, []float64{1, 0, -u})
		b.SetVec(2*i, u*r3x-r1x)
		a.SetRow(2*i+1, []float64{0, 1, -v})
		b.SetVec(2*i+1, v*r3x-r2x)
	}
	var t mat.VecDense
	if err := t.SolveVec(a, b); err != nil {
		return r3.Vector{}, errors.Wrap(ErrPnPFailed, err.Error())
	}
	return r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}, nil
}
