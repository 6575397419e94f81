package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix used to transform a plane from one perspective to another,
// normalized so that the bottom right element is 1.
type Homography struct {
	matrix *mat.Dense
}

// NewHomography creates a homography from a slice of floats laid out in row major order.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input to NewHomography must have length of 9. Has length of %d", len(vals))
	}
	data := make([]float64, 9)
	copy(data, vals)
	return newNormalizedHomography(mat.NewDense(3, 3, data))
}

func newNormalizedHomography(m *mat.Dense) (*Homography, error) {
	scale := m.At(2, 2)
	if math.Abs(scale) < 1e-12 || math.IsNaN(scale) {
		return nil, errors.New("homography is degenerate, H22 is zero")
	}
	m.Scale(1/scale, m)
	return &Homography{matrix: m}, nil
}

// At returns the value of the homography at the given index.
func (h *Homography) At(row, col int) float64 {
	return h.matrix.At(row, col)
}

// Apply will transform the given point according to the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Inverse inverts the homography.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.matrix); err != nil {
		return nil, errors.Wrap(err, "homography is not invertible")
	}
	return newNormalizedHomography(&inv)
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct linear
// transform. It needs at least four correspondences, no three of which are collinear.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("mismatched correspondences: %d source and %d destination points", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 correspondences to estimate a homography, got %d", len(src))
	}
	srcT, srcN, err := normalizePoints(src)
	if err != nil {
		return nil, err
	}
	dstT, dstN, err := normalizePoints(dst)
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("homography SVD failed to converge")
	}
	values := svd.Values(nil)
	// eight independent constraints are needed for a unique null vector
	if values[7] < 1e-10*values[0] {
		return nil, errors.New("degenerate point configuration for homography")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	// H = T_dst^-1 * Hn * T_src
	var dstInv mat.Dense
	if err := dstInv.Inverse(dstT); err != nil {
		return nil, errors.Wrap(err, "cannot denormalize homography")
	}
	var h mat.Dense
	h.Product(&dstInv, hn, srcT)
	return newNormalizedHomography(&h)
}

// normalizePoints moves the centroid to the origin and scales the mean distance to sqrt(2).
func normalizePoints(pts []r2.Point) (*mat.Dense, []r2.Point, error) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var meanDist float64
	for _, p := range pts {
		meanDist += p.Sub(c).Norm()
	}
	meanDist /= float64(len(pts))
	if meanDist < 1e-12 || math.IsNaN(meanDist) {
		return nil, nil, errors.New("degenerate point configuration for homography")
	}
	s := math.Sqrt2 / meanDist
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
	return t, out, nil
}
