// Package transform holds the camera models and planar projective geometry used to turn pixel
// measurements into rays.
package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// InverseBrownConradyDistortionType maps distorted points back to the ideal pinhole.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Distorter defines a Transform that takes an undistorted image and distorts it according to the model.
// Points are in normalized camera coordinates (x/z, y/z).
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
	// Inverse returns the model that undoes Transform.
	Inverse() Distorter
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType, "":
		return NewBrownConrady(parameters)
	case InverseBrownConradyDistortionType:
		return NewInverseBrownConrady(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// brownConradyCoefficients are the shared k1, k2, k3, p1, p2 coefficients of both directions of the model.
type brownConradyCoefficients struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

func coefficientsFromSlice(inp []float64) (brownConradyCoefficients, error) {
	if len(inp) > 5 {
		return brownConradyCoefficients{}, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	var padded [5]float64
	copy(padded[:], inp)
	return brownConradyCoefficients{padded[0], padded[1], padded[2], padded[3], padded[4]}, nil
}

func (c *brownConradyCoefficients) slice() []float64 {
	return []float64{c.RadialK1, c.RadialK2, c.RadialK3, c.TangentialP1, c.TangentialP2}
}

// distort evaluates the forward model
//
//	x_d = x_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x_u*y_u + p2*(r² + 2*x_u²)
//	y_d = y_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x_u*y_u + p1*(r² + 2*y_u²)
//
// and its 2x2 Jacobian [[dxd/dxu, dxd/dyu], [dyd/dxu, dyd/dyu]].
func (c *brownConradyCoefficients) distort(xu, yu float64) (xd, yd float64, jac [2][2]float64) {
	r2 := xu*xu + yu*yu
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1 + c.RadialK1*r2 + c.RadialK2*r4 + c.RadialK3*r6
	xd = xu*radial + 2*c.TangentialP1*xu*yu + c.TangentialP2*(r2+2*xu*xu)
	yd = yu*radial + 2*c.TangentialP2*xu*yu + c.TangentialP1*(r2+2*yu*yu)

	dRadial := 2 * (c.RadialK1 + 2*c.RadialK2*r2 + 3*c.RadialK3*r4)
	jac[0][0] = radial + xu*xu*dRadial + 2*c.TangentialP1*yu + 6*c.TangentialP2*xu
	jac[0][1] = xu*yu*dRadial + 2*c.TangentialP1*xu + 2*c.TangentialP2*yu
	jac[1][0] = xu*yu*dRadial + 2*c.TangentialP2*yu + 2*c.TangentialP1*xu
	jac[1][1] = radial + yu*yu*dRadial + 2*c.TangentialP2*xu + 6*c.TangentialP1*yu
	return xd, yd, jac
}

// undistort inverts distort with Newton-Raphson, starting from the distorted point.
func (c *brownConradyCoefficients) undistort(xd, yd float64) (float64, float64) {
	const (
		maxIterations = 20
		tolerance     = 1e-12
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xEst, yEst, jac := c.distort(xu, yu)
		errX, errY := xEst-xd, yEst-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		det := jac[0][0]*jac[1][1] - jac[0][1]*jac[1][0]
		if det == 0 {
			break
		}
		xu -= (jac[1][1]*errX - jac[0][1]*errY) / det
		yu -= (-jac[1][0]*errX + jac[0][0]*errY) / det
	}
	return xu, yu
}
