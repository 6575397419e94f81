package transform

import "github.com/pkg/errors"

// BrownConrady is the radial and tangential lens distortion model. Parameters are ordered
// k1, k2, k3, p1, p2.
type BrownConrady struct {
	brownConradyCoefficients
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order.
// Missing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	c, err := coefficientsFromSlice(inp)
	if err != nil {
		return nil, err
	}
	return &BrownConrady{c}, nil
}

// NewBrownConradyFromOpenCV reads coefficients in OpenCV's (k1, k2, p1, p2, k3) order.
func NewBrownConradyFromOpenCV(coeffs []float64) (*BrownConrady, error) {
	if len(coeffs) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(coeffs))
	}
	var c [5]float64
	copy(c[:], coeffs)
	return NewBrownConrady([]float64{c[0], c[1], c[4], c[2], c[3]})
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return bc.slice()
}

// Transform distorts the ideal normalized point (x, y).
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	xd, yd, _ := bc.distort(x, y)
	return xd, yd
}

// Inverse returns the matching InverseBrownConrady.
func (bc *BrownConrady) Inverse() Distorter {
	if bc == nil {
		return (*InverseBrownConrady)(nil)
	}
	return &InverseBrownConrady{bc.brownConradyCoefficients}
}
