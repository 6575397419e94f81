package transform

// InverseBrownConrady applies the inverse of the Brown-Conrady distortion model.
// Given distorted points, it computes the corresponding undistorted points using
// an iterative Newton-Raphson method.
type InverseBrownConrady struct {
	brownConradyCoefficients
}

// NewInverseBrownConrady takes in a slice of floats that will be passed into the struct in order.
func NewInverseBrownConrady(inp []float64) (*InverseBrownConrady, error) {
	c, err := coefficientsFromSlice(inp)
	if err != nil {
		return nil, err
	}
	return &InverseBrownConrady{c}, nil
}

// CheckValid checks if the fields for InverseBrownConrady have valid inputs.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (ibc *InverseBrownConrady) Parameters() []float64 {
	if ibc == nil {
		return []float64{}
	}
	return ibc.slice()
}

// Transform converts distorted normalized points to undistorted ones.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}
	return ibc.undistort(xd, yd)
}

// Inverse returns the forward BrownConrady model.
func (ibc *InverseBrownConrady) Inverse() Distorter {
	if ibc == nil {
		return (*BrownConrady)(nil)
	}
	return &BrownConrady{ibc.brownConradyCoefficients}
}
