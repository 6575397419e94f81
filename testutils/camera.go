package testutils

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// NewTestCameraModel returns an undistorted 640x480 camera with a 500 px focal length.
func NewTestCameraModel() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
		},
	}
}

// NewDistortedTestCameraModel is NewTestCameraModel with mild barrel distortion.
func NewDistortedTestCameraModel() *transform.PinholeCameraModel {
	model := NewTestCameraModel()
	bc, err := transform.NewBrownConrady([]float64{-0.08, 0.02, 0, 0.0005, -0.0003})
	if err != nil {
		panic(err)
	}
	model.Distortion = bc
	return model
}

// FacingCamera returns the pose of a target at position in the camera frame whose printed face
// points back at the camera, tilted by the given rotation vector about the target's own axes.
func FacingCamera(position, tilt r3.Vector) spatialmath.Pose {
	// x right, y up and z toward the camera: a half turn about the camera x axis
	facing := spatialmath.QuatFromRotationVector(r3.Vector{X: math.Pi})
	q := spatialmath.NewOrientationFromQuat(facing)
	pose := spatialmath.NewPose(position, q)
	return spatialmath.Compose(pose, spatialmath.NewPoseFromOrientation(
		spatialmath.NewOrientationFromQuat(spatialmath.QuatFromRotationVector(tilt))))
}
