package tagpose

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/testutils"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
)

const tagSide = 0.15

type fakeDetector struct {
	quads []fiducial.Quad
	err   error
}

func (f *fakeDetector) DetectQuads(gray *image.Gray) ([]fiducial.Quad, error) {
	return f.quads, f.err
}

func newTestEstimator(t *testing.T, model *transform.PinholeCameraModel) *Estimator {
	t.Helper()
	detector, err := fiducial.NewDetector(fiducial.DefaultDetectorConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	est, err := NewEstimator(model, SquareTag{SideLength: tagSide}, detector, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return est
}

func projectCorners(t *testing.T, est *Estimator, pose spatialmath.Pose) [4]r2.Point {
	t.Helper()
	obj := est.Tag().ObjectPoints()
	pts, err := est.Project(pose, obj[:])
	test.That(t, err, test.ShouldBeNil)
	var corners [4]r2.Point
	copy(corners[:], pts)
	return corners
}

func TestSolveSquareRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		model    *transform.PinholeCameraModel
		position r3.Vector
		tilt     r3.Vector
	}{
		{"fronto-parallel", testutils.NewTestCameraModel(), r3.Vector{Z: 1}, r3.Vector{}},
		{"offset", testutils.NewTestCameraModel(), r3.Vector{X: 0.2, Y: -0.1, Z: 1.5}, r3.Vector{Z: 0.7}},
		{"oblique", testutils.NewTestCameraModel(), r3.Vector{X: -0.1, Y: 0.05, Z: 0.6}, r3.Vector{X: 0.6, Y: -0.4, Z: 2.5}},
		{"distorted", testutils.NewDistortedTestCameraModel(), r3.Vector{X: 0.25, Y: 0.15, Z: 0.9}, r3.Vector{X: -0.3, Y: 0.5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			est := newTestEstimator(t, tc.model)
			truth := testutils.FacingCamera(tc.position, tc.tilt)
			corners := projectCorners(t, est, truth)

			pose, err := est.SolveSquare(corners)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, pose.ReprojectionError, test.ShouldBeLessThan, 1e-6)
			test.That(t, pose.Rotation.IsOrthonormal(1e-9), test.ShouldBeTrue)
			test.That(t, spatialmath.PoseAlmostEqualEps(pose.SpatialPose(), truth, 1e-6), test.ShouldBeTrue)

			// the recovered pose reprojects onto the input corners
			obj := est.Tag().ObjectPoints()
			again, err := est.Project(pose.SpatialPose(), obj[:])
			test.That(t, err, test.ShouldBeNil)
			for i := range again {
				test.That(t, again[i].Sub(corners[i]).Norm(), test.ShouldBeLessThan, 1e-6)
			}
		})
	}
}

func TestSolveSquareFailures(t *testing.T) {
	est := newTestEstimator(t, testutils.NewTestCameraModel())

	_, err := est.SolveSquare([4]r2.Point{{X: 10, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 10}})
	test.That(t, errors.Is(err, ErrPnPFailed), test.ShouldBeTrue)

	_, err = est.SolveSquare([4]r2.Point{{X: 10, Y: 10}, {X: 20, Y: 20}, {X: 30, Y: 30}, {X: 40, Y: 40}})
	test.That(t, errors.Is(err, ErrPnPFailed), test.ShouldBeTrue)

	_, err = est.SolveSquare([4]r2.Point{{X: math.NaN(), Y: 10}, {X: 20, Y: 10}, {X: 20, Y: 20}, {X: 10, Y: 20}})
	test.That(t, errors.Is(err, ErrPnPFailed), test.ShouldBeTrue)
}

func TestDetect(t *testing.T) {
	dict := fiducial.Dict4x4_50()
	for _, tc := range []struct {
		name     string
		model    *transform.PinholeCameraModel
		id       int
		position r3.Vector
		tilt     r3.Vector
	}{
		{"ahead", testutils.NewTestCameraModel(), 5, r3.Vector{Z: 0.8}, r3.Vector{X: 0.3}},
		{"off axis", testutils.NewTestCameraModel(), 17, r3.Vector{X: 0.12, Y: -0.08, Z: 1.0}, r3.Vector{Y: -0.35, Z: 0.4}},
		{"distorted", testutils.NewDistortedTestCameraModel(), 29, r3.Vector{X: -0.1, Y: 0.06, Z: 0.9}, r3.Vector{X: -0.25, Z: -0.3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			texture, err := fiducial.RenderMarker(dict, tc.id, 20, 2)
			test.That(t, err, test.ShouldBeNil)
			truth := testutils.FacingCamera(tc.position, tc.tilt)
			img := testutils.RenderScene(tc.model, 200, testutils.PlanarTarget{
				Texture:          texture,
				Width:            testutils.MarkerTargetWidth(tagSide, dict.Bits, 2),
				CameraFromTarget: truth,
			})

			est := newTestEstimator(t, tc.model)
			dets, err := est.Detect(img)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, len(dets), test.ShouldEqual, 1)

			det, ok := FindDetection(dets, tc.id)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, det.Hamming, test.ShouldEqual, 0)
			test.That(t, det.ReprojectionError, test.ShouldBeLessThan, 1.0)
			test.That(t, det.Translation.Sub(truth.Point()).Norm(), test.ShouldBeLessThan, 0.01)

			// the printed face points back at the camera with the true in-plane heading
			wantRot := truth.Orientation().RotationMatrix()
			test.That(t, det.Rotation.Col(2).Dot(wantRot.Col(2)), test.ShouldBeGreaterThan, 0.98)
			test.That(t, det.Rotation.Col(0).Dot(wantRot.Col(0)), test.ShouldBeGreaterThan, 0.98)
			test.That(t, spatialmath.QuatToRotationVector(det.Rotation.Quaternion()),
				test.ShouldResemble, det.RotationVector)

			overlays := est.Overlays(dets)
			test.That(t, len(overlays), test.ShouldEqual, 1)
			test.That(t, overlays[0].Axes, test.ShouldNotBeNil)
			test.That(t, overlays[0].Axes.Origin.Sub(det.Center).Norm(), test.ShouldBeLessThan, 3)
		})
	}
}

func TestDetectInputs(t *testing.T) {
	est := newTestEstimator(t, testutils.NewTestCameraModel())

	_, err := est.Detect(nil)
	test.That(t, errors.Is(err, ErrInvalidImage), test.ShouldBeTrue)
	_, err = est.Detect(image.NewGray(image.Rectangle{}))
	test.That(t, errors.Is(err, ErrInvalidImage), test.ShouldBeTrue)

	dets, err := est.Detect(image.NewRGBA(image.Rect(0, 0, 64, 48)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldBeEmpty)
	_, ok := FindDetection(dets, 0)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDetectDropsUnsolvableTags(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	model := testutils.NewTestCameraModel()
	good := [4]r2.Point{{X: 270, Y: 290}, {X: 370, Y: 290}, {X: 370, Y: 190}, {X: 270, Y: 190}}
	detector := &fakeDetector{quads: []fiducial.Quad{
		{ID: 1, Corners: [4]r2.Point{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}}},
		{ID: 2, Corners: good, Center: r2.Point{X: 320, Y: 240}},
	}}
	est, err := NewEstimator(model, SquareTag{SideLength: 0.1}, detector, logger)
	test.That(t, err, test.ShouldBeNil)

	dets, err := est.Detect(image.NewGray(image.Rect(0, 0, 640, 480)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 1)
	test.That(t, dets[0].ID, test.ShouldEqual, 2)
	// a 0.1 m tag spanning 100 px at f=500 sits half a meter away
	test.That(t, dets[0].Translation.Z, test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, dets[0].Translation.X, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, logs.FilterMessage("dropping tag").Len(), test.ShouldEqual, 1)

	detector.err = errors.New("boom")
	_, err = est.Detect(image.NewGray(image.Rect(0, 0, 640, 480)))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewEstimatorValidation(t *testing.T) {
	detector := &fakeDetector{}
	model := testutils.NewTestCameraModel()

	_, err := NewEstimator(nil, SquareTag{SideLength: 0.1}, detector, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewEstimator(model, SquareTag{}, detector, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewEstimator(model, SquareTag{SideLength: math.NaN()}, detector, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewEstimator(model, SquareTag{SideLength: 0.1}, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)

	bad := testutils.NewTestCameraModel()
	bad.Fx = 0
	_, err = NewEstimator(bad, SquareTag{SideLength: 0.1}, detector, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProjectBehindCamera(t *testing.T) {
	est := newTestEstimator(t, testutils.NewTestCameraModel())
	_, err := est.Project(spatialmath.NewPoseFromPoint(r3.Vector{Z: -1}), []r3.Vector{{}})
	test.That(t, err, test.ShouldNotBeNil)
}
