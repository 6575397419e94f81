package vio

import (
	"context"
	"image"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/testutils"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/tagpose"
)

const tagSide = 0.12

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// projectingDetector reports the quads it was last given, calling hook first.
type projectingDetector struct {
	quads []fiducial.Quad
	hook  func()
}

func (d *projectingDetector) DetectQuads(gray *image.Gray) ([]fiducial.Quad, error) {
	if d.hook != nil {
		d.hook()
	}
	return d.quads, nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Camera = CameraConfig{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	cfg.Tags.SideLength = tagSide
	// ceiling tags, printed face down
	cfg.Tags.World = []TagPlacement{
		{ID: 3, Pose: PoseConfig{Translation: []float64{0, 0, 1}, RotationVector: []float64{math.Pi, 0, 0}}},
		{ID: 4, Pose: PoseConfig{Translation: []float64{0.3, 0, 1}, RotationVector: []float64{math.Pi, 0, 0}}},
	}
	return cfg
}

// seenQuad projects a world-placed tag into a camera at worldCam.
func seenQuad(t *testing.T, cfg *Config, id int, worldCam spatialmath.Pose) fiducial.Quad {
	t.Helper()
	model, err := cfg.Camera.Model()
	test.That(t, err, test.ShouldBeNil)
	worldTag := cfg.worldPlacements()[id]
	camTag := spatialmath.Compose(spatialmath.PoseInverse(worldCam), worldTag)
	obj := tagpose.SquareTag{SideLength: cfg.Tags.SideLength}.ObjectPoints()
	q := fiducial.Quad{ID: id, DecisionMargin: 50}
	for i, p := range obj {
		px, ok := model.ProjectPoint(spatialmath.TransformPoint(camTag, p))
		test.That(t, ok, test.ShouldBeTrue)
		q.Corners[i] = px
		q.Center = q.Center.Add(px.Mul(0.25))
	}
	return q
}

// stationarySamples returns noise-free readings of a level body at rest from start through end.
func stationarySamples(t *testing.T, start time.Time, duration time.Duration) (gyro, accel []imu.Sample) {
	t.Helper()
	sim := imu.DefaultSimulationConfig(imu.MotionStationary, duration)
	sim.Start = start
	sim.GyroNoise, sim.AccelNoise = 0, 0
	gyro, accel, err := imu.Simulate(sim)
	test.That(t, err, test.ShouldBeNil)
	return gyro, accel
}

func window(samples []imu.Sample, from, to time.Time) []imu.Sample {
	var out []imu.Sample
	for _, s := range samples {
		if !s.Time.Before(from) && !s.Time.After(to) {
			out = append(out, s)
		}
	}
	return out
}

func blankFrame() image.Image {
	return image.NewGray(image.Rect(0, 0, 640, 480))
}

func newTestSystem(t *testing.T, cfg *Config, opts ...Option) *System {
	t.Helper()
	sys, err := NewSystem(cfg, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return sys
}

func TestProcessFrameConverges(t *testing.T) {
	cfg := testConfig()
	truth := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.05, Y: -0.03})
	det := &projectingDetector{}
	sys := newTestSystem(t, cfg, WithQuadDetector(det))
	ctx := context.Background()

	step := 50 * time.Millisecond
	gyro, accel := stationarySamples(t, epoch, 2*time.Second)
	var last *FrameResult
	for k := 0; k < 30; k++ {
		now := epoch.Add(time.Duration(k) * step)
		det.quads = []fiducial.Quad{seenQuad(t, cfg, 3, truth)}
		frame := Frame{Image: blankFrame(), Time: now}
		if k > 0 {
			frame.Gyro = window(gyro, now.Add(-step), now)
			frame.Accel = window(accel, now.Add(-step), now)
		}
		res, err := sys.ProcessFrame(ctx, frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Predicted, test.ShouldEqual, k > 0)
		test.That(t, res.TagID, test.ShouldEqual, 3)
		test.That(t, res.Update, test.ShouldNotBeNil)
		test.That(t, res.Update.Applied, test.ShouldBeTrue)
		test.That(t, len(res.Detections), test.ShouldEqual, 1)
		last = res
	}

	test.That(t, last.State.Position.Sub(truth.Point()).Norm(), test.ShouldBeLessThan, 0.005)
	test.That(t, spatialmath.PoseAlmostCoincidentEps(last.Pose, truth, 0.005), test.ShouldBeTrue)
	test.That(t, spatialmath.QuaternionAlmostEqual(last.State.Orientation, truth.Orientation().Quaternion(), 1e-3),
		test.ShouldBeTrue)
	test.That(t, last.Uncertainty, test.ShouldBeLessThan, math.Sqrt(0.3))
	test.That(t, sys.IsInitialized(), test.ShouldBeTrue)
	test.That(t, sys.Stats(), test.ShouldResemble, Stats{Frames: 30, Predictions: 29, Detections: 30, Updates: 30})
}

func TestProcessFrameErrorsLeaveStateUntouched(t *testing.T) {
	cfg := testConfig()
	truth := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1})
	det := &projectingDetector{quads: []fiducial.Quad{seenQuad(t, cfg, 3, truth)}}
	sys := newTestSystem(t, cfg, WithQuadDetector(det))
	ctx := context.Background()

	_, err := sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	before := sys.State()
	stats := sys.Stats()

	_, err = sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch})
	test.That(t, errors.Is(err, ErrFrameOrder), test.ShouldBeTrue)

	gyro, accel := stationarySamples(t, epoch, 100*time.Millisecond)
	gyro[3].Time = gyro[2].Time
	_, err = sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch.Add(100 * time.Millisecond), Gyro: gyro, Accel: accel})
	test.That(t, errors.Is(err, imu.ErrNonMonotonic), test.ShouldBeTrue)

	_, err = sys.ProcessFrame(ctx, Frame{Time: epoch.Add(100 * time.Millisecond)})
	test.That(t, errors.Is(err, tagpose.ErrInvalidImage), test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sys.ProcessFrame(cancelled, Frame{Image: blankFrame(), Time: epoch.Add(100 * time.Millisecond)})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	test.That(t, sys.State(), test.ShouldResemble, before)
	test.That(t, sys.Stats(), test.ShouldResemble, stats)

	// the time anchor did not move either
	gyro, accel = stationarySamples(t, epoch, 100*time.Millisecond)
	res, err := sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch.Add(100 * time.Millisecond), Gyro: gyro, Accel: accel})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeTrue)
}

func TestTagSelection(t *testing.T) {
	cfg := testConfig()
	one := 1
	cfg.Tags.MaxHamming = &one
	cfg.Tags.MinDecisionMargin = 20
	cam := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.15})

	quad := func(id, hamming int, margin float64) fiducial.Quad {
		var q fiducial.Quad
		if id == 9 {
			// not placed in the world; reuse tag 3's image position
			q = seenQuad(t, cfg, 3, cam)
			q.ID = 9
		} else {
			q = seenQuad(t, cfg, id, cam)
		}
		q.Hamming = hamming
		q.DecisionMargin = margin
		return q
	}

	for _, tc := range []struct {
		name     string
		quads    []fiducial.Quad
		want     int
		rejected int64
	}{
		{"fewest corrected bits", []fiducial.Quad{quad(3, 1, 80), quad(4, 0, 30)}, 4, 0},
		{"widest margin breaks ties", []fiducial.Quad{quad(3, 0, 60), quad(4, 0, 30)}, 3, 0},
		{"gated by hamming", []fiducial.Quad{quad(3, 1, 40), quad(4, 2, 90)}, 3, 1},
		{"gated by margin", []fiducial.Quad{quad(3, 0, 10), quad(4, 1, 40)}, 4, 1},
		{"unplaced tags are ignored", []fiducial.Quad{quad(9, 0, 90)}, -1, 0},
		{"nothing qualifies", []fiducial.Quad{quad(3, 0, 5), quad(4, 3, 90)}, -1, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sys := newTestSystem(t, cfg, WithQuadDetector(&projectingDetector{quads: tc.quads}))
			res, err := sys.ProcessFrame(context.Background(), Frame{Image: blankFrame(), Time: epoch})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.TagID, test.ShouldEqual, tc.want)
			test.That(t, res.Update == nil, test.ShouldEqual, tc.want == -1)
			test.That(t, sys.Stats().RejectedTags, test.ShouldEqual, tc.rejected)
			test.That(t, len(res.Detections), test.ShouldEqual, len(tc.quads))
		})
	}
}

func TestTagsAtOriginWithoutWorldPlacements(t *testing.T) {
	cfg := testConfig()
	camTag := testutils.FacingCamera(r3.Vector{X: 0.05, Z: 0.7}, r3.Vector{})
	cfg.Tags.World = nil
	model, err := cfg.Camera.Model()
	test.That(t, err, test.ShouldBeNil)
	var q fiducial.Quad
	q.ID = 11
	for i, p := range (tagpose.SquareTag{SideLength: tagSide}).ObjectPoints() {
		px, ok := model.ProjectPoint(spatialmath.TransformPoint(camTag, p))
		test.That(t, ok, test.ShouldBeTrue)
		q.Corners[i] = px
	}
	sys := newTestSystem(t, cfg, WithQuadDetector(&projectingDetector{quads: []fiducial.Quad{q}}))
	res, err := sys.ProcessFrame(context.Background(), Frame{Image: blankFrame(), Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.TagID, test.ShouldEqual, 11)
	test.That(t, res.Update.Applied, test.ShouldBeTrue)

	// the measurement is the camera in the tag's frame
	want := spatialmath.PoseInverse(camTag).Point()
	test.That(t, res.Update.Innovation[0], test.ShouldAlmostEqual, want.X, 1e-6)
	test.That(t, res.Update.Innovation[1], test.ShouldAlmostEqual, want.Y, 1e-6)
	test.That(t, res.Update.Innovation[2], test.ShouldAlmostEqual, want.Z, 1e-6)
}

func TestMaxFrameGap(t *testing.T) {
	cfg := testConfig()
	logger, logs := logging.NewObservedTestLogger(t)
	sys, err := NewSystem(cfg, logger, WithQuadDetector(&projectingDetector{}))
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	_, err = sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	gyro, accel := stationarySamples(t, epoch, 2*time.Second)
	res, err := sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch.Add(2 * time.Second), Gyro: gyro, Accel: accel})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeFalse)
	test.That(t, res.Update, test.ShouldBeNil)
	test.That(t, logs.FilterMessage("frame gap too long to bridge, skipping prediction").Len(), test.ShouldEqual, 1)

	// no samples means no prediction, not an error
	res, err = sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch.Add(2100 * time.Millisecond)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeFalse)
	test.That(t, sys.Stats().Predictions, test.ShouldEqual, 0)
}

func TestLatencyUsesClock(t *testing.T) {
	mock := clock.NewMock()
	det := &projectingDetector{hook: func() { mock.Add(7 * time.Millisecond) }}
	sys := newTestSystem(t, testConfig(), WithQuadDetector(det), WithClock(mock))
	res, err := sys.ProcessFrame(context.Background(), Frame{Image: blankFrame(), Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Latency, test.ShouldEqual, 7*time.Millisecond)
}

func TestProcessImageDrainsBuffer(t *testing.T) {
	cfg := testConfig()
	sys := newTestSystem(t, cfg, WithQuadDetector(&projectingDetector{}))
	ctx := context.Background()
	gyro, accel := stationarySamples(t, epoch, 200*time.Millisecond)
	for i := range gyro {
		test.That(t, sys.AddGyro(gyro[i]), test.ShouldBeNil)
		test.That(t, sys.AddAccel(accel[i]), test.ShouldBeNil)
	}

	res, err := sys.ProcessImage(ctx, blankFrame(), epoch.Add(100*time.Millisecond))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeFalse)
	res, err = sys.ProcessImage(ctx, blankFrame(), epoch.Add(200*time.Millisecond))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeTrue)
	// a level body at rest stays put
	test.That(t, res.State.Position.Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, res.State.Velocity.Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestReset(t *testing.T) {
	cfg := testConfig()
	cfg.Filter.InitialPose = &PoseConfig{Translation: []float64{1, 2, 3}}
	truth := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1})
	det := &projectingDetector{quads: []fiducial.Quad{seenQuad(t, cfg, 3, truth)}}
	sys := newTestSystem(t, cfg, WithQuadDetector(det))
	test.That(t, sys.State().Position, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	ctx := context.Background()

	_, err := sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sys.IsInitialized(), test.ShouldBeTrue)
	session := sys.SessionID()

	sys.Reset()
	test.That(t, sys.SessionID(), test.ShouldNotEqual, session)
	test.That(t, sys.Stats(), test.ShouldResemble, Stats{})
	test.That(t, sys.IsInitialized(), test.ShouldBeFalse)
	test.That(t, sys.State().Position, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})

	// an earlier frame is accepted again and only anchors time
	gyro, accel := stationarySamples(t, epoch.Add(-time.Second), 100*time.Millisecond)
	res, err := sys.ProcessFrame(ctx, Frame{Image: blankFrame(), Time: epoch.Add(-900 * time.Millisecond), Gyro: gyro, Accel: accel})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Predicted, test.ShouldBeFalse)
}

func TestRenderedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Tags.World = []TagPlacement{
		{ID: 5, Pose: PoseConfig{Translation: []float64{0, 0, 0.8}, RotationVector: []float64{math.Pi, 0, 0}}},
	}
	cfg.Filter.InitialPose = &PoseConfig{Translation: []float64{0.1, 0, 0}}
	sys := newTestSystem(t, cfg)

	dict := fiducial.Dict4x4_50()
	texture, err := fiducial.RenderMarker(dict, 5, 20, 2)
	test.That(t, err, test.ShouldBeNil)
	// the camera sits at the world origin
	img := testutils.RenderScene(testutils.NewTestCameraModel(), 200, testutils.PlanarTarget{
		Texture:          texture,
		Width:            testutils.MarkerTargetWidth(tagSide, dict.Bits, 2),
		CameraFromTarget: cfg.worldPlacements()[5],
	})

	res, err := sys.ProcessFrame(context.Background(), Frame{Image: img, Time: epoch})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Detections), test.ShouldEqual, 1)
	test.That(t, res.TagID, test.ShouldEqual, 5)
	test.That(t, res.Update.Applied, test.ShouldBeTrue)
	test.That(t, res.Update.Innovation[0], test.ShouldAlmostEqual, -0.1, 0.01)
	test.That(t, res.State.Position.Norm(), test.ShouldBeLessThan, 0.1)
}

func TestNewSystemValidation(t *testing.T) {
	_, err := NewSystem(nil, nil)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := testConfig()
	cfg.Tags.SideLength = 0
	_, err = NewSystem(cfg, nil)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig()
	cfg.Camera.IntrinsicsFile = "/nonexistent/intrinsics.json"
	_, err = NewSystem(cfg, nil)
	test.That(t, err, test.ShouldNotBeNil)

	sys, err := NewSystem(testConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sys.Estimator().Tag(), test.ShouldResemble, tagpose.SquareTag{SideLength: tagSide})
}
