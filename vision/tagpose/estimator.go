// Package tagpose estimates the 6-DoF pose of square fiducial tags relative to a calibrated camera.
package tagpose

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
)

var (
	// ErrInvalidImage is returned for nil or zero-sized input images.
	ErrInvalidImage = errors.New("invalid image")
	// ErrPnPFailed is returned when no valid pose explains a tag's corners.
	ErrPnPFailed = errors.New("square pose estimation failed")
)

// QuadDetector finds tags in a grayscale image and returns their ids and ordered corners.
type QuadDetector interface {
	DetectQuads(gray *image.Gray) ([]fiducial.Quad, error)
}

// SquareTag describes the physical size of the black border of a tag, in meters.
type SquareTag struct {
	SideLength float64
}

// ObjectPoints returns the tag corners in the tag frame (x right, y up, z out of the printed face):
// bottom-left, bottom-right, top-right, top-left.
func (t SquareTag) ObjectPoints() [4]r3.Vector {
	h := t.SideLength / 2
	return [4]r3.Vector{
		{X: -h, Y: -h},
		{X: h, Y: -h},
		{X: h, Y: h},
		{X: -h, Y: h},
	}
}

// Pose is the transform taking tag-frame points into the camera frame.
type Pose struct {
	Translation r3.Vector
	Rotation    *spatialmath.RotationMatrix
	// ReprojectionError is the RMS pixel distance between the observed and reprojected corners.
	ReprojectionError float64
}

// SpatialPose returns p as a spatialmath.Pose.
func (p *Pose) SpatialPose() spatialmath.Pose {
	return spatialmath.NewPose(p.Translation, p.Rotation)
}

// Detection is a decoded tag together with its estimated pose in the camera frame.
type Detection struct {
	ID             int
	Corners        [4]r2.Point
	Center         r2.Point
	Translation    r3.Vector
	Rotation       *spatialmath.RotationMatrix
	RotationVector r3.Vector
	Hamming        int
	DecisionMargin float64
	// ReprojectionError is in pixels.
	ReprojectionError float64
}

// Pose returns the camera-from-tag transform.
func (d *Detection) Pose() spatialmath.Pose {
	return spatialmath.NewPose(d.Translation, d.Rotation)
}

// Estimator detects tags and solves their poses.
type Estimator struct {
	model    *transform.PinholeCameraModel
	tag      SquareTag
	detector QuadDetector
	logger   logging.Logger
}

// NewEstimator returns an estimator for tags of the given size seen through the given camera.
func NewEstimator(
	model *transform.PinholeCameraModel,
	tag SquareTag,
	detector QuadDetector,
	logger logging.Logger,
) (*Estimator, error) {
	if model == nil {
		return nil, transform.NewNoIntrinsicsError("camera model is nil")
	}
	if err := model.CheckValid(); err != nil {
		return nil, err
	}
	if model.Distortion != nil {
		if err := model.Distortion.CheckValid(); err != nil {
			return nil, err
		}
	}
	if !(tag.SideLength > 0) || math.IsInf(tag.SideLength, 0) {
		return nil, errors.Errorf("tag side length must be positive, got %v", tag.SideLength)
	}
	if detector == nil {
		return nil, errors.New("a quad detector is required")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("tagpose")
	}
	return &Estimator{model: model, tag: tag, detector: detector, logger: logger}, nil
}

// Tag returns the tag geometry the estimator solves for.
func (e *Estimator) Tag() SquareTag {
	return e.tag
}

// Detect finds every tag in img and estimates its pose. Tags whose pose cannot be solved are
// dropped. No tags is not an error.
func (e *Estimator) Detect(img image.Image) ([]Detection, error) {
	gray, err := rimage.MakeGray(img)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	quads, err := e.detector.DetectQuads(gray)
	if err != nil {
		return nil, errors.Wrap(err, "detecting tags")
	}

	detections := make([]Detection, 0, len(quads))
	for _, q := range quads {
		pose, err := e.SolveSquare(q.Corners)
		if err != nil {
			e.logger.Debugw("dropping tag", "id", q.ID, "error", err)
			continue
		}
		detections = append(detections, Detection{
			ID:                q.ID,
			Corners:           q.Corners,
			Center:            q.Center,
			Translation:       pose.Translation,
			Rotation:          pose.Rotation,
			RotationVector:    spatialmath.QuatToRotationVector(pose.Rotation.Quaternion()),
			Hamming:           q.Hamming,
			DecisionMargin:    q.DecisionMargin,
			ReprojectionError: pose.ReprojectionError,
		})
	}
	e.logger.Debugw("detected tags", "quads", len(quads), "solved", len(detections))
	return detections, nil
}

// SolveSquare estimates the camera-from-tag pose from the tag's distorted image corners, ordered
// as ObjectPoints. Of the two IPPE solutions, the one with the lower reprojection error wins.
func (e *Estimator) SolveSquare(corners [4]r2.Point) (*Pose, error) {
	var normalized [4]r2.Point
	for i, c := range corners {
		if math.IsNaN(c.X) || math.IsNaN(c.Y) || math.IsInf(c.X, 0) || math.IsInf(c.Y, 0) {
			return nil, errors.Wrap(ErrPnPFailed, "non-finite corner")
		}
		normalized[i] = e.model.NormalizedUndistorted(c)
	}
	object := e.tag.ObjectPoints()
	cands, err := ippeSquare(object, normalized)
	if err != nil {
		return nil, err
	}

	var best *Pose
	for _, c := range cands {
		rms, ok := e.reprojectionError(c, object, corners)
		if !ok {
			continue
		}
		if best == nil || rms < best.ReprojectionError {
			best = &Pose{Translation: c.translation, Rotation: c.rotation, ReprojectionError: rms}
		}
	}
	if best == nil {
		return nil, errors.Wrap(ErrPnPFailed, "no solution in front of the camera")
	}
	return best, nil
}

func (e *Estimator) reprojectionError(c candidate, object [4]r3.Vector, observed [4]r2.Point) (float64, bool) {
	var sum float64
	for i, p := range object {
		px, ok := e.model.ProjectPoint(c.rotation.Mul(p).Add(c.translation))
		if !ok {
			return 0, false
		}
		d := px.Sub(observed[i])
		sum += d.X*d.X + d.Y*d.Y
	}
	rms := math.Sqrt(sum / float64(len(object)))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0, false
	}
	return rms, true
}

// Project maps tag-frame points through pose onto distorted pixels.
func (e *Estimator) Project(pose spatialmath.Pose, points []r3.Vector) ([]r2.Point, error) {
	out := make([]r2.Point, 0, len(points))
	for _, p := range points {
		px, ok := e.model.ProjectPoint(spatialmath.TransformPoint(pose, p))
		if !ok {
			return nil, errors.Errorf("point %v is behind the camera", p)
		}
		out = append(out, px)
	}
	return out, nil
}

// Overlays describes each detection for rimage.DrawDetections, with axes the length of a tag side.
func (e *Estimator) Overlays(detections []Detection) []rimage.DetectionOverlay {
	l := e.tag.SideLength
	out := make([]rimage.DetectionOverlay, 0, len(detections))
	for i := range detections {
		d := &detections[i]
		overlay := rimage.DetectionOverlay{
			Label:   fmt.Sprintf("ID: %d", d.ID),
			Corners: d.Corners[:],
			Color:   rimage.TagColor(d.ID),
		}
		if d.Rotation != nil {
			pts, err := e.Project(d.Pose(), []r3.Vector{{}, {X: l}, {Y: l}, {Z: l}})
			if err == nil {
				overlay.Axes = &rimage.Axes{Origin: pts[0], X: pts[1], Y: pts[2], Z: pts[3]}
			}
		}
		out = append(out, overlay)
	}
	return out
}

// FindDetection returns the detection with the given id, if any.
func FindDetection(detections []Detection, id int) (*Detection, bool) {
	for i := range detections {
		if detections[i].ID == id {
			return &detections[i], true
		}
	}
	return nil, false
}
