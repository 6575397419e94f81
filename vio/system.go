// Package vio runs tag-aided visual-inertial odometry: inertial batches between frames are
// pre-integrated into filter predictions, and tags with known world placements seen in each frame
// correct the filter with a camera pose measurement.
package vio

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/martinbibb-cmd/Clearance-wizard/fusion/ekf"
	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/tagpose"
)

// ErrFrameOrder is returned for a frame that is not newer than the previous one.
var ErrFrameOrder = errors.New("frame is not newer than the previous frame")

// Frame is one camera image with the inertial samples gathered since the previous frame.
type Frame struct {
	Image image.Image
	Time  time.Time
	Gyro  []imu.Sample
	Accel []imu.Sample
}

// FrameResult is the estimate after a frame.
type FrameResult struct {
	Time  time.Time
	State ekf.State
	// Pose is the body pose in the world frame.
	Pose        spatialmath.Pose
	Uncertainty float64
	Detections  []tagpose.Detection
	// Predicted reports whether an inertial prediction ran for this frame.
	Predicted bool
	// TagID is the tag that produced the measurement, or -1.
	TagID int
	// Update is nil when no tag qualified.
	Update  *ekf.UpdateResult
	Latency time.Duration
}

// Stats counts what the system has done since it was built or reset.
type Stats struct {
	Frames         int64
	Predictions    int64
	Detections     int64
	RejectedTags   int64
	Updates        int64
	SkippedUpdates int64
}

type counters struct {
	frames         atomic.Int64
	predictions    atomic.Int64
	detections     atomic.Int64
	rejectedTags   atomic.Int64
	updates        atomic.Int64
	skippedUpdates atomic.Int64
}

func (c *counters) reset() {
	c.frames.Store(0)
	c.predictions.Store(0)
	c.detections.Store(0)
	c.rejectedTags.Store(0)
	c.updates.Store(0)
	c.skippedUpdates.Store(0)
}

// System fuses camera frames and inertial samples into a pose estimate. Frame processing, State
// and Reset are serialized; Stats and the inertial buffer may be used from any goroutine.
type System struct {
	mu     sync.Mutex
	cfg    *Config
	logger logging.Logger
	clock  clock.Clock

	estimator  *tagpose.Estimator
	integrator *imu.Preintegrator
	filter     *ekf.Filter
	buffer     *imu.Buffer

	world      map[int]spatialmath.Pose
	maxHamming int
	sessionID  uuid.UUID

	haveFrame bool
	lastFrame time.Time

	stats counters
}

// NewSystem validates cfg and builds the estimator, pre-integrator and filter.
func NewSystem(cfg *Config, logger logging.Logger, opts ...Option) (*System, error) {
	if cfg == nil {
		return nil, errors.New("vio system needs a config")
	}
	if err := cfg.Validate("vio"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("vio")
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt.apply(&o)
	}

	model, err := cfg.Camera.Model()
	if err != nil {
		return nil, errors.Wrap(err, "building camera model")
	}
	dict, err := fiducial.DictionaryByName(cfg.Tags.Dictionary)
	if err != nil {
		return nil, err
	}
	maxHamming := dict.CorrectableBits()
	if cfg.Tags.MaxHamming != nil {
		maxHamming = *cfg.Tags.MaxHamming
	}
	detector := o.detector
	if detector == nil {
		detCfg := fiducial.DefaultDetectorConfig()
		detCfg.Dictionary = dict
		detCfg.MaxHamming = maxHamming
		d, err := fiducial.NewDetector(detCfg, logger.Sublogger("fiducial"))
		if err != nil {
			return nil, err
		}
		detector = d
	}
	estimator, err := tagpose.NewEstimator(model, tagpose.SquareTag{SideLength: cfg.Tags.SideLength}, detector,
		logger.Sublogger("tagpose"))
	if err != nil {
		return nil, err
	}

	filterCfg, err := cfg.Filter.filterConfig()
	if err != nil {
		return nil, err
	}
	filter, err := ekf.NewFilter(filterCfg, logger.Sublogger("ekf"))
	if err != nil {
		return nil, err
	}

	return &System{
		cfg:        cfg,
		logger:     logger,
		clock:      o.clock,
		estimator:  estimator,
		integrator: imu.NewPreintegrator(imu.WithGravity(filterCfg.Gravity), imu.WithLogger(logger.Sublogger("imu"))),
		filter:     filter,
		buffer:     imu.NewBuffer(cfg.IMUBufferCapacity),
		world:      cfg.worldPlacements(),
		maxHamming: maxHamming,
		sessionID:  uuid.New(),
	}, nil
}

// SessionID identifies the run since the system was built or last reset.
func (s *System) SessionID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Estimator returns the tag pose estimator.
func (s *System) Estimator() *tagpose.Estimator {
	return s.estimator
}

// AddGyro queues a gyroscope sample for ProcessImage.
func (s *System) AddGyro(sample imu.Sample) error {
	return s.buffer.AddGyro(sample)
}

// AddAccel queues an accelerometer sample for ProcessImage.
func (s *System) AddAccel(sample imu.Sample) error {
	return s.buffer.AddAccel(sample)
}

// ProcessImage processes img with the queued inertial samples taken at or before t.
func (s *System) ProcessImage(ctx context.Context, img image.Image, t time.Time) (*FrameResult, error) {
	gyro, accel := s.buffer.Drain(t)
	return s.ProcessFrame(ctx, Frame{Image: img, Time: t, Gyro: gyro, Accel: accel})
}

// ProcessFrame advances the estimate to the frame's time and corrects it with the best tag in the
// image. The first frame only anchors time. On error the estimate is unchanged.
func (s *System) ProcessFrame(ctx context.Context, frame Frame) (*FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.clock.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.haveFrame && !frame.Time.After(s.lastFrame) {
		return nil, errors.Wrapf(ErrFrameOrder, "frame at %v, previous at %v", frame.Time, s.lastFrame)
	}

	var delta *imu.MotionDelta
	var dt time.Duration
	if s.haveFrame {
		dt = frame.Time.Sub(s.lastFrame)
		switch {
		case dt > s.cfg.MaxFrameGap:
			s.logger.Warnw("frame gap too long to bridge, skipping prediction", "gap", dt, "max", s.cfg.MaxFrameGap)
		case len(frame.Gyro) == 0 || len(frame.Accel) == 0:
			s.logger.Debugw("no inertial samples for frame, skipping prediction", "time", frame.Time)
		default:
			state := s.filter.State()
			s.integrator.SetBias(state.GyroBias, state.AccelBias)
			var err error
			if delta, err = s.integrator.Integrate(frame.Gyro, frame.Accel, state.Orientation); err != nil {
				return nil, errors.Wrap(err, "integrating inertial samples")
			}
		}
	}

	detections, err := s.estimator.Detect(frame.Image)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &FrameResult{Time: frame.Time, Detections: detections, TagID: -1}
	if delta != nil {
		// time advances by the frame interval; the delta spans its own samples, which the buffer
		// tiles across frames by keeping each boundary reading
		if err := s.filter.Predict(delta, dt); err != nil {
			return nil, err
		}
		result.Predicted = true
		s.stats.predictions.Inc()
	}
	s.haveFrame = true
	s.lastFrame = frame.Time
	s.stats.frames.Inc()
	s.stats.detections.Add(int64(len(detections)))

	if det, worldTag, ok := s.selectTag(detections); ok {
		measured := spatialmath.Compose(worldTag, spatialmath.PoseInverse(det.Pose()))
		update := s.filter.Update(measured.Point(), measured.Orientation())
		result.TagID = det.ID
		result.Update = &update
		if update.Applied {
			s.stats.updates.Inc()
		} else {
			s.stats.skippedUpdates.Inc()
		}
	}

	state := s.filter.State()
	result.State = state
	result.Pose = state.Pose()
	result.Uncertainty = s.filter.PositionUncertainty()
	result.Latency = s.clock.Since(start)
	s.logger.Debugw("processed frame",
		"time", frame.Time,
		"detections", len(detections),
		"tag", result.TagID,
		"position", state.Position,
		"uncertainty", result.Uncertainty,
		"latency", result.Latency)
	return result, nil
}

// selectTag picks the detection with the fewest corrected bits, then the widest decision margin,
// among those passing the quality gates and placed in the world.
func (s *System) selectTag(detections []tagpose.Detection) (*tagpose.Detection, spatialmath.Pose, bool) {
	var best *tagpose.Detection
	var bestPose spatialmath.Pose
	for i := range detections {
		det := &detections[i]
		if reason := s.rejectReason(det); reason != "" {
			s.stats.rejectedTags.Inc()
			s.logger.Debugw("ignoring tag", "id", det.ID, "reason", reason)
			continue
		}
		worldTag := spatialmath.NewZeroPose()
		if len(s.world) > 0 {
			placed, ok := s.world[det.ID]
			if !ok {
				s.logger.Debugw("ignoring tag with no world placement", "id", det.ID)
				continue
			}
			worldTag = placed
		}
		if best == nil || det.Hamming < best.Hamming ||
			(det.Hamming == best.Hamming && det.DecisionMargin > best.DecisionMargin) {
			best, bestPose = det, worldTag
		}
	}
	return best, bestPose, best != nil
}

func (s *System) rejectReason(det *tagpose.Detection) string {
	gates := s.cfg.Tags
	switch {
	case det.Hamming > s.maxHamming:
		return "too many corrected bits"
	case det.DecisionMargin < gates.MinDecisionMargin:
		return "decision margin too small"
	case gates.MaxReprojectionError > 0 && det.ReprojectionError > gates.MaxReprojectionError:
		return "reprojection error too large"
	default:
		return ""
	}
}

// State returns the current filter mean.
func (s *System) State() ekf.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.State()
}

// IsInitialized reports whether a tag measurement has corrected the estimate since the last reset.
func (s *System) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.IsInitialized()
}

// WriteSnapshot writes the filter mean and covariance as JSON.
func (s *System) WriteSnapshot(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.WriteSnapshot(w)
}

// Reset returns the estimate to the configured initial pose, forgets the time anchor, clears the
// counters and starts a new session.
func (s *System) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	initial := s.cfg.Filter.InitialPose.Pose()
	s.filter.Reset(initial.Point(), initial.Orientation())
	s.integrator.Reset()
	s.integrator.SetBias(r3.Vector{}, r3.Vector{})
	s.haveFrame = false
	s.lastFrame = time.Time{}
	s.stats.reset()
	s.sessionID = uuid.New()
	s.logger.Infow("vio reset", "session", s.sessionID)
}

// Stats returns the counters.
func (s *System) Stats() Stats {
	return Stats{
		Frames:         s.stats.frames.Load(),
		Predictions:    s.stats.predictions.Load(),
		Detections:     s.stats.detections.Load(),
		RejectedTags:   s.stats.rejectedTags.Load(),
		Updates:        s.stats.updates.Load(),
		SkippedUpdates: s.stats.skippedUpdates.Load(),
	}
}
