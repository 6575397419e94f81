package vio

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/martinbibb-cmd/Clearance-wizard/fusion/ekf"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
)

// PoseConfig is a rigid transform: a translation in meters and a rotation vector (axis times angle)
// in radians.
type PoseConfig struct {
	Translation    []float64 `json:"translation"`
	RotationVector []float64 `json:"rotation_vector"`
}

// Validate ensures all parts of the config are valid.
func (p *PoseConfig) Validate(path string) error {
	var err error
	for field, v := range map[string][]float64{"translation": p.Translation, "rotation_vector": p.RotationVector} {
		if len(v) == 0 {
			continue
		}
		if _, vErr := toVector(v); vErr != nil {
			err = multierr.Append(err, utils.NewConfigValidationError(path, errors.Wrap(vErr, field)))
		}
	}
	return err
}

// Pose returns the transform. Missing parts are zero.
func (p *PoseConfig) Pose() spatialmath.Pose {
	if p == nil {
		return spatialmath.NewZeroPose()
	}
	t, _ := toVector(p.Translation)
	rv, _ := toVector(p.RotationVector)
	return spatialmath.NewPose(t, spatialmath.NewOrientationFromQuat(spatialmath.QuatFromRotationVector(rv)))
}

func toVector(v []float64) (r3.Vector, error) {
	if len(v) == 0 {
		return r3.Vector{}, nil
	}
	if len(v) != 3 {
		return r3.Vector{}, errors.Errorf("expected 3 values, got %d", len(v))
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return r3.Vector{}, errors.New("values must be finite")
		}
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// CameraConfig describes the camera. Intrinsics come from IntrinsicsFile if set, else from the focal
// lengths if set, else from FOVDegrees.
type CameraConfig struct {
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Fx             float64 `json:"fx"`
	Fy             float64 `json:"fy"`
	Ppx            float64 `json:"ppx"`
	Ppy            float64 `json:"ppy"`
	FOVDegrees     float64 `json:"fov_degrees"`
	IntrinsicsFile string  `json:"intrinsics_file"`
	// Distortion holds OpenCV-ordered coefficients k1, k2, p1, p2[, k3].
	Distortion []float64 `json:"distortion"`
}

// Validate ensures all parts of the config are valid.
func (c *CameraConfig) Validate(path string) error {
	var err error
	if c.IntrinsicsFile == "" {
		if c.Width <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "width"))
		}
		if c.Height <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "height"))
		}
		if c.Fx <= 0 && c.FOVDegrees <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationError(path,
				errors.New("one of intrinsics_file, fx or fov_degrees is required")))
		}
	}
	if l := len(c.Distortion); l != 0 && l != 4 && l != 5 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf("distortion needs 4 or 5 coefficients, got %d", l)))
	}
	return err
}

// Model builds the camera model.
func (c *CameraConfig) Model() (*transform.PinholeCameraModel, error) {
	var intrinsics *transform.PinholeCameraIntrinsics
	var err error
	switch {
	case c.IntrinsicsFile != "":
		intrinsics, err = transform.NewPinholeCameraIntrinsicsFromJSONFile(c.IntrinsicsFile)
	case c.Fx > 0:
		fy := c.Fy
		if fy <= 0 {
			fy = c.Fx
		}
		intrinsics = &transform.PinholeCameraIntrinsics{
			Width: c.Width, Height: c.Height, Fx: c.Fx, Fy: fy, Ppx: c.Ppx, Ppy: c.Ppy,
		}
	default:
		intrinsics, err = transform.NewPinholeCameraIntrinsicsFromFOV(c.Width, c.Height, c.FOVDegrees)
	}
	if err != nil {
		return nil, err
	}
	var distortion transform.Distorter
	if len(c.Distortion) > 0 {
		bc, err := transform.NewBrownConradyFromOpenCV(c.Distortion)
		if err != nil {
			return nil, err
		}
		distortion = bc
	}
	return transform.NewPinholeCameraModel(intrinsics, distortion)
}

// TagPlacement fixes a tag in the world frame.
type TagPlacement struct {
	ID   int        `json:"id"`
	Pose PoseConfig `json:"pose"`
}

// TagConfig describes the tags and which detections may correct the filter.
type TagConfig struct {
	Dictionary string  `json:"dictionary"`
	SideLength float64 `json:"side_length_m"`
	// MaxHamming defaults to the dictionary's correctable bits.
	MaxHamming           *int    `json:"max_hamming"`
	MinDecisionMargin    float64 `json:"min_decision_margin"`
	MaxReprojectionError float64 `json:"max_reprojection_error_px"`
	// World places tags in the world frame. When empty every tag is taken to be the world origin.
	World []TagPlacement `json:"world"`
}

// Validate ensures all parts of the config are valid.
func (c *TagConfig) Validate(path string) error {
	var err error
	if _, dErr := fiducial.DictionaryByName(c.Dictionary); dErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, dErr))
	}
	if !(c.SideLength > 0) || math.IsInf(c.SideLength, 0) {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "side_length_m"))
	}
	if c.MaxHamming != nil && *c.MaxHamming < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("max_hamming must not be negative")))
	}
	if c.MinDecisionMargin < 0 || c.MaxReprojectionError < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("tag quality gates must not be negative")))
	}
	seen := map[int]bool{}
	for i, placement := range c.World {
		if seen[placement.ID] {
			err = multierr.Append(err, utils.NewConfigValidationError(path,
				errors.Errorf("tag %d is placed more than once", placement.ID)))
		}
		seen[placement.ID] = true
		err = multierr.Append(err, placement.Pose.Validate(fmt.Sprintf("%s.%s.%d.pose", path, "world", i)))
	}
	return err
}

// FilterConfig tunes the fusion filter. Unset noise values keep their defaults.
type FilterConfig struct {
	ProcessNoise      ekf.ProcessNoise     `json:"process_noise"`
	MeasurementNoise  ekf.MeasurementNoise `json:"measurement_noise"`
	InitialCovariance []float64            `json:"initial_covariance"`
	InitialPose       *PoseConfig          `json:"initial_pose"`
	// BodyToCamera is the camera pose in the inertial sensor's frame.
	BodyToCamera *PoseConfig `json:"body_to_camera"`
	Gravity      []float64   `json:"gravity"`
}

// Validate ensures all parts of the config are valid.
func (c *FilterConfig) Validate(path string) error {
	var err error
	if c.InitialPose != nil {
		err = multierr.Append(err, c.InitialPose.Validate(fmt.Sprintf("%s.%s", path, "initial_pose")))
	}
	if c.BodyToCamera != nil {
		err = multierr.Append(err, c.BodyToCamera.Validate(fmt.Sprintf("%s.%s", path, "body_to_camera")))
	}
	if _, gErr := toVector(c.Gravity); gErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.Wrap(gErr, "gravity")))
	}
	if err != nil {
		return err
	}
	if _, fErr := c.filterConfig(); fErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, fErr))
	}
	return err
}

func (c *FilterConfig) filterConfig() (ekf.Config, error) {
	cfg := ekf.DefaultConfig()
	cfg.ProcessNoise = c.ProcessNoise
	cfg.MeasurementNoise = c.MeasurementNoise
	cfg.InitialCovariance = c.InitialCovariance
	if len(c.Gravity) != 0 {
		g, err := toVector(c.Gravity)
		if err != nil {
			return ekf.Config{}, err
		}
		cfg.Gravity = g
	}
	if c.InitialPose != nil {
		p := c.InitialPose.Pose()
		cfg.InitialState.Position = p.Point()
		cfg.InitialState.Orientation = p.Orientation().Quaternion()
	}
	if c.BodyToCamera != nil {
		cfg.BodyToCamera = c.BodyToCamera.Pose()
	}
	return cfg, cfg.Validate()
}

// Config describes a System.
type Config struct {
	Camera CameraConfig `json:"camera"`
	Tags   TagConfig    `json:"tags"`
	Filter FilterConfig `json:"filter"`
	// MaxFrameGap is the longest frame interval still bridged by inertial prediction. Longer gaps
	// only move the time anchor.
	MaxFrameGap time.Duration `json:"max_frame_gap"`
	// IMUBufferCapacity bounds the samples queued per stream between frames.
	IMUBufferCapacity int `json:"imu_buffer_capacity"`
}

// DefaultConfig returns a config for a 640x480 camera with a 60 degree field of view and 4x4 tags.
// The tag size must still be filled in.
func DefaultConfig() *Config {
	filter := ekf.DefaultConfig()
	return &Config{
		Camera: CameraConfig{Width: 640, Height: 480, FOVDegrees: 60},
		Tags:   TagConfig{Dictionary: "4x4_50"},
		Filter: FilterConfig{
			ProcessNoise:     filter.ProcessNoise,
			MeasurementNoise: filter.MeasurementNoise,
		},
		MaxFrameGap: time.Second,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	err := multierr.Combine(
		cfg.Camera.Validate(fmt.Sprintf("%s.%s", path, "camera")),
		cfg.Tags.Validate(fmt.Sprintf("%s.%s", path, "tags")),
		cfg.Filter.Validate(fmt.Sprintf("%s.%s", path, "filter")),
	)
	if cfg.MaxFrameGap <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "max_frame_gap"))
	}
	if cfg.IMUBufferCapacity < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("imu_buffer_capacity must not be negative")))
	}
	return err
}

// ReadConfig reads a JSON5 config file, substituting ${VAR} environment references first.
func ReadConfig(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader decodes a JSON5 config over DefaultConfig and validates it. Unknown keys are errors.
// originalPath names the source in validation errors.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", originalPath)
	}

	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", originalPath)
	}
	if err := cfg.Validate(originalPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) worldPlacements() map[int]spatialmath.Pose {
	world := make(map[int]spatialmath.Pose, len(cfg.Tags.World))
	for _, placement := range cfg.Tags.World {
		p := placement.Pose
		world[placement.ID] = p.Pose()
	}
	return world
}
