package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
	"github.com/martinbibb-cmd/Clearance-wizard/testutils"
	"github.com/martinbibb-cmd/Clearance-wizard/vio"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
)

const (
	defaultSimDuration = 4 * time.Second
	simRadius          = 0.5
	simCeiling         = 2.0
	simBackground      = 128
)

var simStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// simulationTags places a row of tags on the ceiling above the simulated paths, printed faces down.
func simulationTags() []vio.TagPlacement {
	var placements []vio.TagPlacement
	for i := 0; i < 6; i++ {
		placements = append(placements, vio.TagPlacement{
			ID: i,
			Pose: vio.PoseConfig{
				Translation:    []float64{float64(i) - 1, simRadius, simCeiling},
				RotationVector: []float64{math.Pi, 0, 0},
			},
		})
	}
	return placements
}

// worldTarget is a rendered marker at its world pose.
type worldTarget struct {
	texture  *testutils.PlanarTarget
	worldTag spatialmath.Pose
}

func renderTargets(cfg *vio.Config) ([]worldTarget, error) {
	dict, err := fiducial.DictionaryByName(cfg.Tags.Dictionary)
	if err != nil {
		return nil, err
	}
	const quiet = 1
	targets := make([]worldTarget, 0, len(cfg.Tags.World))
	for _, placement := range cfg.Tags.World {
		texture, err := fiducial.RenderMarker(dict, placement.ID, 16, quiet)
		if err != nil {
			return nil, err
		}
		targets = append(targets, worldTarget{
			texture: &testutils.PlanarTarget{
				Texture: texture,
				Width:   testutils.MarkerTargetWidth(cfg.Tags.SideLength, dict.Bits, quiet),
			},
			worldTag: placement.Pose.Pose(),
		})
	}
	return targets, nil
}

// inCamera returns the targets as seen by a camera at worldCam.
func inCamera(targets []worldTarget, worldCam spatialmath.Pose) []testutils.PlanarTarget {
	camWorld := spatialmath.PoseInverse(worldCam)
	out := make([]testutils.PlanarTarget, 0, len(targets))
	for _, t := range targets {
		target := *t.texture
		target.CameraFromTarget = spatialmath.Compose(camWorld, t.worldTag)
		out = append(out, target)
	}
	return out
}

func (r *runner) simulateAction(c *cli.Context) error {
	cfg, err := r.loadConfig(c)
	if err != nil {
		return err
	}
	if len(cfg.Tags.World) == 0 {
		cfg.Tags.World = simulationTags()
	}
	fps := c.Float64(flagFPS)
	if !(fps > 0) {
		return errors.Errorf("frame rate must be positive, got %v", fps)
	}

	sim := imu.DefaultSimulationConfig(imu.MotionType(c.String(flagMotion)), c.Duration(flagDuration))
	sim.Start = simStart
	sim.Seed = c.Int64(flagSeed)
	sim.Radius = simRadius
	if err := sim.Validate(); err != nil {
		return err
	}
	gyro, accel, err := imu.Simulate(sim)
	if err != nil {
		return err
	}

	sys, err := vio.NewSystem(cfg, r.logger.Sublogger("vio"))
	if err != nil {
		return err
	}
	model, err := cfg.Camera.Model()
	if err != nil {
		return err
	}
	targets, err := renderTargets(cfg)
	if err != nil {
		return err
	}
	bodyCam := cfg.Filter.BodyToCamera.Pose()

	r.logger.Infow("starting simulation",
		"session", sys.SessionID(),
		"motion", sim.Motion,
		"duration", sim.Duration,
		"fps", fps,
		"tags", len(targets))

	frames := int(sim.Duration.Seconds()*fps) + 1
	rendered, err := renderFrames(c.Context, sim, frames, fps, model, targets, bodyCam)
	if err != nil {
		return err
	}

	var (
		errs       []float64
		truthPath  plotter.XYs
		estPath    plotter.XYs
		nextSample int
		last       *vio.FrameResult
	)
	for k, frame := range rendered {
		for ; nextSample < len(gyro) && !gyro[nextSample].Time.After(frame.time); nextSample++ {
			if err := sys.AddGyro(gyro[nextSample]); err != nil {
				return err
			}
			if err := sys.AddAccel(accel[nextSample]); err != nil {
				return err
			}
		}
		res, err := sys.ProcessImage(c.Context, frame.image, frame.time)
		if err != nil {
			return errors.Wrapf(err, "frame %d", k)
		}
		truth := frame.truth.Position
		errs = append(errs, res.State.Position.Sub(truth).Norm())
		truthPath = append(truthPath, plotter.XY{X: truth.X, Y: truth.Y})
		estPath = append(estPath, plotter.XY{X: res.State.Position.X, Y: res.State.Position.Y})
		last = res
	}

	if err := r.printSummary(c, sys, last, errs); err != nil {
		return err
	}
	if path := c.String(flagPlot); path != "" {
		if err := saveTrajectoryPlot(path, truthPath, estPath); err != nil {
			return err
		}
		r.logger.Infow("wrote trajectory plot", "path", path)
	}
	if path := c.String(flagSnapshot); path != "" {
		//nolint:gosec
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		if err := sys.WriteSnapshot(f); err != nil {
			return err
		}
		r.logger.Infow("wrote filter snapshot", "path", path)
	}
	return nil
}

// simFrame is one rendered camera frame with the true body state at its timestamp.
type simFrame struct {
	time  time.Time
	truth imu.TruthState
	image *image.Gray
}

// renderFrames renders every frame of the session ahead of processing, in parallel.
func renderFrames(
	ctx context.Context,
	sim imu.SimulationConfig,
	frames int,
	fps float64,
	model *transform.PinholeCameraModel,
	targets []worldTarget,
	bodyCam spatialmath.Pose,
) ([]simFrame, error) {
	out := make([]simFrame, frames)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for k := range out {
		k := k
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			now := sim.Start.Add(time.Duration(float64(k) / fps * float64(time.Second)))
			truth := sim.Truth(now)
			worldBody := spatialmath.NewPose(truth.Position, spatialmath.NewOrientationFromQuat(truth.Orientation))
			out[k] = simFrame{
				time:  now,
				truth: truth,
				image: testutils.RenderScene(model, simBackground, inCamera(targets, spatialmath.Compose(worldBody, bodyCam))...),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runner) printSummary(c *cli.Context, sys *vio.System, last *vio.FrameResult, errs []float64) error {
	w := c.App.Writer
	st := sys.Stats()
	fmt.Fprintf(w, "frames %d, predictions %d, detections %d, updates %d, skipped updates %d, rejected tags %d\n",
		st.Frames, st.Predictions, st.Detections, st.Updates, st.SkippedUpdates, st.RejectedTags)
	if last != nil {
		p := last.State.Position
		rv := spatialmath.QuatToRotationVector(last.State.Orientation)
		fmt.Fprintf(w, "final position %.3f %.3f %.3f m (±%.3f m), rotation %.3f %.3f %.3f rad\n",
			p.X, p.Y, p.Z, last.Uncertainty, rv.X, rv.Y, rv.Z)
	}
	if len(errs) == 0 {
		return nil
	}
	mean, err := stats.Mean(errs)
	if err != nil {
		return err
	}
	p95, err := stats.Percentile(errs, 95)
	if err != nil {
		return err
	}
	maxErr, err := stats.Max(errs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "position error: mean %.4f m, p95 %.4f m, max %.4f m\n", mean, p95, maxErr)
	if len(errs) > 1 {
		return histogram.Fprint(w, histogram.Hist(10, errs), histogram.Linear(40))
	}
	return nil
}

func saveTrajectoryPlot(path string, truth, estimate plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	truthLine, err := plotter.NewLine(truth)
	if err != nil {
		return err
	}
	truthLine.Color = color.RGBA{B: 200, A: 255}
	estLine, err := plotter.NewLine(estimate)
	if err != nil {
		return err
	}
	estLine.Color = color.RGBA{R: 200, A: 255}
	estLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(plotter.NewGrid(), truthLine, estLine)
	p.Legend.Add("truth", truthLine)
	p.Legend.Add("estimate", estLine)
	return errors.Wrap(p.Save(6*vg.Inch, 6*vg.Inch, path), "saving trajectory plot")
}
