package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage"
	"github.com/martinbibb-cmd/Clearance-wizard/vio"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/tagpose"
)

func (r *runner) detectAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("detect needs exactly one image path")
	}
	cfg, err := r.loadConfig(c)
	if err != nil {
		return err
	}
	img, err := rimage.ReadImageFromFile(c.Args().First())
	if err != nil {
		return err
	}
	// an uncalibrated camera takes its image size from the picture
	if cfg.Camera.IntrinsicsFile == "" && cfg.Camera.Fx <= 0 {
		cfg.Camera.Width, cfg.Camera.Height = img.Bounds().Dx(), img.Bounds().Dy()
	}
	sys, err := vio.NewSystem(cfg, r.logger.Sublogger("vio"))
	if err != nil {
		return err
	}
	est := sys.Estimator()
	detections, err := est.Detect(img)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "found %d tag(s)\n", len(detections))
	if len(detections) > 0 {
		fmt.Fprintln(c.App.Writer, detectionTable(detections))
	}

	if out := c.String(flagOverlay); out != "" {
		if err := rimage.WriteImageToFile(out, rimage.DrawDetections(img, est.Overlays(detections))); err != nil {
			return err
		}
		r.logger.Infow("wrote overlay", "path", out)
	}
	return nil
}

func (r *runner) markerAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("marker needs exactly one id")
	}
	id, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return errors.Wrap(err, "marker id must be an integer")
	}
	dict, err := fiducial.DictionaryByName(c.String(flagDictionary))
	if err != nil {
		return err
	}
	img, err := fiducial.RenderMarker(dict, id, c.Int(flagCellPixels), c.Int(flagQuietCells))
	if err != nil {
		return err
	}
	out := c.String(flagOutput)
	if err := rimage.WriteImageToFile(out, img); err != nil {
		return err
	}
	r.logger.Infow("wrote marker", "id", id, "dictionary", dict.Name, "path", out)
	return nil
}

// detectionTable renders one row per detection, translation in meters and rotation vector in radians.
func detectionTable(detections []tagpose.Detection) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Translation", "Rotation", "Hamming", "Margin", "Reprojection"})
	for _, det := range detections {
		t.AppendRow([]interface{}{
			fmt.Sprintf("%d", det.ID),
			fmt.Sprintf("X:%.4f, Y:%.4f, Z:%.4f", det.Translation.X, det.Translation.Y, det.Translation.Z),
			fmt.Sprintf("X:%.4f, Y:%.4f, Z:%.4f", det.RotationVector.X, det.RotationVector.Y, det.RotationVector.Z),
			fmt.Sprintf("%d", det.Hamming),
			fmt.Sprintf("%.1f", det.DecisionMargin),
			fmt.Sprintf("%.3f px", det.ReprojectionError),
		})
	}
	return t.Render()
}
