package main

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/martinbibb-cmd/Clearance-wizard/fusion/ekf"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage"
	"github.com/martinbibb-cmd/Clearance-wizard/testutils"
	"github.com/martinbibb-cmd/Clearance-wizard/vision/fiducial"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)
	test.That(t, app.Run(append([]string{"vio"}, args...)), test.ShouldBeNil)
	return out.String()
}

func TestMarkerCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.png")
	runApp(t, "marker", "--cell-px", "10", "-o", path, "7")

	img, err := rimage.ReadImageFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 80, 80))

	var out, errOut bytes.Buffer
	err = newApp(&out, &errOut).Run([]string{"vio", "marker", "-o", path, "not-a-number"})
	test.That(t, err, test.ShouldNotBeNil)
	err = newApp(&out, &errOut).Run([]string{"vio", "marker", "-o", path, "--dictionary", "nope", "1"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDetectCommand(t *testing.T) {
	dir := t.TempDir()
	const side = 0.1
	dict := fiducial.Dict4x4_50()
	texture, err := fiducial.RenderMarker(dict, 3, 20, 2)
	test.That(t, err, test.ShouldBeNil)
	img := testutils.RenderScene(testutils.NewTestCameraModel(), 200, testutils.PlanarTarget{
		Texture:          texture,
		Width:            testutils.MarkerTargetWidth(side, dict.Bits, 2),
		CameraFromTarget: testutils.FacingCamera(r3.Vector{Z: 0.8}, r3.Vector{}),
	})
	imgPath := filepath.Join(dir, "scene.png")
	test.That(t, rimage.WriteImageToFile(imgPath, img), test.ShouldBeNil)

	cfgPath := filepath.Join(dir, "vio.json5")
	cfg := fmt.Sprintf(`{
		camera: {width: 640, height: 480, fx: 500, fy: 500, ppx: 320, ppy: 240},
		tags: {side_length_m: %v},
	}`, side)
	test.That(t, os.WriteFile(cfgPath, []byte(cfg), 0o600), test.ShouldBeNil)

	overlayPath := filepath.Join(dir, "overlay.png")
	logPath := filepath.Join(dir, "vio.log")
	out := runApp(t, "--config", cfgPath, "--log-file", logPath, "detect", "--overlay", overlayPath, imgPath)
	test.That(t, out, test.ShouldContainSubstring, "found 1 tag(s)")
	test.That(t, out, test.ShouldContainSubstring, "X:")

	overlay, err := rimage.ReadImageFromFile(overlayPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, overlay.Bounds(), test.ShouldResemble, img.Bounds())

	logs, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logs), test.ShouldContainSubstring, "wrote overlay")
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	plotPath := filepath.Join(dir, "trajectory.png")
	snapPath := filepath.Join(dir, "state.json")
	out := runApp(t, "simulate", "--duration", "200ms", "--fps", "10", "--plot", plotPath, "--snapshot", snapPath)
	test.That(t, out, test.ShouldContainSubstring, "frames 3, predictions 2")
	test.That(t, out, test.ShouldContainSubstring, "position error: mean")

	_, err := os.Stat(plotPath)
	test.That(t, err, test.ShouldBeNil)

	f, err := os.Open(snapPath)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	snap, err := ekf.ReadSnapshot(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(snap.Mean), test.ShouldEqual, ekf.StateSize)

	var stdout, stderr bytes.Buffer
	err = newApp(&stdout, &stderr).Run([]string{"vio", "simulate", "--motion", "spiral"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIMUCommand(t *testing.T) {
	// a phone lying face up and still for one second at 100 Hz
	var lines strings.Builder
	for i := 0; i <= 100; i++ {
		ts := 50 + float64(i)/100
		fmt.Fprintf(&lines, `{"gyroTimestamp_sinceReboot":%v,"gyroRotationX":0,"gyroRotationY":0,"gyroRotationZ":0,`+
			`"accelerometerTimestamp_sinceReboot":%v,"accelerometerAccelerationX":0,"accelerometerAccelerationY":0,`+
			`"accelerometerAccelerationZ":-1}`+"\n", ts, ts)
	}
	path := filepath.Join(t.TempDir(), "phone.log")
	test.That(t, os.WriteFile(path, []byte(lines.String()), 0o600), test.ShouldBeNil)

	out := runApp(t, "imu", path)
	test.That(t, out, test.ShouldContainSubstring, "101 gyroscope samples")
	test.That(t, out, test.ShouldContainSubstring, "rotation 0.0000 0.0000 0.0000 rad")

	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run([]string{"vio", "imu"})
	test.That(t, err, test.ShouldNotBeNil)
	err = newApp(&stdout, &stderr).Run([]string{"vio", "imu", filepath.Join(t.TempDir(), "missing.log")})
	test.That(t, err, test.ShouldNotBeNil)
}
