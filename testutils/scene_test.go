package testutils

import (
	"image"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestRenderScene(t *testing.T) {
	model := NewTestCameraModel()
	texture := image.NewGray(image.Rect(0, 0, 10, 10))
	// black everywhere except the top-left quadrant
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			texture.Pix[y*texture.Stride+x] = 255
		}
	}
	target := PlanarTarget{
		Texture:          texture,
		Width:            0.2,
		CameraFromTarget: FacingCamera(r3.Vector{Z: 1}, r3.Vector{}),
	}
	img := RenderScene(model, 128, target)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 640, 480))

	// the target spans 100 px around the principal point
	test.That(t, img.GrayAt(5, 5).Y, test.ShouldEqual, uint8(128))
	test.That(t, img.GrayAt(300, 220).Y, test.ShouldEqual, uint8(255))
	test.That(t, img.GrayAt(340, 260).Y, test.ShouldEqual, uint8(0))
	test.That(t, img.GrayAt(340, 220).Y, test.ShouldEqual, uint8(0))

	// a target behind the camera is invisible
	target.CameraFromTarget = FacingCamera(r3.Vector{Z: -1}, r3.Vector{})
	img = RenderScene(model, 77, target)
	test.That(t, img.GrayAt(320, 240).Y, test.ShouldEqual, uint8(77))
}

func TestMarkerTargetWidth(t *testing.T) {
	test.That(t, MarkerTargetWidth(0.12, 4, 1), test.ShouldAlmostEqual, 0.16)
}
