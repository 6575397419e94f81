// Package testutils renders synthetic camera frames and provides camera fixtures for tests and simulations.
package testutils

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// subpixelOffsets is a 2x2 supersampling pattern.
var subpixelOffsets = []r2.Point{{X: -0.25, Y: -0.25}, {X: 0.25, Y: -0.25}, {X: -0.25, Y: 0.25}, {X: 0.25, Y: 0.25}}

// PlanarTarget is a square texture lying in the z=0 plane of its own frame, centered on the origin,
// x to the right and y up across the texture.
type PlanarTarget struct {
	Texture *image.Gray
	// Width is the physical width of the whole texture in meters.
	Width float64
	// CameraFromTarget is the target's pose in the camera frame.
	CameraFromTarget spatialmath.Pose
}

// MarkerTargetWidth is the physical width of a rendered marker texture whose black border spans
// tagSide meters, given the number of payload bits and quiet zone cells per side.
func MarkerTargetWidth(tagSide float64, payloadBits, quietCells int) float64 {
	return tagSide * float64(payloadBits+2+2*quietCells) / float64(payloadBits+2)
}

// RenderScene ray casts every pixel of model's image against the targets. Pixels that miss all
// targets get the background level. Pixel centers sit on integer coordinates.
func RenderScene(model *transform.PinholeCameraModel, background uint8, targets ...PlanarTarget) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, model.Width, model.Height))
	for y := 0; y < model.Height; y++ {
		for x := 0; x < model.Width; x++ {
			var sum float64
			for _, off := range subpixelOffsets {
				sum += castRay(model, r2.Point{X: float64(x) + off.X, Y: float64(y) + off.Y}, background, targets)
			}
			out.Pix[y*out.Stride+x] = uint8(math.Round(sum / float64(len(subpixelOffsets))))
		}
	}
	return out
}

func castRay(model *transform.PinholeCameraModel, px r2.Point, background uint8, targets []PlanarTarget) float64 {
	n := model.NormalizedUndistorted(px)
	ray := r3.Vector{X: n.X, Y: n.Y, Z: 1}
	best := math.Inf(1)
	value := float64(background)
	for _, target := range targets {
		q := target.CameraFromTarget.Orientation().Quaternion()
		origin := target.CameraFromTarget.Point()
		normal := spatialmath.RotateVector(q, r3.Vector{Z: 1})
		denom := normal.Dot(ray)
		if math.Abs(denom) < 1e-12 {
			continue
		}
		s := normal.Dot(origin) / denom
		if s <= 0 || s >= best {
			continue
		}
		hit := ray.Mul(s)
		local := spatialmath.RotateVector(quat.Conj(q), hit.Sub(origin))
		b := target.Texture.Bounds()
		u := (local.X/target.Width + 0.5) * float64(b.Dx())
		v := (0.5 - local.Y/target.Width) * float64(b.Dy())
		if u < 0 || v < 0 || u >= float64(b.Dx()) || v >= float64(b.Dy()) {
			continue
		}
		best = s
		value = float64(target.Texture.GrayAt(b.Min.X+int(u), b.Min.Y+int(v)).Y)
	}
	return value
}
