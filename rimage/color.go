package rimage

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// goldenAngle spreads consecutive ids around the hue circle.
const goldenAngle = 137.50776405003785

// TagColor returns a saturated color for a marker id. Nearby ids get well separated hues.
func TagColor(id int) color.Color {
	hue := math.Mod(float64(id)*goldenAngle, 360)
	if hue < 0 {
		hue += 360
	}
	return colorful.Hsv(hue, 0.85, 0.95).Clamped()
}
