// Package rimage holds the grayscale image processing, geometry and drawing helpers used by the
// fiducial detector.
package rimage

import (
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrEmptyImage is returned for nil or zero-sized images.
var ErrEmptyImage = errors.New("image is nil or has no pixels")

// SameImgSize compares images to see if they're the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}

// MakeGray converts any image to an *image.Gray whose bounds start at the origin.
// Gray inputs already anchored at the origin are returned as is.
func MakeGray(pic image.Image) (*image.Gray, error) {
	if pic == nil || pic.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	if g, ok := pic.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g, nil
	}
	b := pic.Bounds()
	result := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(result, result.Bounds(), pic, b.Min, draw.Src)
	return result, nil
}

// BlurGray applies a gaussian blur of the given sigma. Non-positive sigmas return the input.
func BlurGray(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	blurred := imaging.Blur(img, sigma)
	out, err := MakeGray(blurred)
	if err != nil {
		return img
	}
	return out
}

// GetGrayAvg takes in a grayscale image and returns the average value.
func GetGrayAvg(pic *image.Gray) float64 {
	b := pic.Bounds()
	if b.Empty() {
		return 0
	}
	var sum int64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += int64(pic.GrayAt(x, y).Y)
		}
	}
	return float64(sum) / float64(b.Dx()*b.Dy())
}

// OtsuThreshold returns the gray level that maximizes the between-class variance of the histogram.
// Pixels at or below the returned level form the dark class.
func OtsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[img.GrayAt(x, y).Y]++
		}
	}
	total := b.Dx() * b.Dy()
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	// ties between levels with equal variance (an empty gap in the histogram) resolve to the gap's middle
	first, last := 0, 0
	bestVar := -1.0
	weightBg := 0
	sumBg := 0.0
	for t := 0; t < 256; t++ {
		weightBg += hist[t]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t * hist[t])
		meanBg := sumBg / float64(weightBg)
		meanFg := (sumAll - sumBg) / float64(weightFg)
		between := float64(weightBg) * float64(weightFg) * (meanBg - meanFg) * (meanBg - meanFg)
		switch {
		case between > bestVar*(1+1e-12):
			bestVar = between
			first, last = t, t
		case between >= bestVar*(1-1e-12):
			last = t
		}
	}
	return uint8((first + last) / 2)
}

// BilinearGray samples img at a sub-pixel location, treating pixel centers as integer coordinates.
// It returns false when the point falls outside the image.
func BilinearGray(img *image.Gray, pt r2.Point) (float64, bool) {
	b := img.Bounds()
	if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
		return 0, false
	}
	if pt.X < float64(b.Min.X) || pt.Y < float64(b.Min.Y) ||
		pt.X > float64(b.Max.X-1) || pt.Y > float64(b.Max.Y-1) {
		return 0, false
	}
	x0 := int(math.Floor(pt.X))
	y0 := int(math.Floor(pt.Y))
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= b.Max.X {
		x1 = x0
	}
	if y1 >= b.Max.Y {
		y1 = y0
	}
	fx := pt.X - float64(x0)
	fy := pt.Y - float64(y0)
	v00 := float64(img.GrayAt(x0, y0).Y)
	v10 := float64(img.GrayAt(x1, y0).Y)
	v01 := float64(img.GrayAt(x0, y1).Y)
	v11 := float64(img.GrayAt(x1, y1).Y)
	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy, true
}
