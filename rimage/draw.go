package rimage

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/golang/geo/r2"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return font
}

var (
	// Red is the x axis color.
	Red = color.NRGBA{R: 255, A: 255}
	// Green is the default outline color and the y axis color.
	Green = color.NRGBA{G: 255, A: 255}
	// Blue is the z axis color.
	Blue = color.NRGBA{B: 255, A: 255}
)

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p r2.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawString(text, p.X, p.Y)
}

// DrawPolygon strokes a closed polygon.
func DrawPolygon(dc *gg.Context, poly []r2.Point, c color.Color, width float64) {
	if len(poly) == 0 {
		return
	}
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.MoveTo(poly[0].X, poly[0].Y)
	for _, p := range poly[1:] {
		dc.LineTo(p.X, p.Y)
	}
	dc.ClosePath()
	dc.Stroke()
}

// DrawLine strokes a single segment.
func DrawLine(dc *gg.Context, from, to r2.Point, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawLine(from.X, from.Y, to.X, to.Y)
	dc.Stroke()
}

// Axes are the projected origin and axis tips of a 3D frame.
type Axes struct {
	Origin, X, Y, Z r2.Point
}

// DetectionOverlay is what DrawDetections renders for one detected marker.
type DetectionOverlay struct {
	Label   string
	Corners []r2.Point
	// Color is used for the outline and label. Green when nil.
	Color color.Color
	// Axes is nil when the pose is unknown.
	Axes *Axes
}

// DrawDetections returns a copy of img with each marker's outline, label and axes drawn over it.
func DrawDetections(img image.Image, overlays []DetectionOverlay) image.Image {
	dc := gg.NewContextForImage(img)
	for _, o := range overlays {
		outline := o.Color
		if outline == nil {
			outline = Green
		}
		DrawPolygon(dc, o.Corners, outline, 2)
		if len(o.Corners) > 0 {
			var c r2.Point
			for _, p := range o.Corners {
				c = c.Add(p)
			}
			c = c.Mul(1 / float64(len(o.Corners)))
			DrawString(dc, o.Label, c.Add(r2.Point{X: -20, Y: -10}), outline, 14)
		}
		if o.Axes != nil {
			DrawLine(dc, o.Axes.Origin, o.Axes.X, Red, 2)
			DrawLine(dc, o.Axes.Origin, o.Axes.Y, Green, 2)
			DrawLine(dc, o.Axes.Origin, o.Axes.Z, Blue, 2)
		}
	}
	return dc.Image()
}
