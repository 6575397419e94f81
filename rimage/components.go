package rimage

import (
	"image"

	"github.com/golang/geo/r2"
)

// Component is a 4-connected region of dark pixels.
type Component struct {
	Pixels []image.Point
	// Boundary holds pixels with at least one 4-neighbor outside the component.
	Boundary      []image.Point
	Bounds        image.Rectangle
	TouchesBorder bool
}

// Centroid is the mean pixel location.
func (c *Component) Centroid() r2.Point {
	var sum r2.Point
	for _, p := range c.Pixels {
		sum = sum.Add(r2.Point{X: float64(p.X), Y: float64(p.Y)})
	}
	return sum.Mul(1 / float64(len(c.Pixels)))
}

var fourNeighbors = [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// DarkComponents labels 4-connected regions of pixels at or below threshold. Regions smaller than minPixels
// are dropped.
func DarkComponents(img *image.Gray, threshold uint8, minPixels int) []Component {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dark := func(x, y int) bool {
		return img.GrayAt(b.Min.X+x, b.Min.Y+y).Y <= threshold
	}
	visited := make([]bool, w*h)
	var out []Component
	var queue []image.Point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || !dark(x, y) {
				continue
			}
			visited[y*w+x] = true
			queue = append(queue[:0], image.Point{x, y})
			comp := Component{Bounds: image.Rect(x, y, x+1, y+1)}
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				comp.Pixels = append(comp.Pixels, p.Add(b.Min))
				comp.Bounds = comp.Bounds.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))
				if p.X == 0 || p.Y == 0 || p.X == w-1 || p.Y == h-1 {
					comp.TouchesBorder = true
				}
				onBoundary := false
				for _, d := range fourNeighbors {
					n := p.Add(d)
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h || !dark(n.X, n.Y) {
						onBoundary = true
						continue
					}
					if !visited[n.Y*w+n.X] {
						visited[n.Y*w+n.X] = true
						queue = append(queue, n)
					}
				}
				if onBoundary {
					comp.Boundary = append(comp.Boundary, p.Add(b.Min))
				}
			}
			if len(comp.Pixels) >= minPixels {
				comp.Bounds = comp.Bounds.Add(b.Min)
				out = append(out, comp)
			}
		}
	}
	return out
}
