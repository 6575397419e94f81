package rimage

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
)

// ConvexHull returns the hull of pts in counter-clockwise order (in a y-up frame) using the monotone chain
// algorithm. Collinear points on the hull are dropped.
func ConvexHull(pts []r2.Point) []r2.Point {
	if len(pts) < 3 {
		out := make([]r2.Point, len(pts))
		copy(out, pts)
		return out
	}
	sorted := make([]r2.Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	hull := make([]r2.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// cross is the z component of (b-a) x (c-a).
func cross(a, b, c r2.Point) float64 {
	return b.Sub(a).Cross(c.Sub(a))
}

// PolygonArea returns the unsigned shoelace area of a simple polygon.
func PolygonArea(poly []r2.Point) float64 {
	var sum float64
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].Cross(poly[j])
	}
	return math.Abs(sum) / 2
}

// PolygonSignedArea is positive for counter-clockwise polygons in a y-up frame.
func PolygonSignedArea(poly []r2.Point) float64 {
	var sum float64
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].Cross(poly[j])
	}
	return sum / 2
}

// FitQuad picks the four hull vertices that span the largest quadrilateral: the two mutually farthest
// vertices form a diagonal and the farthest vertex on each side of it completes the quad.
// The corners are returned in hull order. It returns false when the hull cannot support a quad.
func FitQuad(hull []r2.Point) ([4]r2.Point, bool) {
	var quad [4]r2.Point
	n := len(hull)
	if n < 4 {
		return quad, false
	}
	var c r2.Point
	for _, p := range hull {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(n))

	farthestFrom := func(from r2.Point) int {
		best, bestD := 0, -1.0
		for i, p := range hull {
			if d := p.Sub(from).Norm(); d > bestD {
				best, bestD = i, d
			}
		}
		return best
	}
	a := farthestFrom(c)
	b := farthestFrom(hull[a])
	if a == b {
		return quad, false
	}

	// walk both arcs of the hull between a and b
	side := func(from, to int) (int, float64) {
		best, bestD := -1, 0.0
		for i := (from + 1) % n; i != to; i = (i + 1) % n {
			d := math.Abs(cross(hull[a], hull[b], hull[i]))
			if d > bestD {
				best, bestD = i, d
			}
		}
		return best, bestD
	}
	c1, d1 := side(a, b)
	c2, d2 := side(b, a)
	if c1 < 0 || c2 < 0 || d1 == 0 || d2 == 0 {
		return quad, false
	}
	return [4]r2.Point{hull[a], hull[c1], hull[b], hull[c2]}, true
}
