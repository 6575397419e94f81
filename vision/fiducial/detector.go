package fiducial

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage"
	"github.com/martinbibb-cmd/Clearance-wizard/rimage/transform"
)

// Quad is a decoded marker in an image.
type Quad struct {
	ID int
	// Corners are the outer corners of the black border as the upright marker is printed:
	// bottom-left, bottom-right, top-right, top-left.
	Corners [4]r2.Point
	Center  r2.Point
	// Hamming is the number of payload bits that had to be corrected.
	Hamming int
	// DecisionMargin is the mean distance of payload cell intensities from the binarization threshold.
	DecisionMargin float64
}

// DetectorConfig tunes the marker detector.
type DetectorConfig struct {
	Dictionary *Dictionary
	// BlurSigma is the gaussian blur applied before binarization; zero disables it.
	BlurSigma float64
	// MinComponentPixels drops dark regions smaller than this.
	MinComponentPixels int
	// MaxHamming is the largest number of corrected bits accepted. Negative means the dictionary's
	// correctable bits.
	MaxHamming int
	// MinContrast is the smallest accepted difference between quiet zone and border intensity.
	MinContrast float64
	// MinFillRatio is the smallest accepted ratio of quad area to convex hull area.
	MinFillRatio float64
	// MinSidePixels rejects quads with a shorter side.
	MinSidePixels float64
}

// DefaultDetectorConfig returns the settings used for the 4x4 dictionary.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Dictionary:         Dict4x4_50(),
		MinComponentPixels: 40,
		MaxHamming:         -1,
		MinContrast:        30,
		MinFillRatio:       0.9,
		MinSidePixels:      8,
	}
}

// Detector finds square markers from a dictionary in grayscale images.
type Detector struct {
	cfg    DetectorConfig
	logger logging.Logger
}

// NewDetector validates cfg and returns a Detector.
func NewDetector(cfg DetectorConfig, logger logging.Logger) (*Detector, error) {
	if cfg.Dictionary == nil {
		return nil, errors.New("marker detector needs a dictionary")
	}
	if cfg.MaxHamming < 0 {
		cfg.MaxHamming = cfg.Dictionary.CorrectableBits()
	}
	if cfg.MinFillRatio <= 0 || cfg.MinFillRatio > 1 {
		return nil, errors.Errorf("min fill ratio must be in (0, 1], got %v", cfg.MinFillRatio)
	}
	if logger == nil {
		logger = logging.NewBlankLogger("fiducial")
	}
	return &Detector{cfg: cfg, logger: logger}, nil
}

// Dictionary returns the dictionary markers are decoded against.
func (d *Detector) Dictionary() *Dictionary {
	return d.cfg.Dictionary
}

// DetectQuads returns every marker decoded in gray, ordered by id.
func (d *Detector) DetectQuads(gray *image.Gray) ([]Quad, error) {
	if gray == nil || gray.Bounds().Empty() {
		return nil, rimage.ErrEmptyImage
	}
	binarized := rimage.BlurGray(gray, d.cfg.BlurSigma)
	threshold := rimage.OtsuThreshold(binarized)
	components := rimage.DarkComponents(binarized, threshold, d.cfg.MinComponentPixels)

	var quads []Quad
	for i := range components {
		comp := &components[i]
		if comp.TouchesBorder {
			continue
		}
		corners, ok := d.fitCorners(comp)
		if !ok {
			continue
		}
		quad, err := d.decode(gray, corners)
		if err != nil {
			d.logger.Debugw("rejected marker candidate", "bounds", comp.Bounds, "reason", err)
			continue
		}
		quads = append(quads, quad)
	}
	quads = dedupe(quads)
	sort.Slice(quads, func(i, j int) bool {
		if quads[i].ID != quads[j].ID {
			return quads[i].ID < quads[j].ID
		}
		return quads[i].Center.X < quads[j].Center.X
	})
	return quads, nil
}

// fitCorners fits a quad to the outline of comp, returned clockwise as displayed.
func (d *Detector) fitCorners(comp *rimage.Component) ([4]r2.Point, bool) {
	boundary := make([]r2.Point, len(comp.Boundary))
	for i, p := range comp.Boundary {
		boundary[i] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	hull := rimage.ConvexHull(boundary)
	hullArea := rimage.PolygonArea(hull)
	if hullArea == 0 {
		return [4]r2.Point{}, false
	}
	quad, ok := rimage.FitQuad(hull)
	if !ok {
		return quad, false
	}
	if rimage.PolygonArea(quad[:])/hullArea < d.cfg.MinFillRatio {
		return quad, false
	}
	for i := range quad {
		if quad[(i+1)%4].Sub(quad[i]).Norm() < d.cfg.MinSidePixels {
			return quad, false
		}
	}
	if rimage.PolygonSignedArea(quad[:]) < 0 {
		quad[1], quad[3] = quad[3], quad[1]
	}
	if refined, ok := refineQuad(quad, boundary); ok {
		return refined, true
	}
	return expandQuad(quad, 0.5), true
}

// edgeBand is how far, in pixels, a boundary pixel may sit from a coarse edge and still be fit to it.
const edgeBand = 1.5

// refineQuad fits a line to the boundary pixels along each edge of a clockwise quad and intersects
// neighboring lines. Each line is pushed out to the true edge: dark pixels with a light 4-neighbor sit
// on average max(|nx|, |ny|)/2 inside an edge with unit normal n.
func refineQuad(quad [4]r2.Point, boundary []r2.Point) ([4]r2.Point, bool) {
	type line struct{ p, d r2.Point }
	var edges [4]line
	for i := range quad {
		a, b := quad[i], quad[(i+1)%4]
		seg := b.Sub(a)
		length := seg.Norm()
		dir := seg.Mul(1 / length)
		var pts []r2.Point
		for _, p := range boundary {
			rel := p.Sub(a)
			along := rel.Dot(dir) / length
			if along < 0.1 || along > 0.9 || math.Abs(rel.Cross(dir)) > edgeBand {
				continue
			}
			pts = append(pts, p)
		}
		if len(pts) < 4 {
			return quad, false
		}
		centroid, fitDir := fitLine(pts)
		if fitDir.Dot(dir) < 0 {
			fitDir = fitDir.Mul(-1)
		}
		outward := r2.Point{X: fitDir.Y, Y: -fitDir.X}
		shift := math.Max(math.Abs(outward.X), math.Abs(outward.Y)) / 2
		edges[i] = line{p: centroid.Add(outward.Mul(shift)), d: fitDir}
	}
	var out [4]r2.Point
	for i := range quad {
		prev, cur := edges[(i+3)%4], edges[i]
		denom := prev.d.Cross(cur.d)
		if math.Abs(denom) < 1e-6 {
			return quad, false
		}
		t := cur.p.Sub(prev.p).Cross(cur.d) / denom
		out[i] = prev.p.Add(prev.d.Mul(t))
		// a refined corner far from the coarse one means the fit latched onto something else
		if out[i].Sub(quad[i]).Norm() > 3*edgeBand {
			return quad, false
		}
	}
	return out, true
}

// fitLine returns the centroid and principal direction of pts.
func fitLine(pts []r2.Point) (r2.Point, r2.Point) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var sxx, sxy, syy float64
	for _, p := range pts {
		d := p.Sub(c)
		sxx += d.X * d.X
		sxy += d.X * d.Y
		syy += d.Y * d.Y
	}
	angle := 0.5 * math.Atan2(2*sxy, sxx-syy)
	return c, r2.Point{X: math.Cos(angle), Y: math.Sin(angle)}
}

// expandQuad moves every edge of a clockwise quad outward by dist pixels. Boundary pixel centers
// sit half a pixel inside the true edge.
func expandQuad(quad [4]r2.Point, dist float64) [4]r2.Point {
	type line struct{ p, d r2.Point }
	var edges [4]line
	for i := range quad {
		dir := quad[(i+1)%4].Sub(quad[i]).Normalize()
		outward := r2.Point{X: dir.Y, Y: -dir.X}
		edges[i] = line{p: quad[i].Add(outward.Mul(dist)), d: dir}
	}
	out := quad
	for i := range quad {
		prev := edges[(i+3)%4]
		cur := edges[i]
		denom := prev.d.Cross(cur.d)
		if math.Abs(denom) < 1e-9 {
			continue
		}
		t := cur.p.Sub(prev.p).Cross(cur.d) / denom
		out[i] = prev.p.Add(prev.d.Mul(t))
	}
	return out
}

// decode samples the cell grid inside a clockwise quad and matches it against the dictionary.
func (d *Detector) decode(gray *image.Gray, quad [4]r2.Point) (Quad, error) {
	n := d.cfg.Dictionary.Bits
	m := float64(n + 2)
	gridToImage, err := transform.EstimateHomography(
		[]r2.Point{{X: 0, Y: 0}, {X: m, Y: 0}, {X: m, Y: m}, {X: 0, Y: m}},
		quad[:],
	)
	if err != nil {
		return Quad{}, err
	}

	offsets := []float64{-0.2, 0, 0.2}
	sampleCell := func(gx, gy float64) (float64, bool) {
		var sum float64
		for _, dy := range offsets {
			for _, dx := range offsets {
				v, ok := rimage.BilinearGray(gray, gridToImage.Apply(r2.Point{X: gx + dx, Y: gy + dy}))
				if !ok {
					return 0, false
				}
				sum += v
			}
		}
		return sum / float64(len(offsets)*len(offsets)), true
	}

	// the border ring, and the quiet zone ring just outside it
	var border, quiet []float64
	for r := -1; r <= n+2; r++ {
		for c := -1; c <= n+2; c++ {
			inBorder := r >= 0 && c >= 0 && r <= n+1 && c <= n+1 && (r == 0 || c == 0 || r == n+1 || c == n+1)
			inQuiet := r == -1 || c == -1 || r == n+2 || c == n+2
			if !inBorder && !inQuiet {
				continue
			}
			v, ok := sampleCell(float64(c)+0.5, float64(r)+0.5)
			switch {
			case inBorder && !ok:
				return Quad{}, errors.New("border runs outside the image")
			case inBorder:
				border = append(border, v)
			case ok:
				quiet = append(quiet, v)
			}
		}
	}
	if len(quiet) < n+2 {
		return Quad{}, errors.New("quiet zone is not visible")
	}
	black := mean(border)
	white := mean(quiet)
	if white-black < d.cfg.MinContrast {
		return Quad{}, errors.Errorf("contrast %.1f below %.1f", white-black, d.cfg.MinContrast)
	}
	threshold := (black + white) / 2
	var borderErrors int
	for _, v := range border {
		if v > threshold {
			borderErrors++
		}
	}
	if borderErrors > len(border)/8 {
		return Quad{}, errors.Errorf("%d of %d border cells are not black", borderErrors, len(border))
	}

	var observed uint64
	var margin float64
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			v, ok := sampleCell(float64(c)+1.5, float64(r)+1.5)
			if !ok {
				return Quad{}, errors.New("payload runs outside the image")
			}
			if v > threshold {
				observed |= 1 << uint(r*n+c)
			}
			margin += math.Abs(v - threshold)
		}
	}
	id, rotation, hamming := d.cfg.Dictionary.Match(observed)
	if id < 0 || hamming > d.cfg.MaxHamming {
		return Quad{}, errors.Errorf("closest code is %d bits away", hamming)
	}

	// the upright top-left corner sits at quad[rotation]; quad is top-left, top-right, bottom-right,
	// bottom-left of the observed grid
	corner := func(upright int) r2.Point { return quad[(upright+rotation)%4] }
	return Quad{
		ID:             id,
		Corners:        [4]r2.Point{corner(3), corner(2), corner(1), corner(0)},
		Center:         gridToImage.Apply(r2.Point{X: m / 2, Y: m / 2}),
		Hamming:        hamming,
		DecisionMargin: margin / float64(n*n),
	}, nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// dedupe keeps the best decode when two quads of the same id share a center.
func dedupe(quads []Quad) []Quad {
	out := quads[:0]
	for _, q := range quads {
		dup := false
		for i := range out {
			if out[i].ID == q.ID && out[i].Center.Sub(q.Center).Norm() < 2 {
				if q.Hamming < out[i].Hamming || (q.Hamming == out[i].Hamming && q.DecisionMargin > out[i].DecisionMargin) {
					out[i] = q
				}
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, q)
		}
	}
	return out
}
