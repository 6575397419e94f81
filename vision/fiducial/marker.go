package fiducial

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/martinbibb-cmd/Clearance-wizard/rimage"
)

// RenderMarker draws the upright marker id with cellPx pixels per cell and quietCells cells of white
// margin on every side.
func RenderMarker(dict *Dictionary, id, cellPx, quietCells int) (*image.Gray, error) {
	code, err := dict.Code(id)
	if err != nil {
		return nil, err
	}
	if cellPx <= 0 || quietCells < 0 {
		return nil, errors.Errorf("invalid marker geometry: %d px per cell, %d quiet cells", cellPx, quietCells)
	}
	n := dict.Bits
	side := (n + 2 + 2*quietCells) * cellPx
	dc := gg.NewContext(side, side)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	origin := float64(quietCells * cellPx)
	cell := float64(cellPx)
	dc.DrawRectangle(origin, origin, float64((n+2)*cellPx), float64((n+2)*cellPx))
	dc.Fill()

	dc.SetColor(color.White)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if code&(1<<uint(r*n+c)) != 0 {
				dc.DrawRectangle(origin+float64(c+1)*cell, origin+float64(r+1)*cell, cell, cell)
				dc.Fill()
			}
		}
	}

	return rimage.MakeGray(dc.Image())
}
