package gridmap

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Geometry maps between world coordinates (meters) and cell indices for a
// grid covering Bounds with XN columns and YN rows.
type Geometry struct {
	Bounds orb.Bound
	XN, YN int
}

// NewGeometry validates the bounds and dimensions.
func NewGeometry(bounds orb.Bound, xN, yN int) (*Geometry, error) {
	if xN <= 0 || yN <= 0 {
		return nil, fmt.Errorf("%w: geometry dimensions must be positive, got %dx%d", ErrInvalidConfig, xN, yN)
	}
	if !(bounds.Max.X() > bounds.Min.X()) || !(bounds.Max.Y() > bounds.Min.Y()) {
		return nil, fmt.Errorf("%w: world bounds are empty: %v", ErrInvalidConfig, bounds)
	}
	return &Geometry{Bounds: bounds, XN: xN, YN: yN}, nil
}

// CellSize returns the width and height of one cell.
func (g *Geometry) CellSize() (dx, dy float64) {
	return (g.Bounds.Max.X() - g.Bounds.Min.X()) / float64(g.XN),
		(g.Bounds.Max.Y() - g.Bounds.Min.Y()) / float64(g.YN)
}

// Contains reports whether p lies inside the world bounds.
func (g *Geometry) Contains(p orb.Point) bool {
	return g.Bounds.Contains(p)
}

// ValidIndices reports whether idx addresses a cell.
func (g *Geometry) ValidIndices(idx Index) bool {
	return idx.X >= 0 && idx.X < g.XN && idx.Y >= 0 && idx.Y < g.YN
}

// PointToIndices returns the cell containing p. Points outside the bounds
// are clipped to the nearest edge cell.
func (g *Geometry) PointToIndices(p orb.Point) Index {
	dx, dy := g.CellSize()
	ix := int(math.Floor((p.X() - g.Bounds.Min.X()) / dx))
	iy := int(math.Floor((p.Y() - g.Bounds.Min.Y()) / dy))
	return Index{X: clip(ix, 0, g.XN-1), Y: clip(iy, 0, g.YN-1)}
}

// IndicesToPoint returns the world coordinates of the center of idx.
func (g *Geometry) IndicesToPoint(idx Index) orb.Point {
	dx, dy := g.CellSize()
	return orb.Point{
		g.Bounds.Min.X() + (float64(idx.X)+0.5)*dx,
		g.Bounds.Min.Y() + (float64(idx.Y)+0.5)*dy,
	}
}

// RayCells returns the cells on the line from a to b, both ends included,
// in order from a.
func (g *Geometry) RayCells(a, b Index) []Index {
	dx := absInt(b.X - a.X)
	dy := -absInt(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}

	cells := make([]Index, 0, max(dx, -dy)+1)
	x, y := a.X, a.Y
	e := dx + dy
	for {
		cells = append(cells, Index{X: x, Y: y})
		if x == b.X && y == b.Y {
			return cells
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
