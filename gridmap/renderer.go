package gridmap

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Palette holds the colors used to draw cells.
type Palette struct {
	Free     color.RGBA // P(occupied) = 0, robot may stand here
	Clear    color.RGBA // P(occupied) = threshold, robot may stand here
	Occupied color.RGBA
	Blocked  color.RGBA // not occupied but too close to an obstacle
	Robot    color.RGBA
	Wall     color.RGBA
}

// DefaultPalette shades traversable cells from white to green, draws
// occupied cells black and cells blocked by a nearby obstacle red.
func DefaultPalette() Palette {
	return Palette{
		Free:     color.RGBA{255, 255, 255, 255},
		Clear:    color.RGBA{0, 160, 0, 255},
		Occupied: color.RGBA{0, 0, 0, 255},
		Blocked:  color.RGBA{220, 40, 40, 255},
		Robot:    color.RGBA{30, 90, 255, 255},
		Wall:     color.RGBA{90, 60, 20, 255},
	}
}

// cellColor picks the color for a cell with occupancy p.
func (pal Palette) cellColor(p float64, occupied, canOccupy bool, threshold float64) color.RGBA {
	switch {
	case canOccupy:
		t := 1.0
		if threshold > 0 {
			t = min(p/threshold, 1)
		}
		return lerpColor(pal.Free, pal.Clear, t)
	case occupied:
		return pal.Occupied
	default:
		return pal.Blocked
	}
}

func lerpColor(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5)
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), mix(a.A, b.A)}
}

// cellView is what a renderer needs from one cell.
type cellView struct {
	p         float64
	occupied  bool
	canOccupy bool
}

// view reads every cell under one lock so the picture is consistent.
func (g *Grid) view() [][]cellView {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([][]cellView, g.xN)
	for ix := range out {
		out[ix] = make([]cellView, g.yN)
		for iy := range out[ix] {
			p := g.occProb(ix, iy)
			out[ix][iy] = cellView{
				p:         p,
				occupied:  p > g.occThreshold,
				canOccupy: g.inflatedCost(ix, iy) <= g.occThreshold,
			}
		}
	}
	return out
}

// GridRenderer draws a grid as a raster image, one square per cell, with
// row 0 at the bottom.
type GridRenderer struct {
	Grid       *Grid
	Palette    Palette
	CellPixels int    // side of one cell in pixels
	Legend     bool   // draw a stats line under the grid
	Robot      *Index // optional robot cell marker
}

// legendHeight is the strip reserved for the stats line.
const legendHeight = 20

// NewGridRenderer creates a renderer with default settings
func NewGridRenderer(g *Grid) *GridRenderer {
	return &GridRenderer{
		Grid:       g,
		Palette:    DefaultPalette(),
		CellPixels: 8,
		Legend:     true,
	}
}

// Render draws the grid.
func (r *GridRenderer) Render() *image.RGBA {
	cells := r.Grid.view()
	xN, yN := r.Grid.Dims()
	size := max(r.CellPixels, 1)

	width := xN * size
	height := yN * size
	total := height
	if r.Legend {
		total += legendHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, total))
	fillRect(img, image.Rect(0, 0, width, total), color.RGBA{255, 255, 255, 255})

	threshold := r.Grid.OccupancyThreshold()
	for ix := range cells {
		for iy, c := range cells[ix] {
			top := (yN - 1 - iy) * size
			rect := image.Rect(ix*size, top, (ix+1)*size, top+size)
			fillRect(img, rect, r.Palette.cellColor(c.p, c.occupied, c.canOccupy, threshold))
		}
	}

	if r.Robot != nil && r.Grid.InBounds(r.Robot.X, r.Robot.Y) {
		cx := r.Robot.X*size + size/2
		cy := (yN-1-r.Robot.Y)*size + size/2
		drawSquare(img, cx, cy, max(size-2, 1), r.Palette.Robot)
	}

	if r.Legend {
		s := r.Grid.Stats()
		text := fmt.Sprintf("occ %d  explored %d/%d", s.Occupied, s.Explored, s.Cells)
		drawText(img, 4, height+14, text, color.RGBA{0, 0, 0, 255})
	}
	return img
}

// EncodePNG writes the rendered grid as PNG.
func (r *GridRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG saves the rendered grid to a file
func (r *GridRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	fillRect(img, image.Rect(cx-half, cy-half, cx+half+1, cy+half+1), c)
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
