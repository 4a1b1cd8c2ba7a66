package gridmap

import (
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws a grid as vector graphics. Canvas units are
// millimeters with the origin at the bottom-left, so cell (0, 0) is the
// bottom-left square.
type VectorRenderer struct {
	Grid       *Grid
	Palette    Palette
	CellSize   float64           // side of one cell in mm
	Padding    float64           // margin around the grid in mm
	Resolution canvas.Resolution // resolution for PNG output
	Geometry   *Geometry         // when set, Walls are drawn in world coordinates
	Walls      []Segment
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(g *Grid) *VectorRenderer {
	return &VectorRenderer{
		Grid:       g,
		Palette:    DefaultPalette(),
		CellSize:   10,
		Padding:    5,
		Resolution: canvas.DPI(100),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) size() (width, height float64) {
	xN, yN := r.Grid.Dims()
	return float64(xN)*r.CellSize + 2*r.Padding, float64(yN)*r.CellSize + 2*r.Padding
}

// RenderToSVG writes the grid as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the grid as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	cells := r.Grid.view()
	threshold := r.Grid.OccupancyThreshold()

	cellStyle := canvas.DefaultStyle
	cellStyle.Stroke = canvas.Paint{Color: color.RGBA{211, 211, 211, 255}}
	cellStyle.StrokeWidth = r.CellSize / 40
	for ix := range cells {
		for iy, c := range cells[ix] {
			cellStyle.Fill = canvas.Paint{Color: r.Palette.cellColor(c.p, c.occupied, c.canOccupy, threshold)}
			x := r.Padding + float64(ix)*r.CellSize
			y := r.Padding + float64(iy)*r.CellSize
			renderer.RenderPath(canvas.Rectangle(r.CellSize, r.CellSize).Translate(x, y), cellStyle, canvas.Identity)
		}
	}

	if r.Geometry == nil || len(r.Walls) == 0 {
		return
	}

	dx, dy := r.Geometry.CellSize()
	origin := r.Geometry.Bounds.Min
	toCanvas := func(x, y float64) (float64, float64) {
		return r.Padding + (x-origin.X())/dx*r.CellSize, r.Padding + (y-origin.Y())/dy*r.CellSize
	}

	wallStyle := canvas.DefaultStyle
	wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	wallStyle.Stroke = canvas.Paint{Color: r.Palette.Wall}
	wallStyle.StrokeWidth = r.CellSize / 5
	for _, wall := range r.Walls {
		p := &canvas.Path{}
		p.MoveTo(toCanvas(wall.From.X(), wall.From.Y()))
		p.LineTo(toCanvas(wall.To.X(), wall.To.Y()))
		renderer.RenderPath(p, wallStyle, canvas.Identity)
	}
}
