package tract

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/colornames"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ownerPalette cycles across owners in sorted key order.
var ownerPalette = []color.RGBA{
	colornames.Cornflowerblue,
	colornames.Mediumseagreen,
	colornames.Goldenrod,
	colornames.Orchid,
	colornames.Salmon,
	colornames.Teal,
	colornames.Sienna,
	colornames.Slateblue,
}

// HoldingRenderer draws holdings in a local metric frame. It is a debugging
// preview, not a map renderer.
type HoldingRenderer struct {
	Holdings   []AggregatedHolding
	Size       float64           // longest side of the drawing in millimeters
	Padding    float64           // margin in millimeters
	Resolution canvas.Resolution // PNG resolution
	Labels     bool              // draw owner keys on PNG output

	colors map[string]color.RGBA
}

// NewHoldingRenderer returns a renderer with default settings.
func NewHoldingRenderer(holdings []AggregatedHolding) *HoldingRenderer {
	keys := make([]string, 0)
	seen := make(map[string]bool)
	for _, h := range holdings {
		if !seen[h.OwnerKey] {
			seen[h.OwnerKey] = true
			keys = append(keys, h.OwnerKey)
		}
	}
	sort.Strings(keys)
	colors := make(map[string]color.RGBA, len(keys))
	for i, k := range keys {
		colors[k] = ownerPalette[i%len(ownerPalette)]
	}

	return &HoldingRenderer{
		Holdings:   holdings,
		Size:       200,
		Padding:    5,
		Resolution: canvas.DPI(96),
		Labels:     true,
		colors:     colors,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps projected meters onto the drawing in millimeters.
type layout struct {
	frame         Frame
	min           orb.Point
	scale         float64
	padding       float64
	width, height float64
}

func (l layout) point(p orb.Point) (float64, float64) {
	q := l.frame.Project(p)
	return l.padding + (q[0]-l.min[0])*l.scale, l.padding + (q[1]-l.min[1])*l.scale
}

func (r *HoldingRenderer) layout() layout {
	var polys []orb.Polygon
	for _, h := range r.Holdings {
		polys = append(polys, holdingPolygons(h.Geometry)...)
	}
	frame := FrameFor(polys)

	var b orb.Bound
	first := true
	for _, p := range polys {
		for _, ring := range p {
			for _, pt := range ring {
				if !finitePoint(pt) {
					continue
				}
				q := frame.Project(pt)
				if first {
					b = orb.Bound{Min: q, Max: q}
					first = false
					continue
				}
				b = b.Extend(q)
			}
		}
	}

	span := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	scale := 1.0
	if span > 0 {
		scale = r.Size / span
	}
	return layout{
		frame:   frame,
		min:     b.Min,
		scale:   scale,
		padding: r.Padding,
		width:   (b.Max[0]-b.Min[0])*scale + 2*r.Padding,
		height:  (b.Max[1]-b.Min[1])*scale + 2*r.Padding,
	}
}

// RenderToSVG writes the preview as SVG.
func (r *HoldingRenderer) RenderToSVG(w io.Writer) error {
	l := r.layout()
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.render(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as PNG.
func (r *HoldingRenderer) RenderToPNG(w io.Writer) error {
	l := r.layout()
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.render(rast, l)
	if r.Labels {
		r.drawLabels(rast, l)
	}
	return png.Encode(w, rast)
}

func (r *HoldingRenderer) render(renderer canvasRenderer, l layout) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bg, canvas.Identity)

	for _, h := range r.Holdings {
		style := canvas.DefaultStyle
		style.FillRule = canvas.EvenOdd
		style.StrokeWidth = 0.3
		switch {
		case h.Excluded:
			style.Fill = canvas.Paint{Color: canvas.Transparent}
			style.Stroke = canvas.Paint{Color: colornames.Gray}
		case h.Degraded:
			style.Fill = canvas.Paint{Color: translucent(r.colors[h.OwnerKey], 0x80)}
			style.Stroke = canvas.Paint{Color: colornames.Red}
			style.StrokeWidth = 0.6
		default:
			style.Fill = canvas.Paint{Color: translucent(r.colors[h.OwnerKey], 0xb0)}
			style.Stroke = canvas.Paint{Color: colornames.Black}
		}

		for _, poly := range holdingPolygons(h.Geometry) {
			path := &canvas.Path{}
			for _, ring := range poly {
				started := false
				for _, pt := range ring {
					if !finitePoint(pt) {
						continue
					}
					x, y := l.point(pt)
					if !started {
						path.MoveTo(x, y)
						started = true
					} else {
						path.LineTo(x, y)
					}
				}
				if started {
					path.Close()
				}
			}
			renderer.RenderPath(path, style, canvas.Identity)
		}
	}
}

// drawLabels writes owner keys at holding centroids. Raster y runs down.
func (r *HoldingRenderer) drawLabels(img *rasterizer.Rasterizer, l layout) {
	dpmm := r.Resolution.DPMM()
	heightPx := l.height * dpmm
	for _, h := range r.Holdings {
		if h.Excluded || h.Geometry == nil {
			continue
		}
		c, a := planar.CentroidArea(h.Geometry)
		if a == 0 || !finitePoint(c) {
			continue
		}
		x, y := l.point(c)
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(colornames.Black),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(int(x*dpmm), int(heightPx-y*dpmm)),
		}
		d.DrawString(h.OwnerKey)
	}
}

// holdingPolygons flattens a holding geometry into polygons.
func holdingPolygons(g orb.Geometry) []orb.Polygon {
	switch t := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{t}
	case orb.MultiPolygon:
		return []orb.Polygon(t)
	}
	return nil
}

// translucent premultiplies c by alpha a, as canvas expects.
func translucent(c color.RGBA, a uint8) color.RGBA {
	return color.RGBA{
		R: uint8(uint16(c.R) * uint16(a) / 255),
		G: uint8(uint16(c.G) * uint16(a) / 255),
		B: uint8(uint16(c.B) * uint16(a) / 255),
		A: a,
	}
}
