package jetsim

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

type point struct {
	x, y float64
}

// coverage rasterizes a closed path into an anti-aliased mask. The mask covers the path's bounding box,
// which may lie partly outside the frame.
type coverage struct {
	mask   *image.Alpha
	origin image.Point
}

func rasterize(bounds image.Rectangle, path func(r *vector.Rasterizer, dx, dy float64)) coverage {
	r := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	r.DrawOp = draw.Src
	path(r, float64(-bounds.Min.X), float64(-bounds.Min.Y))

	mask := image.NewAlpha(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	r.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return coverage{mask: mask, origin: bounds.Min}
}

func boundsOf(points []point, margin int) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.x), math.Max(maxX, p.x)
		minY, maxY = math.Min(minY, p.y), math.Max(maxY, p.y)
	}
	return image.Rect(int(math.Floor(minX))-margin, int(math.Floor(minY))-margin,
		int(math.Ceil(maxX))+margin, int(math.Ceil(maxY))+margin)
}

func polygon(points []point) coverage {
	return rasterize(boundsOf(points, 1), func(r *vector.Rasterizer, dx, dy float64) {
		r.MoveTo(float32(points[0].x+dx), float32(points[0].y+dy))
		for _, p := range points[1:] {
			r.LineTo(float32(p.x+dx), float32(p.y+dy))
		}
		r.ClosePath()
	})
}

// bezierCircle is the control point distance of a quarter circle cubic.
const bezierCircle = 0.5522847498

func disk(cx, cy, radius float64) coverage {
	box := []point{{cx - radius, cy - radius}, {cx + radius, cy + radius}}
	return rasterize(boundsOf(box, 1), func(r *vector.Rasterizer, dx, dy float64) {
		x, y := cx+dx, cy+dy
		k := radius * bezierCircle
		f := func(v float64) float32 { return float32(v) }
		r.MoveTo(f(x+radius), f(y))
		r.CubeTo(f(x+radius), f(y+k), f(x+k), f(y+radius), f(x), f(y+radius))
		r.CubeTo(f(x-k), f(y+radius), f(x-radius), f(y+k), f(x-radius), f(y))
		r.CubeTo(f(x-radius), f(y-k), f(x-k), f(y-radius), f(x), f(y-radius))
		r.CubeTo(f(x+k), f(y-radius), f(x+radius), f(y-k), f(x+radius), f(y))
		r.ClosePath()
	})
}

// apply blends every covered frame pixel through shade, which gets the old value and the coverage in 0..1.
func (c coverage) apply(frame *image.Gray, shade func(old, cov float64) float64) {
	area := c.mask.Bounds().Add(c.origin).Intersect(frame.Bounds())
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			a := c.mask.AlphaAt(x-c.origin.X, y-c.origin.Y).A
			if a == 0 {
				continue
			}
			i := frame.PixOffset(x, y)
			frame.Pix[i] = clampByte(shade(float64(frame.Pix[i]), float64(a)/255))
		}
	}
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}
