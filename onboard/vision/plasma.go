package vision

import (
	"image"
	"math"
	"math/rand"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

const (
	PLASMA_THRESHOLD = 240
	ERODE_ITERATIONS = 2
	DILATE_ITER      = 4
)

// Circle is a detected blob in continuous pixel coordinates.
type Circle struct {
	X, Y, R float64
}

// binary is a bit mask over a window of a frame.
type binary struct {
	rect image.Rectangle
	set  []bool
}

func (b *binary) at(x, y int) (v, inside bool) {
	if !(image.Point{x, y}).In(b.rect) {
		return false, false
	}
	return b.set[(y-b.rect.Min.Y)*b.rect.Dx()+(x-b.rect.Min.X)], true
}

// Threshold marks pixels brighter than level. The mask window is the bounding box of the marked pixels
// grown by margin, clipped to the frame.
func Threshold(frame *image.Gray, level uint8, margin int) *binary {
	r := frame.Rect
	minX, minY, maxX, maxY := r.Max.X, r.Max.Y, r.Min.X-1, r.Min.Y-1
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := frame.Pix[frame.PixOffset(r.Min.X, y):]
		for i := 0; i < r.Dx(); i++ {
			if row[i] > level {
				x := r.Min.X + i
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < minX {
		return &binary{}
	}

	window := image.Rect(minX-margin, minY-margin, maxX+1+margin, maxY+1+margin).Intersect(r)
	b := &binary{rect: window, set: make([]bool, window.Dx()*window.Dy())}
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			b.set[(y-window.Min.Y)*window.Dx()+(x-window.Min.X)] = frame.Pix[frame.PixOffset(x, y)] > level
		}
	}
	return b
}

// morph applies a 3x3 erosion (erode) or dilation iterations times. Outside the window counts as unset
// for dilation and as set for erosion.
func (b *binary) morph(iterations int, erode bool) {
	w := b.rect.Dx()
	for it := 0; it < iterations; it++ {
		out := make([]bool, len(b.set))
		for y := b.rect.Min.Y; y < b.rect.Max.Y; y++ {
			for x := b.rect.Min.X; x < b.rect.Max.X; x++ {
				v := erode
				for dy := -1; dy <= 1 && v == erode; dy++ {
					for dx := -1; dx <= 1; dx++ {
						n, inside := b.at(x+dx, y+dy)
						if !inside {
							n = erode
						}
						if n != erode {
							v = !erode
							break
						}
					}
				}
				out[(y-b.rect.Min.Y)*w+(x-b.rect.Min.X)] = v
			}
		}
		b.set = out
	}
}

// components returns the 8-connected components as lists of points.
func (b *binary) components() [][]image.Point {
	w := b.rect.Dx()
	seen := make([]bool, len(b.set))
	var comps [][]image.Point

	for i, v := range b.set {
		if !v || seen[i] {
			continue
		}
		var comp []image.Point
		stack := []int{i}
		seen[i] = true
		for len(stack) > 0 {
			j := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := b.rect.Min.X+j%w, b.rect.Min.Y+j/w
			comp = append(comp, image.Pt(x, y))
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					n, inside := b.at(x+dx, y+dy)
					if !inside || !n {
						continue
					}
					k := (y+dy-b.rect.Min.Y)*w + (x + dx - b.rect.Min.X)
					if !seen[k] {
						seen[k] = true
						stack = append(stack, k)
					}
				}
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

// boundary keeps the points of comp with an unset 4-neighbour.
func (b *binary) boundary(comp []image.Point) []image.Point {
	var out []image.Point
	for _, p := range comp {
		for _, d := range []image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			if n, _ := b.at(p.X+d.X, p.Y+d.Y); !n {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// FindPlasma finds the single bright blob on frame after thresholding at level, eroding twice and dilating
// four times. R is the radius of the enclosing circle of the blob, the center its brightness centroid.
// More than one blob is a RecognitionError. No blob gives ok == false, or NoPlasmaError when errorRaise
// is set.
func FindPlasma(frame *image.Gray, level uint8, errorRaise bool) (c Circle, ok bool, err error) {
	b := Threshold(frame, level, ERODE_ITERATIONS+DILATE_ITER+1)
	if len(b.set) > 0 {
		b.morph(ERODE_ITERATIONS, true)
		b.morph(DILATE_ITER, false)
	}
	comps := b.components()

	switch len(comps) {
	case 0:
		if errorRaise {
			return c, false, merrors.NoPlasmaError{}
		}
		return c, false, nil
	case 1:
	default:
		return c, false, merrors.RecognitionError{Feature: "plasma", Count: len(comps)}
	}

	points := make([]vec, 0)
	for _, p := range b.boundary(comps[0]) {
		points = append(points, vec{float64(p.X) + 0.5, float64(p.Y) + 0.5})
	}
	center, r := minEnclosingCircle(points)
	c = Circle{X: center.x, Y: center.y, R: r + 0.5}
	if x, y, ok := centroid(frame, comps[0]); ok {
		c.X, c.Y = x, y
	}
	return c, true, nil
}

// CENTROID_MARGIN grows the blob's bounding box for the brightness centroid.
const CENTROID_MARGIN = 2

// centroid is the center of mass of the brightness above the local background around comp. The
// background of each column is read from the rows just above and below the window, so a jet behind
// the blob does not pull the center. ok is false when neither row lies inside the frame.
func centroid(frame *image.Gray, comp []image.Point) (x, y float64, ok bool) {
	box := image.Rectangle{Min: comp[0], Max: comp[0].Add(image.Pt(1, 1))}
	for _, p := range comp {
		box = box.Union(image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))})
	}
	box = box.Inset(-CENTROID_MARGIN).Intersect(frame.Rect)

	above, below := box.Min.Y-1, box.Max.Y
	hasAbove, hasBelow := above >= frame.Rect.Min.Y, below < frame.Rect.Max.Y
	if !hasAbove && !hasBelow {
		return 0, 0, false
	}

	var sum, sx, sy float64
	for col := box.Min.X; col < box.Max.X; col++ {
		var ref float64
		switch {
		case hasAbove && hasBelow:
			ref = (float64(frame.GrayAt(col, above).Y) + float64(frame.GrayAt(col, below).Y)) / 2
		case hasAbove:
			ref = float64(frame.GrayAt(col, above).Y)
		default:
			ref = float64(frame.GrayAt(col, below).Y)
		}
		for row := box.Min.Y; row < box.Max.Y; row++ {
			w := float64(frame.GrayAt(col, row).Y) - ref
			if w <= 0 {
				continue
			}
			sum += w
			sx += w * (float64(col) + 0.5)
			sy += w * (float64(row) + 0.5)
		}
	}
	if sum == 0 {
		return 0, 0, false
	}
	return sx / sum, sy / sum, true
}

type vec struct {
	x, y float64
}

func (a vec) dist(b vec) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}

const circleEps = 1e-7

// minEnclosingCircle is Welzl's algorithm in its iterative form over a fixed shuffle of the points.
func minEnclosingCircle(points []vec) (vec, float64) {
	if len(points) == 0 {
		return vec{}, 0
	}
	ps := make([]vec, len(points))
	copy(ps, points)
	rand.New(rand.NewSource(HOUGH_SEED)).Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })

	c, r := ps[0], 0.0
	for i := 1; i < len(ps); i++ {
		if c.dist(ps[i]) <= r+circleEps {
			continue
		}
		c, r = ps[i], 0
		for j := 0; j < i; j++ {
			if c.dist(ps[j]) <= r+circleEps {
				continue
			}
			c = vec{(ps[i].x + ps[j].x) / 2, (ps[i].y + ps[j].y) / 2}
			r = c.dist(ps[i])
			for k := 0; k < j; k++ {
				if c.dist(ps[k]) <= r+circleEps {
					continue
				}
				c = circumcenter(ps[i], ps[j], ps[k])
				r = c.dist(ps[i])
			}
		}
	}
	return c, r
}

func circumcenter(a, b, c vec) vec {
	bx, by := b.x-a.x, b.y-a.y
	cx, cy := c.x-a.x, c.y-a.y
	d := 2 * (bx*cy - by*cx)
	if math.Abs(d) < 1e-12 {
		// collinear: the farthest pair spans the circle
		pairs := [][2]vec{{a, b}, {a, c}, {b, c}}
		best := pairs[0]
		for _, p := range pairs[1:] {
			if p[0].dist(p[1]) > best[0].dist(best[1]) {
				best = p
			}
		}
		return vec{(best[0].x + best[1].x) / 2, (best[0].y + best[1].y) / 2}
	}
	b2, c2 := bx*bx+by*by, cx*cx+cy*cy
	return vec{a.x + (cy*b2-by*c2)/d, a.y + (bx*c2-cx*b2)/d}
}
