package vision

import (
	"image"
	"math"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// NOZZLE_PYRAMID is the downscale factor of the coarse template search.
const NOZZLE_PYRAMID = 8

type plane struct {
	w, h int
	v    []float64
}

func toPlane(frame *image.Gray) plane {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	p := plane{w: w, h: h, v: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p.v[y*w+x] = float64(frame.Pix[frame.PixOffset(frame.Rect.Min.X+x, frame.Rect.Min.Y+y)])
		}
	}
	return p
}

func (p plane) downscale(f int) plane {
	out := plane{w: p.w / f, h: p.h / f}
	out.v = make([]float64, out.w*out.h)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			sum := 0.0
			for dy := 0; dy < f; dy++ {
				for dx := 0; dx < f; dx++ {
					sum += p.v[(y*f+dy)*p.w+x*f+dx]
				}
			}
			out.v[y*out.w+x] = sum / float64(f*f)
		}
	}
	return out
}

// integral holds summed area tables of values and squared values with a zero first row and column.
type integral struct {
	w      int
	s, ssq []float64
}

func (p plane) integral() integral {
	w := p.w + 1
	in := integral{w: w, s: make([]float64, w*(p.h+1)), ssq: make([]float64, w*(p.h+1))}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			v := p.v[y*p.w+x]
			i := (y+1)*w + x + 1
			in.s[i] = v + in.s[i-1] + in.s[i-w] - in.s[i-w-1]
			in.ssq[i] = v*v + in.ssq[i-1] + in.ssq[i-w] - in.ssq[i-w-1]
		}
	}
	return in
}

func (in integral) box(x, y, w, h int) (sum, sumSq float64) {
	a, b := y*in.w+x, y*in.w+x+w
	c, d := (y+h)*in.w+x, (y+h)*in.w+x+w
	return in.s[d] - in.s[b] - in.s[c] + in.s[a], in.ssq[d] - in.ssq[b] - in.ssq[c] + in.ssq[a]
}

// matcher scores positions of a template by zero mean normalized cross-correlation.
type matcher struct {
	p    plane
	in   integral
	t    plane
	tz   []float64 // template minus its mean
	tVar float64
}

func newMatcher(p, t plane) matcher {
	m := matcher{p: p, in: p.integral(), t: t, tz: make([]float64, len(t.v))}
	mean := 0.0
	for _, v := range t.v {
		mean += v
	}
	mean /= float64(len(t.v))
	for i, v := range t.v {
		m.tz[i] = v - mean
		m.tVar += m.tz[i] * m.tz[i]
	}
	return m
}

func (m matcher) score(x, y int) float64 {
	n := float64(m.t.w * m.t.h)
	sum, sumSq := m.in.box(x, y, m.t.w, m.t.h)
	fVar := sumSq - sum*sum/n
	if fVar <= 0 || m.tVar <= 0 {
		return -1
	}
	cross := 0.0
	for ty := 0; ty < m.t.h; ty++ {
		row := m.p.v[(y+ty)*m.p.w+x:]
		trow := m.tz[ty*m.t.w:]
		for tx := 0; tx < m.t.w; tx++ {
			cross += row[tx] * trow[tx]
		}
	}
	return cross / math.Sqrt(fVar*m.tVar)
}

func (m matcher) best(x0, y0, x1, y1 int) (bx, by int, best float64) {
	best = math.Inf(-1)
	for y := max(y0, 0); y <= min(y1, m.p.h-m.t.h); y++ {
		for x := max(x0, 0); x <= min(x1, m.p.w-m.t.w); x++ {
			if s := m.score(x, y); s > best {
				bx, by, best = x, y, s
			}
		}
	}
	return
}

// FindNozzle locates template on frame and returns where its reference point tip lies on the frame.
// The search runs on a downscaled level first and is refined at full resolution.
func FindNozzle(frame, template *image.Gray, tip image.Point) (x, y float64, err error) {
	if template.Rect.Dx() > frame.Rect.Dx() || template.Rect.Dy() > frame.Rect.Dy() {
		return 0, 0, merrors.RecognitionError{Feature: "nozzle", Reason: "template larger than frame"}
	}
	p, t := toPlane(frame), toPlane(template)

	x0, y0, x1, y1 := 0, 0, p.w, p.h
	if t.w >= 2*NOZZLE_PYRAMID && t.h >= 2*NOZZLE_PYRAMID {
		coarse := newMatcher(p.downscale(NOZZLE_PYRAMID), t.downscale(NOZZLE_PYRAMID))
		bx, by, _ := coarse.best(0, 0, coarse.p.w, coarse.p.h)
		x0, y0 = (bx-1)*NOZZLE_PYRAMID, (by-1)*NOZZLE_PYRAMID
		x1, y1 = (bx+1)*NOZZLE_PYRAMID, (by+1)*NOZZLE_PYRAMID
	}

	bx, by, best := newMatcher(p, t).best(x0, y0, x1, y1)
	if math.IsInf(best, -1) || best <= 0 {
		return 0, 0, merrors.RecognitionError{Feature: "nozzle", Reason: "no match"}
	}
	return float64(bx + tip.X), float64(by + tip.Y), nil
}
