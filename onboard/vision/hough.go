package vision

import (
	"math"
	"math/rand"
)

// Segment is a line segment x1, y1, x2, y2.
type Segment [4]float64

// HOUGH_SEED fixes the order in which edge points vote, so results are reproducible.
const HOUGH_SEED = 12345

const houghShift = 16

// HoughLinesP finds line segments among edge pixels with the progressive probabilistic Hough transform.
// Points vote in a pseudo random but fixed order; a line whose accumulator reaches threshold is followed
// through gaps of up to maxGap pixels, and kept if it spans at least minLength pixels on either axis.
// Segments are returned with y1 >= y2.
func HoughLinesP(edges []bool, w, h int, rho, theta float64, threshold, minLength, maxGap int) []Segment {
	numAngle := int(math.Round(math.Pi / theta))
	numRho := int(math.Round(float64((w+h)*2+1) / rho))
	irho := 1 / rho

	trig := make([]float64, 2*numAngle)
	for n := 0; n < numAngle; n++ {
		trig[2*n] = math.Cos(float64(n)*theta) * irho
		trig[2*n+1] = math.Sin(float64(n)*theta) * irho
	}
	rhoIndex := func(x, y, n int) int {
		return int(math.Round(float64(x)*trig[2*n]+float64(y)*trig[2*n+1])) + (numRho-1)/2
	}

	mask := make([]bool, w*h)
	voted := make([]bool, w*h)
	var points []int
	for i, e := range edges {
		if e {
			mask[i] = true
			points = append(points, i)
		}
	}
	rand.New(rand.NewSource(HOUGH_SEED)).Shuffle(len(points), func(i, j int) {
		points[i], points[j] = points[j], points[i]
	})

	accum := make([]int, numAngle*numRho)
	var segments []Segment

	for _, p := range points {
		if !mask[p] {
			continue
		}
		x, y := p%w, p/w

		maxVal, maxN := threshold-1, -1
		for n := 0; n < numAngle; n++ {
			r := rhoIndex(x, y, n)
			accum[n*numRho+r]++
			if v := accum[n*numRho+r]; v > maxVal {
				maxVal, maxN = v, n
			}
		}
		voted[p] = true
		if maxN < 0 {
			continue
		}

		// walk along the line in both directions from the point
		a, b := -trig[2*maxN+1], trig[2*maxN]
		x0, y0 := x, y
		var dx0, dy0 int
		xflag := math.Abs(a) > math.Abs(b)
		if xflag {
			dx0 = 1
			if a <= 0 {
				dx0 = -1
			}
			dy0 = int(math.Round(b * (1 << houghShift) / math.Abs(a)))
			y0 = (y0 << houghShift) + (1 << (houghShift - 1))
		} else {
			dy0 = 1
			if b <= 0 {
				dy0 = -1
			}
			dx0 = int(math.Round(a * (1 << houghShift) / math.Abs(b)))
			x0 = (x0 << houghShift) + (1 << (houghShift - 1))
		}

		pixel := func(px, py int) (int, int) {
			if xflag {
				return px, py >> houghShift
			}
			return px >> houghShift, py
		}

		var ends [2][2]int
		for k := 0; k < 2; k++ {
			gap := 0
			px, py, dx, dy := x0, y0, dx0, dy0
			if k > 0 {
				dx, dy = -dx, -dy
			}
			ends[k] = [2]int{x, y}
			for ; ; px, py = px+dx, py+dy {
				j1, i1 := pixel(px, py)
				if j1 < 0 || j1 >= w || i1 < 0 || i1 >= h {
					break
				}
				if mask[i1*w+j1] {
					gap = 0
					ends[k] = [2]int{j1, i1}
				} else if gap++; gap > maxGap {
					break
				}
			}
		}

		good := abs(ends[1][0]-ends[0][0]) >= minLength || abs(ends[1][1]-ends[0][1]) >= minLength

		for k := 0; k < 2; k++ {
			px, py, dx, dy := x0, y0, dx0, dy0
			if k > 0 {
				dx, dy = -dx, -dy
			}
			for ; ; px, py = px+dx, py+dy {
				j1, i1 := pixel(px, py)
				if j1 < 0 || j1 >= w || i1 < 0 || i1 >= h {
					break
				}
				i := i1*w + j1
				if mask[i] {
					if good && voted[i] {
						for n := 0; n < numAngle; n++ {
							accum[n*numRho+rhoIndex(j1, i1, n)]--
						}
						voted[i] = false
					}
					mask[i] = false
				}
				if j1 == ends[k][0] && i1 == ends[k][1] {
					break
				}
			}
		}

		if good {
			s := Segment{float64(ends[0][0]), float64(ends[0][1]), float64(ends[1][0]), float64(ends[1][1])}
			if s[1] < s[3] {
				s = Segment{s[2], s[3], s[0], s[1]}
			}
			segments = append(segments, s)
		}
	}
	return segments
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
