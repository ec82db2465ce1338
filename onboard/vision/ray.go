package vision

import (
	"image"
	"math"
	"sort"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

const (
	CANNY_LOW  = 50
	CANNY_HIGH = 100

	HOUGH_RHO        = 1
	HOUGH_THETA      = math.Pi / 180
	HOUGH_THRESHOLD  = 15
	HOUGH_MIN_LENGTH = 500
	HOUGH_MAX_GAP    = 100

	// MERGE_DISTANCE is how far apart the x ends of two segments may be to belong to the same edge.
	MERGE_DISTANCE = 1
	// MAX_RAY_SLOPE is the largest x difference between the ends of a jet edge.
	MAX_RAY_SLOPE = 4
	// EDGE_WINDOW is the half width searched around an edge for its sub-pixel position.
	EDGE_WINDOW = 3
)

// MergeCloseLines joins segments whose x ends differ by at most MERGE_DISTANCE. Groups sharing a
// segment are joined transitively. A merged segment has the mean x of its members and spans their
// union in y. Groups are ordered by their first member.
func MergeCloseLines(lines []Segment) []Segment {
	parent := make([]int, len(lines))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	for i := range lines {
		for j := i + 1; j < len(lines); j++ {
			if math.Abs(lines[i][0]-lines[j][0]) <= MERGE_DISTANCE && math.Abs(lines[i][2]-lines[j][2]) <= MERGE_DISTANCE {
				ri, rj := find(i), find(j)
				if ri == rj {
					continue
				}
				if ri < rj {
					parent[rj] = ri
				} else {
					parent[ri] = rj
				}
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range lines {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}
	sort.Ints(roots)

	merged := make([]Segment, 0, len(roots))
	for _, r := range roots {
		var s Segment
		s[1], s[3] = math.Inf(-1), math.Inf(1)
		for _, i := range groups[r] {
			l := lines[i]
			s[0] += l[0]
			s[2] += l[2]
			s[1] = math.Max(s[1], math.Max(l[1], l[3]))
			s[3] = math.Min(s[3], math.Min(l[1], l[3]))
		}
		n := float64(len(groups[r]))
		s[0] /= n
		s[2] /= n
		merged = append(merged, s)
	}
	return merged
}

// RayLines returns the merged jet edge candidates of a frame.
func RayLines(frame *image.Gray) ([]Segment, *Gradient) {
	edges, g := Canny(Invert(frame), CANNY_LOW, CANNY_HIGH)
	segments := HoughLinesP(edges, g.W, g.H, HOUGH_RHO, HOUGH_THETA, HOUGH_THRESHOLD, HOUGH_MIN_LENGTH, HOUGH_MAX_GAP)
	return MergeCloseLines(segments), g
}

// FindRay returns the column of the jet axis in continuous pixel coordinates (pixel i spans [i, i+1)).
// Unless exactly two near vertical edges are found it returns ok == false, or an error when errorRaise is set.
func FindRay(frame *image.Gray, errorRaise bool) (x float64, ok bool, err error) {
	lines, g := RayLines(frame)

	fail := func(e error) (float64, bool, error) {
		if errorRaise {
			return 0, false, e
		}
		return 0, false, nil
	}

	switch {
	case len(lines) == 0:
		return fail(merrors.NoJetError{})
	case len(lines) != 2:
		return fail(merrors.RecognitionError{Feature: "jet", Count: len(lines), Reason: "expected the two jet edges"})
	}
	for _, l := range lines {
		if math.Abs(l[0]-l[2]) > MAX_RAY_SLOPE {
			return fail(merrors.RecognitionError{Feature: "jet", Count: len(lines), Reason: "jet edges are not vertical"})
		}
	}

	x = (lines[0][0]+lines[0][2]+lines[1][0]+lines[1][2])/4 + 0.5

	left, lok := refineEdge(g, lines[0])
	right, rok := refineEdge(g, lines[1])
	if lok && rok {
		x = (left + right) / 2
	}
	return x, true, nil
}

// refineEdge locates a vertical edge to sub-pixel precision: per row the gradient peak near the segment
// is interpolated with a parabola, and the median over all rows is taken.
func refineEdge(g *Gradient, l Segment) (float64, bool) {
	var estimates []float64
	top, bottom := int(math.Min(l[1], l[3])), int(math.Max(l[1], l[3]))
	for y := top; y <= bottom; y++ {
		if y < 1 || y >= g.H-1 {
			continue
		}
		t := 0.5
		if l[1] != l[3] {
			t = (float64(y) - l[3]) / (l[1] - l[3])
		}
		center := int(math.Round(l[2] + t*(l[0]-l[2])))

		best, bestMag := -1, 0.0
		for x := center - EDGE_WINDOW; x <= center+EDGE_WINDOW; x++ {
			if m := g.at(x, y); m > bestMag {
				best, bestMag = x, m
			}
		}
		if best < 0 || bestMag < CANNY_HIGH {
			continue
		}
		left, right := g.at(best-1, y), g.at(best+1, y)
		denom := left - 2*bestMag + right
		if denom >= 0 {
			continue
		}
		estimates = append(estimates, float64(best)+0.5+(left-right)/(2*denom))
	}
	if len(estimates) == 0 {
		return 0, false
	}
	sort.Float64s(estimates)
	return estimates[len(estimates)/2], true
}
