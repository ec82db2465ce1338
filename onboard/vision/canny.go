// Package vision finds the jet, the plasma and the nozzle on single channel frames.
package vision

import (
	"image"
	"math"
)

// Gradient is the Sobel response of a frame. Mag is the L1 magnitude, indexed y*W+x.
type Gradient struct {
	W, H   int
	Gx, Gy []float64
	Mag    []float64
}

func (g *Gradient) at(x, y int) float64 {
	if x < 0 || y < 0 || x >= g.W || y >= g.H {
		return 0
	}
	return g.Mag[y*g.W+x]
}

// Invert returns the negative of frame.
func Invert(frame *image.Gray) *image.Gray {
	out := image.NewGray(frame.Rect)
	for y := frame.Rect.Min.Y; y < frame.Rect.Max.Y; y++ {
		src := frame.Pix[frame.PixOffset(frame.Rect.Min.X, y):]
		dst := out.Pix[out.PixOffset(out.Rect.Min.X, y):]
		for x := 0; x < frame.Rect.Dx(); x++ {
			dst[x] = 255 - src[x]
		}
	}
	return out
}

// Sobel computes 3x3 Sobel derivatives. The one pixel border is left at zero.
func Sobel(frame *image.Gray) *Gradient {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	g := &Gradient{W: w, H: h, Gx: make([]float64, w*h), Gy: make([]float64, w*h), Mag: make([]float64, w*h)}
	px := func(x, y int) float64 {
		return float64(frame.Pix[frame.PixOffset(frame.Rect.Min.X+x, frame.Rect.Min.Y+y)])
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			gy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			i := y*w + x
			g.Gx[i], g.Gy[i] = gx, gy
			g.Mag[i] = math.Abs(gx) + math.Abs(gy)
		}
	}
	return g
}

// tan(22.5°) and tan(67.5°) separate the four suppression directions.
const (
	tan22 = 0.41421356237
	tan67 = 2.41421356237
)

// Canny marks edge pixels: Sobel gradient, non-maximum suppression and hysteresis between low and high.
func Canny(frame *image.Gray, low, high float64) (edges []bool, g *Gradient) {
	g = Sobel(frame)
	w, h := g.W, g.H

	// 0 none, 1 weak, 2 strong
	class := make([]uint8, w*h)
	var stack []int

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := g.Mag[i]
			if m <= low {
				continue
			}

			ax, ay := math.Abs(g.Gx[i]), math.Abs(g.Gy[i])
			var prev, next float64
			switch {
			case ay <= ax*tan22:
				prev, next = g.at(x-1, y), g.at(x+1, y)
			case ay >= ax*tan67:
				prev, next = g.at(x, y-1), g.at(x, y+1)
			case (g.Gx[i] < 0) != (g.Gy[i] < 0):
				prev, next = g.at(x-1, y+1), g.at(x+1, y-1)
			default:
				prev, next = g.at(x-1, y-1), g.at(x+1, y+1)
			}
			if !(m > prev && m >= next) {
				continue
			}

			if m > high {
				class[i] = 2
				stack = append(stack, i)
			} else {
				class[i] = 1
			}
		}
	}

	edges = make([]bool, w*h)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if edges[i] {
			continue
		}
		edges[i] = true
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] > 0 && !edges[j] {
					stack = append(stack, j)
				}
			}
		}
	}
	return edges, g
}
