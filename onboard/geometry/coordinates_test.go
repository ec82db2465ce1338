package geometry

import (
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCameraCoordinates(t *testing.T) {
	Convey("camera frames rotate the motor plane", t, func() {
		c := NewCameraCoordinates(math.Pi / 2)
		x, z := c.MotorsToCamera(1, 0)
		So(x, ShouldAlmostEqual, 0, 1e-12)
		So(z, ShouldAlmostEqual, 1, 1e-12)

		Convey("and back", func() {
			for _, angle := range []float64{0, 0.3, math.Pi / 4, 2.5} {
				c := NewCameraCoordinates(angle)
				cx, cz := c.MotorsToCamera(12.5, -3)
				x, z := c.CameraToMotors(cx, cz)
				So(x, ShouldAlmostEqual, 12.5, 1e-9)
				So(z, ShouldAlmostEqual, -3, 1e-9)
			}
		})
	})

	Convey("two cameras reconstruct the point they see", t, func() {
		for _, angles := range [][2]float64{{90, 45}, {60, 10}, {120, -30}} {
			s := NewStereo(angles[0], angles[1])
			for _, p := range [][2]float64{{1230, 4560}, {-2740.6, 100.5}, {0, 0}} {
				v1, v2 := s.Project(p[0], p[1])
				x, z, err := s.Reconstruct(v1, v2)
				So(err, ShouldBeNil)
				So(x, ShouldAlmostEqual, p[0], 1e-6)
				So(z, ShouldAlmostEqual, p[1], 1e-6)
			}
		}

		_, _, err := NewStereo(0, 45).Reconstruct(1, 1)
		So(err, ShouldEqual, ErrParallelCameras)
	})

	Convey("pixels map linearly onto camera coordinates", t, func() {
		p := Projection{G: 10, Offset: 5, Width: 2048, Height: 1088}
		So(p.ToPixel(5), ShouldEqual, 1024)
		So(p.FromPixel(p.ToPixel(-1234)), ShouldAlmostEqual, -1234, 1e-9)
		So(p.RowToPixel(0), ShouldEqual, 544)
		So(p.RowFromPixel(p.RowToPixel(321)), ShouldAlmostEqual, 321, 1e-9)
	})
}
