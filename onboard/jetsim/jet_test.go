package jetsim

import (
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/vision"
)

func newTestJet(cfg Config) (*JetEmulator, *motors.Cluster) {
	box, _, err := NewMotorsBox("sim", false, nil)
	So(err, ShouldBeNil)
	cluster, err := motors.NewCluster(nil, box)
	So(err, ShouldBeNil)
	jet, err := NewJetEmulator(cluster, cfg, nil)
	So(err, ShouldBeNil)
	return jet, cluster
}

func TestMotorsBox(t *testing.T) {
	Convey("the emulated box carries the four motors at display zero", t, func() {
		_, cluster := newTestJet(DefaultConfig())
		So(cluster.Names(), ShouldHaveLength, 4)

		for _, name := range []string{JET_X, JET_Z, LASER_Z, LASER_Y} {
			m, err := cluster.Motor(name)
			So(err, ShouldBeNil)
			pos, err := m.Position(motors.DISPL)
			So(err, ShouldBeNil)
			So(pos, ShouldAlmostEqual, 0, 1e-9)
		}

		m, _ := cluster.Motor(JET_X)
		So(m.Tol(), ShouldAlmostEqual, JET_STEP, 1e-9)
		m, _ = cluster.Motor(LASER_Y)
		So(m.Tol(), ShouldAlmostEqual, LASER_STEP, 1e-9)
	})
}

func TestRender(t *testing.T) {
	Convey("Given a jet emulator", t, func() {
		jet, cluster := newTestJet(DefaultConfig())

		Convey("the jet is centered on both cameras at zero", func() {
			s, err := jet.State()
			So(err, ShouldBeNil)
			So(jet.JetColumn(s, 1), ShouldAlmostEqual, 1024, 1e-9)
			So(jet.JetColumn(s, 2), ShouldAlmostEqual, 1024, 1e-9)
		})

		Convey("the recognized jet column follows the motors", func() {
			err := cluster.GoTo(map[string]float64{JET_X: 100, JET_Z: -40}, motors.DISPL, true, nil)
			So(err, ShouldBeNil)
			s, err := jet.State()
			So(err, ShouldBeNil)
			So(s.JetX, ShouldAlmostEqual, 100, 1e-9)
			So(s.JetZ, ShouldAlmostEqual, -40, 1e-9)

			for _, cam := range []int{1, 2} {
				frame, err := jet.Render(cam, 1)
				So(err, ShouldBeNil)
				So(frame.Rect.Dx(), ShouldEqual, 2048)
				So(frame.Rect.Dy(), ShouldEqual, 1088)

				x, ok, err := vision.FindRay(frame, true)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(x, ShouldAlmostEqual, jet.JetColumn(s, cam), 0.05)
			}
		})

		Convey("the nozzle template is found at the nozzle exit", func() {
			frame, err := jet.Render(1, 1)
			So(err, ShouldBeNil)
			template, tip := jet.NozzleTemplate(1)
			x, y, err := vision.FindNozzle(frame, template, tip)
			So(err, ShouldBeNil)
			So(x, ShouldAlmostEqual, 1024, 1)
			So(y, ShouldAlmostEqual, 150, 1)
		})
	})
}

func TestPlasma(t *testing.T) {
	Convey("Given a jet emulator with the laser on", t, func() {
		jet, cluster := newTestJet(DefaultConfig())
		jet.SetLaser(true)

		Convey("the plasma is brightest with the laser focused on the jet", func() {
			s := State{}
			So(jet.Intensity(s), ShouldAlmostEqual, 1, 1e-9)
			s.LaserZ = 20
			dim := jet.Intensity(s)
			So(dim, ShouldBeBetween, 0, 1)
			s.LaserZ = 40
			So(jet.Intensity(s), ShouldBeLessThan, dim)
			s.LaserZ = 2*jet.Config().JetD + 1
			So(jet.Intensity(s), ShouldEqual, 0)

			jet.SetLaserJetShift(-20)
			s.LaserZ = 20
			So(jet.Intensity(s), ShouldAlmostEqual, 1, 1e-9)
		})

		Convey("no plasma without the laser", func() {
			jet.SetLaser(false)
			So(jet.Intensity(State{}), ShouldEqual, 0)
			frame, err := jet.Render(1, 1)
			So(err, ShouldBeNil)
			_, ok, err := vision.FindPlasma(frame, vision.PLASMA_THRESHOLD, false)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("the plasma is drawn on the jet at the laser height", func() {
			err := cluster.GoTo(map[string]float64{LASER_Y: 500}, motors.DISPL, true, nil)
			So(err, ShouldBeNil)
			s, err := jet.State()
			So(err, ShouldBeNil)

			frame, err := jet.Render(1, 1)
			So(err, ShouldBeNil)
			c, ok, err := vision.FindPlasma(frame, vision.PLASMA_THRESHOLD, true)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(c.X, ShouldAlmostEqual, jet.JetColumn(s, 1), 1)
			So(c.Y, ShouldAlmostEqual, jet.Projection(1).RowToPixel(500), 1)
			So(c.R, ShouldAlmostEqual, jet.PlasmaRadius(1, 1, 1), 3)

			x, ok, err := vision.FindRay(frame, true)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(x, ShouldAlmostEqual, jet.JetColumn(s, 1), 0.05)
		})

		Convey("the plasma grows with exposure", func() {
			So(jet.PlasmaRadius(1, 2, 1), ShouldAlmostEqual, 2*jet.PlasmaRadius(1, 1, 1), 1e-9)
			So(jet.PlasmaRadius(1, 1, 1), ShouldAlmostEqual, 28, 1e-9)
		})
	})
}

func TestDrift(t *testing.T) {
	Convey("the focus drifts within its bounds until stopped", t, func() {
		jet, _ := newTestJet(DefaultConfig())
		jet.StartDrift(1000, 5)
		time.Sleep(100 * time.Millisecond)
		jet.StopDrift()

		shift := jet.LaserJetShift()
		So(math.Abs(shift), ShouldBeLessThanOrEqualTo, 5)
		So(shift, ShouldNotEqual, 0)

		time.Sleep(3 * DRIFT_PERIOD)
		So(jet.LaserJetShift(), ShouldEqual, shift)
	})
}

func TestCameraEmulator(t *testing.T) {
	Convey("emulated cameras deliver frames of the configured size", t, func() {
		jet, _ := newTestJet(DefaultConfig())

		_, err := NewCamera("cam3", jet, 3, 10, nil)
		So(err, ShouldNotBeNil)

		cam, err := NewCamera("cam1", jet, 1, 10, nil)
		So(err, ShouldBeNil)
		w, h := cam.Resolution()
		So(w, ShouldEqual, 2048)
		So(h, ShouldEqual, 1088)

		frame, err := cam.GetFrame(time.Second)
		So(err, ShouldBeNil)
		So(frame.Rect.Dx(), ShouldEqual, 2048)
	})
}
