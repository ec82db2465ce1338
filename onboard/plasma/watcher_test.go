package plasma

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/jetsim"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
)

type testRig struct {
	watcher *Watcher
	jet     *jetsim.JetEmulator
	cluster *motors.Cluster
}

func newTestRig(cfg jetsim.Config, g float64) testRig {
	box, _, err := jetsim.NewMotorsBox("sim", false, nil)
	So(err, ShouldBeNil)
	cluster, err := motors.NewCluster(nil, box)
	So(err, ShouldBeNil)
	jet, err := jetsim.NewJetEmulator(cluster, cfg, nil)
	So(err, ShouldBeNil)
	cam1, err := jetsim.NewCamera("cam1", jet, 1, 10, nil)
	So(err, ShouldBeNil)
	cam2, err := jetsim.NewCamera("cam2", jet, 2, 10, nil)
	So(err, ShouldBeNil)

	w, err := NewWatcher(cluster, cam1, cam2, Config{Phi: cfg.Phi, Psi: cfg.Psi, JetD: cfg.JetD, G1: g, G2: g}, nil)
	So(err, ShouldBeNil)
	return testRig{watcher: w, jet: jet, cluster: cluster}
}

func (r testRig) position(name string) float64 {
	m, err := r.cluster.Motor(name)
	So(err, ShouldBeNil)
	v, err := m.Position(motors.DISPL)
	So(err, ShouldBeNil)
	return v
}

func (r testRig) tol(name string) float64 {
	m, err := r.cluster.Motor(name)
	So(err, ShouldBeNil)
	return m.Tol()
}

func TestNewWatcher(t *testing.T) {
	Convey("cameras of different resolution are rejected", t, func() {
		rig := newTestRig(jetsim.DefaultConfig(), 10)
		small := jetsim.DefaultConfig()
		small.Width = 1024
		other, err := jetsim.NewJetEmulator(rig.cluster, small, nil)
		So(err, ShouldBeNil)
		cam, err := jetsim.NewCamera("small", other, 1, 10, nil)
		So(err, ShouldBeNil)

		_, err = NewWatcher(rig.cluster, rig.watcher.cam1, cam, Config{Phi: 90, Psi: 45, JetD: 70, G1: 10, G2: 10}, nil)
		var equipment merrors.EquipmentError
		So(errors.As(err, &equipment), ShouldBeTrue)
	})

	Convey("all four motors are required", t, func() {
		box, _, err := jetsim.NewMotorsBox("sim", false, nil)
		So(err, ShouldBeNil)
		m, err := box.MotorByName(LASER_Y)
		So(err, ShouldBeNil)
		config := m.Config()
		config.Name = "laser_y_renamed"
		So(m.SetConfig(config), ShouldBeNil)
		cluster, err := motors.NewCluster(nil, box)
		So(err, ShouldBeNil)

		rig := newTestRig(jetsim.DefaultConfig(), 10)
		_, err = NewWatcher(cluster, rig.watcher.cam1, rig.watcher.cam2, Config{Phi: 90, Psi: 45, JetD: 70, G1: 10, G2: 10}, nil)
		So(err, ShouldNotBeNil)
	})
}

func TestMoveJetTo(t *testing.T) {
	Convey("Given the default camera arrangement", t, func() {
		rig := newTestRig(jetsim.DefaultConfig(), 10)
		w := rig.watcher

		Convey("the jet is measured at the motor position", func() {
			x, z, err := w.JetPosition()
			So(err, ShouldBeNil)
			So(x, ShouldAlmostEqual, 0, rig.tol(JET_X))
			So(z, ShouldAlmostEqual, 0, rig.tol(JET_Z))
		})

		Convey("the jet reaches every destination", func() {
			destinations := [][2]float64{{1230, 4560}, {3676.7, 456.5}, {-2740.6, 100.5}, {-2356.6, -566.8}}
			for _, dst := range destinations {
				So(w.MoveJetTo(dst[0], dst[1]), ShouldBeNil)

				x, z, err := w.JetPosition()
				So(err, ShouldBeNil)
				So(x, ShouldAlmostEqual, dst[0], rig.tol(JET_X))
				So(z, ShouldAlmostEqual, dst[1], rig.tol(JET_Z))
				So(rig.position(JET_X), ShouldAlmostEqual, dst[0], rig.tol(JET_X))
				So(rig.position(JET_Z), ShouldAlmostEqual, dst[1], rig.tol(JET_Z))
			}
		})

		Convey("a jet out of view is reported", func() {
			So(w.MoveJet(9000, 9000), ShouldBeNil)
			err := w.MoveJetTo(0, 0)
			var noJet merrors.NoJetError
			So(errors.As(err, &noJet), ShouldBeTrue)
			So(noJet.Camera, ShouldEqual, "cam1")
		})

		Convey("moving the plasma moves the laser along", func() {
			So(w.MovePlasma(100, 50, -40), ShouldBeNil)
			So(rig.position(JET_X), ShouldAlmostEqual, 100, 1e-9)
			So(rig.position(JET_Z), ShouldAlmostEqual, -40, 1e-9)
			So(rig.position(LASER_Z), ShouldAlmostEqual, -40, 1e-9)
			So(rig.position(LASER_Y), ShouldAlmostEqual, 50, 1e-9)
		})
	})
}

func TestCalibrateEnl(t *testing.T) {
	Convey("the magnification is measured from a jet sweep", t, func() {
		rig := newTestRig(jetsim.DefaultConfig(), 12)
		w := rig.watcher

		So(w.CalibrateEnl(0, 0, nil), ShouldBeNil)
		c := w.Calibration()
		So(c.G1, ShouldAlmostEqual, 10, 10*0.005)
		So(c.G2, ShouldAlmostEqual, 10, 10*0.005)
		So(c.Offset1, ShouldAlmostEqual, 0, 1)
		So(c.Offset2, ShouldAlmostEqual, 0, 1)

		So(rig.position(JET_X), ShouldAlmostEqual, 0, rig.tol(JET_X))
		So(rig.position(JET_Z), ShouldAlmostEqual, 0, rig.tol(JET_Z))
	})

	Convey("a stop request aborts the sweep", t, func() {
		rig := newTestRig(jetsim.DefaultConfig(), 10)
		stop := &motors.StopFlag{}
		stop.Request()
		So(errors.Is(rig.watcher.CalibrateEnl(0, 0, stop), merrors.ErrStopped), ShouldBeTrue)
	})
}

func TestCalibratePlasma(t *testing.T) {
	Convey("Given a laser focused off the jet", t, func() {
		cfg := jetsim.DefaultConfig()
		cfg.LaserOn = true
		cfg.LaserJetShift = 40
		rig := newTestRig(cfg, 10)
		w := rig.watcher

		Convey("the calibration finds the focus offset", func() {
			So(w.CalibratePlasma(PlasmaSettings{MessPerPoint: 1}, nil), ShouldBeNil)
			c := w.Calibration()
			So(c.JettLaserDz, ShouldAlmostEqual, 40, rig.tol(LASER_Z))
			So(c.PlRMax, ShouldAlmostEqual, rig.jet.PlasmaRadius(1, 1, 1), 3)
			So(rig.position(JET_Z)-rig.position(LASER_Z), ShouldAlmostEqual, c.JettLaserDz, 1e-9)
		})

		Convey("a raised stop leaves the motors and the calibration alone", func() {
			before := w.Calibration()
			laserZ := rig.position(LASER_Z)
			stop := &motors.StopFlag{}
			stop.Request()
			err := w.CalibratePlasma(PlasmaSettings{MessPerPoint: 1, KeepPosition: true}, stop)
			So(errors.Is(err, merrors.ErrStopped), ShouldBeTrue)
			So(w.Calibration(), ShouldResemble, before)
			So(rig.position(LASER_Z), ShouldEqual, laserZ)
		})

		Convey("without laser there is no plasma to find", func() {
			rig.jet.SetLaser(false)
			err := w.CalibratePlasma(PlasmaSettings{MessPerPoint: 1, MaxSRange: 140}, nil)
			var noPlasma merrors.NoPlasmaError
			So(errors.As(err, &noPlasma), ShouldBeTrue)
		})

		Convey("a motor error is compensated", func() {
			So(w.CalibratePlasma(PlasmaSettings{MessPerPoint: 1}, nil), ShouldBeNil)
			dz := w.Calibration().JettLaserDz
			before, _, err := w.PlasmaPosition()
			So(err, ShouldBeNil)

			laserZ, err := rig.cluster.Motor(LASER_Z)
			So(err, ShouldBeNil)
			So(laserZ.Go(20, motors.DISPL, true), ShouldBeNil)
			So(w.CompensateMotorError(), ShouldBeNil)

			So(rig.position(JET_Z)-rig.position(LASER_Z)-dz, ShouldAlmostEqual, 0, rig.tol(LASER_Z))
			after, _, err := w.PlasmaPosition()
			So(err, ShouldBeNil)
			So(after.Z, ShouldAlmostEqual, before.Z, 15)
		})
	})
}

func TestFineScanFloor(t *testing.T) {
	Convey("a fine scan point must both lose brightness and leave the noise band", t, func() {
		Convey("a steady plasma is judged by the relative loss", func() {
			So(fineScanFloor(20, 0, 0.1), ShouldAlmostEqual, 18, 1e-9)
			So(19.9 < fineScanFloor(20, 0, 0.1), ShouldBeFalse)
		})

		Convey("a flickering plasma is judged by its spread", func() {
			So(fineScanFloor(20, 1, 0.1), ShouldAlmostEqual, 17, 1e-9)
			So(17.5 < fineScanFloor(20, 1, 0.1), ShouldBeFalse)
			So(16.5 < fineScanFloor(20, 1, 0.1), ShouldBeTrue)
		})

		Convey("a small spread does not tighten the relative loss", func() {
			So(fineScanFloor(20, 0.1, 0.1), ShouldAlmostEqual, 18, 1e-9)
		})
	})
}

func TestRestore(t *testing.T) {
	Convey("a stored calibration is taken over", t, func() {
		rig := newTestRig(jetsim.DefaultConfig(), 10)
		c := Calibration{G1: 9.5, G2: 10.5, Offset1: 3, Offset2: -2, JettLaserDz: 12, PlRMax: 25}
		So(rig.watcher.Restore(c), ShouldBeNil)
		So(rig.watcher.Calibration(), ShouldResemble, c)
		So(rig.watcher.Projection(2).G, ShouldEqual, 10.5)
		So(rig.watcher.Restore(Calibration{}), ShouldNotBeNil)
	})
}
