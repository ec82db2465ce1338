package plasma

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/jetsim"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
)

func TestHolder(t *testing.T) {
	Convey("Given a calibrated plasma held in place", t, func() {
		cfg := jetsim.DefaultConfig()
		cfg.LaserOn = true
		rig := newTestRig(cfg, 10)
		w := rig.watcher
		So(w.CalibratePlasma(PlasmaSettings{MessPerPoint: 1}, nil), ShouldBeNil)

		settings := DefaultHolderSettings()
		settings.BrightnessTol = 0.4
		holder := NewHolder(w, settings)
		So(holder.HoldHere(), ShouldBeNil)
		tol := holder.Tolerance()
		So(tol.X, ShouldEqual, rig.tol(JET_X))
		So(tol.Y, ShouldEqual, rig.tol(LASER_Y))
		So(tol.Z, ShouldEqual, rig.tol(JET_Z))

		var shifts, dimmings int
		holder.OnShift(func(target, measured Position) { shifts++ })
		holder.OnDimming(func(radius, expected float64) { dimmings++ })

		Convey("nothing happens while the plasma is in place", func() {
			So(holder.Tick(), ShouldBeNil)
			So(shifts, ShouldEqual, 0)
			So(dimmings, ShouldEqual, 0)
		})

		Convey("a shifted jet is moved back", func() {
			So(w.MoveJet(60, 0), ShouldBeNil)
			So(holder.Tick(), ShouldBeNil)
			So(shifts, ShouldEqual, 1)
			So(rig.position(JET_X), ShouldAlmostEqual, 0, 2*rig.tol(JET_X))
			So(rig.position(JET_Z), ShouldAlmostEqual, 0, 2*rig.tol(JET_Z))
		})

		Convey("a pixel floor loosens the tolerance", func() {
			settings.ShiftTolPx = COARSE_SHIFT_TOL_PX
			holder.SetSettings(settings)
			So(holder.Tolerance().X, ShouldAlmostEqual, 15, 1e-9)
			So(holder.Tolerance().Y, ShouldAlmostEqual, 15, 1e-9)

			So(w.MoveJet(10, 0), ShouldBeNil)
			So(holder.Tick(), ShouldBeNil)
			So(shifts, ShouldEqual, 0)
			So(rig.position(JET_X), ShouldAlmostEqual, 10, 1e-9)
		})

		Convey("a shift is only reported when moving is disabled", func() {
			settings.MoveByShift = false
			holder.SetSettings(settings)
			So(w.MoveJet(60, 0), ShouldBeNil)
			So(holder.Tick(), ShouldBeNil)
			So(shifts, ShouldEqual, 1)
			So(rig.position(JET_X), ShouldAlmostEqual, 60, 1e-9)
		})

		Convey("a dimmed plasma is refocused", func() {
			rig.jet.SetLaserJetShift(50)
			So(holder.Tick(), ShouldBeNil)
			So(dimmings, ShouldEqual, 1)
			So(w.Calibration().JettLaserDz, ShouldAlmostEqual, 50, rig.tol(LASER_Z))

			So(holder.Tick(), ShouldBeNil)
			So(dimmings, ShouldEqual, 1)
		})

		Convey("a raised halt interrupts the refocus", func() {
			before := w.Calibration()
			laserZ := rig.position(LASER_Z)
			holder.OnDimming(func(radius, expected float64) { holder.halt.Request() })
			rig.jet.SetLaserJetShift(50)

			err := holder.Tick()
			So(errors.Is(err, merrors.ErrStopped), ShouldBeTrue)
			So(dimmings, ShouldEqual, 1)
			So(w.Calibration().JettLaserDz, ShouldEqual, before.JettLaserDz)
			So(w.Calibration().PlRMax, ShouldEqual, before.PlRMax)
			So(rig.position(LASER_Z), ShouldEqual, laserZ)
		})

		Convey("stopping the holder does not wait for a refocus to finish", func() {
			entered := make(chan struct{})
			var once sync.Once
			holder.OnDimming(func(radius, expected float64) {
				once.Do(func() { close(entered) })
				deadline := time.Now().Add(2 * time.Second)
				for !holder.halt.HasStopRequested() && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
			})
			before := w.Calibration().JettLaserDz
			rig.jet.SetLaserJetShift(50)

			holder.Start()
			select {
			case <-entered:
			case <-time.After(2 * time.Second):
			}
			start := time.Now()
			holder.Stop()
			So(time.Since(start), ShouldBeLessThan, time.Second)
			So(holder.Running(), ShouldBeFalse)
			So(w.Calibration().JettLaserDz, ShouldEqual, before)

			holder.Start()
			So(holder.halt.HasStopRequested(), ShouldBeFalse)
			holder.Stop()
		})

		Convey("checks are skipped while another routine measures", func() {
			w.dontMove.Lock()
			rig.jet.SetLaserJetShift(50)
			So(holder.Tick(), ShouldBeNil)
			w.dontMove.Unlock()
			So(dimmings, ShouldEqual, 0)
		})

		Convey("the plasma stays in place while the focus drifts", func() {
			target := holder.Target()
			x0, y0, z0 := rig.position(JET_X), rig.position(LASER_Y), rig.position(JET_Z)
			rig.jet.StartDrift(10, 30)
			defer rig.jet.StopDrift()

			for i := 0; i < 8; i++ {
				time.Sleep(100 * time.Millisecond)
				So(holder.Tick(), ShouldBeNil)

				So(math.Abs(rig.position(JET_X)-x0), ShouldBeLessThanOrEqualTo, 2*rig.tol(JET_X))
				So(math.Abs(rig.position(LASER_Y)-y0), ShouldBeLessThanOrEqualTo, 2*rig.tol(LASER_Y))
				So(math.Abs(rig.position(JET_Z)-z0), ShouldBeLessThanOrEqualTo, 2*rig.tol(JET_Z))

				p, _, err := w.PlasmaPosition()
				if err == nil {
					So(math.Abs(p.X-target.X), ShouldBeLessThanOrEqualTo, 2*rig.tol(JET_X))
					So(math.Abs(p.Y-target.Y), ShouldBeLessThanOrEqualTo, 2*rig.tol(LASER_Y))
					So(math.Abs(p.Z-target.Z), ShouldBeLessThanOrEqualTo, 2*rig.tol(JET_Z))
				}
			}
		})

		Convey("the holder runs in the background until stopped", func() {
			holder.Start()
			So(holder.Running(), ShouldBeTrue)
			holder.Stop()
			So(holder.Running(), ShouldBeFalse)

			moved, err := rig.cluster.Motor(JET_X)
			So(err, ShouldBeNil)
			pos, err := moved.Position(motors.DISPL)
			So(err, ShouldBeNil)
			So(pos, ShouldAlmostEqual, 0, 1e-9)
		})
	})
}
