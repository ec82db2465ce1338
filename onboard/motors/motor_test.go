package motors

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/mcc2"
)

func newTestBox(nBusses, nAxes int) (*Box, *mcc2.Emulator) {
	emulator := mcc2.NewEmulator(nBusses, nAxes, false)
	emulator.SetTimeout(time.Millisecond)
	box := NewBox("test", mcc2.NewCommunicator(emulator, nil), nil)
	_, err := box.InitializeWithInputFile("")
	So(err, ShouldBeNil)
	return box, emulator
}

type recordingReporter struct {
	waiting [][]string
	done    []string
}

func (r *recordingReporter) WaitingFor(names []string) {
	r.waiting = append(r.waiting, names)
}

func (r *recordingReporter) MotorIsDone(name string) {
	r.done = append(r.done, name)
}

func TestMotorCalibration(t *testing.T) {
	Convey("Given a motor between initiators at -10000 and 10000", t, func() {
		box, emulator := newTestBox(1, 2)
		m, err := box.Motor(Address{0, 1})
		So(err, ShouldBeNil)

		Convey("calibration maps the travel onto 0..1000", func() {
			reporter := &recordingReporter{}
			So(m.Calibrate(nil, reporter), ShouldBeNil)
			So(reporter.done, ShouldContain, m.Name())

			So(m.GoTo(0, NORM, true), ShouldBeNil)
			So(emulator.Motor(0, 1).Position(), ShouldEqual, -10000)

			So(m.GoTo(1000, NORM, true), ShouldBeNil)
			So(emulator.Motor(0, 1).Position(), ShouldEqual, 10000)

			config := m.Config()
			So(config.Transform(-10000, CONTR, NORM, false), ShouldAlmostEqual, 0)
			So(config.Transform(10000, CONTR, NORM, false), ShouldAlmostEqual, 1000)
		})

		Convey("a motor without initiators refuses calibration", func() {
			config := m.Config()
			config.WithInitiators = false
			So(m.SetConfig(config), ShouldBeNil)
			So(m.IsCalibratable(), ShouldBeFalse)

			err := m.Calibrate(nil, nil)
			var cerr merrors.CalibrationError
			So(errors.As(err, &cerr), ShouldBeTrue)
		})

		Convey("a raised stop aborts calibration and keeps the old scale", func() {
			stop := &StopFlag{}
			stop.Request()
			before := m.Config()
			So(errors.Is(m.Calibrate(stop, nil), merrors.ErrStopped), ShouldBeTrue)
			So(m.Config(), ShouldResemble, before)
		})
	})

	Convey("Coordinated calibration gives the same result as calibrating one by one", t, func() {
		limits := [][2]int{{-5000, 7000}, {-3000, 12000}}

		single, emulator := newTestBox(1, 2)
		for i, l := range limits {
			emulator.Motor(0, i+1).SetLimits(l[0], l[1])
		}
		var want []MotorConfig
		for _, m := range single.Motors() {
			So(m.Calibrate(nil, nil), ShouldBeNil)
			want = append(want, m.Config())
		}

		together, emulator := newTestBox(1, 2)
		for i, l := range limits {
			emulator.Motor(0, i+1).SetLimits(l[0], l[1])
		}
		So(together.CalibrateMotors(nil, nil, nil), ShouldBeNil)
		for i, m := range together.Motors() {
			So(m.Config(), ShouldResemble, want[i])
		}
		So(want[0].NullPosition, ShouldEqual, -5000)
		So(want[1].NormPerContr, ShouldAlmostEqual, 1000.0/15000)
	})
}

func TestSoftLimits(t *testing.T) {
	Convey("Given a calibrated motor with soft limits", t, func() {
		box, _ := newTestBox(1, 1)
		m, _ := box.Motor(Address{0, 1})
		config := m.Config()
		config.NormPerContr = 0.05
		config.NullPosition = -10000
		So(m.SetConfig(config), ShouldBeNil)
		So(m.SetSoftLimits(Bound(430.2), Bound(560.4), NORM), ShouldBeNil)

		position := func() float64 {
			pos, err := m.Position(NORM)
			So(err, ShouldBeNil)
			return pos
		}

		Convey("targets beyond the limits settle on the nearest bound", func() {
			So(m.GoTo(600, NORM, true), ShouldBeNil)
			So(position(), ShouldAlmostEqual, 560.4, 1e-9)
			So(m.GoTo(400, NORM, true), ShouldBeNil)
			So(position(), ShouldAlmostEqual, 430.2, 1e-9)
		})

		Convey("relative moves are clamped too", func() {
			So(m.GoTo(500, NORM, true), ShouldBeNil)
			So(m.Go(100, NORM, true), ShouldBeNil)
			So(position(), ShouldAlmostEqual, 560.4, 1e-9)
		})

		Convey("cleared limits allow the whole travel", func() {
			So(m.SetSoftLimits(nil, nil, NORM), ShouldBeNil)
			So(m.GoTo(600, NORM, true), ShouldBeNil)
			So(position(), ShouldAlmostEqual, 600, 1e-9)
			So(m.GoTo(400, NORM, true), ShouldBeNil)
			So(position(), ShouldAlmostEqual, 400, 1e-9)
		})

		Convey("inverted limits fail the move", func() {
			m.lock.Lock()
			m.softLimits = SoftLimits{Lower: Bound(600), Upper: Bound(500)}
			m.lock.Unlock()
			var merr merrors.MotorError
			So(errors.As(m.GoTo(550, NORM, false), &merr), ShouldBeTrue)
		})

		Convey("limits read back in other units", func() {
			lower, upper := m.SoftLimits(CONTR)
			So(*lower, ShouldAlmostEqual, -1396, 1e-6)
			So(*upper, ShouldAlmostEqual, 1208, 1e-6)
		})
	})
}

func TestMotorState(t *testing.T) {
	Convey("Given a fresh motor", t, func() {
		box, emulator := newTestBox(1, 1)
		m, _ := box.Motor(Address{0, 1})

		Convey("display null shifts display units only", func() {
			So(m.SetPosition(250, NORM), ShouldBeNil)
			So(m.SetDisplayNullHere(), ShouldBeNil)
			pos, err := m.Position(DISPL)
			So(err, ShouldBeNil)
			So(pos, ShouldAlmostEqual, 0)
			pos, _ = m.Position(NORM)
			So(pos, ShouldAlmostEqual, 250)
		})

		Convey("initiators are visible through the motor", func() {
			So(m.Go(50000, CONTR, true), ShouldBeNil)
			end, err := m.AtTheEnd()
			So(err, ShouldBeNil)
			So(end, ShouldBeTrue)
			beg, _ := m.AtTheBeginning()
			So(beg, ShouldBeFalse)
			So(emulator.Motor(0, 1).Position(), ShouldEqual, 10000)
		})

		Convey("parameters are cached after a write", func() {
			So(m.SetParameter("Laufstrom", 3), ShouldBeNil)
			v, err := m.ReadParameter("Laufstrom")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 3)
			So(m.Parameters()["Laufstrom"], ShouldEqual, 3)
		})

		Convey("tolerance is one count in display units", func() {
			config := m.Config()
			config.DisplPerContr = 0.5
			So(m.SetConfig(config), ShouldBeNil)
			So(m.Tol(), ShouldAlmostEqual, 0.5)
		})
	})
}
