package mcc2

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

func TestCommunicator(t *testing.T) {
	e := NewEmulator(3, 2, false)
	e.SetTimeout(2 * time.Millisecond)
	c := NewCommunicator(e, nil)

	Convey("moves and positions round trip through the emulator", t, func() {
		So(c.GoTo(300, 1, 2), ShouldBeNil)
		pos, err := c.GetPosition(1, 2)
		So(err, ShouldBeNil)
		So(pos, ShouldEqual, 300)

		So(c.Go(-120, 1, 2), ShouldBeNil)
		pos, err = c.GetPosition(1, 2)
		So(err, ShouldBeNil)
		So(pos, ShouldEqual, 180)

		So(c.SetPosition(0, 1, 2), ShouldBeNil)
		pos, _ = c.GetPosition(1, 2)
		So(pos, ShouldEqual, 0)

		stand, err := c.MotorStand(1, 2)
		So(err, ShouldBeNil)
		So(stand, ShouldBeTrue)
	})

	Convey("parameters are addressed by name", t, func() {
		So(c.SetParameter("Laufstrom", 7, 0, 1), ShouldBeNil)
		v, err := c.GetParameter("Laufstrom", 0, 1)
		So(err, ShouldBeNil)
		So(v, ShouldEqual, 7)

		_, err = c.GetParameter("Unbekannt", 0, 1)
		So(err, ShouldNotBeNil)
	})

	Convey("a rejected command surfaces as a controller error", t, func() {
		err := c.SetParameter("Umrechungsfaktor", -1, 0, 1)
		var cerr merrors.ControllerError
		So(errors.As(err, &cerr), ShouldBeTrue)
	})

	Convey("an absent bus times out", t, func() {
		_, err := c.GetPosition(7, 1)
		So(errors.Is(err, merrors.ErrNoReply), ShouldBeTrue)
	})

	Convey("enumeration finds every emulated controller", t, func() {
		busses, err := c.BusList()
		So(err, ShouldBeNil)
		So(busses, ShouldResemble, []int{0, 1, 2})

		axes, err := c.AxesList(2)
		So(err, ShouldBeNil)
		So(axes, ShouldResemble, []int{1, 2})

		ok, _ := c.CheckConnection()
		So(ok, ShouldBeTrue)
		So(c.CheckVersion(0), ShouldBeNil)
		So(c.SaveParametersInEprom(0), ShouldBeNil)
	})

	Convey("a late reply is not taken for the answer of the next command", t, func() {
		So(c.GoTo(42, 1, 2), ShouldBeNil)
		So(e.Write(frame("0IVR")), ShouldBeNil)
		pos, err := c.GetPosition(1, 2)
		So(err, ShouldBeNil)
		So(pos, ShouldEqual, 42)
	})

	Convey("the input file columns are the flagged parameters in number order", t, func() {
		So(c.ParameterNames(), ShouldResemble, []string{"Lauffrequenz", "Initiatortyp", "Stoppstrom", "Laufstrom", "Booststrom"})
		for _, name := range c.ParameterNames() {
			So(PARAMETERS[name].inputFile, ShouldBeTrue)
		}
	})

	Convey("raw addresses are range checked", t, func() {
		So(c.CheckRawInputData(15, 9), ShouldBeNil)
		So(c.CheckRawInputData(16, 1), ShouldNotBeNil)
		So(c.CheckRawInputData(0, 0), ShouldNotBeNil)
	})

	Convey("calibration preparation switches to native steps", t, func() {
		So(c.PrepareCalibration(0, 2), ShouldBeNil)
		v, _ := c.GetParameter("Bewegungsart", 0, 2)
		So(v, ShouldEqual, 1)
	})
}
