package store

import (
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
)

func TestCalibrations(t *testing.T) {
	Convey("Given an empty store", t, func() {
		s, err := Open(filepath.Join(t.TempDir(), "db", "test.db"))
		So(err, ShouldBeNil)
		defer s.Close()

		Convey("no calibration is found", func() {
			_, err := s.LatestCalibration("sim")
			So(err, ShouldEqual, ErrNotFound)
			records, err := s.Calibrations("sim")
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})

		Convey("the newest calibration of a setup is returned", func() {
			first, err := s.SaveCalibration("sim", plasma.Calibration{G1: 10, G2: 10})
			So(err, ShouldBeNil)
			So(first.ID, ShouldNotBeEmpty)
			second, err := s.SaveCalibration("sim", plasma.Calibration{G1: 9.9, G2: 10.1, JettLaserDz: 40, PlRMax: 28})
			So(err, ShouldBeNil)
			_, err = s.SaveCalibration("lab", plasma.Calibration{G1: 3, G2: 3})
			So(err, ShouldBeNil)

			latest, err := s.LatestCalibration("sim")
			So(err, ShouldBeNil)
			So(latest.ID, ShouldEqual, second.ID)
			So(latest.Calibration, ShouldResemble, second.Calibration)
			So(latest.CreatedAt().IsZero(), ShouldBeFalse)

			records, err := s.Calibrations("sim")
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 2)
			So(records[0].ID, ShouldEqual, first.ID)
		})
	})
}

func TestUser(t *testing.T) {
	Convey("Methods work as expected", t, func() {
		user := new(User)
		Convey("Setting and verify password works correctly with hashes", func() {
			So(user.SetPassword([]byte("hello123")), ShouldBeNil)
			So(user.Password, ShouldStartWith, "$")

			So(user.VerifyPassword([]byte("hello123")), ShouldBeNil)
			So(user.VerifyPassword([]byte("hello12")), ShouldNotBeNil)
		})

		Convey("Invalid hash returns the correct error code", func() {
			user.Password = "I DON'T WORK"
			So(user.VerifyPassword([]byte("hello123")).Error(), ShouldContainSubstring, "hashedSecret too short")
		})
	})

	Convey("users are found by email", t, func() {
		s, err := Open(filepath.Join(t.TempDir(), "users.db"))
		So(err, ShouldBeNil)
		defer s.Close()

		user := &User{Email: "login@test.case", Name: "login"}
		So(user.SetPassword([]byte("testing123")), ShouldBeNil)
		So(s.SaveUser(user), ShouldBeNil)
		So(user.ID, ShouldBeGreaterThan, 0)

		found, err := s.UserByEmail("login@test.case")
		So(err, ShouldBeNil)
		So(found.VerifyPassword([]byte("testing123")), ShouldBeNil)

		_, err = s.UserByEmail("nobody@test.case")
		So(err, ShouldEqual, ErrNotFound)
	})
}
