package jetsim

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/mcc2"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
)

// Travel of the emulated axes in steps and their display scale in micrometers per step.
const (
	JET_TRAVEL   = 20000
	JET_STEP     = 0.5
	LASER_TRAVEL = 8000
	LASER_STEP   = 2.5
)

type motorSetup struct {
	name   string
	addr   motors.Address
	travel int
	step   float64
}

var MOTOR_SETUP = []motorSetup{
	{JET_X, motors.Address{Bus: 0, Axis: 1}, JET_TRAVEL, JET_STEP},
	{JET_Z, motors.Address{Bus: 0, Axis: 2}, JET_TRAVEL, JET_STEP},
	{LASER_Z, motors.Address{Bus: 1, Axis: 1}, LASER_TRAVEL, LASER_STEP},
	{LASER_Y, motors.Address{Bus: 1, Axis: 2}, LASER_TRAVEL, LASER_STEP},
}

// calibratedConfig is the configuration calibration would produce, with display zero mid travel.
func calibratedConfig(s motorSetup) motors.MotorConfig {
	return motors.MotorConfig{
		Name:           s.name,
		WithInitiators: true,
		DisplayUnits:   "um",
		NormPerContr:   motors.NORM_RANGE / float64(2*s.travel),
		DisplPerContr:  s.step,
		DisplNull:      motors.NORM_RANGE / 2,
		NullPosition:   -float64(s.travel),
	}
}

// NewMotorsBox builds an emulated MCC2 box carrying the four jet and laser motors, calibrated and at zero.
func NewMotorsBox(name string, realtime bool, log *logrus.Entry) (*motors.Box, *mcc2.Emulator, error) {
	emulator := mcc2.NewEmulator(2, 2, realtime)
	emulator.SetTimeout(time.Millisecond)

	configs := make(map[motors.Address]motors.MotorConfig)
	for _, s := range MOTOR_SETUP {
		emulator.Motor(s.addr.Bus, s.addr.Axis).SetLimits(-s.travel, s.travel)
		configs[s.addr] = calibratedConfig(s)
	}

	box := motors.NewBox(name, mcc2.NewCommunicator(emulator, log), log)
	if _, err := box.InitializeWithInputFile(""); err != nil {
		return nil, nil, err
	}
	if err := box.SetMotorsConfig(configs); err != nil {
		return nil, nil, err
	}
	return box, emulator, nil
}
