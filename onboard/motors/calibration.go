package motors

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

const (
	// CALIBRATION_SHIFT is a relative move in native counts longer than any travel.
	CALIBRATION_SHIFT = 1e7
	// CALIBRATION_ROUNDS bounds how often a motor is re-sent toward an initiator it has not reached.
	CALIBRATION_ROUNDS = 10
)

// waitMotorsStop polls until every motor stands. On a stop request all motors are stopped.
func waitMotorsStop(motors []*Motor, stop StopIndicator, reporter WaitReporter) error {
	pending := make([]*Motor, len(motors))
	copy(pending, motors)

	if reporter != nil {
		reporter.WaitingFor(motorNames(pending))
	}

	for len(pending) > 0 {
		if stopRequested(stop) {
			for _, m := range motors {
				m.Stop()
			}
			return merrors.ErrStopped
		}

		still := pending[:0]
		for _, m := range pending {
			stand, err := m.Stand()
			if err != nil {
				return err
			}
			if !stand {
				still = append(still, m)
				continue
			}
			if reporter != nil {
				reporter.MotorIsDone(m.Name())
			}
		}
		pending = still
		if len(pending) > 0 {
			time.Sleep(POLL_INTERVAL)
		}
	}
	return nil
}

func motorNames(motors []*Motor) []string {
	names := make([]string, len(motors))
	for i, m := range motors {
		names[i] = m.Name()
	}
	return names
}

// driveToInitiator sends the motors toward one initiator until all of them assert it
// and returns the controller positions there.
func driveToInitiator(motors []*Motor, upper bool, stop StopIndicator, reporter WaitReporter) ([]float64, error) {
	shift := CALIBRATION_SHIFT
	if !upper {
		shift = -shift
	}

	atInitiator := func(m *Motor) (bool, error) {
		if upper {
			return m.AtTheEnd()
		}
		return m.AtTheBeginning()
	}

	for round := 0; ; round++ {
		var moving []*Motor
		for _, m := range motors {
			reached, err := atInitiator(m)
			if err != nil {
				return nil, err
			}
			if !reached {
				moving = append(moving, m)
			}
		}
		if len(moving) == 0 {
			break
		}
		if round == CALIBRATION_ROUNDS {
			side := "lower"
			if upper {
				side = "upper"
			}
			return nil, merrors.MotorError{Motor: moving[0].Name(), Reason: fmt.Sprintf("%s initiator not reached", side)}
		}

		for _, m := range moving {
			if err := m.Go(shift, CONTR, false); err != nil {
				return nil, err
			}
		}
		if err := waitMotorsStop(moving, stop, reporter); err != nil {
			return nil, err
		}
	}

	positions := make([]float64, len(motors))
	for i, m := range motors {
		pos, err := m.comm.GetPosition(m.Bus, m.Axis)
		if err != nil {
			return nil, err
		}
		positions[i] = pos
	}
	return positions, nil
}

// calibrateMotors runs the coordinated calibration. Results are applied only when every motor succeeded.
func calibrateMotors(motors []*Motor, stop StopIndicator, reporter WaitReporter) error {
	for _, m := range motors {
		if !m.IsCalibratable() {
			return merrors.CalibrationError{Motor: m.Name()}
		}
	}

	for _, m := range motors {
		m.calibrating.Store(true)
		defer m.calibrating.Store(false)
	}

	for _, m := range motors {
		if err := m.comm.PrepareCalibration(m.Bus, m.Axis); err != nil {
			return err
		}
	}

	ends, err := driveToInitiator(motors, true, stop, reporter)
	if err != nil {
		return err
	}
	beginnings, err := driveToInitiator(motors, false, stop, reporter)
	if err != nil {
		return err
	}

	for i, m := range motors {
		if ends[i] <= beginnings[i] {
			return merrors.MotorError{Motor: m.Name(), Reason: fmt.Sprintf("empty travel between initiators (%g, %g)", beginnings[i], ends[i])}
		}
		if both, _ := m.AtTheEnd(); both {
			return merrors.MotorError{Motor: m.Name(), Reason: "both initiators asserted"}
		}
	}

	for i, m := range motors {
		m.applyCalibration(beginnings[i], ends[i])
		m.log.WithFields(logrus.Fields{"beginning": beginnings[i], "end": ends[i]}).Info("motor calibrated")
	}
	return nil
}
