package motors

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// Address locates a motor within its box.
type Address struct {
	Bus  int `json:"bus"`
	Axis int `json:"axis"`
}

func (a Address) String() string {
	return fmt.Sprintf("%d,%d", a.Bus, a.Axis)
}

// SoftLimits bound motion in normalized units. A nil bound is absent.
type SoftLimits struct {
	Lower *float64 `json:"lower"`
	Upper *float64 `json:"upper"`
}

// Bound makes an optional limit value.
func Bound(v float64) *float64 {
	return &v
}

func (l SoftLimits) Valid() bool {
	return l.Lower == nil || l.Upper == nil || *l.Lower <= *l.Upper
}

func (l SoftLimits) clamp(v float64) float64 {
	if l.Lower != nil && v < *l.Lower {
		v = *l.Lower
	}
	if l.Upper != nil && v > *l.Upper {
		v = *l.Upper
	}
	return v
}

func (l SoftLimits) empty() bool {
	return l.Lower == nil && l.Upper == nil
}

// Motor is one controller axis. Commands delegate to the Communicator with the motor's address.
type Motor struct {
	Address
	comm Communicator
	log  *logrus.Entry

	lock        sync.RWMutex
	config      MotorConfig
	softLimits  SoftLimits
	parameters  map[string]float64
	calibrating atomic.Bool
}

func NewMotor(comm Communicator, addr Address, config MotorConfig, log *logrus.Entry) *Motor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Motor{
		Address:    addr,
		comm:       comm,
		log:        log.WithFields(logrus.Fields{"bus": addr.Bus, "axis": addr.Axis}),
		config:     config,
		parameters: make(map[string]float64),
	}
}

func (m *Motor) Name() string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.config.Name
}

func (m *Motor) Config() MotorConfig {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.config
}

func (m *Motor) SetConfig(config MotorConfig) error {
	if err := config.Validate(); err != nil {
		return merrors.MotorError{Motor: config.Name, Reason: err.Error()}
	}
	m.lock.Lock()
	m.config = config
	m.lock.Unlock()
	return nil
}

// TransformUnits converts v with the motor's current configuration.
func (m *Motor) TransformUnits(v float64, from, to Units, rel bool) float64 {
	return m.Config().Transform(v, from, to, rel)
}

func (m *Motor) Position(units Units) (float64, error) {
	contr, err := m.comm.GetPosition(m.Bus, m.Axis)
	if err != nil {
		return 0, err
	}
	return m.TransformUnits(contr, CONTR, units, false), nil
}

// SetPosition rewrites the controller counter so that the motor reads value.
func (m *Motor) SetPosition(value float64, units Units) error {
	return m.comm.SetPosition(m.TransformUnits(value, units, CONTR, false), m.Bus, m.Axis)
}

func (m *Motor) limits() SoftLimits {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.softLimits
}

// GoTo moves to an absolute target. Targets beyond a soft limit are clamped to it.
func (m *Motor) GoTo(target float64, units Units, wait bool) error {
	config := m.Config()
	limits := m.limits()

	if !m.calibrating.Load() && !limits.empty() {
		if !limits.Valid() {
			return merrors.MotorError{Motor: config.Name, Reason: fmt.Sprintf("inverted soft limits (%g, %g)", *limits.Lower, *limits.Upper)}
		}
		norm := config.Transform(target, units, NORM, false)
		if clamped := limits.clamp(norm); clamped != norm {
			m.log.WithFields(logrus.Fields{"target": norm, "clamped": clamped}).Debug("target clamped to soft limit")
			target, units = clamped, NORM
		}
	}

	if err := m.comm.GoTo(config.Transform(target, units, CONTR, false), m.Bus, m.Axis); err != nil {
		return err
	}
	if wait {
		return m.WaitStop(nil)
	}
	return nil
}

// Go moves by shift. With soft limits the move becomes an absolute one to the clamped target.
func (m *Motor) Go(shift float64, units Units, wait bool) error {
	config := m.Config()

	if !m.calibrating.Load() && !m.limits().empty() {
		pos, err := m.Position(NORM)
		if err != nil {
			return err
		}
		return m.GoTo(pos+config.Transform(shift, units, NORM, true), NORM, wait)
	}

	if err := m.comm.Go(config.Transform(shift, units, CONTR, true), m.Bus, m.Axis); err != nil {
		return err
	}
	if wait {
		return m.WaitStop(nil)
	}
	return nil
}

// WaitStop blocks until the motor stands. A raised stop stops the motor and returns ErrStopped.
func (m *Motor) WaitStop(stop StopIndicator) error {
	return waitMotorsStop([]*Motor{m}, stop, nil)
}

func (m *Motor) Stop() error {
	return m.comm.Stop(m.Bus, m.Axis)
}

func (m *Motor) Stand() (bool, error) {
	return m.comm.MotorStand(m.Bus, m.Axis)
}

func (m *Motor) AtTheBeginning() (bool, error) {
	return m.comm.MotorAtTheBeg(m.Bus, m.Axis)
}

func (m *Motor) AtTheEnd() (bool, error) {
	return m.comm.MotorAtTheEnd(m.Bus, m.Axis)
}

func (m *Motor) ReadParameter(name string) (float64, error) {
	v, err := m.comm.GetParameter(name, m.Bus, m.Axis)
	if err != nil {
		return 0, err
	}
	m.lock.Lock()
	m.parameters[name] = v
	m.lock.Unlock()
	return v, nil
}

func (m *Motor) SetParameter(name string, value float64) error {
	if err := m.comm.SetParameter(name, value, m.Bus, m.Axis); err != nil {
		return err
	}
	m.lock.Lock()
	m.parameters[name] = value
	m.lock.Unlock()
	return nil
}

// Parameters returns the last known parameter values.
func (m *Motor) Parameters() map[string]float64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make(map[string]float64, len(m.parameters))
	for k, v := range m.parameters {
		out[k] = v
	}
	return out
}

// SetDisplayNull makes display units read zero at the normalized position norm.
func (m *Motor) SetDisplayNull(norm float64) {
	m.lock.Lock()
	m.config.DisplNull = norm
	m.lock.Unlock()
}

// SetDisplayNullHere makes the current position the display zero.
func (m *Motor) SetDisplayNullHere() error {
	pos, err := m.Position(NORM)
	if err != nil {
		return err
	}
	m.SetDisplayNull(pos)
	return nil
}

// SetSoftLimits stores limits given in units. Nil bounds clear the limit.
func (m *Motor) SetSoftLimits(lower, upper *float64, units Units) error {
	config := m.Config()
	var limits SoftLimits
	if lower != nil {
		limits.Lower = Bound(config.Transform(*lower, units, NORM, false))
	}
	if upper != nil {
		limits.Upper = Bound(config.Transform(*upper, units, NORM, false))
	}
	// a negative display scale swaps the bounds
	if limits.Lower != nil && limits.Upper != nil && *lower <= *upper && *limits.Lower > *limits.Upper {
		limits.Lower, limits.Upper = limits.Upper, limits.Lower
	}

	m.lock.Lock()
	m.softLimits = limits
	m.lock.Unlock()
	return nil
}

// SoftLimits returns the limits converted to units.
func (m *Motor) SoftLimits(units Units) (lower, upper *float64) {
	config := m.Config()
	limits := m.limits()
	if limits.Lower != nil {
		lower = Bound(config.Transform(*limits.Lower, NORM, units, false))
	}
	if limits.Upper != nil {
		upper = Bound(config.Transform(*limits.Upper, NORM, units, false))
	}
	return
}

func (m *Motor) IsCalibratable() bool {
	return m.Config().WithInitiators
}

// Calibrate finds both initiators and rescales the motor to 0..1000 normalized units.
func (m *Motor) Calibrate(stop StopIndicator, reporter WaitReporter) error {
	return calibrateMotors([]*Motor{m}, stop, reporter)
}

// Tol is one controller count in display units.
func (m *Motor) Tol() float64 {
	return math.Abs(m.TransformUnits(1, CONTR, DISPL, true))
}

func (m *Motor) applyCalibration(beginning, end float64) {
	m.lock.Lock()
	m.config.NullPosition = beginning
	m.config.NormPerContr = NORM_RANGE / (end - beginning)
	m.lock.Unlock()
}

func (m *Motor) String() string {
	return fmt.Sprintf("%s (%s)", m.Name(), m.Address)
}
