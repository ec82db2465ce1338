// Package motors models stepper motors behind a controller Communicator: unit transforms, soft limits,
// calibration against initiators and aggregation into controllers, boxes and clusters.
package motors

import (
	"sync/atomic"
	"time"
)

// POLL_INTERVAL is the period of every wait loop on motor state.
const POLL_INTERVAL = 10 * time.Millisecond

// Communicator is the capability set a controller family implements. Positions are in controller units.
type Communicator interface {
	Go(shift float64, bus, axis int) error
	GoTo(destination float64, bus, axis int) error
	Stop(bus, axis int) error
	GetPosition(bus, axis int) (float64, error)
	SetPosition(position float64, bus, axis int) error
	GetParameter(name string, bus, axis int) (float64, error)
	SetParameter(name string, value float64, bus, axis int) error
	MotorStand(bus, axis int) (bool, error)
	MotorAtTheBeg(bus, axis int) (bool, error)
	MotorAtTheEnd(bus, axis int) (bool, error)
	PrepareCalibration(bus, axis int) error

	BusList() ([]int, error)
	AxesList(bus int) ([]int, error)
	CheckConnection() (ok bool, report string)
	CheckRawInputData(bus, axis int) error
	ParameterNames() []string
	ParameterDefault(name string) (float64, bool)
	ParameterDescription(name string) string
}

// EpromSaver is implemented by controllers that can persist their parameters.
type EpromSaver interface {
	SaveParametersInEprom(bus int) error
}

// VersionChecker is implemented by communicators able to verify controller firmware.
type VersionChecker interface {
	CheckVersion(bus int) error
}

// WaitReporter is told which motors a long operation is still waiting on.
type WaitReporter interface {
	WaitingFor(names []string)
	MotorIsDone(name string)
}

// StopIndicator is polled at every iteration of a wait loop.
type StopIndicator interface {
	HasStopRequested() bool
}

// StopFlag is a StopIndicator that can be raised from any goroutine.
type StopFlag struct {
	requested atomic.Bool
}

func (f *StopFlag) Request() {
	f.requested.Store(true)
}

func (f *StopFlag) Reset() {
	f.requested.Store(false)
}

func (f *StopFlag) HasStopRequested() bool {
	return f.requested.Load()
}

func stopRequested(stop StopIndicator) bool {
	return stop != nil && stop.HasStopRequested()
}
