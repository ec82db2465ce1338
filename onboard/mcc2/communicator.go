// Package mcc2 speaks the command language of Phytron MCC-2 stepper controllers and emulates them.
package mcc2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/transport"
)

const (
	FIRMWARE_VERSION = ">=1.0.0"

	BUS_QUERY_RETRIES = 4
)

// Communicator encodes motor commands for MCC2 controllers reachable through one transport.
type Communicator struct {
	conn *transport.FramedConnection
	lock sync.Mutex
	log  *logrus.Entry
}

func NewCommunicator(t transport.Transport, log *logrus.Entry) *Communicator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Communicator{
		conn: transport.NewFramedConnection(t, transport.STX, transport.ETX),
		log:  log.WithField("component", "mcc2"),
	}
}

func axisPrefix(bus, axis int) string {
	return fmt.Sprintf("%X%d", bus, axis)
}

func busPrefix(bus int) string {
	return fmt.Sprintf("%X", bus)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// command sends one command and classifies the reply. The returned payload follows the ACK byte.
// Bytes left over from an earlier exchange, such as a reply arriving after its timeout, are discarded first.
func (c *Communicator) command(cmd string) (payload string, err error) {
	c.lock.Lock()
	if err := c.conn.ClearBuffer(); err != nil {
		c.lock.Unlock()
		return "", merrors.TransportError{Op: "clear", Err: err}
	}
	reply, err := c.conn.Execute([]byte(cmd))
	c.lock.Unlock()

	if err != nil {
		if errors.Is(err, merrors.ErrNoReply) {
			return "", merrors.ReplyError{Reason: "no reply", Command: cmd, Err: merrors.ErrNoReply}
		}
		var replyErr merrors.ReplyError
		if errors.As(err, &replyErr) {
			replyErr.Command = cmd
			return "", replyErr
		}
		return "", err
	}

	c.log.WithFields(logrus.Fields{"cmd": cmd, "reply": fmt.Sprintf("%q", reply)}).Debug("exchange")

	switch {
	case len(reply) > 0 && reply[0] == ACK:
		return string(reply[1:]), nil
	case len(reply) > 0 && reply[0] == NAK:
		return "", merrors.ControllerError{Command: cmd}
	default:
		return "", merrors.ReplyError{Reason: "unexpected reply", Command: cmd, Reply: reply}
	}
}

func (c *Communicator) numericCommand(cmd string) (value float64, err error) {
	payload, err := c.command(cmd)
	if err != nil {
		return
	}
	value, err = strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, merrors.ReplyError{Reason: "unexpected reply", Command: cmd, Reply: []byte(payload)}
	}
	return
}

func (c *Communicator) flagCommand(cmd string) (bool, error) {
	payload, err := c.command(cmd)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(payload) {
	case "E":
		return true, nil
	case "N":
		return false, nil
	}
	return false, merrors.ReplyError{Reason: "unexpected reply", Command: cmd, Reply: []byte(payload)}
}

func (c *Communicator) Go(shift float64, bus, axis int) error {
	sign := "+"
	if shift < 0 {
		sign = "-"
		shift = -shift
	}
	_, err := c.command(axisPrefix(bus, axis) + sign + formatNumber(shift))
	return err
}

func (c *Communicator) GoTo(destination float64, bus, axis int) error {
	_, err := c.command(axisPrefix(bus, axis) + "A" + formatNumber(destination))
	return err
}

func (c *Communicator) Stop(bus, axis int) error {
	_, err := c.command(axisPrefix(bus, axis) + "S")
	return err
}

func (c *Communicator) GetPosition(bus, axis int) (float64, error) {
	return c.numericCommand(fmt.Sprintf("%sP%d", axisPrefix(bus, axis), PARAM_POSITION))
}

func (c *Communicator) SetPosition(position float64, bus, axis int) error {
	_, err := c.command(fmt.Sprintf("%sP%dS%s", axisPrefix(bus, axis), PARAM_POSITION, formatNumber(position)))
	return err
}

func (c *Communicator) GetParameter(name string, bus, axis int) (float64, error) {
	n, ok := parameterNumber(name)
	if !ok {
		return 0, fmt.Errorf("unknown MCC2 parameter %q", name)
	}
	return c.numericCommand(fmt.Sprintf("%sP%d", axisPrefix(bus, axis), n))
}

func (c *Communicator) SetParameter(name string, value float64, bus, axis int) error {
	n, ok := parameterNumber(name)
	if !ok {
		return fmt.Errorf("unknown MCC2 parameter %q", name)
	}
	_, err := c.command(fmt.Sprintf("%sP%dS%s", axisPrefix(bus, axis), n, formatNumber(value)))
	return err
}

func (c *Communicator) MotorStand(bus, axis int) (bool, error) {
	return c.flagCommand(axisPrefix(bus, axis) + "=H")
}

func (c *Communicator) MotorAtTheBeg(bus, axis int) (bool, error) {
	return c.flagCommand(axisPrefix(bus, axis) + "=I-")
}

func (c *Communicator) MotorAtTheEnd(bus, axis int) (bool, error) {
	return c.flagCommand(axisPrefix(bus, axis) + "=I+")
}

// PrepareCalibration disables ramps and switches the axis to native step counts.
func (c *Communicator) PrepareCalibration(bus, axis int) error {
	for _, n := range []int{PARAM_MOVEMENT_TYPE, PARAM_MEASURING_UNIT, PARAM_CONVERSION_FACTOR} {
		if _, err := c.command(fmt.Sprintf("%sP%dS1", axisPrefix(bus, axis), n)); err != nil {
			return err
		}
	}
	return nil
}

// Version returns the firmware string reported by the controller on bus.
func (c *Communicator) Version(bus int) (string, error) {
	payload, err := c.command(busPrefix(bus) + "IVR")
	if err != nil {
		return "", err
	}
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "MCC") {
		return "", merrors.ReplyError{Reason: "unexpected reply", Command: busPrefix(bus) + "IVR", Reply: []byte(payload)}
	}
	return payload, nil
}

// CheckVersion verifies the firmware of bus against FIRMWARE_VERSION.
// Development builds reporting "DEV" are accepted.
func (c *Communicator) CheckVersion(bus int) (err error) {
	version, err := c.Version(bus)
	if err != nil {
		return
	}

	fields := strings.Fields(version)
	versionString := strings.TrimPrefix(fields[len(fields)-1], "v")
	if versionString == "DEV" {
		return nil
	}

	semVer, err := semver.NewVersion(versionString)
	if err != nil {
		return fmt.Errorf("controller on bus %d reports unparsable version %q", bus, version)
	}

	constraint, err := semver.NewConstraint(FIRMWARE_VERSION)
	if err != nil {
		return
	}
	if !constraint.Check(semVer) {
		err = fmt.Errorf("controller on bus %d: received version %s - require %s", bus, versionString, FIRMWARE_VERSION)
	}
	return
}

// answers asks bus for its version, retrying on timeouts only.
func (c *Communicator) answers(bus int) bool {
	for i := 0; i < BUS_QUERY_RETRIES; i++ {
		_, err := c.Version(bus)
		if err == nil {
			return true
		}
		if !errors.Is(err, merrors.ErrNoReply) {
			c.log.WithFields(logrus.Fields{"bus": bus, "error": err}).Warn("version query failed")
			return false
		}
	}
	return false
}

// BusList enumerates the busses 0..15 that answer a version query.
func (c *Communicator) BusList() (busses []int, err error) {
	for bus := 0; bus <= MAX_BUS; bus++ {
		if c.answers(bus) {
			busses = append(busses, bus)
		}
	}
	c.log.WithField("busses", busses).Debug("bus enumeration finished")
	return busses, nil
}

// AxesList returns the axes 1..N reported by the controller on bus.
func (c *Communicator) AxesList(bus int) (axes []int, err error) {
	n, err := c.numericCommand(busPrefix(bus) + "IAR")
	if err != nil {
		return
	}
	for axis := 1; axis <= int(n); axis++ {
		axes = append(axes, axis)
	}
	return
}

func (c *Communicator) SaveParametersInEprom(bus int) error {
	_, err := c.command(busPrefix(bus) + "SA")
	return err
}

// CheckConnection reports whether at least one controller answers.
func (c *Communicator) CheckConnection() (ok bool, report string) {
	busses, err := c.BusList()
	if err != nil {
		return false, err.Error()
	}
	if len(busses) == 0 {
		return false, "no MCC2 controller answered"
	}
	return true, fmt.Sprintf("MCC2 controllers found on busses %v", busses)
}

// CheckRawInputData validates a motor address from the input file.
func (c *Communicator) CheckRawInputData(bus, axis int) error {
	if bus < 0 || bus > MAX_BUS {
		return fmt.Errorf("bus %d out of range 0..%d", bus, MAX_BUS)
	}
	if axis < 1 || axis > MAX_AXIS {
		return fmt.Errorf("axis %d out of range 1..%d", axis, MAX_AXIS)
	}
	return nil
}

// ParameterNames returns the parameters accepted as columns of the motor input file.
func (c *Communicator) ParameterNames() []string {
	return inputFileParameters()
}

func (c *Communicator) ParameterDefault(name string) (float64, bool) {
	p, ok := PARAMETERS[name]
	return p.value, ok
}

func (c *Communicator) ParameterDescription(name string) string {
	return PARAMETERS[name].description
}

func (c *Communicator) SetTimeout(timeout time.Duration) {
	c.conn.SetTimeout(timeout)
}

func (c *Communicator) Close() error {
	return c.conn.Close()
}
