package motors

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// Box is the set of controllers reachable through one Communicator. It owns their motors.
type Box struct {
	Name        string
	comm        Communicator
	log         *logrus.Entry
	controllers map[int]*Controller
}

func NewBox(name string, comm Communicator, log *logrus.Entry) *Box {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Box{
		Name:        name,
		comm:        comm,
		log:         log.WithFields(logrus.Fields{"component": "box", "box": name}),
		controllers: make(map[int]*Controller),
	}
}

func (b *Box) Communicator() Communicator {
	return b.comm
}

// Discover enumerates busses and axes and creates motors with default configuration.
func (b *Box) Discover() (report []string, err error) {
	busses, err := b.comm.BusList()
	if err != nil {
		return nil, err
	}

	checker, _ := b.comm.(VersionChecker)
	for _, bus := range busses {
		controller, ok := b.controllers[bus]
		if !ok {
			controller = NewController(b.comm, bus, b.log)
			b.controllers[bus] = controller
		}
		if err = controller.MakeMotors(); err != nil {
			return
		}
		line := fmt.Sprintf("controller on bus %d with %d motors", bus, len(controller.motors))
		if checker != nil {
			if versionErr := checker.CheckVersion(bus); versionErr != nil {
				line += fmt.Sprintf(" (%v)", versionErr)
				b.log.WithField("bus", bus).Warn(versionErr)
			}
		}
		report = append(report, line)
	}
	return
}

// InitializeWithInputFile discovers the hardware and configures it from the motor input file.
// Configured but absent motors are reported and skipped.
func (b *Box) InitializeWithInputFile(path string) (string, error) {
	report, err := b.Discover()
	if err != nil {
		return "", err
	}
	if len(report) == 0 {
		report = append(report, "no controllers found")
	}

	if path != "" {
		records, err := ReadInputFile(path, b.comm)
		if err != nil {
			return "", err
		}
		lines, err := b.ApplyRecords(records)
		if err != nil {
			return "", err
		}
		report = append(report, lines...)
	}

	report = append(report, fmt.Sprintf("%d motors ready: %s", len(b.MotorsList()), strings.Join(b.MotorsNamesList(), ", ")))
	text := strings.Join(report, "\n")
	b.log.Info(text)
	return text, nil
}

// ApplyRecords configures discovered motors from input file rows.
func (b *Box) ApplyRecords(records []MotorRecord) (report []string, err error) {
	for _, record := range records {
		m, ok := b.motor(record.Address)
		if !ok {
			report = append(report, fmt.Sprintf("motor %q (bus %d, axis %d) is configured but not connected", record.Name, record.Address.Bus, record.Address.Axis))
			continue
		}

		config := m.Config()
		config.Name = record.Name
		config.WithInitiators = record.WithInitiators
		config.DisplayUnits = record.DisplayUnits
		config.DisplPerContr = record.DisplPerContr
		if err = m.SetConfig(config); err != nil {
			return
		}

		for name, value := range record.Parameters {
			if err = m.SetParameter(name, value); err != nil {
				return report, fmt.Errorf("motor %s: setting %s: %w", record.Name, name, err)
			}
		}
	}

	if err = b.checkNames(); err != nil {
		return
	}
	return report, nil
}

func (b *Box) checkNames() error {
	seen := make(map[string]Address)
	for _, m := range b.Motors() {
		if prev, dup := seen[m.Name()]; dup {
			return merrors.ReadConfigError{Reason: fmt.Sprintf("motor name %q used by %s and %s", m.Name(), prev, m.Address)}
		}
		seen[m.Name()] = m.Address
	}
	return nil
}

// MakeEmptyInputFile writes a template listing every discovered motor.
func (b *Box) MakeEmptyInputFile(path string) error {
	if len(b.controllers) == 0 {
		if _, err := b.Discover(); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = WriteEmptyInputFile(f, b.MotorsList(), b.comm.ParameterNames()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Controllers returns the controllers ordered by bus.
func (b *Box) Controllers() []*Controller {
	busses := make([]int, 0, len(b.controllers))
	for bus := range b.controllers {
		busses = append(busses, bus)
	}
	sort.Ints(busses)

	out := make([]*Controller, len(busses))
	for i, bus := range busses {
		out[i] = b.controllers[bus]
	}
	return out
}

// Motors returns every motor ordered by bus and axis.
func (b *Box) Motors() (motors []*Motor) {
	for _, c := range b.Controllers() {
		motors = append(motors, c.Motors()...)
	}
	return
}

func (b *Box) MotorsList() []Address {
	motors := b.Motors()
	addrs := make([]Address, len(motors))
	for i, m := range motors {
		addrs[i] = m.Address
	}
	return addrs
}

func (b *Box) MotorsNamesList() []string {
	return motorNames(b.Motors())
}

func (b *Box) motor(addr Address) (*Motor, bool) {
	c, ok := b.controllers[addr.Bus]
	if !ok {
		return nil, false
	}
	return c.Motor(addr.Axis)
}

func (b *Box) Motor(addr Address) (*Motor, error) {
	m, ok := b.motor(addr)
	if !ok {
		return nil, fmt.Errorf("box %s has no motor at bus %d axis %d", b.Name, addr.Bus, addr.Axis)
	}
	return m, nil
}

func (b *Box) MotorByName(name string) (*Motor, error) {
	for _, m := range b.Motors() {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("box %s has no motor named %q", b.Name, name)
}

func (b *Box) SetMotorsConfig(configs map[Address]MotorConfig) error {
	for addr, config := range configs {
		m, err := b.Motor(addr)
		if err != nil {
			return err
		}
		if err = m.SetConfig(config); err != nil {
			return err
		}
	}
	return b.checkNames()
}

// GetParameters reads every parameter the communicator knows from every motor.
func (b *Box) GetParameters() (map[Address]map[string]float64, error) {
	out := make(map[Address]map[string]float64)
	for _, m := range b.Motors() {
		params := make(map[string]float64)
		for _, name := range b.comm.ParameterNames() {
			v, err := m.ReadParameter(name)
			if err != nil {
				return nil, err
			}
			params[name] = v
		}
		out[m.Address] = params
	}
	return out, nil
}

func (b *Box) SetParameters(params map[Address]map[string]float64) error {
	for addr, values := range params {
		m, err := b.Motor(addr)
		if err != nil {
			return err
		}
		for name, v := range values {
			if err = m.SetParameter(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Box) AllMotorsStand() (bool, error) {
	for _, c := range b.controllers {
		running, err := c.MotorsRunning()
		if err != nil || running {
			return false, err
		}
	}
	return true, nil
}

func (b *Box) Stop() (err error) {
	for _, c := range b.Controllers() {
		if stopErr := c.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return
}

// CalibrateMotors calibrates the given motors together. An empty list selects every motor with initiators.
func (b *Box) CalibrateMotors(addrs []Address, stop StopIndicator, reporter WaitReporter) error {
	var motors []*Motor
	if len(addrs) == 0 {
		for _, m := range b.Motors() {
			if m.IsCalibratable() {
				motors = append(motors, m)
			}
		}
	}
	for _, addr := range addrs {
		m, err := b.Motor(addr)
		if err != nil {
			return err
		}
		motors = append(motors, m)
	}

	b.log.WithField("motors", motorNames(motors)).Info("calibration started")
	return calibrateMotors(motors, stop, reporter)
}

func (b *Box) SaveSessionData(path string) error {
	return saveSession(path, b.Motors())
}

// ReadSavedSessionData restores motors found in the session file and returns those that were absent.
func (b *Box) ReadSavedSessionData(path string) ([]Address, error) {
	missing, err := restoreSession(path, b.Motors())
	if err != nil {
		return nil, err
	}
	addrs := make([]Address, len(missing))
	for i, m := range missing {
		addrs[i] = m.Address
	}
	return addrs, nil
}
