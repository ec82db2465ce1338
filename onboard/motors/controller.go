package motors

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Controller indexes the motors of one bus. The motors themselves are owned by the Box.
type Controller struct {
	Bus    int
	comm   Communicator
	log    *logrus.Entry
	motors map[int]*Motor
}

func NewController(comm Communicator, bus int, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		Bus:    bus,
		comm:   comm,
		log:    log.WithField("bus", bus),
		motors: make(map[int]*Motor),
	}
}

// MakeMotors creates a motor with default configuration for every axis the controller reports.
func (c *Controller) MakeMotors() error {
	axes, err := c.comm.AxesList(c.Bus)
	if err != nil {
		return err
	}
	for _, axis := range axes {
		if _, ok := c.motors[axis]; ok {
			continue
		}
		addr := Address{Bus: c.Bus, Axis: axis}
		c.motors[axis] = NewMotor(c.comm, addr, DefaultMotorConfig(fmt.Sprintf("Motor %d.%d", c.Bus, axis)), c.log)
	}
	c.log.WithField("axes", axes).Debug("motors created")
	return nil
}

// Motors returns the controller's motors ordered by axis.
func (c *Controller) Motors() []*Motor {
	axes := make([]int, 0, len(c.motors))
	for axis := range c.motors {
		axes = append(axes, axis)
	}
	sort.Ints(axes)

	motors := make([]*Motor, len(axes))
	for i, axis := range axes {
		motors[i] = c.motors[axis]
	}
	return motors
}

func (c *Controller) Motor(axis int) (*Motor, bool) {
	m, ok := c.motors[axis]
	return m, ok
}

func (c *Controller) MotorsRunning() (bool, error) {
	for _, m := range c.motors {
		stand, err := m.Stand()
		if err != nil {
			return false, err
		}
		if !stand {
			return true, nil
		}
	}
	return false, nil
}

// Stop stops every axis, returning the first error after trying all of them.
func (c *Controller) Stop() (err error) {
	for _, m := range c.Motors() {
		if stopErr := m.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return
}

func (c *Controller) SaveParametersInEprom() error {
	saver, ok := c.comm.(EpromSaver)
	if !ok {
		return fmt.Errorf("controller on bus %d cannot save parameters in EPROM", c.Bus)
	}
	return saver.SaveParametersInEprom(c.Bus)
}
