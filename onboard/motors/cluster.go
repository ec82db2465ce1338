package motors

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Cluster addresses motors of one or many boxes by name. It references the boxes without owning them.
type Cluster struct {
	boxes []*Box
	log   *logrus.Entry
}

func NewCluster(log *logrus.Entry, boxes ...*Box) (*Cluster, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Cluster{boxes: boxes, log: log.WithField("component", "cluster")}
	if err := c.CheckNames(); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckNames verifies that motor names are unique across all boxes.
func (c *Cluster) CheckNames() error {
	seen := make(map[string]string)
	for _, b := range c.boxes {
		for _, m := range b.Motors() {
			if box, dup := seen[m.Name()]; dup {
				return fmt.Errorf("motor name %q is used in box %s and box %s", m.Name(), box, b.Name)
			}
			seen[m.Name()] = b.Name
		}
	}
	return nil
}

func (c *Cluster) Boxes() []*Box {
	return c.boxes
}

func (c *Cluster) Motors() (motors []*Motor) {
	for _, b := range c.boxes {
		motors = append(motors, b.Motors()...)
	}
	return
}

func (c *Cluster) Names() []string {
	return motorNames(c.Motors())
}

func (c *Cluster) Motor(name string) (*Motor, error) {
	for _, m := range c.Motors() {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no motor named %q", name)
}

func (c *Cluster) lookup(names []string) ([]*Motor, error) {
	motors := make([]*Motor, len(names))
	for i, name := range names {
		m, err := c.Motor(name)
		if err != nil {
			return nil, err
		}
		motors[i] = m
	}
	return motors, nil
}

func (c *Cluster) move(values map[string]float64, units Units, wait bool, stop StopIndicator, relative bool) error {
	var moved []*Motor
	for name, v := range values {
		m, err := c.Motor(name)
		if err != nil {
			return err
		}
		if relative {
			err = m.Go(v, units, false)
		} else {
			err = m.GoTo(v, units, false)
		}
		if err != nil {
			return err
		}
		moved = append(moved, m)
	}
	if wait {
		return waitMotorsStop(moved, stop, nil)
	}
	return nil
}

// Go moves each named motor by its shift.
func (c *Cluster) Go(shifts map[string]float64, units Units, wait bool, stop StopIndicator) error {
	return c.move(shifts, units, wait, stop, true)
}

// GoTo moves each named motor to its target.
func (c *Cluster) GoTo(targets map[string]float64, units Units, wait bool, stop StopIndicator) error {
	return c.move(targets, units, wait, stop, false)
}

// WaitStop blocks until the named motors, or all motors when names is empty, stand.
func (c *Cluster) WaitStop(names []string, stop StopIndicator, reporter WaitReporter) error {
	motors := c.Motors()
	if len(names) > 0 {
		var err error
		if motors, err = c.lookup(names); err != nil {
			return err
		}
	}
	return waitMotorsStop(motors, stop, reporter)
}

func (c *Cluster) Stop() (err error) {
	for _, b := range c.boxes {
		if stopErr := b.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return
}

// CalibrateMotors calibrates the named motors together, across boxes. An empty list selects every motor with initiators.
func (c *Cluster) CalibrateMotors(names []string, stop StopIndicator, reporter WaitReporter) error {
	var motors []*Motor
	if len(names) == 0 {
		for _, m := range c.Motors() {
			if m.IsCalibratable() {
				motors = append(motors, m)
			}
		}
	} else {
		var err error
		if motors, err = c.lookup(names); err != nil {
			return err
		}
	}

	c.log.WithField("motors", motorNames(motors)).Info("calibration started")
	return calibrateMotors(motors, stop, reporter)
}

// sessionPath keeps one file per box since addresses are only unique within a box.
func (c *Cluster) sessionPath(path string, b *Box) string {
	if len(c.boxes) == 1 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + b.Name + ext
}

func (c *Cluster) SaveSessionData(path string) error {
	for _, b := range c.boxes {
		if err := b.SaveSessionData(c.sessionPath(path, b)); err != nil {
			return err
		}
	}
	return nil
}

// ReadSavedSessionData restores every box and returns the names of motors that still need calibration.
func (c *Cluster) ReadSavedSessionData(path string) (missing []string, err error) {
	for _, b := range c.boxes {
		addrs, err := b.ReadSavedSessionData(c.sessionPath(path, b))
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			m, _ := b.Motor(addr)
			missing = append(missing, m.Name())
		}
	}
	return missing, nil
}
